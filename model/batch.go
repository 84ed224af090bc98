package model

import "time"

type BatchStatus string

const (
	BatchStatusPending      BatchStatus = "PENDING"
	BatchStatusProcessing   BatchStatus = "PROCESSING"
	BatchStatusSent         BatchStatus = "SENT"
	BatchStatusAcknowledged BatchStatus = "ACKNOWLEDGED"
	BatchStatusFailed       BatchStatus = "FAILED"
	BatchStatusRejected     BatchStatus = "REJECTED"
)

// batchTransitions lists every legal move of the batch state machine.
// SENT -> FAILED and PROCESSING -> FAILED also cover operator force-fails.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPending:    {BatchStatusProcessing, BatchStatusFailed},
	BatchStatusProcessing: {BatchStatusSent, BatchStatusFailed},
	BatchStatusSent:       {BatchStatusAcknowledged, BatchStatusRejected, BatchStatusFailed},
}

// CanTransition reports whether a batch may move from one status to another.
func CanTransition(from, to BatchStatus) bool {
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is permitted.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchStatusAcknowledged || s == BatchStatusFailed || s == BatchStatusRejected
}

type IntegrationBatch struct {
	BatchID          string          `json:"batch_id"`
	BatchNumber      string          `json:"batch_number"`
	PartnerID        string          `json:"partner_id"`
	PartnerName      string          `json:"partner_name"`
	TransactionType  TransactionType `json:"transaction_type"`
	TransactionIDs   []string        `json:"transaction_ids"`
	TaskID           string          `json:"task_id,omitempty"`
	ExecutionID      string          `json:"execution_id,omitempty"`
	TotalRecords     int             `json:"total_records"`
	ProcessedRecords int             `json:"processed_records"`
	FailedRecords    int             `json:"failed_records"`
	FileName         string          `json:"file_name"`
	FileSize         int64           `json:"file_size"`
	FileChecksum     string          `json:"file_checksum,omitempty"`
	FileFormat       FileFormat      `json:"file_format"`
	DeliveryMethod   DeliveryMethod  `json:"delivery_method"`
	Status           BatchStatus     `json:"status"`
	ConfirmationRef  string          `json:"confirmation_ref,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	GeneratedAt      time.Time       `json:"generated_at"`
	SentAt           *time.Time      `json:"sent_at,omitempty"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CountersConsistent checks processed + failed <= total, with equality once terminal.
func (b *IntegrationBatch) CountersConsistent() bool {
	sum := b.ProcessedRecords + b.FailedRecords
	if b.Status.IsTerminal() {
		return sum == b.TotalRecords
	}
	return sum <= b.TotalRecords
}

type BatchFilter struct {
	PartnerID       string          `json:"partner_id,omitempty"`
	TransactionType TransactionType `json:"transaction_type,omitempty"`
	Status          BatchStatus     `json:"status,omitempty"`
	TaskID          string          `json:"task_id,omitempty"`
	From            *time.Time      `json:"from,omitempty"`
	To              *time.Time      `json:"to,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	Offset          int             `json:"offset,omitempty"`
	// OldestFirst orders by updated_at ascending instead of the default newest first.
	OldestFirst bool `json:"oldest_first,omitempty"`
}

// BatchStatistics summarises batches for the operator dashboard.
type BatchStatistics struct {
	TotalBatches     int64                 `json:"total_batches"`
	ByStatus         map[BatchStatus]int64 `json:"by_status"`
	TotalRecords     int64                 `json:"total_records"`
	ProcessedRecords int64                 `json:"processed_records"`
	FailedRecords    int64                 `json:"failed_records"`
}
