package model

import "time"

type AuditAction string

const (
	AuditBatchGenerated    AuditAction = "BATCH_GENERATED"
	AuditBatchProcessing   AuditAction = "BATCH_PROCESSING"
	AuditBatchSent         AuditAction = "BATCH_SENT"
	AuditBatchFailed       AuditAction = "BATCH_FAILED"
	AuditBatchAcknowledged AuditAction = "BATCH_ACKNOWLEDGED"
	AuditBatchRejected     AuditAction = "BATCH_REJECTED"
	AuditBatchForceFailed  AuditAction = "BATCH_FORCE_FAILED"
	AuditTaskRunRecovered  AuditAction = "TASK_RUN_RECOVERED"
	AuditTaskRunCancelled  AuditAction = "TASK_RUN_CANCELLED"
)

// Actors recorded in performed_by when no operator is involved.
const (
	ActorCron      = "system:cron"
	ActorScheduler = "system:scheduler"
	ActorPoller    = "system:ack-poller"
)

// AuditLogEntry is append-only. Entries are written in the same unit of work as the transition they describe.
type AuditLogEntry struct {
	LogID           string          `json:"log_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Action          AuditAction     `json:"action"`
	TransactionType TransactionType `json:"transaction_type,omitempty"`
	EntityID        string          `json:"entity_id"`
	PartnerID       string          `json:"partner_id,omitempty"`
	PartnerName     string          `json:"partner_name,omitempty"`
	PerformedBy     string          `json:"performed_by"`
	Status          string          `json:"status"`
	Details         string          `json:"details"`
	FileName        string          `json:"file_name,omitempty"`
	FileSize        int64           `json:"file_size,omitempty"`
	RecordCount     int             `json:"record_count,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

type AuditFilter struct {
	EntityID        string          `json:"entity_id,omitempty"`
	PartnerID       string          `json:"partner_id,omitempty"`
	Action          AuditAction     `json:"action,omitempty"`
	TransactionType TransactionType `json:"transaction_type,omitempty"`
	From            *time.Time      `json:"from,omitempty"`
	To              *time.Time      `json:"to,omitempty"`
	Limit           int             `json:"limit,omitempty"`
	Offset          int             `json:"offset,omitempty"`
}
