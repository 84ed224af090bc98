package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TxnStatusPending      TransactionStatus = "PENDING"
	TxnStatusProcessing   TransactionStatus = "PROCESSING"
	TxnStatusProcessed    TransactionStatus = "PROCESSED"
	TxnStatusFailed       TransactionStatus = "FAILED"
	TxnStatusAcknowledged TransactionStatus = "ACKNOWLEDGED"
)

// TransactionRef is a pending domain transaction as exposed by the transaction source.
type TransactionRef struct {
	TransactionID   string                 `json:"transaction_id"`
	TransactionType TransactionType        `json:"transaction_type"`
	PartnerID       string                 `json:"partner_id"`
	ProductID       string                 `json:"product_id,omitempty"`
	Reference       string                 `json:"reference"`
	Amount          decimal.Decimal        `json:"amount"`
	Currency        string                 `json:"currency"`
	Payload         map[string]interface{} `json:"payload"`
	Status          TransactionStatus      `json:"status"`
	BatchID         string                 `json:"batch_id,omitempty"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Values flattens the transaction into the field map used by file layouts.
// Payload keys win over the top-level columns so partners can override them.
func (t *TransactionRef) Values() map[string]interface{} {
	values := map[string]interface{}{
		"transaction_id":   t.TransactionID,
		"transaction_type": string(t.TransactionType),
		"partner_id":       t.PartnerID,
		"product_id":       t.ProductID,
		"reference":        t.Reference,
		"amount":           t.Amount,
		"currency":         t.Currency,
		"created_at":       t.CreatedAt,
	}
	for k, v := range t.Payload {
		values[k] = v
	}
	return values
}

// ClaimResult reports which transactions a claim won. Partial success is allowed.
type ClaimResult struct {
	Claimed []string `json:"claimed"`
	Skipped []string `json:"skipped"`
}

type EligibleQuery struct {
	PartnerID       string
	TransactionType TransactionType
	ProductID       string
	Limit           int
}
