/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/model"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
)

// ListEligibleTransactions returns unclaimed PENDING transactions for a partner and type, oldest first.
func (d Datasource) ListEligibleTransactions(ctx context.Context, q model.EligibleQuery) ([]model.TransactionRef, error) {
	ctx, span := otel.Tracer("TransactionSource").Start(ctx, "Listing eligible transactions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, transaction_type, partner_id, product_id, reference, amount, currency,
			payload, status, created_at
		FROM courier.pending_transactions
		WHERE partner_id = $1 AND transaction_type = $2 AND status = 'PENDING' AND batch_id IS NULL
			AND ($3 = '' OR product_id = $3)
		ORDER BY created_at ASC
		LIMIT $4`, q.PartnerID, q.TransactionType, q.ProductID, q.Limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query eligible transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []model.TransactionRef
	for rows.Next() {
		var ref model.TransactionRef
		var productID, reference, currency sql.NullString
		var amount string
		var payload []byte
		err := rows.Scan(
			&ref.TransactionID, &ref.TransactionType, &ref.PartnerID, &productID, &reference, &amount,
			&currency, &payload, &ref.Status, &ref.CreatedAt,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction", err)
		}
		ref.ProductID = productID.String
		ref.Reference = reference.String
		ref.Currency = currency.String
		if ref.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to parse transaction amount", err)
		}
		if len(payload) > 0 {
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.UseNumber()
			if err := dec.Decode(&ref.Payload); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to decode transaction payload", err)
			}
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ClaimTransactions marks transactions as PROCESSING for a batch. Only rows still PENDING are
// taken, so concurrent claimers can never both win the same transaction.
func (d Datasource) ClaimTransactions(ctx context.Context, batchID string, ids []string) (model.ClaimResult, error) {
	ctx, span := otel.Tracer("TransactionSource").Start(ctx, "Claiming transactions")
	defer span.End()

	result := model.ClaimResult{}
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE courier.pending_transactions
		SET status = 'PROCESSING', batch_id = $1, updated_at = NOW()
		WHERE transaction_id = ANY($2) AND status = 'PENDING' AND batch_id IS NULL
		RETURNING transaction_id`, batchID, pq.Array(ids))
	if err != nil {
		return result, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim transactions", err)
	}
	defer func() { _ = rows.Close() }()

	won := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return result, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan claimed transaction", err)
		}
		won[id] = true
	}
	if err := rows.Err(); err != nil {
		return result, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim transactions", err)
	}

	// keep the caller's order so file rows follow the eligibility order
	for _, id := range ids {
		if won[id] {
			result.Claimed = append(result.Claimed, id)
		} else {
			result.Skipped = append(result.Skipped, id)
		}
	}
	return result, nil
}

// MarkTransactionsProcessed records that a batch carrying the transactions was delivered.
func (d Datasource) MarkTransactionsProcessed(ctx context.Context, batchID string, ids []string) error {
	ctx, span := otel.Tracer("TransactionSource").Start(ctx, "Marking transactions processed")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.pending_transactions
		SET status = 'PROCESSED', updated_at = NOW()
		WHERE batch_id = $1 AND status = 'PROCESSING' AND transaction_id = ANY($2)`, batchID, pq.Array(ids))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark transactions processed", err)
	}
	return nil
}

// MarkTransactionsFailed flags transactions that could not be shipped. Rows already FAILED keep their first reason.
func (d Datasource) MarkTransactionsFailed(ctx context.Context, ids []string, reason string) error {
	ctx, span := otel.Tracer("TransactionSource").Start(ctx, "Marking transactions failed")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.pending_transactions
		SET status = 'FAILED', failure_reason = $2, updated_at = NOW()
		WHERE transaction_id = ANY($1) AND status <> 'FAILED'`, pq.Array(ids), reason)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark transactions failed", err)
	}
	return nil
}

// MarkTransactionsAcknowledged closes out every delivered transaction of an acknowledged batch.
func (d Datasource) MarkTransactionsAcknowledged(ctx context.Context, batchID string) error {
	ctx, span := otel.Tracer("TransactionSource").Start(ctx, "Marking transactions acknowledged")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.pending_transactions
		SET status = 'ACKNOWLEDGED', updated_at = NOW()
		WHERE batch_id = $1 AND status = 'PROCESSED'`, batchID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark transactions acknowledged", err)
	}
	return nil
}

// ReleaseTransactions returns claimed transactions to the eligible pool after a failed dispatch.
func (d Datasource) ReleaseTransactions(ctx context.Context, batchID string, ids []string) error {
	ctx, span := otel.Tracer("TransactionSource").Start(ctx, "Releasing transactions")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.pending_transactions
		SET status = 'PENDING', batch_id = NULL, updated_at = NOW()
		WHERE batch_id = $1 AND status = 'PROCESSING' AND transaction_id = ANY($2)`, batchID, pq.Array(ids))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release transactions", err)
	}
	return nil
}
