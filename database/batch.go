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
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const batchColumns = `batch_id, batch_number, partner_id, partner_name, transaction_type, transaction_ids,
	task_id, execution_id, total_records, processed_records, failed_records, file_name, file_size,
	file_checksum, file_format, delivery_method, status, confirmation_ref, error_message,
	generated_at, sent_at, acknowledged_at, updated_at`

func scanBatch(row rowScanner) (*model.IntegrationBatch, error) {
	b := &model.IntegrationBatch{}
	var partnerName, taskID, executionID, fileName, checksum, confirmationRef, errorMessage sql.NullString
	var sentAt, acknowledgedAt sql.NullTime

	err := row.Scan(
		&b.BatchID, &b.BatchNumber, &b.PartnerID, &partnerName, &b.TransactionType, pq.Array(&b.TransactionIDs),
		&taskID, &executionID, &b.TotalRecords, &b.ProcessedRecords, &b.FailedRecords, &fileName, &b.FileSize,
		&checksum, &b.FileFormat, &b.DeliveryMethod, &b.Status, &confirmationRef, &errorMessage,
		&b.GeneratedAt, &sentAt, &acknowledgedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.PartnerName = partnerName.String
	b.TaskID = taskID.String
	b.ExecutionID = executionID.String
	b.FileName = fileName.String
	b.FileChecksum = checksum.String
	b.ConfirmationRef = confirmationRef.String
	b.ErrorMessage = errorMessage.String
	b.SentAt = timePtr(sentAt)
	b.AcknowledgedAt = timePtr(acknowledgedAt)
	return b, nil
}

// NextBatchSequence atomically allocates the next per-day batch sequence number.
func (d Datasource) NextBatchSequence(ctx context.Context, date time.Time) (int64, error) {
	ctx, span := otel.Tracer("Batch").Start(ctx, "Allocating batch sequence")
	defer span.End()

	var seq int64
	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO courier.batch_sequences (seq_date, value) VALUES ($1, 1)
		ON CONFLICT (seq_date) DO UPDATE SET value = courier.batch_sequences.value + 1
		RETURNING value`, date.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to allocate batch sequence", err)
	}
	return seq, nil
}

// CreateBatch inserts a PENDING batch together with its creation audit entry.
func (d Datasource) CreateBatch(ctx context.Context, batch *model.IntegrationBatch, entry *model.AuditLogEntry) error {
	ctx, span := otel.Tracer("Batch").Start(ctx, "Saving batch to db")
	defer span.End()

	return d.execTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO courier.integration_batches (
				batch_id, batch_number, partner_id, partner_name, transaction_type, transaction_ids,
				task_id, execution_id, total_records, processed_records, failed_records, file_name, file_size,
				file_checksum, file_format, delivery_method, status, generated_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`,
			batch.BatchID, batch.BatchNumber, batch.PartnerID, nullString(batch.PartnerName), batch.TransactionType,
			pq.Array(batch.TransactionIDs), nullString(batch.TaskID), nullString(batch.ExecutionID), batch.TotalRecords,
			batch.ProcessedRecords, batch.FailedRecords, nullString(batch.FileName), batch.FileSize,
			nullString(batch.FileChecksum), batch.FileFormat, batch.DeliveryMethod, batch.Status, batch.GeneratedAt,
		)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create batch", err)
		}
		return insertAuditEntry(ctx, tx, entry)
	})
}

// TransitionBatch moves a batch out of `from` and appends the audit entry in the same transaction.
// A batch no longer in `from` yields a conflict and nothing is written.
func (d Datasource) TransitionBatch(ctx context.Context, batch *model.IntegrationBatch, from model.BatchStatus, entry *model.AuditLogEntry) error {
	ctx, span := otel.Tracer("Batch").Start(ctx, "Transitioning batch")
	defer span.End()

	if !model.CanTransition(from, batch.Status) {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("illegal batch transition %s -> %s", from, batch.Status), nil)
	}

	return d.execTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE courier.integration_batches
			SET status = $2, processed_records = $3, failed_records = $4, sent_at = $5, acknowledged_at = $6,
				confirmation_ref = $7, error_message = $8, file_checksum = $9, updated_at = NOW()
			WHERE batch_id = $1 AND status = $10`,
			batch.BatchID, batch.Status, batch.ProcessedRecords, batch.FailedRecords, nullTime(batch.SentAt),
			nullTime(batch.AcknowledgedAt), nullString(batch.ConfirmationRef), nullString(batch.ErrorMessage),
			nullString(batch.FileChecksum), from,
		)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update batch status", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
		}
		if rows == 0 {
			return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("batch '%s' is no longer %s", batch.BatchID, from), nil)
		}
		return insertAuditEntry(ctx, tx, entry)
	})
}

// GetBatch retrieves a batch by its ID.
func (d Datasource) GetBatch(ctx context.Context, id string) (*model.IntegrationBatch, error) {
	ctx, span := otel.Tracer("Batch").Start(ctx, "Fetching batch from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM courier.integration_batches WHERE batch_id = $1`, id)
	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Batch with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve batch", err)
	}
	return b, nil
}

func batchWhere(filter model.BatchFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.PartnerID != "" {
		add("partner_id = $%d", filter.PartnerID)
	}
	if filter.TransactionType != "" {
		add("transaction_type = $%d", filter.TransactionType)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.TaskID != "" {
		add("task_id = $%d", filter.TaskID)
	}
	if filter.From != nil {
		add("updated_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("updated_at < $%d", *filter.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListBatches returns batches matching the filter, most recently updated first unless the
// filter asks for the oldest first.
// From/To bound updated_at so the same filter finds stale PROCESSING or overdue SENT batches.
func (d Datasource) ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.IntegrationBatch, error) {
	ctx, span := otel.Tracer("Batch").Start(ctx, "Listing batches")
	defer span.End()

	where, args := batchWhere(filter)
	limit, offset := pagination(filter.Limit, filter.Offset)
	args = append(args, limit, offset)
	order := "updated_at DESC"
	if filter.OldestFirst {
		order = "updated_at ASC, batch_id ASC"
	}
	query := `SELECT ` + batchColumns + ` FROM courier.integration_batches` + where +
		fmt.Sprintf(" ORDER BY %s LIMIT $%d OFFSET $%d", order, len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query batches", err)
	}
	defer func() { _ = rows.Close() }()

	var batches []model.IntegrationBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan batch", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// GetBatchStatistics aggregates batch counts per status and record totals.
func (d Datasource) GetBatchStatistics(ctx context.Context, filter model.BatchFilter) (*model.BatchStatistics, error) {
	ctx, span := otel.Tracer("Batch").Start(ctx, "Aggregating batch statistics")
	defer span.End()

	where, args := batchWhere(filter)
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_records), 0), COALESCE(SUM(processed_records), 0),
			COALESCE(SUM(failed_records), 0)
		FROM courier.integration_batches`+where+`
		GROUP BY status`, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to aggregate batches", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &model.BatchStatistics{ByStatus: map[model.BatchStatus]int64{}}
	for rows.Next() {
		var status model.BatchStatus
		var count, total, processed, failed int64
		if err := rows.Scan(&status, &count, &total, &processed, &failed); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan batch statistics", err)
		}
		stats.ByStatus[status] = count
		stats.TotalBatches += count
		stats.TotalRecords += total
		stats.ProcessedRecords += processed
		stats.FailedRecords += failed
	}
	return stats, rows.Err()
}
