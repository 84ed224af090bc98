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

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/model"
	"go.opentelemetry.io/otel"
)

// ListAuditLog returns audit entries matching the filter in append order, newest first.
func (d Datasource) ListAuditLog(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	ctx, span := otel.Tracer("Audit").Start(ctx, "Listing audit log")
	defer span.End()

	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.EntityID != "" {
		add("entity_id = $%d", filter.EntityID)
	}
	if filter.PartnerID != "" {
		add("partner_id = $%d", filter.PartnerID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.TransactionType != "" {
		add("transaction_type = $%d", filter.TransactionType)
	}
	if filter.From != nil {
		add("timestamp >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("timestamp < $%d", *filter.To)
	}

	query := `
		SELECT log_id, timestamp, action, transaction_type, entity_id, partner_id, partner_name,
			performed_by, status, details, file_name, file_size, record_count, error_message
		FROM courier.audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit, offset := pagination(filter.Limit, filter.Offset)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query audit log", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AuditLogEntry
	for rows.Next() {
		var e model.AuditLogEntry
		var txnType, partnerID, partnerName, status, fileName, errorMessage sql.NullString
		var fileSize sql.NullInt64
		var recordCount sql.NullInt32
		err := rows.Scan(
			&e.LogID, &e.Timestamp, &e.Action, &txnType, &e.EntityID, &partnerID, &partnerName,
			&e.PerformedBy, &status, &e.Details, &fileName, &fileSize, &recordCount, &errorMessage,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan audit entry", err)
		}
		e.TransactionType = model.TransactionType(txnType.String)
		e.PartnerID = partnerID.String
		e.PartnerName = partnerName.String
		e.Status = status.String
		e.FileName = fileName.String
		e.FileSize = fileSize.Int64
		e.RecordCount = int(recordCount.Int32)
		e.ErrorMessage = errorMessage.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
