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

package courier

import (
	"context"

	"github.com/blnkfinance/courier/model"
)

// ListAuditLog returns audit entries matching the filter, newest first.
// Entries are only ever written by the datasource inside the transition they describe.
func (c *Courier) ListAuditLog(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	ctx, span := tracer.Start(ctx, "Listing audit log")
	defer span.End()

	return c.datasource.ListAuditLog(ctx, filter)
}

// BatchAuditTrail returns every entry recorded against a batch.
func (c *Courier) BatchAuditTrail(ctx context.Context, batchID string) ([]model.AuditLogEntry, error) {
	return c.datasource.ListAuditLog(ctx, model.AuditFilter{EntityID: batchID, Limit: 500})
}

func batchAuditEntry(batch *model.IntegrationBatch, action model.AuditAction, actor, details string) *model.AuditLogEntry {
	return &model.AuditLogEntry{
		Action:          action,
		TransactionType: batch.TransactionType,
		EntityID:        batch.BatchID,
		PartnerID:       batch.PartnerID,
		PartnerName:     batch.PartnerName,
		PerformedBy:     actor,
		Status:          string(batch.Status),
		Details:         details,
		FileName:        batch.FileName,
		FileSize:        batch.FileSize,
		RecordCount:     batch.TotalRecords,
		ErrorMessage:    batch.ErrorMessage,
	}
}

func taskAuditEntry(task *model.ScheduledTask, action model.AuditAction, actor, details string) *model.AuditLogEntry {
	return &model.AuditLogEntry{
		Action:      action,
		EntityID:    task.TaskID,
		PartnerID:   task.PartnerID,
		PerformedBy: actor,
		Status:      string(model.RunStatusFailed),
		Details:     details,
	}
}
