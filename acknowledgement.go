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
	"fmt"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

// Acknowledge closes a SENT batch as ACKNOWLEDGED. Anything other than SENT is an anomaly
// (duplicate or late callback): it is logged and reported as ErrInvalidTransition without
// writing anything.
func (c *Courier) Acknowledge(ctx context.Context, batchID, confirmationRef, actor string) (*model.IntegrationBatch, error) {
	ctx, span := tracer.Start(ctx, "Acknowledging batch")
	defer span.End()

	batch, err := c.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != model.BatchStatusSent {
		return batch, c.ignored(batch, "acknowledgement", actor)
	}

	now := c.now()
	batch.Status = model.BatchStatusAcknowledged
	batch.AcknowledgedAt = &now
	if confirmationRef != "" {
		batch.ConfirmationRef = confirmationRef
	}
	details := "acknowledged by partner"
	if batch.ConfirmationRef != "" {
		details = fmt.Sprintf("acknowledged by partner, confirmation %s", batch.ConfirmationRef)
	}
	if err := c.datasource.TransitionBatch(ctx, batch, model.BatchStatusSent, batchAuditEntry(batch, model.AuditBatchAcknowledged, actor, details)); err != nil {
		if isConflict(err) {
			return batch, c.ignored(batch, "acknowledgement", actor)
		}
		return nil, err
	}

	if err := c.datasource.MarkTransactionsAcknowledged(ctx, batch.BatchID); err != nil {
		logrus.WithField("batch_id", batch.BatchID).Errorf("failed to mark transactions acknowledged: %v", err)
	}
	c.emitBatchEvent(ctx, batch)
	return batch, nil
}

// Reject closes a SENT batch as REJECTED, keeping its SENT counters, and fails its
// transactions with the partner's reason.
func (c *Courier) Reject(ctx context.Context, batchID, reason, actor string) (*model.IntegrationBatch, error) {
	ctx, span := tracer.Start(ctx, "Rejecting batch")
	defer span.End()

	batch, err := c.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != model.BatchStatusSent {
		return batch, c.ignored(batch, "rejection", actor)
	}

	// the counters describe what was shipped; the rejection lives in status and error_message
	batch.Status = model.BatchStatusRejected
	batch.ErrorMessage = reason
	if err := c.datasource.TransitionBatch(ctx, batch, model.BatchStatusSent, batchAuditEntry(batch, model.AuditBatchRejected, actor, "rejected by partner: "+reason)); err != nil {
		if isConflict(err) {
			return batch, c.ignored(batch, "rejection", actor)
		}
		return nil, err
	}

	if err := c.datasource.MarkTransactionsFailed(ctx, batch.TransactionIDs, "rejected by partner: "+reason); err != nil {
		logrus.WithField("batch_id", batch.BatchID).Errorf("failed to mark rejected transactions failed: %v", err)
	}
	c.emitBatchEvent(ctx, batch)
	return batch, nil
}

// ForceFailBatch lets an operator close a batch that will never resolve on its own: one
// stuck in PROCESSING past the stale threshold, or one SENT that the partner never answered.
func (c *Courier) ForceFailBatch(ctx context.Context, batchID, reason, actor string) (*model.IntegrationBatch, error) {
	ctx, span := tracer.Start(ctx, "Force-failing batch")
	defer span.End()

	batch, err := c.datasource.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	from := batch.Status
	switch from {
	case model.BatchStatusSent:
	case model.BatchStatusProcessing:
		if age := c.now().Sub(batch.UpdatedAt); age < c.staleThreshold() {
			return batch, fmt.Errorf("%w: batch %s has only been processing for %s", ErrInvalidTransition, batchID, age.Round(time.Second))
		}
	default:
		return batch, fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, batchID, from)
	}

	if reason == "" {
		reason = "force-failed by operator"
	}
	batch.Status = model.BatchStatusFailed
	batch.ProcessedRecords = 0
	batch.FailedRecords = batch.TotalRecords
	batch.ErrorMessage = reason
	details := fmt.Sprintf("force-failed from %s: %s", from, reason)
	if err := c.datasource.TransitionBatch(ctx, batch, from, batchAuditEntry(batch, model.AuditBatchForceFailed, actor, details)); err != nil {
		if isConflict(err) {
			return batch, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"batch_id": batchID, "actor": actor, "from": from}).Warn("batch force-failed")
	if err := c.datasource.MarkTransactionsFailed(ctx, batch.TransactionIDs, reason); err != nil {
		logrus.WithField("batch_id", batchID).Errorf("failed to mark force-failed transactions: %v", err)
	}
	c.emitBatchEvent(ctx, batch)
	return batch, nil
}

func (c *Courier) ignored(batch *model.IntegrationBatch, what, actor string) error {
	logrus.WithFields(logrus.Fields{
		"batch_id": batch.BatchID,
		"status":   batch.Status,
		"actor":    actor,
	}).Warnf("ignoring %s for batch that is not SENT", what)
	return fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, batch.BatchID, batch.Status)
}
