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
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/courier/internal/notification"
	"github.com/blnkfinance/courier/internal/transport"
	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

const defaultSendTimeout = 60 * time.Second

// Dispatch ships a PENDING batch. The batch moves to PROCESSING, the transport gets one
// attempt bounded by the method's timeout, and the batch ends SENT or FAILED. A failed
// delivery releases the claims so the next run picks the transactions up again.
// The returned batch is never nil.
func (c *Courier) Dispatch(ctx context.Context, batch *model.IntegrationBatch, file *transport.File, target model.DeliveryTarget, actor string) (*model.IntegrationBatch, error) {
	ctx, span := tracer.Start(ctx, "Dispatching batch")
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"batch_id":     batch.BatchID,
		"batch_number": batch.BatchNumber,
		"partner_id":   batch.PartnerID,
		"method":       target.Method,
	})

	if batch.Status != model.BatchStatusPending || file == nil {
		return batch, fmt.Errorf("%w: batch %s is %s", ErrInvalidTransition, batch.BatchID, batch.Status)
	}

	batch.Status = model.BatchStatusProcessing
	entry := batchAuditEntry(batch, model.AuditBatchProcessing, actor, "dispatching to "+target.Describe())
	if err := c.datasource.TransitionBatch(ctx, batch, model.BatchStatusPending, entry); err != nil {
		batch.Status = model.BatchStatusPending
		if isConflict(err) {
			return batch, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return batch, err
	}
	batch.UpdatedAt = c.now()

	receipt, sendErr := c.send(ctx, *file, target)
	if sendErr != nil {
		log.Errorf("delivery failed: %v", sendErr)
		if err := c.failDispatch(ctx, batch, sendErr, actor); err != nil {
			return batch, errors.Join(sendErr, err)
		}
		return batch, sendErr
	}

	sentAt := c.now()
	batch.Status = model.BatchStatusSent
	batch.SentAt = &sentAt
	batch.ProcessedRecords = batch.TotalRecords - batch.FailedRecords
	if receipt != nil {
		batch.ConfirmationRef = receipt.Reference
	}
	details := fmt.Sprintf("delivered %s to %s", file.Name, target.Describe())
	if receipt != nil && receipt.Location != "" {
		details = fmt.Sprintf("delivered %s to %s", file.Name, receipt.Location)
	}
	if err := c.datasource.TransitionBatch(ctx, batch, model.BatchStatusProcessing, batchAuditEntry(batch, model.AuditBatchSent, actor, details)); err != nil {
		// The file is out but the batch moved under us, typically a force-fail during a slow send.
		log.Warnf("delivered batch could not be marked SENT: %v", err)
		notification.NotifyError(fmt.Errorf("batch %s delivered but not marked SENT: %w", batch.BatchID, err))
		if isConflict(err) {
			return batch, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return batch, err
	}
	batch.UpdatedAt = sentAt

	if err := c.datasource.MarkTransactionsProcessed(ctx, batch.BatchID, batch.TransactionIDs); err != nil {
		log.Errorf("failed to mark transactions processed: %v", err)
		notification.NotifyError(fmt.Errorf("batch %s sent but transactions not marked processed: %w", batch.BatchID, err))
	}

	log.WithField("records", batch.ProcessedRecords).Info("batch sent")
	c.emitBatchEvent(ctx, batch)
	return batch, nil
}

// failDispatch records a delivery failure and releases the claims of the batch.
func (c *Courier) failDispatch(ctx context.Context, batch *model.IntegrationBatch, cause error, actor string) error {
	ctx = context.WithoutCancel(ctx)
	batch.Status = model.BatchStatusFailed
	batch.ProcessedRecords = 0
	batch.FailedRecords = batch.TotalRecords
	batch.SentAt = nil
	batch.ErrorMessage = cause.Error()

	entry := batchAuditEntry(batch, model.AuditBatchFailed, actor, "delivery failed")
	if err := c.datasource.TransitionBatch(ctx, batch, model.BatchStatusProcessing, entry); err != nil {
		return err
	}
	batch.UpdatedAt = c.now()

	if err := c.datasource.ReleaseTransactions(ctx, batch.BatchID, batch.TransactionIDs); err != nil {
		logrus.WithField("batch_id", batch.BatchID).Errorf("failed to release transactions: %v", err)
	}
	c.emitBatchEvent(ctx, batch)
	return nil
}

type sendResult struct {
	receipt *transport.Receipt
	err     error
}

// send runs the transport under the method's timeout. A transport that ignores its context
// is abandoned when the deadline passes and its late result is dropped.
func (c *Courier) send(ctx context.Context, file transport.File, target model.DeliveryTarget) (*transport.Receipt, error) {
	tr, ok := c.transports[target.Method]
	if !ok || tr == nil {
		return nil, fmt.Errorf("%w: no transport configured for %s", ErrTransport, target.Method)
	}

	timeout := c.timeouts[target.Method]
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		receipt, err := tr.Send(sendCtx, file, target)
		done <- sendResult{receipt: receipt, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.receipt, nil
		}
		if errors.Is(res.err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrTransportTimeout, timeout, res.err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, res.err)
	case <-sendCtx.Done():
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTransportTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, sendCtx.Err())
	}
}

func (c *Courier) staleThreshold() time.Duration {
	if c.config == nil {
		return 2 * defaultSendTimeout
	}
	return c.config.StaleThreshold()
}
