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

	"github.com/blnkfinance/courier/internal/files"
	"github.com/blnkfinance/courier/internal/transport"
	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

// BuildResult is the outcome of one build. NoOp is set when nothing was eligible or every
// eligible transaction was claimed by a concurrent build first.
type BuildResult struct {
	NoOp    bool
	Batch   *model.IntegrationBatch
	File    *transport.File
	Target  model.DeliveryTarget
	Skipped []string
}

// delivery is the resolved file format and destination of a build.
type delivery struct {
	format model.FileFormat
	target model.DeliveryTarget
}

// resolveDelivery applies the task's delivery template over the partner's defaults.
func resolveDelivery(task *model.ScheduledTask, cfg *model.IntegrationConfig) delivery {
	d := delivery{format: cfg.FileFormat, target: cfg.DeliveryTarget}
	if task == nil || !task.Delivery.GenerateFile {
		return d
	}
	if task.Delivery.FileFormat != "" {
		d.format = task.Delivery.FileFormat
	}
	if task.Delivery.Target != nil {
		d.target = *task.Delivery.Target
	}
	return d
}

// BuildBatch claims the eligible transactions of one partner and type and renders them into
// a PENDING batch. Records that cannot be rendered are marked failed in the source and
// counted in failed_records; when none can be rendered the batch goes straight to FAILED.
func (c *Courier) BuildBatch(ctx context.Context, task *model.ScheduledTask, cfg *model.IntegrationConfig, txnType model.TransactionType, runID, actor string) (*BuildResult, error) {
	ctx, span := tracer.Start(ctx, "Building batch")
	defer span.End()

	if cfg == nil || !cfg.IsActive {
		return nil, fmt.Errorf("%w: partner is missing or inactive", ErrConfigNotFound)
	}
	if !cfg.Supports(txnType) {
		return nil, fmt.Errorf("%w: partner %s does not accept %s", ErrConfigNotFound, cfg.PartnerID, txnType)
	}

	d := resolveDelivery(task, cfg)
	serializer, err := files.For(d.format)
	if err != nil {
		return nil, err
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = c.defaultBatchSize()
	}
	query := model.EligibleQuery{PartnerID: cfg.PartnerID, TransactionType: txnType, Limit: batchSize}
	if task != nil {
		query.ProductID = task.ProductID
	}
	eligible, err := c.datasource.ListEligibleTransactions(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return &BuildResult{NoOp: true}, nil
	}

	batchID := model.GenerateUUIDWithSuffix("batch")
	ids := make([]string, len(eligible))
	for i, ref := range eligible {
		ids[i] = ref.TransactionID
	}
	claim, err := c.datasource.ClaimTransactions(ctx, batchID, ids)
	if err != nil {
		return nil, err
	}
	if len(claim.Claimed) == 0 {
		return &BuildResult{NoOp: true, Skipped: claim.Skipped}, nil
	}
	if len(claim.Skipped) > 0 {
		logrus.WithFields(logrus.Fields{"partner_id": cfg.PartnerID, "skipped": len(claim.Skipped)}).
			Info("transactions claimed by a concurrent batch were skipped")
	}

	claimed := claimedRecords(eligible, claim.Claimed)
	batch, file, err := c.assembleBatch(ctx, task, cfg, txnType, d, serializer, claimed, batchID, runID, actor)
	if err != nil {
		if releaseErr := c.datasource.ReleaseTransactions(ctx, batchID, claim.Claimed); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		return nil, err
	}

	return &BuildResult{Batch: batch, File: file, Target: d.target, Skipped: claim.Skipped}, nil
}

// TriggerBatch builds and ships one batch for a partner and transaction type outside any
// schedule. It returns a nil batch when nothing was eligible. A batch whose every record
// failed serialization is returned FAILED without a send.
func (c *Courier) TriggerBatch(ctx context.Context, partnerID string, txnType model.TransactionType, actor string) (*model.IntegrationBatch, error) {
	ctx, span := tracer.Start(ctx, "Triggering batch")
	defer span.End()

	cfg, err := c.GetIntegrationConfig(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	result, err := c.BuildBatch(ctx, nil, cfg, txnType, "", actor)
	if err != nil {
		return nil, err
	}
	if result.NoOp {
		logrus.WithFields(logrus.Fields{"partner_id": partnerID, "transaction_type": txnType}).Info("manual trigger found nothing to ship")
		return nil, nil
	}
	if result.Batch.Status == model.BatchStatusFailed {
		return result.Batch, nil
	}
	return c.Dispatch(ctx, result.Batch, result.File, result.Target, actor)
}

func claimedRecords(eligible []model.TransactionRef, claimed []string) []model.TransactionRef {
	won := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		won[id] = true
	}
	records := make([]model.TransactionRef, 0, len(claimed))
	for _, ref := range eligible {
		if won[ref.TransactionID] {
			records = append(records, ref)
		}
	}
	return records
}

// assembleBatch renders the claimed records and persists the batch. Any error returned
// before the batch is created leaves the claims for the caller to release.
func (c *Courier) assembleBatch(ctx context.Context, task *model.ScheduledTask, cfg *model.IntegrationConfig, txnType model.TransactionType,
	d delivery, serializer files.Serializer, records []model.TransactionRef, batchID, runID, actor string) (*model.IntegrationBatch, *transport.File, error) {
	rendered, err := serializer.Serialize(records, files.LayoutFor(cfg))
	if err != nil {
		return nil, nil, err
	}

	generatedAt := c.now()
	seq, err := c.datasource.NextBatchSequence(ctx, generatedAt)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(records))
	for i, ref := range records {
		ids[i] = ref.TransactionID
	}
	failedIDs := rendered.FailedIDs()
	batch := &model.IntegrationBatch{
		BatchID:         batchID,
		BatchNumber:     model.BatchNumber(generatedAt, seq),
		PartnerID:       cfg.PartnerID,
		PartnerName:     cfg.PartnerName,
		TransactionType: txnType,
		TransactionIDs:  ids,
		ExecutionID:     runID,
		TotalRecords:    len(records),
		FailedRecords:   len(failedIDs),
		FileName:        model.BatchFileName(txnType, cfg.Code(), generatedAt, seq, d.format),
		FileSize:        int64(len(rendered.Content)),
		FileChecksum:    model.Checksum(rendered.Content),
		FileFormat:      d.format,
		DeliveryMethod:  d.target.Method,
		Status:          model.BatchStatusPending,
		GeneratedAt:     generatedAt,
		UpdatedAt:       generatedAt,
	}
	if task != nil {
		batch.TaskID = task.TaskID
	}

	details := fmt.Sprintf("generated %d records for %s", batch.TotalRecords, d.target.Describe())
	if err := c.datasource.CreateBatch(ctx, batch, batchAuditEntry(batch, model.AuditBatchGenerated, actor, details)); err != nil {
		return nil, nil, err
	}

	log := logrus.WithFields(logrus.Fields{"batch_id": batch.BatchID, "batch_number": batch.BatchNumber, "partner_id": cfg.PartnerID})
	for _, recErr := range rendered.Errors {
		if err := c.datasource.MarkTransactionsFailed(ctx, []string{recErr.TransactionID}, recErr.Err.Error()); err != nil {
			log.Errorf("failed to mark transaction %s failed: %v", recErr.TransactionID, err)
		}
	}

	if len(failedIDs) == batch.TotalRecords {
		batch.Status = model.BatchStatusFailed
		batch.ErrorMessage = "every record failed serialization"
		entry := batchAuditEntry(batch, model.AuditBatchFailed, actor, batch.ErrorMessage)
		if err := c.datasource.TransitionBatch(ctx, batch, model.BatchStatusPending, entry); err != nil {
			return nil, nil, err
		}
		log.Warn(batch.ErrorMessage)
		return batch, nil, nil
	}

	if dir := c.archiveDir(); dir != "" {
		if path, err := files.Archive(dir, generatedAt, batch.FileName, rendered.Content); err != nil {
			log.Warnf("failed to archive batch file: %v", err)
		} else {
			log.Debugf("archived batch file to %s", path)
		}
	}

	log.WithField("records", batch.TotalRecords).Info("batch generated")
	file := &transport.File{
		Name:        batch.FileName,
		Content:     rendered.Content,
		ContentType: d.format.ContentType(),
		Checksum:    batch.FileChecksum,
		BatchID:     batch.BatchID,
		BatchNumber: batch.BatchNumber,
	}
	return batch, file, nil
}

func (c *Courier) GetBatch(ctx context.Context, id string) (*model.IntegrationBatch, error) {
	return c.datasource.GetBatch(ctx, id)
}

func (c *Courier) ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.IntegrationBatch, error) {
	return c.datasource.ListBatches(ctx, filter)
}

// GetStatistics aggregates batch counts per status and record totals.
func (c *Courier) GetStatistics(ctx context.Context, filter model.BatchFilter) (*model.BatchStatistics, error) {
	return c.datasource.GetBatchStatistics(ctx, filter)
}

// ListStaleBatches returns batches stuck in PROCESSING longer than the stale threshold.
func (c *Courier) ListStaleBatches(ctx context.Context) ([]model.IntegrationBatch, error) {
	cutoff := c.now().Add(-c.staleThreshold())
	return c.datasource.ListBatches(ctx, model.BatchFilter{Status: model.BatchStatusProcessing, To: &cutoff, Limit: 500})
}

func (c *Courier) defaultBatchSize() int {
	if c.config == nil || c.config.Batch.DefaultBatchSize <= 0 {
		return 100
	}
	return c.config.Batch.DefaultBatchSize
}

func (c *Courier) archiveDir() string {
	if c.config == nil {
		return ""
	}
	return c.config.Batch.ArchiveDir
}
