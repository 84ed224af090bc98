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

	"github.com/blnkfinance/courier/internal/notification"
	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

// StaleReport lists the batches a sweep flagged.
type StaleReport struct {
	Processing []model.IntegrationBatch `json:"processing"` // stuck past the stale threshold
	Overdue    []model.IntegrationBatch `json:"overdue"`    // SENT past the partner's ack SLA
}

func (r StaleReport) Empty() bool {
	return len(r.Processing) == 0 && len(r.Overdue) == 0
}

// BatchMonitor periodically flags batches an operator needs to look at. It never moves a
// batch itself.
type BatchMonitor struct {
	*tickerProcessor
	courier *Courier
}

func NewBatchMonitor(c *Courier) *BatchMonitor {
	interval := 15 * time.Minute
	if c.config != nil && c.config.AckPoller.MonitorEveryMin > 0 {
		interval = time.Duration(c.config.AckPoller.MonitorEveryMin) * time.Minute
	}
	m := &BatchMonitor{courier: c}
	m.tickerProcessor = newTickerProcessor("Batch monitor", interval, func(ctx context.Context) {
		if _, err := m.Sweep(ctx); err != nil {
			logrus.Errorf("batch monitor sweep failed: %v", err)
		}
	})
	return m
}

// Sweep logs every stale PROCESSING batch and every SENT batch past its partner's SLA, and
// raises one alert summarising them.
func (m *BatchMonitor) Sweep(ctx context.Context) (StaleReport, error) {
	var report StaleReport

	stale, err := m.courier.ListStaleBatches(ctx)
	if err != nil {
		return report, err
	}
	report.Processing = stale

	configs, err := m.courier.ListIntegrationConfigs(ctx, false)
	if err != nil {
		return report, err
	}
	now := m.courier.now()
	for _, cfg := range configs {
		if cfg.AckSLAHours <= 0 {
			continue
		}
		deadline := now.Add(-time.Duration(cfg.AckSLAHours) * time.Hour)
		overdue, err := m.courier.ListBatches(ctx, model.BatchFilter{
			PartnerID: cfg.PartnerID,
			Status:    model.BatchStatusSent,
			To:        &deadline,
			Limit:     500,
		})
		if err != nil {
			return report, err
		}
		report.Overdue = append(report.Overdue, overdue...)
	}

	for _, b := range report.Processing {
		logrus.WithFields(logrus.Fields{"batch_id": b.BatchID, "partner_id": b.PartnerID, "since": b.UpdatedAt}).
			Warn("batch stuck in PROCESSING")
	}
	for _, b := range report.Overdue {
		logrus.WithFields(logrus.Fields{"batch_id": b.BatchID, "partner_id": b.PartnerID, "sent_at": b.SentAt}).
			Warn("batch not acknowledged within SLA")
	}
	if !report.Empty() {
		notification.NotifyError(fmt.Errorf("%d batches stuck in PROCESSING, %d SENT batches past their acknowledgement SLA",
			len(report.Processing), len(report.Overdue)))
	}
	return report, nil
}
