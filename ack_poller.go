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
	"net/http"
	"net/url"
	"strings"
	"time"

	redlock "github.com/blnkfinance/courier/internal/lock"
	"github.com/blnkfinance/courier/internal/request"
	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

const ackPollerLockKey = "courier:ack-poller"

// AckStatus is the partner's answer for one batch, as returned by its ack endpoint
// at GET {ack_endpoint}/{batch_number}.
type AckStatus struct {
	Status          string `json:"status"` // ACKNOWLEDGED, REJECTED or PENDING
	ConfirmationRef string `json:"confirmation_ref"`
	Reason          string `json:"reason"`
}

// AckPoller asks partners with an ack endpoint about their SENT batches and feeds the answers
// into Acknowledge and Reject.
type AckPoller struct {
	*tickerProcessor
	courier *Courier
	limit   int
	lockTTL time.Duration
}

func NewAckPoller(c *Courier) *AckPoller {
	interval, limit := 5*time.Minute, 50
	if c.config != nil {
		interval = time.Duration(c.config.AckPoller.PollIntervalSec) * time.Second
		limit = c.config.AckPoller.BatchLimit
	}
	p := &AckPoller{courier: c, limit: limit, lockTTL: interval}
	p.tickerProcessor = newTickerProcessor("Acknowledgement poller", interval, func(ctx context.Context) {
		if _, err := p.Poll(ctx); err != nil {
			logrus.Errorf("acknowledgement poll failed: %v", err)
		}
	})
	return p
}

// Poll runs one polling pass and returns how many batches were resolved.
func (p *AckPoller) Poll(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Polling acknowledgements")
	defer span.End()

	resolved := 0
	lease := redlock.NewLease(p.courier.redis, ackPollerLockKey, p.courier.instanceID)
	_, err := lease.Exclusive(ctx, p.lockTTL, func(ctx context.Context) error {
		configs, err := p.courier.ListIntegrationConfigs(ctx, true)
		if err != nil {
			return err
		}

		for _, cfg := range configs {
			if cfg.AckEndpoint == "" {
				continue
			}
			resolved += p.pollPartner(ctx, cfg)
		}
		return nil
	})
	return resolved, err
}

// pollPartner walks every SENT batch of the partner, oldest first, one page at a time.
// Resolved batches leave the SENT set, so the offset only advances past unresolved ones.
func (p *AckPoller) pollPartner(ctx context.Context, cfg model.IntegrationConfig) int {
	resolved, offset := 0, 0
	for ctx.Err() == nil {
		batches, err := p.courier.ListBatches(ctx, model.BatchFilter{
			PartnerID:   cfg.PartnerID,
			Status:      model.BatchStatusSent,
			Limit:       p.limit,
			Offset:      offset,
			OldestFirst: true,
		})
		if err != nil {
			logrus.WithField("partner_id", cfg.PartnerID).Errorf("failed to list sent batches: %v", err)
			break
		}
		if len(batches) == 0 {
			break
		}
		for i := range batches {
			if p.resolve(ctx, cfg.AckEndpoint, &batches[i]) {
				resolved++
			} else {
				offset++
			}
		}
	}
	return resolved
}

func (p *AckPoller) resolve(ctx context.Context, endpoint string, batch *model.IntegrationBatch) bool {
	log := logrus.WithFields(logrus.Fields{"batch_id": batch.BatchID, "partner_id": batch.PartnerID})

	status, err := fetchAckStatus(ctx, endpoint, batch.BatchNumber)
	if err != nil {
		log.Warnf("failed to poll acknowledgement: %v", err)
		return false
	}

	switch strings.ToUpper(status.Status) {
	case string(model.BatchStatusAcknowledged), "ACK", "ACCEPTED":
		_, err = p.courier.Acknowledge(ctx, batch.BatchID, status.ConfirmationRef, model.ActorPoller)
	case string(model.BatchStatusRejected), "NACK":
		_, err = p.courier.Reject(ctx, batch.BatchID, status.Reason, model.ActorPoller)
	default:
		return false
	}
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			log.Errorf("failed to apply polled acknowledgement: %v", err)
		}
		return false
	}
	return true
}

func fetchAckStatus(ctx context.Context, endpoint, batchNumber string) (*AckStatus, error) {
	u, err := url.JoinPath(endpoint, url.PathEscape(batchNumber))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var status AckStatus
	if err := request.Call(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
