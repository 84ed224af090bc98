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
	"encoding/json"
	"net/http"
	"time"

	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/internal/request"
	"github.com/blnkfinance/courier/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Webhook events emitted by the pipeline.
const (
	EventBatchSent         = "batch.sent"
	EventBatchFailed       = "batch.failed"
	EventBatchAcknowledged = "batch.acknowledged"
	EventBatchRejected     = "batch.rejected"
	EventTaskCompleted     = "task.completed"
)

// NewWebhook represents the structure of a webhook notification.
// It includes an event type and associated payload data.
type NewWebhook struct {
	Event   string      `json:"event"` // The event type that triggered the webhook.
	Payload interface{} `json:"data"`  // The data associated with the event.
}

// batchEvent maps a batch status to the webhook event announcing it.
func batchEvent(status model.BatchStatus) string {
	switch status {
	case model.BatchStatusSent:
		return EventBatchSent
	case model.BatchStatusFailed:
		return EventBatchFailed
	case model.BatchStatusAcknowledged:
		return EventBatchAcknowledged
	case model.BatchStatusRejected:
		return EventBatchRejected
	default:
		return "batch.unknown"
	}
}

// processHTTP posts the webhook to the configured endpoint, retrying transient failures.
func processHTTP(conf config.WebhookConfig, data NewWebhook) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	return backoff.Retry(func() error {
		payload, err := request.ToJsonReq(data)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequest(http.MethodPost, conf.Url, payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		for key, value := range conf.Headers {
			req.Header.Set(key, value)
		}
		_, err = request.Send(req)
		if err != nil {
			logrus.Warnf("webhook %s delivery attempt failed: %v", data.Event, err)
		}
		return err
	}, policy)
}

// SendWebhook enqueues a webhook notification. It is a no-op when no webhook URL is configured.
func (c *Courier) SendWebhook(ctx context.Context, newWebhook NewWebhook) error {
	if c.config == nil || c.config.Notification.Webhook.Url == "" {
		return nil
	}
	return c.queue.EnqueueWebhook(ctx, newWebhook)
}

// emitBatchEvent queues the webhook for a batch transition; delivery problems are only logged.
func (c *Courier) emitBatchEvent(ctx context.Context, batch *model.IntegrationBatch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.SendWebhook(ctx, NewWebhook{Event: batchEvent(batch.Status), Payload: batch}); err != nil {
		logrus.WithField("batch_id", batch.BatchID).Errorf("failed to queue %s webhook: %v", batchEvent(batch.Status), err)
	}
}

// ProcessWebhook processes a webhook notification task from the queue.
func ProcessWebhook(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling task payload: %v", err)
		return err
	}
	logrus.Infof("Processing webhook: %+v", payload.Event)
	return processHTTP(conf.Notification.Webhook, payload)
}
