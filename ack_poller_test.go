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
	"net/http"
	"testing"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckPoller_Poll(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	env := newTestEnv(t)
	ctx := context.Background()
	cfg := partnerConfig("partner_bpi")
	cfg.AckEndpoint = "https://partner.example.com/acks"
	env.store.addConfig(cfg)

	accepted, _ := sentBatch(t, env, cfg, 2)
	rejected, rejectedIDs := sentBatch(t, env, cfg, 1)
	waiting, _ := sentBatch(t, env, cfg, 1)

	httpmock.RegisterResponder(http.MethodGet, "https://partner.example.com/acks/"+accepted.BatchNumber,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, AckStatus{Status: "ACCEPTED", ConfirmationRef: "BPI-OK-1"}))
	httpmock.RegisterResponder(http.MethodGet, "https://partner.example.com/acks/"+rejected.BatchNumber,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, AckStatus{Status: "REJECTED", Reason: "unknown account"}))
	httpmock.RegisterResponder(http.MethodGet, "https://partner.example.com/acks/"+waiting.BatchNumber,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, AckStatus{Status: "PENDING"}))

	resolved, err := NewAckPoller(env.courier).Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)

	got, err := env.courier.GetBatch(ctx, accepted.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusAcknowledged, got.Status)
	assert.Equal(t, "BPI-OK-1", got.ConfirmationRef)

	got, err = env.courier.GetBatch(ctx, rejected.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusRejected, got.Status)
	assert.Equal(t, "rejected by partner: unknown account", env.store.transaction(rejectedIDs[0]).FailureReason)

	got, err = env.courier.GetBatch(ctx, waiting.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusSent, got.Status)

	trail := env.store.auditFor(accepted.BatchID)
	assert.Equal(t, model.ActorPoller, trail[len(trail)-1].PerformedBy)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestAckPoller_PartnerErrorsAreSkipped(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	env := newTestEnv(t)
	cfg := partnerConfig("partner_bpi")
	cfg.AckEndpoint = "https://partner.example.com/acks"
	env.store.addConfig(cfg)
	batch, _ := sentBatch(t, env, cfg, 1)

	httpmock.RegisterResponder(http.MethodGet, "https://partner.example.com/acks/"+batch.BatchNumber,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "maintenance"))

	resolved, err := NewAckPoller(env.courier).Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)

	got, err := env.courier.GetBatch(context.Background(), batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusSent, got.Status)
}

func TestAckPoller_SkipsPartnersWithoutEndpoint(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	env := newTestEnv(t)
	cfg := partnerConfig("partner_bpi")
	env.store.addConfig(cfg)
	sentBatch(t, env, cfg, 1)

	resolved, err := NewAckPoller(env.courier).Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestAckPoller_SkipsWhileLockHeld(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	env := newTestEnv(t)
	cfg := partnerConfig("partner_bpi")
	cfg.AckEndpoint = "https://partner.example.com/acks"
	env.store.addConfig(cfg)
	sentBatch(t, env, cfg, 1)
	require.NoError(t, env.redis.Set(ackPollerLockKey, "node_other"))

	resolved, err := NewAckPoller(env.courier).Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestAckPoller_WalksEverySentBatchOldestFirst(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	env := newTestEnv(t)
	ctx := context.Background()
	cfg := partnerConfig("partner_bpi")
	cfg.AckEndpoint = "https://partner.example.com/acks"
	env.store.addConfig(cfg)

	start := env.clock.Now()
	batches := make([]*model.IntegrationBatch, 5)
	for i := range batches {
		env.clock.Set(start.Add(time.Duration(i) * time.Minute))
		batches[i], _ = sentBatch(t, env, cfg, 1)
	}

	var order []string
	for i, b := range batches {
		status := AckStatus{Status: "ACCEPTED", ConfirmationRef: "BPI-" + b.BatchNumber}
		if i < 2 {
			status = AckStatus{Status: "PENDING"}
		}
		number := b.BatchNumber
		httpmock.RegisterResponder(http.MethodGet, "https://partner.example.com/acks/"+number,
			func(req *http.Request) (*http.Response, error) {
				order = append(order, number)
				return httpmock.NewJsonResponse(http.StatusOK, status)
			})
	}

	poller := NewAckPoller(env.courier)
	poller.limit = 2
	resolved, err := poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, resolved)
	assert.Equal(t, 5, httpmock.GetTotalCallCount())
	require.Len(t, order, 5)
	assert.Equal(t, []string{batches[0].BatchNumber, batches[1].BatchNumber}, order[:2])

	for i, b := range batches {
		got, err := env.courier.GetBatch(ctx, b.BatchID)
		require.NoError(t, err)
		if i < 2 {
			assert.Equal(t, model.BatchStatusSent, got.Status)
			continue
		}
		assert.Equal(t, model.BatchStatusAcknowledged, got.Status)
	}
}
