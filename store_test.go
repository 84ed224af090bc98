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
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/internal/transport"
	"github.com/blnkfinance/courier/model"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory datasource with the same conditional-update semantics as the
// Postgres one, so concurrency properties can be checked without a database.
type memStore struct {
	mu         sync.Mutex
	now        func() time.Time
	tasks      map[string]*model.ScheduledTask
	executions map[string]*model.TaskExecution
	batches    map[string]*model.IntegrationBatch
	audit      []model.AuditLogEntry
	configs    map[string]*model.IntegrationConfig
	txns       map[string]*model.TransactionRef
	txnOrder   []string
	sequences  map[string]int64
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:        now,
		tasks:      map[string]*model.ScheduledTask{},
		executions: map[string]*model.TaskExecution{},
		batches:    map[string]*model.IntegrationBatch{},
		configs:    map[string]*model.IntegrationConfig{},
		txns:       map[string]*model.TransactionRef{},
		sequences:  map[string]int64{},
	}
}

func notFound(what, id string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s with ID '%s' not found", what, id), nil)
}

func conflict(msg string) error {
	return apierror.NewAPIError(apierror.ErrConflict, msg, nil)
}

func (m *memStore) CreateTask(_ context.Context, task *model.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.TaskID] = &cp
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound("Task", id)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListTasks(_ context.Context, filter model.TaskFilter) ([]model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduledTask
	for _, t := range m.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.PartnerID != "" && t.PartnerID != filter.PartnerID {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *memStore) UpdateTask(_ context.Context, task *model.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tasks[task.TaskID]
	if !ok {
		return notFound("Task", task.TaskID)
	}
	stored.Name = task.Name
	stored.Description = task.Description
	stored.ProductID = task.ProductID
	stored.TransactionTypes = task.TransactionTypes
	stored.Schedule = task.Schedule
	stored.Delivery = task.Delivery
	stored.Notification = task.Notification
	stored.Status = task.Status
	stored.NextRun = task.NextRun
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return notFound("Task", id)
	}
	if t.IsRunning {
		return conflict("task is running")
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) GetDueTasks(_ context.Context, now time.Time, limit int) ([]model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduledTask
	for _, t := range m.tasks {
		if t.Status == model.TaskStatusActive && !t.IsRunning && t.NextRun != nil && !t.NextRun.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(*out[j].NextRun) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetRunningTasks(_ context.Context) ([]model.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ScheduledTask
	for _, t := range m.tasks {
		if t.IsRunning {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) ClaimTaskRun(_ context.Context, claim model.RunClaim) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[claim.TaskID]
	if !ok || t.IsRunning || t.Status != model.TaskStatusActive {
		return false, nil
	}
	started := claim.Execution.StartedAt
	t.IsRunning = true
	t.CurrentRunID = claim.Execution.ExecutionID
	t.RunStartedAt = &started
	if claim.Reschedule {
		t.NextRun = claim.NextRun
		t.Status = claim.Status
	}
	exec := claim.Execution
	exec.Status = model.RunStatusRunning
	m.executions[exec.ExecutionID] = &exec
	return true, nil
}

func (m *memStore) CompleteTaskRun(_ context.Context, completion model.RunCompletion) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[completion.TaskID]
	exec := completion.Execution
	if !ok || !t.IsRunning || t.CurrentRunID != exec.ExecutionID {
		return false, nil
	}
	t.IsRunning = false
	t.CurrentRunID = ""
	t.RunStartedAt = nil
	started := exec.StartedAt
	t.LastRun = &started
	t.LastRunStatus = exec.Status
	t.LastRunDuration = exec.Duration
	t.TotalRuns++
	if completion.Successful {
		t.SuccessfulRuns++
	} else {
		t.FailedRuns++
	}
	m.executions[exec.ExecutionID] = &exec
	if completion.Anomaly != nil {
		m.appendAudit(completion.Anomaly)
	}
	return true, nil
}

func (m *memStore) ListExecutions(_ context.Context, taskID string, limit int) ([]model.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TaskExecution
	for _, e := range m.executions {
		if taskID == "" || e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) NextBatchSequence(_ context.Context, date time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := date.Format("2006-01-02")
	m.sequences[key]++
	return m.sequences[key], nil
}

func (m *memStore) appendAudit(entry *model.AuditLogEntry) {
	if entry.LogID == "" {
		entry.LogID = model.GenerateUUIDWithSuffix("log")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	m.audit = append(m.audit, *entry)
}

func (m *memStore) CreateBatch(_ context.Context, batch *model.IntegrationBatch, entry *model.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *batch
	m.batches[batch.BatchID] = &cp
	m.appendAudit(entry)
	return nil
}

func (m *memStore) TransitionBatch(_ context.Context, batch *model.IntegrationBatch, from model.BatchStatus, entry *model.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !model.CanTransition(from, batch.Status) {
		return conflict(fmt.Sprintf("illegal batch transition %s -> %s", from, batch.Status))
	}
	stored, ok := m.batches[batch.BatchID]
	if !ok || stored.Status != from {
		return conflict(fmt.Sprintf("batch '%s' is no longer %s", batch.BatchID, from))
	}
	cp := *batch
	cp.UpdatedAt = m.now()
	m.batches[batch.BatchID] = &cp
	m.appendAudit(entry)
	return nil
}

func (m *memStore) GetBatch(_ context.Context, id string) (*model.IntegrationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, notFound("Batch", id)
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) ListBatches(_ context.Context, filter model.BatchFilter) ([]model.IntegrationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.IntegrationBatch
	for _, b := range m.batches {
		if filter.PartnerID != "" && b.PartnerID != filter.PartnerID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.To != nil && !b.UpdatedAt.Before(*filter.To) {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt) != filter.OldestFirst
		}
		return out[i].BatchID < out[j].BatchID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) GetBatchStatistics(ctx context.Context, filter model.BatchFilter) (*model.BatchStatistics, error) {
	batches, _ := m.ListBatches(ctx, filter)
	stats := &model.BatchStatistics{ByStatus: map[model.BatchStatus]int64{}}
	for _, b := range batches {
		stats.ByStatus[b.Status]++
		stats.TotalBatches++
		stats.TotalRecords += int64(b.TotalRecords)
		stats.ProcessedRecords += int64(b.ProcessedRecords)
		stats.FailedRecords += int64(b.FailedRecords)
	}
	return stats, nil
}

func (m *memStore) ListAuditLog(_ context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditLogEntry
	for _, e := range m.audit {
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) GetIntegrationConfig(_ context.Context, partnerID string) (*model.IntegrationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[partnerID]
	if !ok {
		return nil, notFound("Integration config", partnerID)
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListIntegrationConfigs(_ context.Context, activeOnly bool) ([]model.IntegrationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.IntegrationConfig
	for _, c := range m.configs {
		if activeOnly && !c.IsActive {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartnerName < out[j].PartnerName })
	return out, nil
}

func (m *memStore) ListEligibleTransactions(_ context.Context, q model.EligibleQuery) ([]model.TransactionRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TransactionRef
	for _, id := range m.txnOrder {
		t := m.txns[id]
		if t.Status != model.TxnStatusPending || t.BatchID != "" || t.PartnerID != q.PartnerID || t.TransactionType != q.TransactionType {
			continue
		}
		if q.ProductID != "" && t.ProductID != q.ProductID {
			continue
		}
		out = append(out, *t)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ClaimTransactions(_ context.Context, batchID string, ids []string) (model.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := model.ClaimResult{Claimed: []string{}, Skipped: []string{}}
	for _, id := range ids {
		t, ok := m.txns[id]
		if !ok || t.Status != model.TxnStatusPending || t.BatchID != "" {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		t.Status = model.TxnStatusProcessing
		t.BatchID = batchID
		result.Claimed = append(result.Claimed, id)
	}
	return result, nil
}

func (m *memStore) MarkTransactionsProcessed(_ context.Context, batchID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t, ok := m.txns[id]; ok && t.BatchID == batchID && t.Status == model.TxnStatusProcessing {
			t.Status = model.TxnStatusProcessed
		}
	}
	return nil
}

func (m *memStore) MarkTransactionsFailed(_ context.Context, ids []string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t, ok := m.txns[id]; ok && t.Status != model.TxnStatusFailed {
			t.Status = model.TxnStatusFailed
			t.FailureReason = reason
		}
	}
	return nil
}

func (m *memStore) MarkTransactionsAcknowledged(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txns {
		if t.BatchID == batchID && t.Status == model.TxnStatusProcessed {
			t.Status = model.TxnStatusAcknowledged
		}
	}
	return nil
}

func (m *memStore) ReleaseTransactions(_ context.Context, batchID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if t, ok := m.txns[id]; ok && t.BatchID == batchID && t.Status == model.TxnStatusProcessing {
			t.Status = model.TxnStatusPending
			t.BatchID = ""
		}
	}
	return nil
}

func (m *memStore) addConfig(cfg model.IntegrationConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.PartnerID] = &cfg
}

func (m *memStore) addTransaction(ref model.TransactionRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[ref.TransactionID] = &ref
	m.txnOrder = append(m.txnOrder, ref.TransactionID)
}

func (m *memStore) transaction(id string) model.TransactionRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.txns[id]
}

func (m *memStore) auditFor(entityID string) []model.AuditLogEntry {
	entries, _ := m.ListAuditLog(context.Background(), model.AuditFilter{EntityID: entityID})
	return entries
}

func (m *memStore) setBatchUpdatedAt(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[id].UpdatedAt = at
}

// flakyStore fails the first calls to GetTask and CompleteTaskRun the way a dropped
// connection would.
type flakyStore struct {
	*memStore
	mu           sync.Mutex
	getTaskErrs  int
	completeErrs int
}

var errConnReset = errors.New("read tcp 10.0.0.4:5432: connection reset by peer")

func (f *flakyStore) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	f.mu.Lock()
	if f.getTaskErrs > 0 {
		f.getTaskErrs--
		f.mu.Unlock()
		return nil, errConnReset
	}
	f.mu.Unlock()
	return f.memStore.GetTask(ctx, id)
}

func (f *flakyStore) CompleteTaskRun(ctx context.Context, completion model.RunCompletion) (bool, error) {
	f.mu.Lock()
	if f.completeErrs > 0 {
		f.completeErrs--
		f.mu.Unlock()
		return false, errConnReset
	}
	f.mu.Unlock()
	return f.memStore.CompleteTaskRun(ctx, completion)
}

// withFlakyStore routes the courier through a flakyStore and retries run bookkeeping without
// waiting between attempts.
func withFlakyStore(t *testing.T, env *testEnv) *flakyStore {
	t.Helper()
	flaky := &flakyStore{memStore: env.store}
	env.courier.datasource = flaky

	previous := completionBackOff
	completionBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
	}
	t.Cleanup(func() { completionBackOff = previous })
	return flaky
}

// fakeQueue records everything handed to the worker pool.
type fakeQueue struct {
	mu            sync.Mutex
	runs          []TaskRunPayload
	webhooks      []NewWebhook
	notifications []TaskReportPayload
	runErr        error
	inFlight      map[string]bool
}

func (q *fakeQueue) RunInFlight(executionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight[executionID], nil
}

func (q *fakeQueue) EnqueueTaskRun(_ context.Context, payload TaskRunPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runErr != nil {
		return q.runErr
	}
	q.runs = append(q.runs, payload)
	return nil
}

func (q *fakeQueue) EnqueueWebhook(_ context.Context, hook NewWebhook) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.webhooks = append(q.webhooks, hook)
	return nil
}

func (q *fakeQueue) EnqueueNotification(_ context.Context, payload TaskReportPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifications = append(q.notifications, payload)
	return nil
}

func (q *fakeQueue) events() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, w := range q.webhooks {
		out = append(out, w.Event)
	}
	return out
}

// fakeTransport answers every send with the configured function.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []transport.File
	send  func(ctx context.Context, file transport.File) (*transport.Receipt, error)
	calls int
}

func (f *fakeTransport) Send(ctx context.Context, file transport.File, _ model.DeliveryTarget) (*transport.Receipt, error) {
	f.mu.Lock()
	f.calls++
	f.sent = append(f.sent, file)
	send := f.send
	f.mu.Unlock()
	if send != nil {
		return send(ctx, file)
	}
	return &transport.Receipt{Reference: "REF-" + file.BatchNumber, BytesSent: file.Size()}, nil
}

type testEnv struct {
	courier   *Courier
	store     *memStore
	queue     *fakeQueue
	transport *fakeTransport
	redis     *miniredis.Miniredis
	clock     *testClock
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		ProjectName: "Courier",
		Notification: config.Notification{
			Webhook: config.WebhookConfig{Url: "https://hooks.example.com/courier"},
		},
		Scheduler: config.SchedulerConfig{
			TickIntervalSec:     30,
			WorkerPoolSize:      4,
			LockTTLSec:          30,
			StaleMultiplier:     2,
			RegistryCacheTTLSec: 30,
			RunTimeoutMin:       30,
		},
		Transport: config.TransportConfig{
			SFTP:         config.SFTPConfig{TimeoutSec: 60},
			API:          config.APITransportConfig{TimeoutSec: 30},
			SMTP:         config.SMTPConfig{TimeoutSec: 60},
			CloudStorage: config.CloudStorageConfig{TimeoutSec: 60},
		},
		Batch:     config.BatchConfig{DefaultBatchSize: 100},
		AckPoller: config.AckPollerConfig{PollIntervalSec: 300, BatchLimit: 50, MonitorEveryMin: 15},
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{t: time.Date(2025, 10, 13, 10, 0, 0, 0, time.UTC)}
	store := newMemStore(clock.Now)
	queue := &fakeQueue{}
	tr := &fakeTransport{}
	cfg := testConfig()
	config.MockConfig(cfg)

	c := &Courier{
		datasource: store,
		queue:      queue,
		redis:      client,
		transports: map[model.DeliveryMethod]transport.Transport{
			model.DeliveryMethodSFTP:         tr,
			model.DeliveryMethodAPI:          tr,
			model.DeliveryMethodEmail:        tr,
			model.DeliveryMethodCloudStorage: tr,
		},
		timeouts:   transport.Timeouts(cfg.Transport),
		config:     cfg,
		instanceID: "node_test",
		now:        clock.Now,
	}
	return &testEnv{courier: c, store: store, queue: queue, transport: tr, redis: mr, clock: clock}
}

func partnerConfig(id string) model.IntegrationConfig {
	return model.IntegrationConfig{
		PartnerID:   id,
		PartnerName: "Bank of the Philippine Islands",
		PartnerCode: "BPI",
		SupportedTransactions: []model.TransactionType{
			model.TransactionTypeKYCSubmission,
			model.TransactionTypeSubscription,
			model.TransactionTypeRedemption,
		},
		FileFormat:     model.FileFormatCSV,
		DeliveryMethod: model.DeliveryMethodSFTP,
		DeliveryTarget: model.DeliveryTarget{
			Method: model.DeliveryMethodSFTP,
			SFTP:   &model.SFTPTarget{Host: "sftp.bpi.example.com", Path: "/inbound", Username: "courier"},
		},
		Fields: []model.FieldSpec{
			{Name: "transaction_id", Header: "Transaction ID", Required: true},
			{Name: "reference", Header: "Reference"},
			{Name: "amount", Header: "Amount"},
			{Name: "investor", Header: "Investor"},
		},
		BatchSize:      100,
		IncludeHeader:  true,
		FieldDelimiter: ",",
		AckSLAHours:    24,
		IsActive:       true,
	}
}

func pendingTransaction(partnerID string, txnType model.TransactionType) model.TransactionRef {
	return model.TransactionRef{
		TransactionID:   model.GenerateUUIDWithSuffix("txn"),
		TransactionType: txnType,
		PartnerID:       partnerID,
		Reference:       gofakeit.UUID(),
		Amount:          decimal.NewFromFloat(gofakeit.Float64Range(100, 50000)).Round(2),
		Currency:        "PHP",
		Payload:         map[string]interface{}{"investor": gofakeit.Name()},
		Status:          model.TxnStatusPending,
		CreatedAt:       time.Date(2025, 10, 12, 9, 0, 0, 0, time.UTC),
	}
}

func seedTransactions(store *memStore, partnerID string, txnType model.TransactionType, n int) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ref := pendingTransaction(partnerID, txnType)
		store.addTransaction(ref)
		ids[i] = ref.TransactionID
	}
	return ids
}

func dailyTask(partnerID string) *model.ScheduledTask {
	return &model.ScheduledTask{
		Name:             "BPI subscriptions",
		TaskType:         model.TaskTypeTransactionSync,
		PartnerID:        partnerID,
		TransactionTypes: []model.TransactionType{model.TransactionTypeSubscription},
		Schedule: model.Schedule{
			Type:     model.ScheduleDaily,
			Time:     "02:00",
			Timezone: "UTC",
		},
		CreatedBy: "ops@example.com",
	}
}
