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
package mocks

import (
	"context"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Task methods

func (m *MockDataSource) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockDataSource) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ScheduledTask), args.Error(1)
}

func (m *MockDataSource) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.ScheduledTask, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.ScheduledTask), args.Error(1)
}

func (m *MockDataSource) UpdateTask(ctx context.Context, task *model.ScheduledTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockDataSource) DeleteTask(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]model.ScheduledTask), args.Error(1)
}

func (m *MockDataSource) GetRunningTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.ScheduledTask), args.Error(1)
}

func (m *MockDataSource) ClaimTaskRun(ctx context.Context, claim model.RunClaim) (bool, error) {
	args := m.Called(ctx, claim)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CompleteTaskRun(ctx context.Context, completion model.RunCompletion) (bool, error) {
	args := m.Called(ctx, completion)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) ListExecutions(ctx context.Context, taskID string, limit int) ([]model.TaskExecution, error) {
	args := m.Called(ctx, taskID, limit)
	return args.Get(0).([]model.TaskExecution), args.Error(1)
}

// Batch methods

func (m *MockDataSource) NextBatchSequence(ctx context.Context, date time.Time) (int64, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) CreateBatch(ctx context.Context, batch *model.IntegrationBatch, entry *model.AuditLogEntry) error {
	args := m.Called(ctx, batch, entry)
	return args.Error(0)
}

func (m *MockDataSource) TransitionBatch(ctx context.Context, batch *model.IntegrationBatch, from model.BatchStatus, entry *model.AuditLogEntry) error {
	args := m.Called(ctx, batch, from, entry)
	return args.Error(0)
}

func (m *MockDataSource) GetBatch(ctx context.Context, id string) (*model.IntegrationBatch, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IntegrationBatch), args.Error(1)
}

func (m *MockDataSource) ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.IntegrationBatch, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.IntegrationBatch), args.Error(1)
}

func (m *MockDataSource) GetBatchStatistics(ctx context.Context, filter model.BatchFilter) (*model.BatchStatistics, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BatchStatistics), args.Error(1)
}

// Audit methods

func (m *MockDataSource) ListAuditLog(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).([]model.AuditLogEntry), args.Error(1)
}

// Registry methods

func (m *MockDataSource) GetIntegrationConfig(ctx context.Context, partnerID string) (*model.IntegrationConfig, error) {
	args := m.Called(ctx, partnerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.IntegrationConfig), args.Error(1)
}

func (m *MockDataSource) ListIntegrationConfigs(ctx context.Context, activeOnly bool) ([]model.IntegrationConfig, error) {
	args := m.Called(ctx, activeOnly)
	return args.Get(0).([]model.IntegrationConfig), args.Error(1)
}

// Transaction source methods

func (m *MockDataSource) ListEligibleTransactions(ctx context.Context, query model.EligibleQuery) ([]model.TransactionRef, error) {
	args := m.Called(ctx, query)
	return args.Get(0).([]model.TransactionRef), args.Error(1)
}

func (m *MockDataSource) ClaimTransactions(ctx context.Context, batchID string, ids []string) (model.ClaimResult, error) {
	args := m.Called(ctx, batchID, ids)
	return args.Get(0).(model.ClaimResult), args.Error(1)
}

func (m *MockDataSource) MarkTransactionsProcessed(ctx context.Context, batchID string, ids []string) error {
	args := m.Called(ctx, batchID, ids)
	return args.Error(0)
}

func (m *MockDataSource) MarkTransactionsFailed(ctx context.Context, ids []string, reason string) error {
	args := m.Called(ctx, ids, reason)
	return args.Error(0)
}

func (m *MockDataSource) MarkTransactionsAcknowledged(ctx context.Context, batchID string) error {
	args := m.Called(ctx, batchID)
	return args.Error(0)
}

func (m *MockDataSource) ReleaseTransactions(ctx context.Context, batchID string, ids []string) error {
	args := m.Called(ctx, batchID, ids)
	return args.Error(0)
}
