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

package database

import (
	"context"
	"time"

	"github.com/blnkfinance/courier/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	task              // Scheduled task definitions and runtime state
	batch             // Integration batches and their state machine
	audit             // Append-only audit log reads
	registry          // Partner integration registry (read-only)
	transactionSource // Pending domain transactions and claim marks
}

// task defines methods for scheduled tasks and their executions.
type task interface {
	CreateTask(ctx context.Context, task *model.ScheduledTask) error
	GetTask(ctx context.Context, id string) (*model.ScheduledTask, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.ScheduledTask, error)
	UpdateTask(ctx context.Context, task *model.ScheduledTask) error                                      // Persists operator fields, status and next_run
	DeleteTask(ctx context.Context, id string) error                                                      // Refuses while the task is running
	GetDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error)             // ACTIVE, idle, next_run <= now
	GetRunningTasks(ctx context.Context) ([]model.ScheduledTask, error)                                   // Tasks flagged is_running
	ClaimTaskRun(ctx context.Context, claim model.RunClaim) (bool, error)                                 // Conditional is_running flip plus execution row
	CompleteTaskRun(ctx context.Context, completion model.RunCompletion) (bool, error)                    // Conditional on current_run_id
	ListExecutions(ctx context.Context, taskID string, limit int) ([]model.TaskExecution, error)          // Run history of one task, or all tasks when taskID is empty
}

// batch defines methods for integration batches. Every status change writes its audit entry in the same transaction.
type batch interface {
	NextBatchSequence(ctx context.Context, date time.Time) (int64, error)
	CreateBatch(ctx context.Context, batch *model.IntegrationBatch, entry *model.AuditLogEntry) error
	TransitionBatch(ctx context.Context, batch *model.IntegrationBatch, from model.BatchStatus, entry *model.AuditLogEntry) error
	GetBatch(ctx context.Context, id string) (*model.IntegrationBatch, error)
	ListBatches(ctx context.Context, filter model.BatchFilter) ([]model.IntegrationBatch, error)
	GetBatchStatistics(ctx context.Context, filter model.BatchFilter) (*model.BatchStatistics, error)
}

// audit defines read access to the audit log.
type audit interface {
	ListAuditLog(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error)
}

// registry defines read access to partner integration configs.
type registry interface {
	GetIntegrationConfig(ctx context.Context, partnerID string) (*model.IntegrationConfig, error)
	ListIntegrationConfigs(ctx context.Context, activeOnly bool) ([]model.IntegrationConfig, error)
}

// transactionSource defines the pending transaction store the batch builder reads and claims from.
type transactionSource interface {
	ListEligibleTransactions(ctx context.Context, query model.EligibleQuery) ([]model.TransactionRef, error)
	ClaimTransactions(ctx context.Context, batchID string, ids []string) (model.ClaimResult, error)        // Compare-and-set on status PENDING
	MarkTransactionsProcessed(ctx context.Context, batchID string, ids []string) error
	MarkTransactionsFailed(ctx context.Context, ids []string, reason string) error
	MarkTransactionsAcknowledged(ctx context.Context, batchID string) error
	ReleaseTransactions(ctx context.Context, batchID string, ids []string) error                          // Back to PENDING after a failed dispatch
}
