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
	"strings"
	"time"

	"github.com/blnkfinance/courier/internal/notification"
	"github.com/blnkfinance/courier/model"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var sendTaskReport = notification.SendTaskReport

// completionBackOff paces retries of run bookkeeping against the datasource.
var completionBackOff = func() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
}

const completionTimeout = time.Minute

// tradeTypes are the non-KYC transaction types a sync or settlement task ships by default.
var tradeTypes = []model.TransactionType{
	model.TransactionTypeSubscription,
	model.TransactionTypeRedemption,
	model.TransactionTypeBuyOrder,
	model.TransactionTypeSellOrder,
	model.TransactionTypeTransfer,
}

// buildUnit is one (partner, transaction type) pair a run has to ship.
type buildUnit struct {
	config  model.IntegrationConfig
	txnType model.TransactionType
}

// ExecuteRun performs a claimed run and records its outcome. A payload whose run is no
// longer current (cancelled, recovered or already finished) is dropped.
func (c *Courier) ExecuteRun(ctx context.Context, payload TaskRunPayload) error {
	ctx, span := tracer.Start(ctx, "Executing task run")
	defer span.End()

	task, err := c.loadRunTask(ctx, payload.TaskID)
	if err != nil {
		if isNotFound(err) {
			logrus.Warnf("task %s disappeared before run %s started", payload.TaskID, payload.ExecutionID)
			return nil
		}
		logrus.WithFields(logrus.Fields{"task_id": payload.TaskID, "execution_id": payload.ExecutionID}).
			Errorf("cannot load task for run: %v", err)
		return c.abortRun(ctx, payload, err)
	}
	if !task.IsRunning || task.CurrentRunID != payload.ExecutionID {
		logrus.WithFields(logrus.Fields{
			"task_id":      task.TaskID,
			"execution_id": payload.ExecutionID,
			"current_run":  task.CurrentRunID,
		}).Warn("discarding run that is no longer current")
		return nil
	}

	exec := runningExecution(task)
	exec.Trigger = payload.Trigger

	actor := payload.Actor
	if actor == "" {
		actor = model.ActorCron
	}
	outcome := c.runTask(ctx, task, exec.ExecutionID, actor)
	return c.OnCompletion(ctx, task, exec, outcome)
}

// loadRunTask reads the task of a queued run, retrying transient datasource errors.
func (c *Courier) loadRunTask(ctx context.Context, taskID string) (*model.ScheduledTask, error) {
	var task *model.ScheduledTask
	err := backoff.Retry(func() error {
		var err error
		task, err = c.datasource.GetTask(ctx, taskID)
		if err != nil && isNotFound(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(completionBackOff(), ctx))
	return task, err
}

// abortRun closes a claimed run as FAILED when its task could not be read, so the task
// does not stay flagged as running.
func (c *Courier) abortRun(ctx context.Context, payload TaskRunPayload, cause error) error {
	task := &model.ScheduledTask{TaskID: payload.TaskID}
	exec := model.TaskExecution{
		ExecutionID: payload.ExecutionID,
		TaskID:      payload.TaskID,
		Trigger:     payload.Trigger,
		StartedAt:   c.now(),
		Status:      model.RunStatusRunning,
	}
	completed, err := c.completeRun(ctx, task, exec, model.RunOutcome{
		Status:       model.RunStatusFailed,
		ErrorMessage: "run aborted: " + cause.Error(),
	}, nil)
	if err != nil {
		return errors.Join(cause, err)
	}
	if !completed {
		logrus.WithFields(logrus.Fields{"task_id": payload.TaskID, "execution_id": payload.ExecutionID}).
			Warn("aborted run was already closed")
	}
	return nil
}

// runTask builds and dispatches every batch the task is responsible for.
// A panic anywhere in the run is turned into a FAILED outcome.
func (c *Courier) runTask(ctx context.Context, task *model.ScheduledTask, runID, actor string) (outcome model.RunOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("task_id", task.TaskID).Errorf("run %s panicked: %v", runID, r)
			outcome = model.RunOutcome{Status: model.RunStatusFailed, ErrorMessage: fmt.Sprintf("run panicked: %v", r)}
		}
	}()

	units, err := c.resolveUnits(ctx, task)
	if err != nil {
		return model.RunOutcome{Status: model.RunStatusFailed, ErrorMessage: err.Error()}
	}

	var errs []string
	attempted, failed := 0, 0
	outcome.BatchIDs = []string{}
	for _, unit := range units {
		cfg := unit.config
		result, err := c.BuildBatch(ctx, task, &cfg, unit.txnType, runID, actor)
		if err != nil {
			attempted++
			failed++
			errs = append(errs, fmt.Sprintf("%s/%s: %v", cfg.PartnerID, unit.txnType, err))
			continue
		}
		if result.NoOp {
			continue
		}
		attempted++

		batch := result.Batch
		outcome.BatchIDs = append(outcome.BatchIDs, batch.BatchID)
		if batch.Status == model.BatchStatusFailed {
			failed++
			outcome.RecordsProcessed += batch.TotalRecords
			outcome.RecordsFailed += batch.FailedRecords
			errs = append(errs, fmt.Sprintf("%s: %s", batch.BatchNumber, batch.ErrorMessage))
			continue
		}

		batch, err = c.Dispatch(ctx, batch, result.File, result.Target, actor)
		outcome.RecordsProcessed += batch.TotalRecords
		outcome.RecordsSuccess += batch.ProcessedRecords
		outcome.RecordsFailed += batch.FailedRecords
		outcome.FileName = batch.FileName
		outcome.FileSize = batch.FileSize
		if err != nil {
			failed++
			errs = append(errs, fmt.Sprintf("%s: %v", batch.BatchNumber, err))
			continue
		}
		outcome.FileSent = true
	}

	outcome.FailedBatches = failed
	switch {
	case attempted > 0 && failed == attempted:
		outcome.Status = model.RunStatusFailed
	case failed > 0 || outcome.RecordsFailed > 0:
		outcome.Status = model.RunStatusPartial
	default:
		outcome.Status = model.RunStatusSuccess
	}
	outcome.ErrorMessage = strings.Join(errs, "; ")
	return outcome
}

// resolveUnits expands a task into the (partner, type) pairs to build. An explicit
// transaction type list wins; otherwise the task type decides. Task types that carry no
// transactions resolve to nothing and the run succeeds as a no-op.
func (c *Courier) resolveUnits(ctx context.Context, task *model.ScheduledTask) ([]buildUnit, error) {
	if task.PartnerID != "" {
		cfg, err := c.GetIntegrationConfig(ctx, task.PartnerID)
		if err != nil {
			return nil, err
		}
		types := task.TransactionTypes
		if len(types) == 0 {
			types = defaultTypes(task.TaskType, cfg.SupportedTransactions)
		}
		units := make([]buildUnit, 0, len(types))
		for _, t := range types {
			units = append(units, buildUnit{config: *cfg, txnType: t})
		}
		return units, nil
	}

	types := task.TransactionTypes
	if len(types) == 0 {
		types = defaultTypes(task.TaskType, nil)
	}
	var units []buildUnit
	for _, t := range types {
		configs, err := c.configsSupporting(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, cfg := range configs {
			units = append(units, buildUnit{config: cfg, txnType: t})
		}
	}
	return units, nil
}

func defaultTypes(taskType model.TaskType, supported []model.TransactionType) []model.TransactionType {
	switch taskType {
	case model.TaskTypeKYCSubmission:
		return []model.TransactionType{model.TransactionTypeKYCSubmission}
	case model.TaskTypeTransactionSync, model.TaskTypeSettlement:
		if supported == nil {
			return tradeTypes
		}
		var out []model.TransactionType
		for _, t := range supported {
			if t != model.TransactionTypeKYCSubmission {
				out = append(out, t)
			}
		}
		return out
	}
	return nil
}

// OnCompletion records the finished run on the task and its execution row.
func (c *Courier) OnCompletion(ctx context.Context, task *model.ScheduledTask, exec model.TaskExecution, outcome model.RunOutcome) error {
	completed, err := c.completeRun(ctx, task, exec, outcome, nil)
	if err != nil {
		return err
	}
	if !completed {
		logrus.WithFields(logrus.Fields{"task_id": task.TaskID, "execution_id": exec.ExecutionID}).
			Warn("discarded completion of an abandoned run")
	}
	return nil
}

// completeRun closes the run conditionally on it still being current. It returns false when
// the run was already cancelled or recovered. The close survives cancellation of ctx and is
// retried while the datasource fails.
func (c *Courier) completeRun(ctx context.Context, task *model.ScheduledTask, exec model.TaskExecution, outcome model.RunOutcome, anomaly *model.AuditLogEntry) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	completedAt := c.now()
	exec.CompletedAt = &completedAt
	if !exec.StartedAt.IsZero() {
		exec.Duration = completedAt.Sub(exec.StartedAt).Milliseconds()
	}
	exec.Status = outcome.Status
	exec.RecordsProcessed = outcome.RecordsProcessed
	exec.RecordsSuccess = outcome.RecordsSuccess
	exec.RecordsFailed = outcome.RecordsFailed
	exec.BatchIDs = outcome.BatchIDs
	if exec.BatchIDs == nil {
		exec.BatchIDs = []string{}
	}
	exec.FileName = outcome.FileName
	exec.FileSize = outcome.FileSize
	exec.FileSent = outcome.FileSent
	exec.ErrorMessage = outcome.ErrorMessage

	successful := outcome.Successful()
	completion := model.RunCompletion{
		TaskID:     task.TaskID,
		Execution:  exec,
		Successful: successful,
		Anomaly:    anomaly,
	}
	var completed bool
	err := backoff.RetryNotify(func() error {
		var err error
		completed, err = c.datasource.CompleteTaskRun(ctx, completion)
		return err
	}, backoff.WithContext(completionBackOff(), ctx), func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{"task_id": task.TaskID, "execution_id": exec.ExecutionID}).
			Warnf("retrying run completion in %s: %v", wait, err)
	})
	if err != nil || !completed {
		return completed, err
	}

	logrus.WithFields(logrus.Fields{
		"task_id":      task.TaskID,
		"execution_id": exec.ExecutionID,
		"status":       exec.Status,
		"records":      exec.RecordsProcessed,
		"duration_ms":  exec.Duration,
	}).Info("task run completed")

	notifyCtx := context.WithoutCancel(ctx)
	if err := c.SendWebhook(notifyCtx, NewWebhook{Event: EventTaskCompleted, Payload: exec}); err != nil {
		logrus.Errorf("failed to queue %s webhook: %v", EventTaskCompleted, err)
	}
	if notification.ShouldReport(task.Notification, successful) {
		if err := c.queue.EnqueueNotification(notifyCtx, TaskReportPayload{Task: *task, Execution: exec}); err != nil {
			logrus.WithField("task_id", task.TaskID).Errorf("failed to queue run report: %v", err)
		}
	}
	return true, nil
}

// RecoverInterruptedRuns fails every run left flagged as running by a previous process.
// Runs the worker pool still holds belong to a live instance and are left alone.
// It must run before the scheduler starts ticking.
func (c *Courier) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	running, err := c.datasource.GetRunningTasks(ctx)
	if err != nil {
		return 0, err
	}
	var lost []model.ScheduledTask
	for _, task := range running {
		if !c.runInFlight(task.CurrentRunID) {
			lost = append(lost, task)
		}
	}
	return c.failRuns(ctx, lost, "interrupted by restart")
}

// reapStaleRuns fails runs the worker pool no longer holds once they are older than the stale
// threshold, and any run older than the run timeout plus the stale threshold, since the worker
// pool cancels a run at its timeout.
func (c *Courier) reapStaleRuns(ctx context.Context, now time.Time) (int, error) {
	if c.config == nil {
		return 0, nil
	}
	grace := c.staleThreshold()
	deadline := c.config.RunTimeout() + grace

	running, err := c.datasource.GetRunningTasks(ctx)
	if err != nil {
		return 0, err
	}
	var lost []model.ScheduledTask
	for _, task := range running {
		if task.RunStartedAt == nil {
			continue
		}
		age := now.Sub(*task.RunStartedAt)
		if age > deadline || (age > grace && !c.runInFlight(task.CurrentRunID)) {
			lost = append(lost, task)
		}
	}
	return c.failRuns(ctx, lost, "was abandoned by its worker")
}

// failRuns closes the current run of each task as FAILED with a TASK_RUN_RECOVERED entry.
func (c *Courier) failRuns(ctx context.Context, tasks []model.ScheduledTask, reason string) (int, error) {
	recovered := 0
	var errs []error
	for i := range tasks {
		task := &tasks[i]
		exec := runningExecution(task)
		details := fmt.Sprintf("run %s %s", exec.ExecutionID, reason)
		logrus.WithFields(logrus.Fields{"task_id": task.TaskID, "execution_id": exec.ExecutionID}).Warn("recovering run: " + reason)

		ok, err := c.completeRun(ctx, task, exec, model.RunOutcome{
			Status:       model.RunStatusFailed,
			ErrorMessage: details,
		}, taskAuditEntry(task, model.AuditTaskRunRecovered, model.ActorScheduler, details))
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.TaskID, err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}
