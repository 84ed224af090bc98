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

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

// validateTask runs the field rules, the schedule checks and the partner lookup.
func (c *Courier) validateTask(ctx context.Context, task *model.ScheduledTask) error {
	if err := task.Validate(); err != nil {
		return apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), err)
	}
	if err := validateSchedule(task.Schedule, c.now()); err != nil {
		return apierror.NewAPIError(apierror.ErrBadRequest, "schedule: "+err.Error(), err)
	}
	if task.Delivery.GenerateFile && task.Delivery.Target == nil && task.PartnerID == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "delivery: a delivery target is required when no partner is set", nil)
	}
	if task.PartnerID != "" {
		if _, err := c.GetIntegrationConfig(ctx, task.PartnerID); err != nil {
			return err
		}
	}
	return nil
}

// CreateTask validates and persists a new ACTIVE task with its first next_run.
func (c *Courier) CreateTask(ctx context.Context, task *model.ScheduledTask) (*model.ScheduledTask, error) {
	ctx, span := tracer.Start(ctx, "Creating task")
	defer span.End()

	if err := c.validateTask(ctx, task); err != nil {
		return nil, err
	}

	now := c.now()
	next, err := ComputeNextRun(task.Schedule, now)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), err)
	}

	task.TaskID = model.GenerateUUIDWithSuffix("task")
	task.Status = model.TaskStatusActive
	task.NextRun = next
	task.IsRunning = false
	task.CurrentRunID = ""
	task.CreatedAt = now
	task.UpdatedAt = now

	if err := c.datasource.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"task_id": task.TaskID, "next_run": next}).Info("task registered")
	return task, nil
}

// UpdateTask merges the patch, revalidates and recomputes next_run for an ACTIVE task.
func (c *Courier) UpdateTask(ctx context.Context, id string, patch model.TaskPatch) (*model.ScheduledTask, error) {
	ctx, span := tracer.Start(ctx, "Updating task")
	defer span.End()

	task, err := c.datasource.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Apply(patch)
	if err := c.validateTask(ctx, task); err != nil {
		return nil, err
	}

	if task.Status == model.TaskStatusActive {
		task.NextRun, err = ComputeNextRun(task.Schedule, c.now())
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), err)
		}
	}
	if err := c.datasource.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes an idle task.
func (c *Courier) DeleteTask(ctx context.Context, id string) error {
	err := c.datasource.DeleteTask(ctx, id)
	if isConflict(err) {
		return fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}
	return err
}

func (c *Courier) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	return c.datasource.GetTask(ctx, id)
}

func (c *Courier) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.ScheduledTask, error) {
	return c.datasource.ListTasks(ctx, filter)
}

// ListExecutions returns the run history of one task.
func (c *Courier) ListExecutions(ctx context.Context, taskID string, limit int) ([]model.TaskExecution, error) {
	return c.datasource.ListExecutions(ctx, taskID, limit)
}

// RecentExecutions returns the latest runs across all tasks.
func (c *Courier) RecentExecutions(ctx context.Context, limit int) ([]model.TaskExecution, error) {
	return c.datasource.ListExecutions(ctx, "", limit)
}

// PauseTask stops an ACTIVE task from firing. A run already in flight finishes normally.
func (c *Courier) PauseTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	task, err := c.datasource.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotActive, id, task.Status)
	}
	task.Status = model.TaskStatusPaused
	task.NextRun = nil
	if err := c.datasource.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ResumeTask reactivates a paused or disabled task, scheduling it from now.
func (c *Courier) ResumeTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	task, err := c.datasource.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == model.TaskStatusActive {
		return task, nil
	}
	next, err := ComputeNextRun(task.Schedule, c.now())
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, err.Error(), err)
	}
	if next == nil {
		return nil, apierror.NewAPIError(apierror.ErrBadRequest, "schedule has no future run, update run_at first", nil)
	}
	task.Status = model.TaskStatusActive
	task.NextRun = next
	if err := c.datasource.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// RunNow claims the task for a manual run without touching its schedule.
func (c *Courier) RunNow(ctx context.Context, id, actor string) (*model.TaskExecution, error) {
	ctx, span := tracer.Start(ctx, "Running task now")
	defer span.End()

	task, err := c.datasource.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotActive, id, task.Status)
	}
	if task.IsRunning {
		return nil, fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}

	exec := c.newExecution(task, model.TriggerManual)
	claimed, err := c.datasource.ClaimTaskRun(ctx, model.RunClaim{TaskID: task.TaskID, Execution: exec})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: %s", ErrTaskBusy, id)
	}

	if actor == "" {
		actor = model.ActorScheduler
	}
	if err := c.enqueueRun(ctx, task, exec, actor); err != nil {
		return nil, err
	}
	return &exec, nil
}

// CancelRun abandons the run in flight. Its eventual completion is discarded.
func (c *Courier) CancelRun(ctx context.Context, id, actor string) error {
	task, err := c.datasource.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsRunning || task.CurrentRunID == "" {
		return fmt.Errorf("%w: %s", ErrTaskNotRunning, id)
	}

	exec := runningExecution(task)
	details := fmt.Sprintf("run %s cancelled by %s", exec.ExecutionID, actor)
	logrus.WithFields(logrus.Fields{"task_id": id, "execution_id": exec.ExecutionID, "actor": actor}).Warn("force-cancelling task run")

	completed, err := c.completeRun(ctx, task, exec, model.RunOutcome{
		Status:       model.RunStatusFailed,
		ErrorMessage: details,
	}, taskAuditEntry(task, model.AuditTaskRunCancelled, actor, details))
	if err != nil {
		return err
	}
	if !completed {
		return fmt.Errorf("%w: %s", ErrTaskNotRunning, id)
	}
	return nil
}

func (c *Courier) newExecution(task *model.ScheduledTask, trigger model.TriggerType) model.TaskExecution {
	return model.TaskExecution{
		ExecutionID: model.GenerateUUIDWithSuffix("run"),
		TaskID:      task.TaskID,
		TaskName:    task.Name,
		Trigger:     trigger,
		StartedAt:   c.now(),
		Status:      model.RunStatusRunning,
	}
}

// runningExecution rebuilds the open execution of a task from its runtime fields.
func runningExecution(task *model.ScheduledTask) model.TaskExecution {
	exec := model.TaskExecution{
		ExecutionID: task.CurrentRunID,
		TaskID:      task.TaskID,
		TaskName:    task.Name,
		Status:      model.RunStatusRunning,
	}
	if task.RunStartedAt != nil {
		exec.StartedAt = *task.RunStartedAt
	}
	return exec
}

// enqueueRun hands a claimed run to the worker pool. When the queue refuses it the run is
// closed as FAILED so the task does not stay flagged as running.
func (c *Courier) enqueueRun(ctx context.Context, task *model.ScheduledTask, exec model.TaskExecution, actor string) error {
	err := c.queue.EnqueueTaskRun(ctx, TaskRunPayload{
		TaskID:      task.TaskID,
		ExecutionID: exec.ExecutionID,
		Trigger:     exec.Trigger,
		Actor:       actor,
	})
	if err == nil {
		return nil
	}

	logrus.WithField("task_id", task.TaskID).Errorf("failed to enqueue run %s: %v", exec.ExecutionID, err)
	_, completeErr := c.completeRun(ctx, task, exec, model.RunOutcome{
		Status:       model.RunStatusFailed,
		ErrorMessage: "failed to enqueue run: " + err.Error(),
	}, nil)
	return errors.Join(err, completeErr)
}
