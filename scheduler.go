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
	"time"

	redlock "github.com/blnkfinance/courier/internal/lock"
	"github.com/blnkfinance/courier/internal/notification"
	"github.com/blnkfinance/courier/model"
	"github.com/sirupsen/logrus"
)

const (
	schedulerLockKey = "courier:scheduler:tick"
	dueTasksPerTick  = 100
)

// Scheduler fires due tasks on a fixed tick. Only one instance across the fleet ticks at a
// time; the others skip while the redis tick lock is held.
type Scheduler struct {
	*tickerProcessor
	courier *Courier
	lockTTL time.Duration
}

func NewScheduler(c *Courier) *Scheduler {
	interval, lockTTL := 30*time.Second, 30*time.Second
	if c.config != nil {
		interval = time.Duration(c.config.Scheduler.TickIntervalSec) * time.Second
		lockTTL = time.Duration(c.config.Scheduler.LockTTLSec) * time.Second
	}
	s := &Scheduler{courier: c, lockTTL: lockTTL}
	s.tickerProcessor = newTickerProcessor("Task scheduler", interval, func(ctx context.Context) {
		if _, err := s.Tick(ctx, c.now()); err != nil {
			logrus.Errorf("scheduler tick failed: %v", err)
		}
	})
	return s
}

// Start recovers runs interrupted by a previous process unless skip_recovery is set, then starts ticking.
// Recovery holds the tick lock, so it never overlaps another instance's tick or recovery.
func (s *Scheduler) Start(ctx context.Context) {
	if s.courier.config == nil || !s.courier.config.Scheduler.SkipRecovery {
		s.recover(ctx)
	}
	s.tickerProcessor.Start(ctx)
}

func (s *Scheduler) recover(ctx context.Context) {
	recovered := 0
	lease := redlock.NewLease(s.courier.redis, schedulerLockKey, s.courier.instanceID)
	ran, err := lease.Exclusive(ctx, s.lockTTL, func(ctx context.Context) error {
		var err error
		recovered, err = s.courier.RecoverInterruptedRuns(ctx)
		return err
	})
	if err != nil {
		logrus.Errorf("failed to recover interrupted runs: %v", err)
	}
	if !ran && err == nil {
		logrus.Info("skipping run recovery, another instance holds the tick lock")
	}
	if recovered > 0 {
		logrus.Warnf("recovered %d interrupted task runs", recovered)
	}
}

// Tick fires every task due at now and returns how many runs were started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	ctx, span := tracer.Start(ctx, "Scheduler tick")
	defer span.End()

	fired := 0
	lease := redlock.NewLease(s.courier.redis, schedulerLockKey, s.courier.instanceID)
	ran, err := lease.Exclusive(ctx, s.lockTTL, func(ctx context.Context) error {
		due, err := s.courier.datasource.GetDueTasks(ctx, now, dueTasksPerTick)
		if err != nil {
			return err
		}

		var errs []error
		for i := range due {
			ok, err := s.courier.fire(ctx, &due[i], now)
			if err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", due[i].TaskID, err))
			}
			if ok {
				fired++
			}
		}

		reaped, err := s.courier.reapStaleRuns(ctx, now)
		if err != nil {
			errs = append(errs, err)
		}
		if reaped > 0 {
			logrus.Warnf("failed %d runs abandoned by their worker", reaped)
		}
		return errors.Join(errs...)
	})
	if !ran && err == nil {
		logrus.Debug("scheduler tick skipped, lock held by another instance")
	}
	return fired, err
}

// fire claims a due task, advances its schedule and enqueues the run.
// It returns false when another trigger won the claim.
func (c *Courier) fire(ctx context.Context, task *model.ScheduledTask, now time.Time) (bool, error) {
	next, err := ComputeNextRun(task.Schedule, now)
	if err != nil {
		logrus.WithField("task_id", task.TaskID).Errorf("disabling task with unusable schedule: %v", err)
		task.Status = model.TaskStatusDisabled
		task.NextRun = nil
		notification.NotifyError(fmt.Errorf("task %s disabled: %w", task.TaskID, err))
		return false, errors.Join(err, c.datasource.UpdateTask(ctx, task))
	}

	status := model.TaskStatusActive
	if task.Schedule.Type == model.ScheduleOnce {
		status = model.TaskStatusDisabled
		next = nil
	}

	exec := c.newExecution(task, model.TriggerSchedule)
	exec.StartedAt = now
	claimed, err := c.datasource.ClaimTaskRun(ctx, model.RunClaim{
		TaskID:     task.TaskID,
		Execution:  exec,
		Reschedule: true,
		NextRun:    next,
		Status:     status,
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		logrus.WithField("task_id", task.TaskID).Debug("task claimed by another trigger")
		return false, nil
	}

	if err := c.enqueueRun(ctx, task, exec, model.ActorCron); err != nil {
		return true, err
	}
	return true, nil
}
