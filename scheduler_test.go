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
	"testing"
	"time"

	"github.com/blnkfinance/courier/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wacul/ptr"
)

func TestTick_FiresDueTaskAndAdvancesSchedule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addConfig(partnerConfig("partner_bpi"))

	task, err := env.courier.CreateTask(ctx, dailyTask("partner_bpi"))
	require.NoError(t, err)
	require.Equal(t, utc("2025-10-14T02:00:00Z"), *task.NextRun)

	fired, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-14T01:59:59Z"))
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	fired, err = NewScheduler(env.courier).Tick(ctx, utc("2025-10-14T02:00:30Z"))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	stored, err := env.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.True(t, stored.IsRunning)
	assert.Equal(t, model.TaskStatusActive, stored.Status)
	assert.Equal(t, utc("2025-10-15T02:00:00Z"), *stored.NextRun)

	require.Len(t, env.queue.runs, 1)
	assert.Equal(t, task.TaskID, env.queue.runs[0].TaskID)
	assert.Equal(t, stored.CurrentRunID, env.queue.runs[0].ExecutionID)
	assert.Equal(t, model.TriggerSchedule, env.queue.runs[0].Trigger)
	assert.Equal(t, model.ActorCron, env.queue.runs[0].Actor)

	// a running task is never fired twice, even once it is due again
	fired, err = NewScheduler(env.courier).Tick(ctx, utc("2025-10-15T02:00:30Z"))
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
	assert.Len(t, env.queue.runs, 1)
}

func TestTick_FiresEveryDueTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addConfig(partnerConfig("partner_bpi"))

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := env.courier.CreateTask(ctx, dailyTask("partner_bpi"))
		require.NoError(t, err)
		ids = append(ids, task.TaskID)
	}

	fired, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-14T02:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, 5, fired)

	for _, id := range ids {
		stored, err := env.store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.IsRunning, id)
		assert.True(t, stored.NextRun.After(utc("2025-10-14T02:00:00Z")), id)
	}
}

func TestTick_OnceTaskIsDisabledAfterFiring(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addConfig(partnerConfig("partner_bpi"))

	task := dailyTask("partner_bpi")
	task.Schedule = model.Schedule{Type: model.ScheduleOnce, RunAt: ptr.Time(utc("2025-10-13T12:00:00Z"))}
	task, err := env.courier.CreateTask(ctx, task)
	require.NoError(t, err)

	fired, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-13T12:00:10Z"))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	stored, err := env.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDisabled, stored.Status)
	assert.Nil(t, stored.NextRun)
	assert.True(t, stored.IsRunning)
}

func TestTick_SkipsWhileAnotherInstanceHoldsTheLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addConfig(partnerConfig("partner_bpi"))
	_, err := env.courier.CreateTask(ctx, dailyTask("partner_bpi"))
	require.NoError(t, err)

	require.NoError(t, env.redis.Set(schedulerLockKey, "node_other"))

	fired, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-14T02:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
	assert.Empty(t, env.queue.runs)

	env.redis.Del(schedulerLockKey)
	fired, err = NewScheduler(env.courier).Tick(ctx, utc("2025-10-14T02:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.False(t, env.redis.Exists(schedulerLockKey), "lock is released after the tick")
}

func TestTick_EnqueueFailureClosesTheRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addConfig(partnerConfig("partner_bpi"))
	task, err := env.courier.CreateTask(ctx, dailyTask("partner_bpi"))
	require.NoError(t, err)

	env.queue.runErr = errors.New("redis unavailable")
	fired, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-14T02:00:00Z"))
	require.Error(t, err)
	assert.Equal(t, 1, fired)

	stored, err := env.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)
	assert.Equal(t, model.RunStatusFailed, stored.LastRunStatus)
	assert.EqualValues(t, 1, stored.FailedRuns)
	assert.EqualValues(t, 1, stored.TotalRuns)
	assert.Equal(t, utc("2025-10-15T02:00:00Z"), *stored.NextRun)
}

func TestTick_UnusableScheduleDisablesTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	due := utc("2025-10-13T09:00:00Z")
	require.NoError(t, env.store.CreateTask(ctx, &model.ScheduledTask{
		TaskID:   "task_broken",
		Name:     "broken",
		TaskType: model.TaskTypeReporting,
		Schedule: model.Schedule{Type: model.ScheduleCron, CronExpression: "not a cron"},
		Status:   model.TaskStatusActive,
		NextRun:  &due,
	}))

	fired, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-13T10:00:00Z"))
	require.Error(t, err)
	assert.Equal(t, 0, fired)

	stored, err := env.store.GetTask(ctx, "task_broken")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDisabled, stored.Status)
	assert.Nil(t, stored.NextRun)
	assert.False(t, stored.IsRunning)
}

func TestScheduler_StartRecoversInterruptedRunsAndTicks(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.store.addConfig(partnerConfig("partner_bpi"))

	started := utc("2025-10-13T09:00:00Z")
	require.NoError(t, env.store.CreateTask(ctx, &model.ScheduledTask{
		TaskID:       "task_interrupted",
		Name:         "interrupted",
		TaskType:     model.TaskTypeReporting,
		Schedule:     model.Schedule{Type: model.ScheduleDaily, Time: "09:00"},
		Status:       model.TaskStatusActive,
		IsRunning:    true,
		CurrentRunID: "run_lost",
		RunStartedAt: &started,
		NextRun:      ptr.Time(utc("2025-10-14T09:00:00Z")),
	}))
	due, err := env.courier.CreateTask(ctx, dailyTask("partner_bpi"))
	require.NoError(t, err)
	env.clock.Set(utc("2025-10-14T02:00:05Z"))

	env.courier.config.Scheduler.TickIntervalSec = 1
	scheduler := NewScheduler(env.courier)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	recovered, err := env.store.GetTask(ctx, "task_interrupted")
	require.NoError(t, err)
	assert.False(t, recovered.IsRunning)
	assert.Equal(t, model.RunStatusFailed, recovered.LastRunStatus)
	assert.True(t, scheduler.IsRunning())

	require.Eventually(t, func() bool {
		stored, err := env.store.GetTask(ctx, due.TaskID)
		return err == nil && stored.IsRunning
	}, 5*time.Second, 50*time.Millisecond)

	scheduler.Stop()
	assert.False(t, scheduler.IsRunning())
}

func TestTick_FailsRunsAbandonedByTheirWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.addConfig(partnerConfig("partner_bpi"))

	lost, _ := startRun(t, env, dailyTask("partner_bpi"))
	busy, busyPayload := startRun(t, env, dailyTask("partner_bpi"))
	env.queue.inFlight = map[string]bool{busyPayload.ExecutionID: true}

	// within the stale threshold nothing is touched
	_, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-13T10:01:00Z"))
	require.NoError(t, err)
	stored, err := env.store.GetTask(ctx, lost.TaskID)
	require.NoError(t, err)
	assert.True(t, stored.IsRunning)

	fired, err := NewScheduler(env.courier).Tick(ctx, utc("2025-10-13T10:05:00Z"))
	require.NoError(t, err)
	assert.Zero(t, fired)

	stored, err = env.store.GetTask(ctx, lost.TaskID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)
	assert.Equal(t, model.RunStatusFailed, stored.LastRunStatus)
	assert.EqualValues(t, 1, stored.FailedRuns)

	anomalies := env.store.auditFor(lost.TaskID)
	require.Len(t, anomalies, 1)
	assert.Equal(t, model.AuditTaskRunRecovered, anomalies[0].Action)
	assert.Contains(t, anomalies[0].Details, "abandoned by its worker")

	stored, err = env.store.GetTask(ctx, busy.TaskID)
	require.NoError(t, err)
	assert.True(t, stored.IsRunning, "a run the queue still holds is left alone")

	// past the run timeout the worker pool has cancelled it, whatever the queue says
	_, err = NewScheduler(env.courier).Tick(ctx, utc("2025-10-13T10:40:00Z"))
	require.NoError(t, err)
	stored, err = env.store.GetTask(ctx, busy.TaskID)
	require.NoError(t, err)
	assert.False(t, stored.IsRunning)
	assert.Empty(t, stored.CurrentRunID)
}

func TestScheduler_StartSkipsRecoveryWhileAnotherInstanceTicks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	started := utc("2025-10-13T09:59:00Z")
	require.NoError(t, env.store.CreateTask(ctx, &model.ScheduledTask{
		TaskID:       "task_elsewhere",
		Name:         "running on another node",
		TaskType:     model.TaskTypeReporting,
		Schedule:     model.Schedule{Type: model.ScheduleDaily, Time: "09:00"},
		Status:       model.TaskStatusActive,
		IsRunning:    true,
		CurrentRunID: "run_elsewhere",
		RunStartedAt: &started,
	}))
	require.NoError(t, env.redis.Set(schedulerLockKey, "node_other"))

	scheduler := NewScheduler(env.courier)
	scheduler.Start(ctx)
	scheduler.Stop()

	stored, err := env.store.GetTask(ctx, "task_elsewhere")
	require.NoError(t, err)
	assert.True(t, stored.IsRunning)
	assert.Equal(t, "run_elsewhere", stored.CurrentRunID)
	holder, err := env.redis.Get(schedulerLockKey)
	require.NoError(t, err)
	assert.Equal(t, "node_other", holder)
}
