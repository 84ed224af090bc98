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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/courier/config"
	redis_db "github.com/blnkfinance/courier/internal/redis-db"
	"github.com/blnkfinance/courier/model"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// JobQueue is the asynchronous work the pipeline hands off to the worker pool.
type JobQueue interface {
	EnqueueTaskRun(ctx context.Context, payload TaskRunPayload) error
	EnqueueWebhook(ctx context.Context, hook NewWebhook) error
	EnqueueNotification(ctx context.Context, payload TaskReportPayload) error
}

// runTracker is implemented by queues that can tell whether a run is still held by the worker pool.
type runTracker interface {
	RunInFlight(executionID string) (bool, error)
}

// TaskRunPayload identifies one claimed run of a scheduled task.
type TaskRunPayload struct {
	TaskID      string            `json:"task_id"`
	ExecutionID string            `json:"execution_id"`
	Trigger     model.TriggerType `json:"trigger"`
	Actor       string            `json:"actor"`
}

// TaskReportPayload carries everything the notification worker needs to mail a run summary.
type TaskReportPayload struct {
	Task      model.ScheduledTask `json:"task"`
	Execution model.TaskExecution `json:"execution"`
}

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector  *asynq.Inspector
	names      config.QueueConfig
	runTimeout time.Duration
}

// RedisClientOpt builds the asynq connection options shared by the client, inspector and server.
func RedisClientOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	// asynq keeps its own pool; a cluster Dns uses its first node
	address, _, _ := strings.Cut(conf.Redis.Dns, ",")
	redisOption, err := redis_db.Options(address, conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing redis url: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := RedisClientOpt(conf)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector:  asynq.NewInspector(queueOptions),
		names:      conf.Queue,
		runTimeout: conf.RunTimeout(),
	}, nil
}

// EnqueueTaskRun hands a claimed run to the worker pool. Runs are never retried by the queue:
// a failed run is recorded and the next trigger starts a fresh one.
func (q *Queue) EnqueueTaskRun(ctx context.Context, payload TaskRunPayload) error {
	ctx, span := tracer.Start(ctx, "Adding task run to queue")
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.names.TaskRunQueue, data,
		asynq.TaskID(payload.ExecutionID),
		asynq.Queue(q.names.TaskRunQueue),
		asynq.MaxRetry(0),
		asynq.Timeout(q.runTimeout),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.Error(err, info)
		return err
	}
	logrus.Infof(" [*] Successfully enqueued run %s of task %s", payload.ExecutionID, payload.TaskID)
	return nil
}

func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	data, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.names.WebhookQueue, data, asynq.Queue(q.names.WebhookQueue))
	_, err = q.Client.EnqueueContext(ctx, task)
	return err
}

func (q *Queue) EnqueueNotification(ctx context.Context, payload TaskReportPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.names.NotificationQueue, data, asynq.Queue(q.names.NotificationQueue), asynq.MaxRetry(3))
	_, err = q.Client.EnqueueContext(ctx, task)
	return err
}

// QueueSizes reports pending and active work per queue for the operator dashboard.
func (q *Queue) QueueSizes() (map[string]int, error) {
	sizes := map[string]int{}
	for _, name := range []string{q.names.TaskRunQueue, q.names.WebhookQueue, q.names.NotificationQueue} {
		info, err := q.Inspector.GetQueueInfo(name)
		if err != nil {
			// asynq only knows a queue once something was enqueued to it
			sizes[name] = 0
			continue
		}
		sizes[name] = info.Pending + info.Active + info.Scheduled + info.Retry
	}
	return sizes, nil
}

// RunInFlight reports whether the run is still waiting for or held by a worker.
func (q *Queue) RunInFlight(executionID string) (bool, error) {
	info, err := q.Inspector.GetTaskInfo(q.names.TaskRunQueue, executionID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return true, nil
	}
	return false, nil
}

// runInFlight reports whether the worker pool still holds the run. A queue that cannot tell
// reports false; a lookup error counts as in flight so a live run is never failed.
func (c *Courier) runInFlight(executionID string) bool {
	tracker, ok := c.queue.(runTracker)
	if !ok {
		return false
	}
	inFlight, err := tracker.RunInFlight(executionID)
	if err != nil {
		logrus.WithField("execution_id", executionID).Warnf("cannot check run state: %v", err)
		return true
	}
	return inFlight
}

// QueueSizes reports the worker backlog when the configured queue can inspect itself.
func (c *Courier) QueueSizes() (map[string]int, error) {
	inspectable, ok := c.queue.(interface {
		QueueSizes() (map[string]int, error)
	})
	if !ok {
		return map[string]int{}, nil
	}
	return inspectable.QueueSizes()
}

// ProcessTaskRun is the asynq handler for the task run queue.
func (c *Courier) ProcessTaskRun(ctx context.Context, t *asynq.Task) error {
	var payload TaskRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling task run payload: %v", err)
		return err
	}
	return c.ExecuteRun(ctx, payload)
}

// ProcessNotification is the asynq handler for task report emails.
func (c *Courier) ProcessNotification(ctx context.Context, t *asynq.Task) error {
	var payload TaskReportPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Errorf("Error unmarshaling notification payload: %v", err)
		return err
	}
	return sendTaskReport(c.config.Transport.SMTP, &payload.Task, payload.Execution)
}
