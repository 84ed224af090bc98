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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blnkfinance/courier/internal/apierror"
	"github.com/blnkfinance/courier/model"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
)

const taskColumns = `task_id, name, description, task_type, partner_id, product_id, transaction_types,
	schedule, delivery, notification, status, is_running, current_run_id, run_started_at,
	last_run, last_run_status, last_run_duration, next_run, total_runs, successful_runs,
	failed_runs, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.ScheduledTask, error) {
	task := &model.ScheduledTask{}
	var description, partnerID, productID, currentRunID, lastRunStatus, createdBy sql.NullString
	var txnTypes, schedule, delivery, notification []byte
	var runStartedAt, lastRun, nextRun sql.NullTime

	err := row.Scan(
		&task.TaskID, &task.Name, &description, &task.TaskType, &partnerID, &productID, &txnTypes,
		&schedule, &delivery, &notification, &task.Status, &task.IsRunning, &currentRunID, &runStartedAt,
		&lastRun, &lastRunStatus, &task.LastRunDuration, &nextRun, &task.TotalRuns, &task.SuccessfulRuns,
		&task.FailedRuns, &createdBy, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.PartnerID = partnerID.String
	task.ProductID = productID.String
	task.CurrentRunID = currentRunID.String
	task.LastRunStatus = model.RunStatus(lastRunStatus.String)
	task.CreatedBy = createdBy.String
	task.RunStartedAt = timePtr(runStartedAt)
	task.LastRun = timePtr(lastRun)
	task.NextRun = timePtr(nextRun)

	for _, col := range []struct {
		raw  []byte
		dest interface{}
	}{
		{txnTypes, &task.TransactionTypes},
		{schedule, &task.Schedule},
		{delivery, &task.Delivery},
		{notification, &task.Notification},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// CreateTask inserts a new scheduled task.
func (d Datasource) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	ctx, span := otel.Tracer("Task").Start(ctx, "Saving task to db")
	defer span.End()

	txnTypes, err := marshalJSON(task.TransactionTypes)
	if err != nil {
		return err
	}
	schedule, err := marshalJSON(task.Schedule)
	if err != nil {
		return err
	}
	delivery, err := marshalJSON(task.Delivery)
	if err != nil {
		return err
	}
	notification, err := marshalJSON(task.Notification)
	if err != nil {
		return err
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO courier.scheduled_tasks (
			task_id, name, description, task_type, partner_id, product_id, transaction_types,
			schedule, delivery, notification, status, next_run, created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		task.TaskID, task.Name, nullString(task.Description), task.TaskType, nullString(task.PartnerID),
		nullString(task.ProductID), txnTypes, schedule, delivery, notification, task.Status,
		nullTime(task.NextRun), nullString(task.CreatedBy), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apierror.NewAPIError(apierror.ErrConflict, "Task already exists", err)
		}
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create task", err)
	}
	return nil
}

// GetTask retrieves a task by its ID.
func (d Datasource) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	ctx, span := otel.Tracer("Task").Start(ctx, "Fetching task from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM courier.scheduled_tasks WHERE task_id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Task with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve task", err)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (d Datasource) ListTasks(ctx context.Context, filter model.TaskFilter) ([]model.ScheduledTask, error) {
	ctx, span := otel.Tracer("Task").Start(ctx, "Listing tasks")
	defer span.End()

	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.PartnerID != "" {
		add("partner_id = $%d", filter.PartnerID)
	}
	if filter.TaskType != "" {
		add("task_type = $%d", filter.TaskType)
	}

	query := `SELECT ` + taskColumns + ` FROM courier.scheduled_tasks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit, offset := pagination(filter.Limit, filter.Offset)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return d.queryTasks(ctx, query, args...)
}

func (d Datasource) queryTasks(ctx context.Context, query string, args ...interface{}) ([]model.ScheduledTask, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan task", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate tasks", err)
	}
	return tasks, nil
}

// UpdateTask persists operator editable fields together with status and next_run.
// Runtime counters are owned by ClaimTaskRun and CompleteTaskRun and are never written here.
func (d Datasource) UpdateTask(ctx context.Context, task *model.ScheduledTask) error {
	ctx, span := otel.Tracer("Task").Start(ctx, "Updating task")
	defer span.End()

	txnTypes, err := marshalJSON(task.TransactionTypes)
	if err != nil {
		return err
	}
	schedule, err := marshalJSON(task.Schedule)
	if err != nil {
		return err
	}
	delivery, err := marshalJSON(task.Delivery)
	if err != nil {
		return err
	}
	notification, err := marshalJSON(task.Notification)
	if err != nil {
		return err
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE courier.scheduled_tasks
		SET name = $2, description = $3, product_id = $4, transaction_types = $5, schedule = $6,
			delivery = $7, notification = $8, status = $9, next_run = $10, updated_at = NOW()
		WHERE task_id = $1`,
		task.TaskID, task.Name, nullString(task.Description), nullString(task.ProductID), txnTypes,
		schedule, delivery, notification, task.Status, nullTime(task.NextRun),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update task", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rows == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Task with ID '%s' not found", task.TaskID), nil)
	}
	return nil
}

// DeleteTask removes an idle task. A running task yields a conflict.
func (d Datasource) DeleteTask(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("Task").Start(ctx, "Deleting task")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `DELETE FROM courier.scheduled_tasks WHERE task_id = $1 AND is_running = false`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to delete task", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rows > 0 {
		return nil
	}

	var running bool
	err = d.Conn.QueryRowContext(ctx, `SELECT is_running FROM courier.scheduled_tasks WHERE task_id = $1`, id).Scan(&running)
	if err == sql.ErrNoRows {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Task with ID '%s' not found", id), err)
	}
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check task state", err)
	}
	return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Task with ID '%s' is running", id), nil)
}

// GetDueTasks returns ACTIVE idle tasks whose next_run has passed, oldest first.
func (d Datasource) GetDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error) {
	ctx, span := otel.Tracer("Task").Start(ctx, "Fetching due tasks")
	defer span.End()

	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM courier.scheduled_tasks
		WHERE status = $1 AND is_running = false AND next_run IS NOT NULL AND next_run <= $2
		ORDER BY next_run ASC
		LIMIT $3`, model.TaskStatusActive, now, limit)
}

// GetRunningTasks returns every task currently flagged as running.
func (d Datasource) GetRunningTasks(ctx context.Context) ([]model.ScheduledTask, error) {
	ctx, span := otel.Tracer("Task").Start(ctx, "Fetching running tasks")
	defer span.End()

	return d.queryTasks(ctx, `SELECT `+taskColumns+` FROM courier.scheduled_tasks WHERE is_running = true`)
}

// ClaimTaskRun flips an idle ACTIVE task to running and opens its execution row.
// It returns false when another trigger won the task first.
func (d Datasource) ClaimTaskRun(ctx context.Context, claim model.RunClaim) (bool, error) {
	ctx, span := otel.Tracer("Task").Start(ctx, "Claiming task run")
	defer span.End()

	claimed := false
	err := d.execTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE courier.scheduled_tasks
			SET is_running = true, current_run_id = $2, run_started_at = $3,
				next_run = CASE WHEN $4 THEN $5 ELSE next_run END,
				status = CASE WHEN $4 THEN $6 ELSE status END,
				updated_at = NOW()
			WHERE task_id = $1 AND is_running = false AND status = 'ACTIVE'`,
			claim.TaskID, claim.Execution.ExecutionID, claim.Execution.StartedAt,
			claim.Reschedule, nullTime(claim.NextRun), claim.Status,
		)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim task run", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
		}
		if rows == 0 {
			return errNotClaimed
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO courier.task_executions (execution_id, task_id, trigger, started_at, status)
			VALUES ($1, $2, $3, $4, $5)`,
			claim.Execution.ExecutionID, claim.TaskID, claim.Execution.Trigger, claim.Execution.StartedAt, model.RunStatusRunning,
		)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record execution", err)
		}
		claimed = true
		return nil
	})
	if errors.Is(err, errNotClaimed) {
		return false, nil
	}
	return claimed, err
}

var errNotClaimed = errors.New("task run not claimed")

// CompleteTaskRun closes a run and releases is_running. Completions for a run that is no
// longer current (cancelled or recovered) are discarded and reported as false.
func (d Datasource) CompleteTaskRun(ctx context.Context, completion model.RunCompletion) (bool, error) {
	ctx, span := otel.Tracer("Task").Start(ctx, "Completing task run")
	defer span.End()

	exec := completion.Execution
	successInc, failedInc := 0, 1
	if completion.Successful {
		successInc, failedInc = 1, 0
	}
	completedAt := time.Now().UTC()
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}

	completed := false
	err := d.execTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE courier.scheduled_tasks
			SET is_running = false, current_run_id = NULL, run_started_at = NULL,
				last_run = $3, last_run_status = $4, last_run_duration = $5,
				total_runs = total_runs + 1, successful_runs = successful_runs + $6,
				failed_runs = failed_runs + $7, updated_at = NOW()
			WHERE task_id = $1 AND current_run_id = $2 AND is_running = true`,
			completion.TaskID, exec.ExecutionID, exec.StartedAt, exec.Status, exec.Duration, successInc, failedInc,
		)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to complete task run", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
		}
		if rows == 0 {
			return errNotClaimed
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE courier.task_executions
			SET completed_at = $2, duration = $3, status = $4, records_processed = $5, records_success = $6,
				records_failed = $7, batch_ids = $8, file_name = $9, file_size = $10, file_sent = $11, error_message = $12
			WHERE execution_id = $1`,
			exec.ExecutionID, completedAt, exec.Duration, exec.Status, exec.RecordsProcessed, exec.RecordsSuccess,
			exec.RecordsFailed, pq.Array(exec.BatchIDs), nullString(exec.FileName), exec.FileSize, exec.FileSent,
			nullString(exec.ErrorMessage),
		)
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to close execution", err)
		}

		if completion.Anomaly != nil {
			if err := insertAuditEntry(ctx, tx, completion.Anomaly); err != nil {
				return err
			}
		}
		completed = true
		return nil
	})
	if errors.Is(err, errNotClaimed) {
		return false, nil
	}
	return completed, err
}

// ListExecutions returns the most recent executions, optionally scoped to a task.
func (d Datasource) ListExecutions(ctx context.Context, taskID string, limit int) ([]model.TaskExecution, error) {
	ctx, span := otel.Tracer("Task").Start(ctx, "Listing executions")
	defer span.End()

	limit, _ = pagination(limit, 0)
	query := `
		SELECT e.execution_id, e.task_id, t.name, e.trigger, e.started_at, e.completed_at, e.duration, e.status,
			e.records_processed, e.records_success, e.records_failed, e.batch_ids, e.file_name, e.file_size,
			e.file_sent, e.error_message
		FROM courier.task_executions e
		JOIN courier.scheduled_tasks t ON t.task_id = e.task_id`
	args := []interface{}{}
	if taskID != "" {
		query += ` WHERE e.task_id = $1`
		args = append(args, taskID)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY e.started_at DESC LIMIT $%d`, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query executions", err)
	}
	defer func() { _ = rows.Close() }()

	var executions []model.TaskExecution
	for rows.Next() {
		var exec model.TaskExecution
		var completedAt sql.NullTime
		var fileName, errorMessage sql.NullString
		err := rows.Scan(
			&exec.ExecutionID, &exec.TaskID, &exec.TaskName, &exec.Trigger, &exec.StartedAt, &completedAt,
			&exec.Duration, &exec.Status, &exec.RecordsProcessed, &exec.RecordsSuccess, &exec.RecordsFailed,
			pq.Array(&exec.BatchIDs), &fileName, &exec.FileSize, &exec.FileSent, &errorMessage,
		)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan execution", err)
		}
		exec.CompletedAt = timePtr(completedAt)
		exec.FileName = fileName.String
		exec.ErrorMessage = errorMessage.String
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

func pagination(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
