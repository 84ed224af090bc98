package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type TaskType string

const (
	TaskTypeKYCSubmission   TaskType = "KYC_SUBMISSION"
	TaskTypeTransactionSync TaskType = "TRANSACTION_SYNC"
	TaskTypePortfolioUpdate TaskType = "PORTFOLIO_UPDATE"
	TaskTypeSettlement      TaskType = "SETTLEMENT"
	TaskTypeReporting       TaskType = "REPORTING"
	TaskTypeDataSync        TaskType = "DATA_SYNC"
	TaskTypeCustom          TaskType = "CUSTOM"
)

type ScheduleType string

const (
	ScheduleOnce    ScheduleType = "ONCE"
	ScheduleDaily   ScheduleType = "DAILY"
	ScheduleWeekly  ScheduleType = "WEEKLY"
	ScheduleMonthly ScheduleType = "MONTHLY"
	ScheduleCron    ScheduleType = "CRON"
)

type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "ACTIVE"
	TaskStatusPaused   TaskStatus = "PAUSED"
	TaskStatusDisabled TaskStatus = "DISABLED"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailed  RunStatus = "FAILED"
	RunStatusPartial RunStatus = "PARTIAL"
)

type TriggerType string

const (
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerManual   TriggerType = "MANUAL"
)

// Schedule holds the fields needed to compute the next fire time of a task.
type Schedule struct {
	Type           ScheduleType `json:"schedule_type"`
	Time           string       `json:"schedule_time,omitempty"` // HH:MM in Timezone
	Days           []int        `json:"schedule_days,omitempty"` // 0 = Sunday
	Date           int          `json:"schedule_date,omitempty"` // day of month
	CronExpression string       `json:"cron_expression,omitempty"`
	RunAt          *time.Time   `json:"run_at,omitempty"`
	Timezone       string       `json:"timezone,omitempty"`
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func (s Schedule) Validate() error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}

	return validation.ValidateStruct(&s,
		validation.Field(&s.Type, validation.Required, validation.In(ScheduleOnce, ScheduleDaily, ScheduleWeekly, ScheduleMonthly, ScheduleCron)),
		validation.Field(&s.Time,
			validation.When(s.Type == ScheduleDaily || s.Type == ScheduleWeekly || s.Type == ScheduleMonthly, validation.Required),
			validation.Match(clockPattern).Error("must be in HH:MM format")),
		validation.Field(&s.Days,
			validation.When(s.Type == ScheduleWeekly, validation.Required),
			validation.Each(validation.Min(0), validation.Max(6))),
		validation.Field(&s.Date,
			validation.When(s.Type == ScheduleMonthly, validation.Required, validation.Min(1), validation.Max(31))),
		validation.Field(&s.CronExpression, validation.When(s.Type == ScheduleCron, validation.Required)),
		validation.Field(&s.RunAt, validation.When(s.Type == ScheduleOnce, validation.Required)),
	)
}

// DeliveryTemplate overrides the partner's file format and transport when set.
type DeliveryTemplate struct {
	GenerateFile   bool            `json:"generate_file"`
	FileFormat     FileFormat      `json:"file_format,omitempty"`
	DeliveryMethod DeliveryMethod  `json:"delivery_method,omitempty"`
	Target         *DeliveryTarget `json:"delivery_target,omitempty"`
}

type NotificationPolicy struct {
	NotifyOnSuccess bool   `json:"notify_on_success"`
	NotifyOnFailure bool   `json:"notify_on_failure"`
	Email           string `json:"notification_email,omitempty"`
}

type ScheduledTask struct {
	TaskID           string             `json:"task_id"`
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	TaskType         TaskType           `json:"task_type"`
	PartnerID        string             `json:"partner_id,omitempty"`
	ProductID        string             `json:"product_id,omitempty"`
	TransactionTypes []TransactionType  `json:"transaction_types,omitempty"`
	Schedule         Schedule           `json:"schedule"`
	Delivery         DeliveryTemplate   `json:"delivery"`
	Notification     NotificationPolicy `json:"notification"`
	Status           TaskStatus         `json:"status"`
	IsRunning        bool               `json:"is_running"`
	CurrentRunID     string             `json:"current_run_id,omitempty"`
	RunStartedAt     *time.Time         `json:"run_started_at,omitempty"`
	LastRun          *time.Time         `json:"last_run,omitempty"`
	LastRunStatus    RunStatus          `json:"last_run_status,omitempty"`
	LastRunDuration  int64              `json:"last_run_duration"` // milliseconds
	NextRun          *time.Time         `json:"next_run,omitempty"`
	TotalRuns        int64              `json:"total_runs"`
	SuccessfulRuns   int64              `json:"successful_runs"`
	FailedRuns       int64              `json:"failed_runs"`
	CreatedBy        string             `json:"created_by"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Validate checks the operator supplied fields of a task. Runtime fields are not inspected.
func (t *ScheduledTask) Validate() error {
	err := validation.ValidateStruct(t,
		validation.Field(&t.Name, validation.Required),
		validation.Field(&t.TaskType, validation.Required, validation.In(
			TaskTypeKYCSubmission, TaskTypeTransactionSync, TaskTypePortfolioUpdate,
			TaskTypeSettlement, TaskTypeReporting, TaskTypeDataSync, TaskTypeCustom)),
		validation.Field(&t.TransactionTypes, validation.Each(validation.By(func(value interface{}) error {
			if tt, ok := value.(TransactionType); ok && !tt.Valid() {
				return fmt.Errorf("unknown transaction type %q", tt)
			}
			return nil
		}))),
		validation.Field(&t.Notification, validation.By(func(interface{}) error {
			if (t.Notification.NotifyOnSuccess || t.Notification.NotifyOnFailure) && !emailPattern.MatchString(t.Notification.Email) {
				return errors.New("a valid notification_email is required when notifications are enabled")
			}
			return nil
		})),
	)
	if err != nil {
		return err
	}

	if err := t.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	if t.Delivery.Target != nil {
		if t.Delivery.DeliveryMethod != "" && t.Delivery.Target.Method != t.Delivery.DeliveryMethod {
			return fmt.Errorf("delivery target method %s does not match delivery method %s", t.Delivery.Target.Method, t.Delivery.DeliveryMethod)
		}
		if err := t.Delivery.Target.Validate(); err != nil {
			return fmt.Errorf("delivery: %w", err)
		}
	}
	return nil
}

// Location returns the task's timezone, defaulting to UTC.
func (t *ScheduledTask) Location() (*time.Location, error) {
	if t.Schedule.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(t.Schedule.Timezone)
}

// TaskPatch carries the operator editable fields of a task. Nil fields are left untouched.
type TaskPatch struct {
	Name             *string             `json:"name,omitempty"`
	Description      *string             `json:"description,omitempty"`
	ProductID        *string             `json:"product_id,omitempty"`
	TransactionTypes []TransactionType   `json:"transaction_types,omitempty"`
	Schedule         *Schedule           `json:"schedule,omitempty"`
	Delivery         *DeliveryTemplate   `json:"delivery,omitempty"`
	Notification     *NotificationPolicy `json:"notification,omitempty"`
}

func (t *ScheduledTask) Apply(patch TaskPatch) {
	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.ProductID != nil {
		t.ProductID = *patch.ProductID
	}
	if patch.TransactionTypes != nil {
		t.TransactionTypes = patch.TransactionTypes
	}
	if patch.Schedule != nil {
		t.Schedule = *patch.Schedule
	}
	if patch.Delivery != nil {
		t.Delivery = *patch.Delivery
	}
	if patch.Notification != nil {
		t.Notification = *patch.Notification
	}
}

type TaskFilter struct {
	Status    TaskStatus `json:"status,omitempty"`
	PartnerID string     `json:"partner_id,omitempty"`
	TaskType  TaskType   `json:"task_type,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// RunOutcome is what the execution path reports back when a run finishes.
type RunOutcome struct {
	Status           RunStatus `json:"status"`
	RecordsProcessed int       `json:"records_processed"`
	RecordsSuccess   int       `json:"records_success"`
	RecordsFailed    int       `json:"records_failed"`
	BatchIDs         []string  `json:"batch_ids,omitempty"`
	FileName         string    `json:"file_name,omitempty"`
	FileSize         int64     `json:"file_size,omitempty"`
	FileSent         bool      `json:"file_sent"`
	FailedBatches    int       `json:"failed_batches"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// Successful reports whether the run counts toward successful_runs.
// A PARTIAL run caused only by record-level failures still counts as successful.
func (o RunOutcome) Successful() bool {
	switch o.Status {
	case RunStatusSuccess:
		return true
	case RunStatusPartial:
		return o.FailedBatches == 0
	}
	return false
}

// RunClaim flips an idle ACTIVE task to running. Manual runs leave the schedule untouched.
type RunClaim struct {
	TaskID     string
	Execution  TaskExecution
	Reschedule bool
	NextRun    *time.Time
	Status     TaskStatus
}

// RunCompletion closes the run identified by Execution.ExecutionID.
type RunCompletion struct {
	TaskID     string
	Execution  TaskExecution
	Successful bool
	Anomaly    *AuditLogEntry
}

// TaskExecution is the history row of a single run.
type TaskExecution struct {
	ExecutionID      string      `json:"execution_id"`
	TaskID           string      `json:"task_id"`
	TaskName         string      `json:"task_name,omitempty"`
	Trigger          TriggerType `json:"trigger"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Duration         int64       `json:"duration"` // milliseconds
	Status           RunStatus   `json:"status"`
	RecordsProcessed int         `json:"records_processed"`
	RecordsSuccess   int         `json:"records_success"`
	RecordsFailed    int         `json:"records_failed"`
	BatchIDs         []string    `json:"batch_ids"`
	FileName         string      `json:"file_name,omitempty"`
	FileSize         int64       `json:"file_size,omitempty"`
	FileSent         bool        `json:"file_sent"`
	ErrorMessage     string      `json:"error_message,omitempty"`
}
