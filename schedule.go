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
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/blnkfinance/courier/model"
	"github.com/robfig/cron/v3"
)

// ComputeNextRun returns the first fire time of the schedule strictly after from, in UTC.
// Wall-clock fields (time, days, date) are interpreted in the schedule's timezone.
// A ONCE schedule returns its run_at unless that is already behind from, in which case it
// returns nil: the task has nothing left to fire.
func ComputeNextRun(schedule model.Schedule, from time.Time) (*time.Time, error) {
	loc := time.UTC
	if schedule.Timezone != "" {
		l, err := time.LoadLocation(schedule.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", schedule.Timezone, err)
		}
		loc = l
	}
	local := from.In(loc)

	var next time.Time
	switch schedule.Type {
	case model.ScheduleOnce:
		if schedule.RunAt == nil {
			return nil, errors.New("run_at is required for ONCE schedules")
		}
		if schedule.RunAt.Before(from) {
			return nil, nil
		}
		next = *schedule.RunAt

	case model.ScheduleDaily:
		hour, minute, err := parseClock(schedule.Time)
		if err != nil {
			return nil, err
		}
		next = time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if !next.After(from) {
			next = time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
		}

	case model.ScheduleWeekly:
		hour, minute, err := parseClock(schedule.Time)
		if err != nil {
			return nil, err
		}
		if len(schedule.Days) == 0 {
			return nil, errors.New("schedule_days is required for WEEKLY schedules")
		}
		found := false
		for offset := 0; offset <= 7 && !found; offset++ {
			candidate := time.Date(local.Year(), local.Month(), local.Day()+offset, hour, minute, 0, 0, loc)
			if candidate.After(from) && containsDay(schedule.Days, candidate.Weekday()) {
				next, found = candidate, true
			}
		}
		if !found {
			return nil, fmt.Errorf("schedule_days %v never match", schedule.Days)
		}

	case model.ScheduleMonthly:
		hour, minute, err := parseClock(schedule.Time)
		if err != nil {
			return nil, err
		}
		if schedule.Date < 1 || schedule.Date > 31 {
			return nil, fmt.Errorf("schedule_date %d is out of range", schedule.Date)
		}
		for offset := 0; offset <= 12; offset++ {
			first := time.Date(local.Year(), local.Month()+time.Month(offset), 1, hour, minute, 0, 0, loc)
			day := schedule.Date
			if last := daysIn(first); day > last {
				day = last
			}
			candidate := time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
			if candidate.After(from) {
				next = candidate
				break
			}
		}

	case model.ScheduleCron:
		sched, err := cron.ParseStandard(schedule.CronExpression)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpression, err)
		}
		next = sched.Next(local)
		if next.IsZero() {
			return nil, fmt.Errorf("cron expression %q never fires", schedule.CronExpression)
		}

	default:
		return nil, fmt.Errorf("unsupported schedule type %q", schedule.Type)
	}

	next = next.UTC()
	return &next, nil
}

// validateSchedule checks what ozzo rules cannot: the cron grammar and a ONCE time in the future.
func validateSchedule(schedule model.Schedule, now time.Time) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	switch schedule.Type {
	case model.ScheduleCron:
		if _, err := cron.ParseStandard(schedule.CronExpression); err != nil {
			return fmt.Errorf("cron_expression: %w", err)
		}
	case model.ScheduleOnce:
		if schedule.RunAt.Before(now) {
			return errors.New("run_at: must not be in the past")
		}
	}
	return nil
}

func parseClock(clock string) (int, int, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule_time %q must be HH:MM", clock)
	}
	return t.Hour(), t.Minute(), nil
}

func containsDay(days []int, weekday time.Weekday) bool {
	for _, d := range days {
		if time.Weekday(d) == weekday {
			return true
		}
	}
	return false
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
