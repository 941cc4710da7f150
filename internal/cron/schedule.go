// Package cron implements the Scheduler (§4.G): a single logical timer
// thread that fires ScheduledTask rows, runs them through the agent
// runtime, and asks a second model call whether the result is worth
// surfacing to the user.
package cron

import (
	"time"

	"github.com/deskassist/core/pkg/models"
)

// computeNextRun returns the task's next NextRunAt and whether the task
// should be disabled after this run (true for "once" tasks).
func computeNextRun(task *models.ScheduledTask, now time.Time) (time.Time, bool) {
	if task.ScheduleType == models.ScheduleOnce {
		return task.RunAt, true
	}
	return nextIntervalRun(task, now), false
}

// nextIntervalRun advances the anchor (task.RunAt) in whole-period steps
// until it lands strictly after now, so that clock skew or a missed tick
// never produces a fractional offset from the anchor (§4.G).
func nextIntervalRun(task *models.ScheduledTask, now time.Time) time.Time {
	anchor := task.RunAt
	if !now.After(anchor) {
		return anchor
	}

	n := task.IntervalValue
	if n <= 0 {
		n = 1
	}

	if task.IntervalUnit == models.IntervalMonth {
		next := anchor
		for !next.After(now) {
			next = next.AddDate(0, n, 0)
		}
		return next
	}

	period := unitDuration(task.IntervalUnit) * time.Duration(n)
	if period <= 0 {
		period = time.Minute
	}
	steps := now.Sub(anchor)/period + 1
	return anchor.Add(period * steps)
}

func unitDuration(u models.IntervalUnit) time.Duration {
	switch u {
	case models.IntervalMinute:
		return time.Minute
	case models.IntervalHour:
		return time.Hour
	case models.IntervalDay:
		return 24 * time.Hour
	case models.IntervalWeek:
		return 7 * 24 * time.Hour
	default:
		return time.Minute
	}
}
