package cron

import (
	"testing"
	"time"

	"github.com/deskassist/core/pkg/models"
)

func TestComputeNextRun_OnceDisablesAfterFiring(t *testing.T) {
	runAt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &models.ScheduledTask{ScheduleType: models.ScheduleOnce, RunAt: runAt}

	next, disable := computeNextRun(task, runAt)
	if !disable {
		t.Fatal("expected a \"once\" task to disable itself after firing")
	}
	if !next.Equal(runAt) {
		t.Fatalf("next = %v, want %v", next, runAt)
	}
}

func TestNextIntervalRun_BeforeAnchorReturnsAnchor(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &models.ScheduledTask{
		ScheduleType:  models.ScheduleInterval,
		RunAt:         anchor,
		IntervalValue: 1,
		IntervalUnit:  models.IntervalHour,
	}
	next := nextIntervalRun(task, anchor.Add(-time.Minute))
	if !next.Equal(anchor) {
		t.Fatalf("next = %v, want anchor %v", next, anchor)
	}
}

func TestNextIntervalRun_AdvancesInWholePeriods(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := &models.ScheduledTask{
		ScheduleType:  models.ScheduleInterval,
		RunAt:         anchor,
		IntervalValue: 15,
		IntervalUnit:  models.IntervalMinute,
	}

	// A tick that lands mid-period must not produce a fractional offset
	// from the anchor: the next run is still anchor + 2*period, not
	// now + period.
	now := anchor.Add(20 * time.Minute)
	next := nextIntervalRun(task, now)
	want := anchor.Add(30 * time.Minute)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextIntervalRun_DefaultsIntervalValueToOne(t *testing.T) {
	anchor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := &models.ScheduledTask{
		ScheduleType: models.ScheduleInterval,
		RunAt:        anchor,
		IntervalUnit: models.IntervalDay,
	}
	now := anchor.Add(25 * time.Hour)
	next := nextIntervalRun(task, now)
	want := anchor.AddDate(0, 0, 2)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextIntervalRun_MonthUsesCalendarStepping(t *testing.T) {
	anchor := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)
	task := &models.ScheduledTask{
		ScheduleType:  models.ScheduleInterval,
		RunAt:         anchor,
		IntervalValue: 1,
		IntervalUnit:  models.IntervalMonth,
	}
	now := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	next := nextIntervalRun(task, now)
	want := anchor.AddDate(0, 1, 0)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if !next.After(now) {
		t.Fatalf("next %v must be after now %v", next, now)
	}
}
