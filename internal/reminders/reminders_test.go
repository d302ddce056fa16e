package reminders

import (
	"testing"
	"time"
)

func ptr(t time.Time) *time.Time { return &t }

func TestScheduleValidate(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"one-shot", Schedule{At: &at}, false},
		{"every", Schedule{Every: "30m"}, false},
		{"cron", Schedule{Cron: "0 9 * * 1-5"}, false},
		{"cron with tz", Schedule{Cron: "0 9 * * *", TZ: "Europe/Berlin"}, false},
		{"empty", Schedule{}, true},
		{"ambiguous", Schedule{At: &at, Every: "1h"}, true},
		{"bad every", Schedule{Every: "10x"}, true},
		{"bad cron", Schedule{Cron: "not a cron"}, true},
		{"bad tz", Schedule{Cron: "0 9 * * *", TZ: "Mars/Olympus"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	at := now.Add(time.Hour)
	created := now.Add(-2 * time.Hour)

	tests := []struct {
		name   string
		r      Reminder
		want   time.Time
		wantOK bool
	}{
		{
			"disabled never fires",
			Reminder{Enabled: false, Schedule: Schedule{At: &at}},
			time.Time{}, false,
		},
		{
			"one-shot pending",
			Reminder{Enabled: true, Schedule: Schedule{At: &at}},
			at, true,
		},
		{
			"one-shot spent",
			Reminder{Enabled: true, Schedule: Schedule{At: &at}, LastFiredAt: ptr(now)},
			time.Time{}, false,
		},
		{
			"every from created",
			Reminder{Enabled: true, Schedule: Schedule{Every: "1h"}, Created: created},
			created.Add(time.Hour), true,
		},
		{
			"every from last fire",
			Reminder{Enabled: true, Schedule: Schedule{Every: "1h"}, Created: created, LastFiredAt: ptr(now)},
			now.Add(time.Hour), true,
		},
		{
			"snooze clamps forward",
			Reminder{Enabled: true, Schedule: Schedule{At: &at}, SnoozedUntil: ptr(at.Add(30 * time.Minute))},
			at.Add(30 * time.Minute), true,
		},
		{
			"past snooze has no effect",
			Reminder{Enabled: true, Schedule: Schedule{At: &at}, SnoozedUntil: ptr(now)},
			at, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, ok := NextDue(tt.r, now)
			if ok != tt.wantOK {
				t.Fatalf("NextDue() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !due.Equal(tt.want) {
				t.Errorf("NextDue() = %v, want %v", due, tt.want)
			}
		})
	}
}

func TestNextDueCron(t *testing.T) {
	// Daily at 09:00. From 12:00 the next tick is 09:00 tomorrow.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := Reminder{Enabled: true, Schedule: Schedule{Cron: "0 9 * * *"}}

	due, ok := NextDue(r, now)
	if !ok {
		t.Fatal("cron reminder reported as never firing")
	}
	if due.Day() != 11 || due.Hour() != 9 || due.Minute() != 0 {
		t.Errorf("next cron tick = %v, want 2026-03-11 09:00", due)
	}
}

func TestOneShot(t *testing.T) {
	at := time.Now()
	if !(Schedule{At: &at}).OneShot() {
		t.Error("at-only schedule not one-shot")
	}
	if (Schedule{Every: "1h"}).OneShot() {
		t.Error("periodic schedule reported one-shot")
	}
	if (Schedule{Cron: "* * * * *"}).OneShot() {
		t.Error("cron schedule reported one-shot")
	}
}
