// Package reminders persists scheduled reminders and wakes a durable timer to
// deliver them. Fired reminders re-enter the normal dispatch pipeline as
// synthesized inbound messages, except sendMessage payloads which go straight
// to the channel.
package reminders

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/moziai/mozi/internal/config"
)

// PayloadKind selects what firing a reminder does.
type PayloadKind string

const (
	// PayloadSystemEvent injects a system-framed note into the session.
	PayloadSystemEvent PayloadKind = "systemEvent"
	// PayloadAgentTurn synthesizes a normal prompt turn.
	PayloadAgentTurn PayloadKind = "agentTurn"
	// PayloadSendMessage delivers the text verbatim, bypassing the prompt path.
	PayloadSendMessage PayloadKind = "sendMessage"
)

// Schedule is the union of the three supported shapes: one-shot At, periodic
// Every (duration string), or a cron expression with optional timezone.
// Exactly one of At/Every/Cron should be set.
type Schedule struct {
	At    *time.Time
	Every string
	Cron  string
	TZ    string
}

// OneShot reports whether the schedule fires at most once.
func (s Schedule) OneShot() bool {
	return s.At != nil && s.Every == "" && s.Cron == ""
}

// Validate rejects empty, ambiguous, or unparseable schedules.
func (s Schedule) Validate() error {
	set := 0
	if s.At != nil {
		set++
	}
	if s.Every != "" {
		set++
	}
	if s.Cron != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("schedule needs exactly one of at/every/cron")
	}
	if s.Every != "" {
		if _, err := config.ParseDurationString(s.Every); err != nil {
			return fmt.Errorf("schedule every: %w", err)
		}
	}
	if s.Cron != "" {
		if !gronx.New().IsValid(s.Cron) {
			return fmt.Errorf("schedule cron: invalid expression %q", s.Cron)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("schedule tz: %w", err)
			}
		}
	}
	return nil
}

// Reminder is one persisted row. The session key fixes the route of the
// synthesized message.
type Reminder struct {
	ID           string
	SessionKey   string
	Schedule     Schedule
	Payload      PayloadKind
	Text         string
	Enabled      bool
	Created      time.Time
	LastFiredAt  *time.Time
	SnoozedUntil *time.Time
}

// NextDue computes the reminder's next firing instant after now. ok is false
// when the reminder will never fire again (disabled, or a spent one-shot).
func NextDue(r Reminder, now time.Time) (time.Time, bool) {
	if !r.Enabled {
		return time.Time{}, false
	}

	var due time.Time
	switch {
	case r.Schedule.At != nil:
		if r.LastFiredAt != nil {
			return time.Time{}, false
		}
		due = *r.Schedule.At
	case r.Schedule.Every != "":
		period, err := config.ParseDurationString(r.Schedule.Every)
		if err != nil {
			return time.Time{}, false
		}
		base := r.Created
		if r.LastFiredAt != nil {
			base = *r.LastFiredAt
		}
		due = base.Add(period)
	case r.Schedule.Cron != "":
		ref := now
		if r.Schedule.TZ != "" {
			loc, err := time.LoadLocation(r.Schedule.TZ)
			if err != nil {
				return time.Time{}, false
			}
			ref = now.In(loc)
		}
		next, err := gronx.NextTickAfter(r.Schedule.Cron, ref, false)
		if err != nil {
			return time.Time{}, false
		}
		due = next
	default:
		return time.Time{}, false
	}

	if r.SnoozedUntil != nil && due.Before(*r.SnoozedUntil) {
		due = *r.SnoozedUntil
	}
	return due, true
}
