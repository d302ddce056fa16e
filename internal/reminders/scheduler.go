package reminders

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/sessions"
)

// SenderID marks reminder-synthesized messages.
const SenderID = "reminder"

// idlePoll bounds how long the timer sleeps with nothing scheduled, so
// reminders created by other processes are still picked up.
const idlePoll = time.Minute

// Delivery is what the scheduler needs from the host to deliver a fired
// reminder.
type Delivery interface {
	// DispatchTurn feeds a synthesized inbound message into the handler.
	DispatchTurn(ctx context.Context, msg bus.InboundMessage)
	// SendDirect delivers text to a session's channel without a prompt turn.
	SendDirect(ctx context.Context, sessionKey, text string) error
}

// Scheduler wakes at the nearest due boundary and fires due reminders.
type Scheduler struct {
	log      *slog.Logger
	store    *Store
	delivery Delivery
	wake     chan struct{}
}

// NewScheduler builds the scheduler over a store.
func NewScheduler(log *slog.Logger, store *Store, delivery Delivery) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:      log,
		store:    store,
		delivery: delivery,
		wake:     make(chan struct{}, 1),
	}
}

// SetDelivery installs the delivery sink. Must be called before Run when the
// scheduler was built before its consumer (the handler depends on the
// scheduler's Poke, so construction order forces this split).
func (s *Scheduler) SetDelivery(d Delivery) {
	s.delivery = d
}

// Poke recomputes the wake boundary. Call after creating or mutating a
// reminder.
func (s *Scheduler) Poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sleeps until the nearest due reminder, fires everything due, and
// repeats until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(idlePoll)
	defer timer.Stop()

	for {
		now := time.Now()
		s.fireDue(ctx, now)

		sleep := s.nextBoundary(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// nextBoundary returns how long to sleep before the earliest enabled
// reminder is due, capped at idlePoll.
func (s *Scheduler) nextBoundary(now time.Time) time.Duration {
	rows, err := s.store.ListEnabled()
	if err != nil {
		s.log.Error("reminders: list failed", "error", err)
		return idlePoll
	}
	sleep := idlePoll
	for _, r := range rows {
		due, ok := NextDue(r, now)
		if !ok {
			continue
		}
		if d := due.Sub(now); d < sleep {
			sleep = d
		}
	}
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	rows, err := s.store.ListEnabled()
	if err != nil {
		s.log.Error("reminders: list failed", "error", err)
		return
	}
	for _, r := range rows {
		due, ok := NextDue(r, now)
		if !ok || due.After(now) {
			continue
		}
		s.fire(ctx, r, now)
	}
}

// fire delivers one reminder and records the firing. One-shots self-disable.
func (s *Scheduler) fire(ctx context.Context, r Reminder, now time.Time) {
	s.log.Info("reminders: firing", "id", r.ID, "session", r.SessionKey, "payload", string(r.Payload))

	var err error
	switch r.Payload {
	case PayloadSendMessage:
		err = s.delivery.SendDirect(ctx, r.SessionKey, r.Text)
	default:
		s.delivery.DispatchTurn(ctx, s.synthesize(r, now))
	}
	if err != nil {
		s.log.Error("reminders: delivery failed", "id", r.ID, "error", err)
	}

	if err := s.store.MarkFired(r.ID, now); err != nil {
		s.log.Error("reminders: mark fired failed", "id", r.ID, "error", err)
	}
	if r.Schedule.OneShot() {
		if err := s.store.SetEnabled(r.ID, false); err != nil {
			s.log.Error("reminders: disable one-shot failed", "id", r.ID, "error", err)
		}
	}
}

// synthesize builds the inbound message a fired reminder injects. The
// reminder's session key fixes the route.
func (s *Scheduler) synthesize(r Reminder, now time.Time) bus.InboundMessage {
	text := r.Text
	if r.Payload == PayloadSystemEvent {
		text = "System event: " + text
	}
	return bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   sessions.ChannelFromKey(r.SessionKey),
		PeerID:    sessions.PeerFromKey(r.SessionKey),
		PeerKind:  kindFromKey(r.SessionKey),
		SenderID:  SenderID,
		Text:      text,
		Timestamp: now,
		Metadata:  map[string]string{"reminder_id": r.ID, "session_key": r.SessionKey},
	}
}

func kindFromKey(key string) bus.PeerKind {
	switch {
	case strings.Contains(key, ":group:"):
		return bus.PeerGroup
	case strings.Contains(key, ":channel:"):
		return bus.PeerChannel
	default:
		return bus.PeerDM
	}
}
