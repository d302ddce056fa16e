// Package heartbeat drives periodic synthetic turns for agents whose
// workspace carries an actionable HEARTBEAT.md. Heartbeat turns re-enter the
// normal dispatch pipeline and share its per-session serialization.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
)

// DefaultPrompt is the heartbeat turn text when the agent does not configure
// one.
const DefaultPrompt = "Read HEARTBEAT.md if it exists and work through anything due. If nothing needs attention, reply HEARTBEAT_OK."

// SenderID marks heartbeat-synthesized messages.
const SenderID = "heartbeat"

const tickPeriod = 15 * time.Second

// LastRoute is the most recent delivery target recorded for an agent.
type LastRoute struct {
	Channel  string
	PeerID   string
	PeerKind bus.PeerKind
}

// Service evaluates agent heartbeats on a single ticker.
type Service struct {
	log       *slog.Logger
	snapshot  func() *config.Config
	lastRoute func(agentID string) (LastRoute, bool)
	dispatch  func(ctx context.Context, msg bus.InboundMessage)

	lastFired map[string]time.Time
}

// NewService wires the scheduler. snapshot returns the current config,
// lastRoute resolves an agent's most recent route, dispatch feeds the
// synthesized message into the message handler.
func NewService(log *slog.Logger, snapshot func() *config.Config,
	lastRoute func(string) (LastRoute, bool),
	dispatch func(context.Context, bus.InboundMessage)) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:       log,
		snapshot:  snapshot,
		lastRoute: lastRoute,
		dispatch:  dispatch,
		lastFired: make(map[string]time.Time),
	}
}

// Run ticks until ctx is done. Failures log and swallow; the next tick
// retries.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	cfg := s.snapshot()
	if cfg == nil {
		return
	}
	for agentID := range cfg.Agents.List {
		s.evaluate(ctx, cfg, agentID, now)
	}
}

// evaluate fires one agent's heartbeat when it is enabled, due, routable,
// and its HEARTBEAT.md has meaningful content.
func (s *Service) evaluate(ctx context.Context, cfg *config.Config, agentID string, now time.Time) {
	spec := cfg.ResolveAgent(agentID)
	hb := spec.Heartbeat
	if hb == nil || hb.Enabled == nil || !*hb.Enabled {
		return
	}

	period := 30 * time.Minute
	if hb.Every != "" {
		parsed, err := config.ParseDurationString(hb.Every)
		if err != nil {
			// An unparseable period disqualifies the agent entirely.
			s.log.Warn("heartbeat: invalid period", "agent", agentID, "every", hb.Every)
			return
		}
		period = parsed
	}
	if last, ok := s.lastFired[agentID]; ok && now.Sub(last) < period {
		return
	}

	route, ok := s.lastRoute(agentID)
	if !ok {
		return
	}

	workspace := cfg.AgentWorkspace(agentID)
	doc, err := ReadFile(workspace)
	if err != nil || MeaningfulContent(doc) == "" {
		return
	}
	if enabled, found := DirectiveEnabled(doc); found && !enabled {
		return
	}

	prompt := hb.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	s.lastFired[agentID] = now
	s.log.Info("heartbeat: firing", "agent", agentID, "channel", route.Channel, "peer", route.PeerID)

	s.dispatch(ctx, bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   route.Channel,
		PeerID:    route.PeerID,
		PeerKind:  route.PeerKind,
		SenderID:  SenderID,
		Text:      prompt,
		Timestamp: now,
	})
}
