// Package handler is the message handler state machine: inbound messages are
// classified into a command branch or a prompt branch, and the prompt branch
// drives one dispatch-kernel turn through routing, media preprocessing,
// lifecycle rollover, streaming, and reply assembly.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/dispatch"
	"github.com/moziai/mozi/internal/media"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/reminders"
	"github.com/moziai/mozi/internal/router"
	"github.com/moziai/mozi/internal/sessions"
)

// AuthBroker is what the /setAuth command family needs. Nil disables the
// commands.
type AuthBroker interface {
	Set(name, value string) error
	Unset(name string) error
	Check(name string) (bool, error)
	List() ([]string, error)
}

// SemanticClassifier decides whether the conversation topic shifted enough to
// rotate the session. Confidence is in [0,1].
type SemanticClassifier interface {
	Classify(ctx context.Context, recentUserTurn, priorUserTurn string) (float64, error)
}

// MemoryFlusher compacts session context into long-term memory. Nil makes
// /compact and the pre-overflow flush no-ops.
type MemoryFlusher interface {
	Flush(ctx context.Context, sessionKey string) error
}

// Options wires the handler's collaborators. Router, Sessions, Kernel,
// Registry, Models, Driver, and Channels are required; the rest are optional.
type Options struct {
	Log           *slog.Logger
	Config        func() *config.Config
	Router        *router.Router
	Sessions      *sessions.Manager
	Kernel        *dispatch.Kernel
	Models        *providers.Registry
	Driver        providers.PromptDriver
	Channels      *channels.Registry
	Transcriber   media.Transcriber
	Auth          AuthBroker
	Classifier    SemanticClassifier
	Memory        MemoryFlusher
	Reminders     *reminders.Store
	RemindersPoke func()
	Restart       func() // runtime-control restart callback
}

// Handler executes the per-message state machine.
type Handler struct {
	log  *slog.Logger
	opts Options
}

// New builds a handler.
func New(opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, opts: opts}
}

// Run consumes the inbound bus until ctx is done. Each message is handled on
// its own goroutine; serialization happens per session inside the kernel.
func (h *Handler) Run(ctx context.Context, mr bus.MessageRouter) {
	for {
		msg, ok := mr.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go h.HandleInbound(ctx, msg)
	}
}

// localizedIntents maps non-slash phrasings onto their command equivalents.
var localizedIntents = []struct {
	re  *regexp.Regexp
	cmd string
}{
	{regexp.MustCompile(`^取消心跳$`), "/heartbeat off"},
	{regexp.MustCompile(`^开启心跳$`), "/heartbeat on"},
	{regexp.MustCompile(`^新会话$`), "/new"},
}

// HandleInbound classifies one message and runs the matching branch.
func (h *Handler) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	text := strings.TrimSpace(msg.Text)

	for _, intent := range localizedIntents {
		if intent.re.MatchString(text) {
			text = intent.cmd
			break
		}
	}

	route := h.opts.Router.Resolve(msg)
	sess := h.opts.Sessions.GetOrCreate(route.SessionKey, sessions.Attrs{AgentID: route.AgentID})

	if strings.HasPrefix(text, "/") {
		h.runCommand(ctx, msg, route, sess, text)
		return
	}
	h.runPrompt(ctx, msg, route, text, "")
}

// DispatchTurn feeds a synthesized message (heartbeat, reminder) into the
// same pipeline. Satisfies reminders.Delivery.
func (h *Handler) DispatchTurn(ctx context.Context, msg bus.InboundMessage) {
	h.HandleInbound(ctx, msg)
}

// SendDirect delivers text to a session's channel without a prompt turn.
// Satisfies reminders.Delivery.
func (h *Handler) SendDirect(ctx context.Context, sessionKey, text string) error {
	channel := sessions.ChannelFromKey(sessionKey)
	peer := sessions.PeerFromKey(sessionKey)
	if channel == "" || peer == "" {
		return fmt.Errorf("session key %q has no deliverable route", sessionKey)
	}
	_, err := h.opts.Channels.Send(ctx, bus.OutboundMessage{
		Channel: channel,
		PeerID:  peer,
		Text:    text,
	})
	return err
}

// reply sends text back to the message's origin.
func (h *Handler) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	_, err := h.opts.Channels.Send(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		PeerID:  msg.PeerID,
		Text:    text,
		ReplyTo: msg.ID,
	})
	if err != nil {
		h.log.Error("handler: reply failed", "channel", msg.Channel, "peer", msg.PeerID, "error", err)
	}
}

// emitPhase forwards a phase transition to phase-capable channels.
func (h *Handler) emitPhase(msg bus.InboundMessage, phase bus.Phase) {
	a, ok := h.opts.Channels.Get(msg.Channel)
	if !ok {
		return
	}
	if pa, ok := a.(channels.PhaseAdapter); ok {
		pa.EmitPhase(msg.PeerID, phase, nil)
	}
}

// beginTyping starts the channel typing indicator, returning a stop func.
func (h *Handler) beginTyping(msg bus.InboundMessage) func() {
	a, ok := h.opts.Channels.Get(msg.Channel)
	if !ok {
		return func() {}
	}
	if ta, ok := a.(channels.TypingAdapter); ok {
		return ta.BeginTyping(msg.PeerID)
	}
	return func() {}
}
