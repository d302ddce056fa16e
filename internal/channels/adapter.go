// Package channels provides the channel adapter abstraction connecting
// external transports (Telegram, Discord, local desktop) to the dispatch
// pipeline via the message bus.
package channels

import (
	"context"
	"strings"
	"sync"

	"github.com/moziai/mozi/internal/bus"
)

// Adapter is the contract every channel transport satisfies.
type Adapter interface {
	// ID returns the stable channel identifier ("telegram", "discord",
	// "local-desktop").
	ID() string

	// DisplayName returns the human-readable channel name.
	DisplayName() string

	// Connect starts the transport. Non-blocking after setup; reconnect
	// supervision runs inside the adapter until ctx is cancelled.
	Connect(ctx context.Context) error

	// Disconnect tears the transport down and releases per-connection state.
	Disconnect(ctx context.Context) error

	// Status reports the adapter's lifecycle state.
	Status() bus.ChannelStatus

	// Send delivers one outbound message to a peer and returns the
	// transport-native message id.
	Send(ctx context.Context, peerID string, msg bus.OutboundMessage) (string, error)
}

// TypingAdapter is the optional typing-indicator capability. BeginTyping
// returns a stop function that must be safe to call more than once.
type TypingAdapter interface {
	Adapter
	BeginTyping(peerID string) (stop func())
}

// EditAdapter is the optional in-place message edit capability, used for
// streamed reply previews.
type EditAdapter interface {
	Adapter
	EditMessage(ctx context.Context, messageID, peerID, text string) error
}

// ReactionAdapter is the optional emoji-reaction capability.
type ReactionAdapter interface {
	Adapter
	React(ctx context.Context, messageID, peerID, emoji string) error
}

// PhaseAdapter is the optional processing-phase emission capability.
type PhaseAdapter interface {
	Adapter
	EmitPhase(peerID string, phase bus.Phase, payload map[string]any)
}

// BaseAdapter carries the shared plumbing adapters embed: identity, status,
// allowlist, and the inbound publish path. Status reads and writes may come
// from different goroutines (reconnect supervisors vs. registry queries).
type BaseAdapter struct {
	id          string
	displayName string
	router      bus.MessageRouter
	allowList   []string

	mu       sync.Mutex
	status   bus.ChannelStatus
	onStatus func(bus.ChannelStatus)
}

func NewBaseAdapter(id, displayName string, router bus.MessageRouter, allowList []string) *BaseAdapter {
	return &BaseAdapter{
		id:          id,
		displayName: displayName,
		router:      router,
		allowList:   allowList,
		status:      bus.StatusDisconnected,
	}
}

func (a *BaseAdapter) ID() string          { return a.id }
func (a *BaseAdapter) DisplayName() string { return a.displayName }

func (a *BaseAdapter) Status() bus.ChannelStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetStatus updates the adapter status and notifies the registry. The
// observer runs outside the lock so it may call back into the adapter.
func (a *BaseAdapter) SetStatus(s bus.ChannelStatus) {
	a.mu.Lock()
	a.status = s
	fn := a.onStatus
	a.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// OnStatusChange registers the registry's status observer.
func (a *BaseAdapter) OnStatusChange(fn func(bus.ChannelStatus)) {
	a.mu.Lock()
	a.onStatus = fn
	a.mu.Unlock()
}

// IsAllowed checks the sender against the allowlist. An empty allowlist
// allows everyone. Entries may be bare ids or "@username" forms matched
// against a compound "id|username" sender.
func (a *BaseAdapter) IsAllowed(senderID string) bool {
	if len(a.allowList) == 0 {
		return true
	}
	idPart, userPart, _ := strings.Cut(senderID, "|")
	for _, allowed := range a.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || idPart == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

// Publish forwards an inbound message to the pipeline after the allowlist
// check. The message's Channel field is stamped with the adapter id.
func (a *BaseAdapter) Publish(msg bus.InboundMessage) {
	if !a.IsAllowed(msg.SenderID) {
		return
	}
	msg.Channel = a.id
	a.router.PublishInbound(msg)
}

// Truncate shortens a string to maxLen, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
