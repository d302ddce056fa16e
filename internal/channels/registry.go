package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/moziai/mozi/internal/bus"
)

// Registry keeps adapters by id, supervises their lifecycle, and dispatches
// outbound messages from the bus to the owning adapter.
type Registry struct {
	log    *slog.Logger
	router bus.MessageRouter

	mu       sync.RWMutex
	adapters map[string]Adapter
	statuses map[string]bus.ChannelStatus
}

func NewRegistry(log *slog.Logger, router bus.MessageRouter) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		router:   router,
		adapters: make(map[string]Adapter),
		statuses: make(map[string]bus.ChannelStatus),
	}
}

// Register adds an adapter. Later registrations with the same id replace the
// earlier one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
	r.statuses[a.ID()] = a.Status()
	if base, ok := a.(interface{ OnStatusChange(func(bus.ChannelStatus)) }); ok {
		id := a.ID()
		base.OnStatusChange(func(s bus.ChannelStatus) {
			r.mu.Lock()
			r.statuses[id] = s
			r.mu.Unlock()
		})
	}
}

// Get returns the adapter for id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Statuses returns a snapshot of per-adapter status for diagnostics.
func (r *Registry) Statuses() map[string]bus.ChannelStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bus.ChannelStatus, len(r.statuses))
	for id, s := range r.statuses {
		out[id] = s
	}
	return out
}

// ConnectAll starts every registered adapter. A failing adapter logs and is
// skipped; the rest still come up.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Connect(ctx); err != nil {
			r.log.Error("channel: connect failed", "channel", a.ID(), "error", err)
			continue
		}
		r.log.Info("channel: connected", "channel", a.ID())
	}
}

// DisconnectAll stops every adapter.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Disconnect(ctx); err != nil {
			r.log.Warn("channel: disconnect failed", "channel", a.ID(), "error", err)
		}
	}
}

// Send routes one outbound message to the adapter named by msg.Channel.
func (r *Registry) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	a, ok := r.Get(msg.Channel)
	if !ok {
		return "", fmt.Errorf("unknown channel %q", msg.Channel)
	}
	return a.Send(ctx, msg.PeerID, msg)
}

// DispatchOutbound consumes the bus's outbound queue until ctx is done.
// Run as a goroutine from the host.
func (r *Registry) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := r.router.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if _, err := r.Send(ctx, msg); err != nil {
			r.log.Error("channel: outbound send failed",
				"channel", msg.Channel, "peer", msg.PeerID, "error", err)
		}
	}
}
