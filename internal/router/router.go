// Package router maps inbound messages onto agents and canonical session
// keys.
package router

import (
	"sync"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/sessions"
)

// Route is the resolution result for one inbound message.
type Route struct {
	AgentID    string
	DMScope    sessions.DMScope
	SessionKey string
}

// Router resolves routes from the current config and tracks each agent's
// most recent route for heartbeat delivery.
type Router struct {
	defaultAgentID string

	mu        sync.RWMutex
	cfg       *config.Config
	lastRoute map[string]Route // agentID → last resolved route
}

func New(cfg *config.Config, defaultAgentID string) *Router {
	return &Router{
		defaultAgentID: defaultAgentID,
		cfg:            cfg,
		lastRoute:      make(map[string]Route),
	}
}

// UpdateConfig swaps the config the router resolves against.
func (r *Router) UpdateConfig(cfg *config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Resolve derives the route for msg. First matching rule wins:
//  1. Telegram per-group binding (channels.telegram.groups[peerId])
//  2. channel-specific binding (channels.<channel>.agentId)
//  3. generic routing table by peer kind
//  4. the default agent
func (r *Router) Resolve(msg bus.InboundMessage) Route {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	agentID := ""
	channels := cfg.Channels

	if msg.Channel == "telegram" && msg.PeerKind != bus.PeerDM {
		if bound, ok := channels.Telegram.Groups[msg.PeerID]; ok && bound != "" {
			agentID = bound
		}
	}

	if agentID == "" {
		switch msg.Channel {
		case "telegram":
			agentID = channels.Telegram.AgentID
		case "discord":
			agentID = channels.Discord.AgentID
		case "local-desktop":
			agentID = channels.LocalDesktop.AgentID
		}
	}

	if agentID == "" {
		if msg.PeerKind == bus.PeerDM {
			agentID = channels.Routing.DMAgentID
		} else {
			agentID = channels.Routing.GroupAgentID
		}
	}

	if agentID == "" {
		agentID = r.defaultAgentID
	}

	scope := r.dmScope(cfg, msg.Channel)

	route := Route{AgentID: agentID, DMScope: scope}
	route.SessionKey = sessions.BuildSessionKey(sessions.KeyInput{
		AgentID:   agentID,
		Channel:   msg.Channel,
		PeerID:    msg.PeerID,
		PeerKind:  msg.PeerKind,
		AccountID: msg.AccountID,
		ThreadID:  msg.ThreadID,
		DMScope:   scope,
	})

	r.mu.Lock()
	r.lastRoute[agentID] = route
	r.mu.Unlock()

	return route
}

// dmScope reads the channel-specific dmScope, falling back to the top-level
// channels.dmScope, then per-channel-peer.
func (r *Router) dmScope(cfg *config.Config, channel string) sessions.DMScope {
	scope := ""
	switch channel {
	case "telegram":
		scope = cfg.Channels.Telegram.DMScope
	case "discord":
		scope = cfg.Channels.Discord.DMScope
	}
	if scope == "" {
		scope = cfg.Channels.DMScope
	}
	if scope == "" {
		return sessions.ScopePerChannelPeer
	}
	return sessions.DMScope(scope)
}

// LastRoute returns the most recent route resolved for an agent, false when
// the agent has not routed anything since start.
func (r *Router) LastRoute(agentID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.lastRoute[agentID]
	return route, ok
}

// RecordRoute seeds the last-route registry directly. Used when a reminder
// fires for a session whose route is reconstructed from its key.
func (r *Router) RecordRoute(route Route) {
	if route.AgentID == "" {
		return
	}
	r.mu.Lock()
	r.lastRoute[route.AgentID] = route
	r.mu.Unlock()
}
