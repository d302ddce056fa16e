// Package sessions — session key algebra, session state, and persistence.
//
// Session keys are canonical lowercase colon-delimited strings:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on peer kind and DM scope:
//
//	DM, main scope:               main
//	DM, per-peer:                 dm:{peerId}
//	DM, per-channel-peer:         {channel}:dm:{peerId}        (default)
//	DM, per-account-channel-peer: {channel}:{account}:dm:{peerId}
//	Group/channel:                {channel}:{kind}:{peerId}
//
// A thread id appends ":thread:{threadId}". Every segment is normalized to
// [a-z0-9][a-z0-9_-]{0,63} before assembly, so two case-variant inputs always
// yield the same key.
package sessions

import (
	"strings"

	"github.com/moziai/mozi/internal/bus"
)

// DMScope selects which peer id combinations share one DM session.
type DMScope string

const (
	ScopeMain               DMScope = "main"
	ScopePerPeer            DMScope = "per-peer"
	ScopePerChannelPeer     DMScope = "per-channel-peer"
	ScopePerAccountChanPeer DMScope = "per-account-channel-peer"
)

// Stable fallbacks substituted for missing segments.
const (
	fallbackAgent   = "mozi"
	fallbackPeer    = "unknown"
	fallbackAccount = "default"
	mainSegment     = "main"
)

const maxSegmentLen = 64

// NormalizeSegment rewrites an arbitrary string into the canonical segment
// form: lowercase, runes outside [a-z0-9_-] collapsed to "-", leading and
// trailing dashes stripped, truncated to 64 runes. Returns "" when nothing
// survives; callers substitute their fallback.
//
// Note the dash collapse applies to a leading "-" too: the Telegram group id
// "-1001" normalizes to "1001". The rule is uniform so re-normalizing any
// canonical key is a no-op.
func NormalizeSegment(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > maxSegmentLen {
		out = strings.Trim(out[:maxSegmentLen], "-")
	}
	return out
}

func segmentOr(s, fallback string) string {
	if n := NormalizeSegment(s); n != "" {
		return n
	}
	return fallback
}

// KeyInput carries everything the key builder needs from an inbound message
// plus the resolved route.
type KeyInput struct {
	AgentID   string
	Channel   string
	PeerID    string
	PeerKind  bus.PeerKind
	AccountID string
	ThreadID  string
	DMScope   DMScope
}

// BuildSessionKey assembles the canonical session key for in.
func BuildSessionKey(in KeyInput) string {
	agent := segmentOr(in.AgentID, fallbackAgent)
	channel := segmentOr(in.Channel, fallbackPeer)
	peer := segmentOr(in.PeerID, fallbackPeer)

	parts := []string{"agent", agent}

	if in.PeerKind == bus.PeerDM || in.PeerKind == "" {
		switch in.DMScope {
		case ScopeMain:
			parts = append(parts, mainSegment)
		case ScopePerPeer:
			parts = append(parts, "dm", peer)
		case ScopePerAccountChanPeer:
			account := segmentOr(in.AccountID, fallbackAccount)
			parts = append(parts, channel, account, "dm", peer)
		default: // per-channel-peer
			parts = append(parts, channel, "dm", peer)
		}
	} else {
		kind := segmentOr(string(in.PeerKind), "group")
		parts = append(parts, channel, kind, peer)
	}

	if in.ThreadID != "" {
		parts = append(parts, "thread", segmentOr(in.ThreadID, fallbackPeer))
	}

	return strings.Join(parts, ":")
}

// ParseSessionKey extracts the agent id and the remainder from a canonical
// key. Returns ("", "") when key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// ChannelFromKey best-effort decodes the channel segment from a key.
// Works for per-channel-peer DM keys and group/channel keys; returns "" for
// main and per-peer scoped keys.
func ChannelFromKey(key string) string {
	_, rest := ParseSessionKey(key)
	if rest == "" {
		return ""
	}
	first, _, ok := strings.Cut(rest, ":")
	if !ok || first == mainSegment || first == "dm" {
		return ""
	}
	return first
}

// PeerFromKey best-effort decodes the peer segment (the segment after
// dm/group/channel). Returns "" when the key has no peer segment.
func PeerFromKey(key string) string {
	_, rest := ParseSessionKey(key)
	if rest == "" {
		return ""
	}
	parts := strings.Split(rest, ":")
	for i, p := range parts {
		switch p {
		case "dm", "group", "channel":
			if i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}
	return ""
}
