// Package bus carries message envelopes between channel adapters and the
// dispatch pipeline.
package bus

import (
	"context"
	"time"
)

// PeerKind distinguishes the addressable endpoint types on a channel.
type PeerKind string

const (
	PeerDM      PeerKind = "dm"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// MediaKind tags a MediaAttachment.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaVoice    MediaKind = "voice"
)

// MediaAttachment is one piece of inbound or outbound media. Exactly one of
// URL, Path, or Data should be set. A URL is the owning transport's native
// file handle and is opaque to everything outside that adapter.
type MediaAttachment struct {
	Kind       MediaKind `json:"kind"`
	URL        string    `json:"url,omitempty"`
	Path       string    `json:"path,omitempty"`
	Data       []byte    `json:"data,omitempty"`
	MimeType   string    `json:"mimeType,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	Caption    string    `json:"caption,omitempty"`
	SizeBytes  int64     `json:"sizeBytes,omitempty"`
	DurationMs int       `json:"durationMs,omitempty"`
}

// HasSource reports whether exactly one of URL/Path/Data is present.
func (m MediaAttachment) HasSource() bool {
	n := 0
	if m.URL != "" {
		n++
	}
	if m.Path != "" {
		n++
	}
	if len(m.Data) > 0 {
		n++
	}
	return n == 1
}

// InboundMessage is the envelope for one incoming unit of user input.
// Treated as immutable once published.
type InboundMessage struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	PeerID     string            `json:"peer_id"`
	PeerKind   PeerKind          `json:"peer_kind"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name,omitempty"`
	AccountID  string            `json:"account_id,omitempty"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Text       string            `json:"text"`
	Media      []MediaAttachment `json:"media,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// ProviderRaw boxes the adapter-native payload. Never traversed outside
	// the adapter that set it.
	ProviderRaw any `json:"-"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m InboundMessage) Clone() InboundMessage {
	cp := m
	if len(m.Media) > 0 {
		cp.Media = make([]MediaAttachment, len(m.Media))
		copy(cp.Media, m.Media)
		for i := range cp.Media {
			if len(m.Media[i].Data) > 0 {
				cp.Media[i].Data = append([]byte(nil), m.Media[i].Data...)
			}
		}
	}
	if len(m.Metadata) > 0 {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Button is one inline button: label plus either callback data or a URL.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// OutboundMessage is the envelope for one assistant reply headed to a channel.
type OutboundMessage struct {
	Channel string            `json:"channel"`
	PeerID  string            `json:"peer_id"`
	Text    string            `json:"text"`
	Media   []MediaAttachment `json:"media,omitempty"`
	Buttons [][]Button        `json:"buttons,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Silent  bool              `json:"silent,omitempty"`
}

// ChannelStatus is the lifecycle state of a channel adapter.
type ChannelStatus string

const (
	StatusConnecting   ChannelStatus = "connecting"
	StatusConnected    ChannelStatus = "connected"
	StatusDisconnected ChannelStatus = "disconnected"
	StatusError        ChannelStatus = "error"
)

// Phase is the externally visible processing state emitted to transports.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseListening Phase = "listening"
	PhaseThinking  Phase = "thinking"
	PhaseSpeaking  Phase = "speaking"
	PhaseExecuting Phase = "executing"
	PhaseError     Phase = "error"
)

// Event is a server-side event broadcast to attached transports (WebSocket,
// SSE) and internal subscribers.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles one broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription so transports and
// the dispatch pipeline stay decoupled from the concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound routing between channel adapters
// and the dispatch pipeline.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
