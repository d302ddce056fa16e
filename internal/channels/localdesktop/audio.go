package localdesktop

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/media"
)

// Audio WS error codes.
const (
	errUnauthorized       = "unauthorized"
	errInvalidPayload     = "invalid_payload"
	errUnsupportedMessage = "unsupported_message"
	errUnsupportedFormat  = "unsupported_audio_format"
	errSTTFailed          = "stt_failed"
	errTTSFailed          = "tts_failed"
	errInternal           = "internal_error"
)

const pcmEncoding = "pcm_s16le"

// wsFrame is the JSON envelope on the audio WebSocket, both directions.
type wsFrame struct {
	Type        string `json:"type"`
	TS          int64  `json:"ts,omitempty"`
	PeerID      string `json:"peerId,omitempty"`
	StreamID    string `json:"streamId,omitempty"`
	Seq         int    `json:"seq,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	ChunkBase64 string `json:"chunkBase64,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	DurationMs  int    `json:"durationMs,omitempty"`
	Text        string `json:"text,omitempty"`
	Voice       string `json:"voice,omitempty"`
	IsLast      bool   `json:"isLast,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
}

// audioClient is one attached audio WebSocket. Writes go through writeMu so
// TTS streaming and control replies never interleave mid-frame.
type audioClient struct {
	peerID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *audioClient) send(frame wsFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *audioClient) sendError(code, message string, retryable bool) {
	_ = c.send(wsFrame{Type: "error", Code: code, Message: message, Retryable: retryable})
}

func (c *audioClient) closeWith(code int, reason string) {
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

type streamKey struct {
	peerID   string
	streamID string
}

// inboundStream buffers audio chunks between the first audio_chunk and its
// commit. Chunks concatenate in arrival order; seq numbers are recorded but
// never used to reorder.
type inboundStream struct {
	sampleRate int
	channels   int
	chunks     [][]byte
	total      int
	lastSeq    int
}

func (t *Transport) handleAudio(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/audio" {
		http.NotFound(w, r)
		return
	}
	if !t.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		peerID = DefaultPeerID
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("local-desktop: audio upgrade failed", "error", err)
		return
	}

	client := &audioClient{peerID: peerID, conn: conn}

	// One audio client per peer: displace the previous connection.
	t.mu.Lock()
	prev := t.audio[peerID]
	t.audio[peerID] = client
	t.mu.Unlock()
	if prev != nil {
		prev.closeWith(websocket.CloseNormalClosure, "replaced")
	}

	_ = client.send(wsFrame{Type: "audio_ready", PeerID: peerID, TS: time.Now().UnixMilli()})

	defer func() {
		t.mu.Lock()
		if t.audio[peerID] == client {
			delete(t.audio, peerID)
		}
		// Disconnect destroys the peer's in-flight inbound streams.
		for key := range t.streams {
			if key.peerID == peerID {
				delete(t.streams, key)
			}
		}
		t.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		t.handleAudioFrame(r.Context(), client, frame)
	}
}

func (t *Transport) handleAudioFrame(ctx context.Context, client *audioClient, frame wsFrame) {
	switch frame.Type {
	case "ping":
		ts := frame.TS
		if ts == 0 {
			ts = time.Now().UnixMilli()
		}
		_ = client.send(wsFrame{Type: "pong", TS: ts})

	case "audio_chunk":
		t.handleAudioChunk(client, frame)

	case "audio_commit":
		t.handleAudioCommit(ctx, client, frame)

	default:
		client.sendError(errUnsupportedMessage, "unsupported message type: "+frame.Type, false)
	}
}

func (t *Transport) handleAudioChunk(client *audioClient, frame wsFrame) {
	if frame.StreamID == "" {
		client.sendError(errInvalidPayload, "missing streamId", false)
		return
	}
	if frame.Encoding != pcmEncoding {
		client.sendError(errInvalidPayload, "unsupported encoding: "+frame.Encoding, false)
		return
	}
	data, err := base64.StdEncoding.DecodeString(frame.ChunkBase64)
	if err != nil {
		client.sendError(errInvalidPayload, "chunk is not valid base64", false)
		return
	}
	if len(data) == 0 {
		client.sendError(errInvalidPayload, "empty chunk", false)
		return
	}

	key := streamKey{peerID: client.peerID, streamID: frame.StreamID}
	t.mu.Lock()
	stream, ok := t.streams[key]
	if !ok {
		stream = &inboundStream{sampleRate: frame.SampleRate, channels: frame.Channels}
		if stream.channels <= 0 {
			stream.channels = 1
		}
		t.streams[key] = stream
	}
	stream.chunks = append(stream.chunks, data)
	stream.total += len(data)
	stream.lastSeq = frame.Seq
	t.mu.Unlock()
}

func (t *Transport) handleAudioCommit(ctx context.Context, client *audioClient, frame wsFrame) {
	if frame.StreamID == "" {
		client.sendError(errInvalidPayload, "missing streamId", false)
		return
	}

	key := streamKey{peerID: client.peerID, streamID: frame.StreamID}
	t.mu.Lock()
	stream, ok := t.streams[key]
	delete(t.streams, key)
	t.mu.Unlock()
	if !ok || stream.total == 0 {
		client.sendError(errInvalidPayload, "no buffered audio for stream "+frame.StreamID, false)
		return
	}

	pcm := make([]byte, 0, stream.total)
	for _, c := range stream.chunks {
		pcm = append(pcm, c...)
	}
	wav, err := media.WrapPCMInWAV(pcm, stream.sampleRate, stream.channels)
	if err != nil {
		client.sendError(errInvalidPayload, err.Error(), false)
		return
	}

	t.EmitPhase(client.peerID, bus.PhaseListening, map[string]any{"streamId": frame.StreamID})

	if t.stt == nil {
		client.sendError(errSTTFailed, "no transcriber configured", true)
		t.EmitPhase(client.peerID, bus.PhaseError, map[string]any{"streamId": frame.StreamID})
		return
	}

	text, err := t.stt.Transcribe(ctx, wav, frame.StreamID+".wav")
	if err != nil {
		t.log.Warn("local-desktop: transcription failed", "peer", client.peerID, "error", err)
		client.sendError(errSTTFailed, "transcription failed", true)
		t.EmitPhase(client.peerID, bus.PhaseError, map[string]any{"streamId": frame.StreamID})
		return
	}

	t.broadcast(client.peerID, map[string]any{
		"type":      "transcript",
		"peerId":    client.peerID,
		"text":      text,
		"isUser":    true,
		"isFinal":   true,
		"streamId":  frame.StreamID,
		"timestamp": time.Now().UnixMilli(),
	})

	t.Publish(bus.InboundMessage{
		ID:        uuid.NewString(),
		PeerID:    client.peerID,
		PeerKind:  bus.PeerDM,
		SenderID:  DefaultSenderID,
		Text:      text,
		Timestamp: time.Now(),
	})
}
