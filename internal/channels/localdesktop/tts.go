package localdesktop

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/bus"
)

// Raw bytes per TTS chunk frame; base64 of this stays under the 32 KiB
// payload ceiling.
const ttsChunkBytes = 24 * 1024

// Send broadcasts an assistant message to the peer's SSE clients and, when
// an audio client is attached, streams synthesized speech over the
// WebSocket.
func (t *Transport) Send(ctx context.Context, peerID string, msg bus.OutboundMessage) (string, error) {
	id := uuid.NewString()

	t.broadcast(peerID, map[string]any{
		"type":   "assistant_message",
		"id":     id,
		"peerId": peerID,
		"payload": map[string]any{
			"text":  msg.Text,
			"media": msg.Media,
		},
		"timestamp": time.Now().UnixMilli(),
	})

	t.mu.Lock()
	client := t.audio[peerID]
	t.mu.Unlock()

	if client != nil && msg.Text != "" && t.tts != nil {
		t.streamTTS(ctx, client, peerID, msg.Text)
	}

	return id, nil
}

func (t *Transport) streamTTS(ctx context.Context, client *audioClient, peerID, text string) {
	synth, err := t.tts.Synthesize(ctx, text, "")
	if err != nil {
		t.log.Warn("local-desktop: tts failed", "peer", peerID, "error", err)
		client.sendError(errTTSFailed, "speech synthesis failed", true)
		return
	}

	streamID := uuid.NewString()
	if err := client.send(wsFrame{
		Type:       "audio_meta",
		StreamID:   streamID,
		MimeType:   synth.MimeType,
		DurationMs: synth.DurationMs,
		Text:       text,
		Voice:      synth.Voice,
	}); err != nil {
		return
	}

	audio := synth.Audio
	seq := 0
	for off := 0; off < len(audio); off += ttsChunkBytes {
		end := off + ttsChunkBytes
		if end > len(audio) {
			end = len(audio)
		}
		frame := wsFrame{
			Type:        "audio_chunk",
			StreamID:    streamID,
			Seq:         seq,
			MimeType:    synth.MimeType,
			ChunkBase64: base64.StdEncoding.EncodeToString(audio[off:end]),
			IsLast:      end == len(audio),
		}
		if err := client.send(frame); err != nil {
			return
		}
		seq++
	}

	t.broadcast(peerID, map[string]any{
		"type":       "audio_ready",
		"peerId":     peerID,
		"streamId":   streamID,
		"mimeType":   synth.MimeType,
		"durationMs": synth.DurationMs,
		"timestamp":  time.Now().UnixMilli(),
	})
}
