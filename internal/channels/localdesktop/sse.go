package localdesktop

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/bus"
)

// sseClient is one open /events connection. Events are fanned in through ch
// and written by the handler goroutine, which keeps per-client FIFO order.
type sseClient struct {
	id     string
	peerID string
	ch     chan []byte
	done   chan struct{}
}

func (c *sseClient) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (t *Transport) handleEvents(w http.ResponseWriter, r *http.Request) {
	if t.applyCORS(w, r) {
		return
	}
	if !t.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	peerID := r.URL.Query().Get("peerId")
	if peerID == "" {
		peerID = DefaultPeerID
	}

	client := &sseClient{
		id:     uuid.NewString(),
		peerID: peerID,
		ch:     make(chan []byte, 256),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.sseClients[client.id] = client
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.sseClients, client.id)
		t.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ready, _ := json.Marshal(map[string]any{"peerId": peerID, "ts": time.Now().UnixMilli()})
	fmt.Fprintf(w, "event: ready\ndata: %s\n\n", ready)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.done:
			return
		case payload := <-client.ch:
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// broadcast emits one JSON payload to every SSE client attached to peerID.
// A slow client whose buffer is full loses the event rather than stalling
// the pipeline.
func (t *Transport) broadcast(peerID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.log.Error("local-desktop: encode event failed", "error", err)
		return
	}

	t.mu.Lock()
	var targets []*sseClient
	for _, c := range t.sseClients {
		if c.peerID == peerID {
			targets = append(targets, c)
		}
	}
	t.mu.Unlock()

	for _, c := range targets {
		select {
		case c.ch <- data:
		default:
			t.log.Warn("local-desktop: dropping event for slow client", "client", c.id, "peer", peerID)
		}
	}
}

// EmitPhase broadcasts a phase event to the peer's SSE clients.
func (t *Transport) EmitPhase(peerID string, phase bus.Phase, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	t.broadcast(peerID, map[string]any{
		"type":      "phase",
		"peerId":    peerID,
		"phase":     string(phase),
		"payload":   payload,
		"timestamp": time.Now().UnixMilli(),
	})
}
