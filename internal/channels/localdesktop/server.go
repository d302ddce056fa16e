// Package localdesktop implements the desktop widget transport: an HTTP
// server on loopback carrying inbound JSON posts, a server-sent-events
// stream per peer, and an audio-duplex WebSocket with STT ingestion and TTS
// streaming.
package localdesktop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/media"
)

const (
	ChannelID        = "local-desktop"
	DefaultPeerID    = "desktop-default"
	DefaultSenderID  = "desktop-user"
	defaultRateRPS   = 20
	defaultRateBurst = 10
)

// Transport is the local desktop channel adapter.
type Transport struct {
	*channels.BaseAdapter

	cfg     config.LocalDesktopConfig
	log     *slog.Logger
	stt     media.Transcriber
	tts     media.Synthesizer
	limiter *rate.Limiter

	upgrader websocket.Upgrader

	mu         sync.Mutex
	sseClients map[string]*sseClient   // client id → client
	audio      map[string]*audioClient // peer id → single client
	streams    map[streamKey]*inboundStream

	httpServer *http.Server
	listener   net.Listener
}

// New builds the transport. stt and tts may be nil when voice is not
// configured; the audio endpoints then degrade to explicit error frames.
func New(cfg config.LocalDesktopConfig, router bus.MessageRouter, log *slog.Logger, stt media.Transcriber, tts media.Synthesizer) *Transport {
	if log == nil {
		log = slog.Default()
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = defaultRateRPS
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateBurst
	}
	t := &Transport{
		BaseAdapter: channels.NewBaseAdapter(ChannelID, "Local Desktop", router, nil),
		cfg:         cfg,
		log:         log,
		stt:         stt,
		tts:         tts,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		sseClients:  make(map[string]*sseClient),
		audio:       make(map[string]*audioClient),
		streams:     make(map[streamKey]*inboundStream),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return t.originAllowed(r.Header.Get("Origin")) },
	}
	return t
}

// Addr returns the bound listen address, valid after Connect. Lets tests
// bind 127.0.0.1:0.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Connect binds the listener and starts serving. Non-blocking.
func (t *Transport) Connect(ctx context.Context) error {
	host := t.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", host, t.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.SetStatus(bus.StatusError)
		return fmt.Errorf("local-desktop listen %s: %w", addr, err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/widget-config", t.handleWidgetConfig)
	mux.HandleFunc("/health", t.handleHealth)
	mux.HandleFunc("/inbound", t.handleInbound)
	mux.HandleFunc("/events", t.handleEvents)
	mux.HandleFunc("/audio", t.handleAudio)

	t.httpServer = &http.Server{Handler: mux}
	t.SetStatus(bus.StatusConnected)
	t.log.Info("local-desktop: listening", "addr", ln.Addr().String())

	go func() {
		if err := t.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.log.Error("local-desktop: serve failed", "error", err)
			t.SetStatus(bus.StatusError)
		}
	}()
	return nil
}

// Disconnect ends every SSE stream, closes every audio socket with 1001,
// clears stream buffers, then closes the listener.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	sse := make([]*sseClient, 0, len(t.sseClients))
	for _, c := range t.sseClients {
		sse = append(sse, c)
	}
	t.sseClients = make(map[string]*sseClient)
	audio := make([]*audioClient, 0, len(t.audio))
	for _, c := range t.audio {
		audio = append(audio, c)
	}
	t.audio = make(map[string]*audioClient)
	t.streams = make(map[streamKey]*inboundStream)
	t.mu.Unlock()

	for _, c := range sse {
		c.close()
	}
	for _, c := range audio {
		c.closeWith(websocket.CloseGoingAway, "server_shutdown")
	}

	if t.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.httpServer.Shutdown(shutdownCtx)
	}
	t.SetStatus(bus.StatusDisconnected)
	return nil
}

// authorized implements the three accepted token carriers. Requests are
// always authorized when no token is configured.
func (t *Transport) authorized(r *http.Request) bool {
	token := t.cfg.AuthToken
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") &&
		strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}
	if r.Header.Get("X-Mozi-Token") == token {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	return false
}

func (t *Transport) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if len(t.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, a := range t.cfg.AllowedOrigins {
		if a == origin || a == "*" {
			return true
		}
	}
	t.log.Warn("security.cors_rejected", "origin", origin)
	return false
}

// applyCORS writes the CORS response headers when the request origin passes
// the allowlist. Returns true when an OPTIONS preflight was fully answered.
func (t *Transport) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin != "" && t.originAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Mozi-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func (t *Transport) handleWidgetConfig(w http.ResponseWriter, r *http.Request) {
	if t.applyCORS(w, r) {
		return
	}
	host := t.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	resp := map[string]any{
		"enabled": t.cfg.Enabled,
		"host":    host,
		"port":    t.cfg.Port,
		"peerId":  DefaultPeerID,
	}
	if t.cfg.AuthToken != "" {
		resp["authToken"] = t.cfg.AuthToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	if t.applyCORS(w, r) {
		return
	}
	if !t.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// inboundBody is the POST /inbound wire shape.
type inboundBody struct {
	ID         string                `json:"id"`
	Text       string                `json:"text"`
	PeerID     string                `json:"peerId"`
	SenderID   string                `json:"senderId"`
	SenderName string                `json:"senderName"`
	PeerType   string                `json:"peerType"`
	Media      []bus.MediaAttachment `json:"media"`
}

func (t *Transport) handleInbound(w http.ResponseWriter, r *http.Request) {
	if t.applyCORS(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !t.authorized(r) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !t.limiter.Allow() {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
		return
	}

	var body inboundBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Text) == "" && len(body.Media) == 0 {
		http.Error(w, `{"error":"text required"}`, http.StatusBadRequest)
		return
	}

	msg := t.buildInbound(body)
	t.Publish(msg)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "id": msg.ID})
}

func (t *Transport) buildInbound(body inboundBody) bus.InboundMessage {
	id := body.ID
	if id == "" {
		id = uuid.NewString()
	}
	peer := body.PeerID
	if peer == "" {
		peer = DefaultPeerID
	}
	sender := body.SenderID
	if sender == "" {
		sender = DefaultSenderID
	}
	kind := bus.PeerKind(body.PeerType)
	if kind == "" {
		kind = bus.PeerDM
	}
	return bus.InboundMessage{
		ID:         id,
		PeerID:     peer,
		PeerKind:   kind,
		SenderID:   sender,
		SenderName: body.SenderName,
		Text:       body.Text,
		Media:      body.Media,
		Timestamp:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
