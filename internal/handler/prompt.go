package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moziai/mozi/internal/bus"
	"github.com/moziai/mozi/internal/channels"
	"github.com/moziai/mozi/internal/config"
	"github.com/moziai/mozi/internal/dispatch"
	"github.com/moziai/mozi/internal/providers"
	"github.com/moziai/mozi/internal/router"
	"github.com/moziai/mozi/internal/sessions"
)

// editInterval throttles streamed-preview edits so channel rate limits hold.
const editInterval = 900 * time.Millisecond

const defaultContextWindow = 128000

// runPrompt is the prompt branch: route, preprocess, lifecycle, dispatch,
// stream, assemble, deliver. thinkingOverride applies to this turn only.
func (h *Handler) runPrompt(ctx context.Context, msg bus.InboundMessage, route router.Route, text, thinkingOverride string) {
	key := route.SessionKey
	cfg := h.opts.Config()
	spec := cfg.ResolveAgent(route.AgentID)
	sess := h.opts.Sessions.Get(key)

	transcript := h.transcribeVoice(ctx, msg)

	primary, fallbacks := h.selectModel(ctx, msg, key, spec, transcript)

	h.maybeRotate(ctx, key, sess, spec, text)
	h.maybeFlush(ctx, key, route, spec)

	h.emitPhase(msg, bus.PhaseThinking)
	stopTyping := h.beginTyping(msg)
	defer stopTyping()

	prompt := composePrompt(text, transcript, msg.Media)
	traceID := msg.ID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	h.log.Info("handler: dispatching turn",
		"session", key, "trace", traceID, "model", primary,
		"preview", RedactPreview(channels.Truncate(prompt, 200)))

	thinking := thinkingOverride
	if thinking == "" {
		thinking = h.effectiveThinking(key, spec.Thinking)
	}
	visibility := h.effectiveReasoning(key, spec)

	history := h.opts.Sessions.History(key)
	st := &streamState{
		editable:   h.streamingEnabled(cfg, msg.Channel),
		visibility: visibility,
	}

	turn := &dispatch.Turn{
		SessionKey: key,
		TraceID:    traceID,
		Primary:    primary,
		Fallbacks:  fallbacks,
		OnFallback: func(fb dispatch.Fallback) {
			h.log.Warn("handler: model fallback",
				"session", key, "from", fb.FromModel, "to", fb.ToModel,
				"attempt", fb.Attempt, "error", fb.Err)
		},
		Run: func(ctx context.Context, modelRef string, progress func()) error {
			st.reset()
			req := providers.PromptRequest{
				SessionKey:          key,
				AgentID:             route.AgentID,
				ModelRef:            modelRef,
				Messages:            append(history, providers.Message{Role: "user", Content: prompt}),
				ThinkingLevel:       thinking,
				ReasoningVisibility: visibility,
			}
			return h.opts.Driver.Run(ctx, req, func(ev providers.StreamEvent) {
				progress()
				switch ev.Kind {
				case providers.EventTextDelta:
					st.appendDelta(ev.Text)
					h.maybeEdit(ctx, msg, st)
				case providers.EventFinal:
					st.setFinal(ev.Text)
				}
			})
		},
	}

	h.opts.Sessions.SetStatus(key, sessions.StatusQueued)
	handle, err := h.opts.Kernel.Enqueue(turn)
	if err != nil {
		h.opts.Sessions.SetStatus(key, sessions.StatusIdle)
		h.emitPhase(msg, bus.PhaseIdle)
		h.reply(ctx, msg, "Something went wrong: "+channels.Truncate(err.Error(), 200))
		return
	}
	h.opts.Sessions.SetStatus(key, sessions.StatusRunning)

	res := handle.Wait()
	stopTyping()

	switch res.Status {
	case dispatch.StatusOK:
		h.deliverReply(ctx, msg, key, prompt, st, res, traceID)
	case dispatch.StatusTimeout:
		h.emitPhase(msg, bus.PhaseError)
		h.reply(ctx, msg, "This turn timed out.")
	case dispatch.StatusInterrupted:
		// The /stop handler's own reply suffices.
		h.opts.Sessions.SetStatus(key, sessions.StatusCancelled)
	case dispatch.StatusFailed:
		h.emitPhase(msg, bus.PhaseError)
		h.reply(ctx, msg, userFacingError(res.Err))
	}

	h.log.Info("handler: turn done",
		"session", key, "trace", traceID, "model", res.ModelRef,
		"status", string(res.Status), "attempts", res.Attempts,
		"final_found", st.finalText() != "", "streamed_chars", st.streamedLen())

	h.opts.Sessions.SetStatus(key, sessions.StatusIdle)
	h.emitPhase(msg, bus.PhaseIdle)
}

// deliverReply picks the terminal text (final over streamed), records the
// exchange, and sends it with the speaking phase around the send.
func (h *Handler) deliverReply(ctx context.Context, msg bus.InboundMessage, key, prompt string, st *streamState, res dispatch.Result, traceID string) {
	final := st.finalText()
	streamed := st.streamedText()

	source := "streamed_only"
	replyText := streamed
	switch {
	case final != "" && streamed != "":
		source = "final_over_streamed"
		replyText = final
	case final != "":
		source = "final_only"
		replyText = final
	}
	if st.visibility != "stream" {
		replyText = StripThink(replyText)
	}
	h.log.Info("handler: reply assembled",
		"trace", traceID, "source", source,
		"finalChars", len(final), "streamedChars", len(streamed))

	if replyText == "" {
		return
	}

	h.emitPhase(msg, bus.PhaseSpeaking)

	// A streamed preview message gets rewritten in place; otherwise send.
	if id := st.sentMessageID(); id != "" {
		if a, ok := h.opts.Channels.Get(msg.Channel); ok {
			if ea, ok := a.(channels.EditAdapter); ok {
				if err := ea.EditMessage(ctx, id, msg.PeerID, replyText); err == nil {
					h.recordExchange(key, prompt, replyText)
					return
				}
			}
		}
	}
	h.reply(ctx, msg, replyText)
	h.recordExchange(key, prompt, replyText)
}

func (h *Handler) recordExchange(key, prompt, reply string) {
	h.opts.Sessions.AppendMessage(key, providers.Message{Role: "user", Content: prompt})
	h.opts.Sessions.AppendMessage(key, providers.Message{Role: "assistant", Content: reply})
}

// userFacingError maps a failed turn onto the message shown to the user.
func userFacingError(err error) string {
	var authMissing *providers.AuthMissingError
	if errors.As(err, &authMissing) {
		return fmt.Sprintf("Missing authentication secret %s. Use /setAuth set %s=<value>",
			authMissing.Key, authMissing.Key)
	}
	if err == nil {
		return "Something went wrong."
	}
	return "Something went wrong: " + channels.Truncate(err.Error(), 200)
}

// transcribeVoice runs STT over the first voice/audio attachment and returns
// the transcript, "" when none applies.
func (h *Handler) transcribeVoice(ctx context.Context, msg bus.InboundMessage) string {
	if h.opts.Transcriber == nil {
		return ""
	}
	for _, att := range msg.Media {
		if att.Kind != bus.MediaVoice && att.Kind != bus.MediaAudio {
			continue
		}
		data, err := fetchAttachment(ctx, att)
		if err != nil {
			h.log.Warn("handler: fetch audio failed", "error", err)
			return ""
		}
		text, err := h.opts.Transcriber.Transcribe(ctx, data, att.Filename)
		if err != nil {
			h.log.Warn("handler: transcription failed", "error", err)
			return ""
		}
		return text
	}
	return ""
}

// fetchAttachment materializes attachment bytes from whichever source is set.
func fetchAttachment(ctx context.Context, att bus.MediaAttachment) ([]byte, error) {
	switch {
	case len(att.Data) > 0:
		return att.Data, nil
	case att.Path != "":
		return os.ReadFile(att.Path)
	case att.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	}
	return nil, fmt.Errorf("attachment has no source")
}

// selectModel resolves the turn's primary model and fallbacks, upgrading to a
// modality-capable model when media demands one. A failed upgrade sends a
// degradation notice and continues text-only.
func (h *Handler) selectModel(ctx context.Context, msg bus.InboundMessage, key string, spec config.AgentSpec, transcript string) (string, []string) {
	primary := h.opts.Sessions.GetMetadata(key, sessions.MetaModelOverride)
	if primary == "" {
		primary = spec.Model
	}
	fallbacks := spec.Fallbacks

	modality := pendingModality(msg.Media, transcript)
	if modality == "" {
		return primary, fallbacks
	}
	if ms, ok := h.opts.Models.Get(primary); ok && ms.SupportsInput(modality) {
		return primary, fallbacks
	}

	capable := h.opts.Models.SelectForModality(modality)
	if len(capable) > 0 {
		h.log.Info("handler: switching to modality-capable model",
			"session", key, "modality", modality, "model", capable[0].Ref)
		return capable[0].Ref, fallbacks
	}

	var b strings.Builder
	fmt.Fprintf(&b, "No configured model accepts %s input; continuing with text only.", modality)
	if all := h.opts.Models.List(); len(all) > 0 {
		b.WriteString("\nCandidates and where they are configured:")
		for _, m := range all {
			fmt.Fprintf(&b, "\n- %s (%s)", m.Ref, m.ConfigPath)
		}
	}
	h.reply(ctx, msg, b.String())
	return primary, fallbacks
}

// pendingModality returns the input modality still unsatisfied after STT.
func pendingModality(media []bus.MediaAttachment, transcript string) string {
	for _, att := range media {
		switch att.Kind {
		case bus.MediaPhoto:
			return providers.ModalityImage
		case bus.MediaVideo:
			return providers.ModalityVideo
		case bus.MediaAudio, bus.MediaVoice:
			if transcript == "" {
				return providers.ModalityAudio
			}
		}
	}
	return ""
}

// maybeRotate applies the temporal then semantic lifecycle checks.
func (h *Handler) maybeRotate(ctx context.Context, key string, sess *sessions.Session, spec config.AgentSpec, text string) {
	if spec.Lifecycle == nil || sess == nil {
		return
	}

	if t := spec.Lifecycle.Temporal; t != nil && t.Enabled && t.ActiveWindow != "" {
		window, err := config.ParseDurationString(t.ActiveWindow)
		if err == nil && len(h.opts.Sessions.History(key)) > 0 && time.Since(sess.Updated) > window {
			h.opts.Sessions.Rotate(key, "temporal")
			h.log.Info("handler: temporal rotation", "session", key, "window", t.ActiveWindow)
			return
		}
	}

	sem := spec.Lifecycle.Semantic
	if sem == nil || !sem.Enabled || h.opts.Classifier == nil {
		return
	}
	prior := lastUserUtterance(h.opts.Sessions.History(key))
	if prior == "" {
		return
	}
	confidence, err := h.opts.Classifier.Classify(ctx, text, prior)
	if err != nil || confidence < sem.Threshold {
		return
	}
	debounce := time.Duration(sem.DebounceSeconds) * time.Second
	if last := h.opts.Sessions.LastRotationAt(key); !last.IsZero() && time.Since(last) < debounce {
		return
	}
	h.opts.Sessions.Rotate(key, "semantic")
	h.log.Info("handler: semantic rotation", "session", key, "confidence", confidence)
}

func lastUserUtterance(history []providers.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

// maybeFlush requests a memory flush when context usage crosses the
// configured overflow ratio, stamping the flush time in metadata.
func (h *Handler) maybeFlush(ctx context.Context, key string, route router.Route, spec config.AgentSpec) {
	if spec.Context == nil || spec.Context.OnOverflow <= 0 || h.opts.Memory == nil {
		return
	}
	chars := 0
	for _, m := range h.opts.Sessions.History(key) {
		chars += len(m.Content)
	}
	window := h.contextWindow(route, h.opts.Sessions.Get(key))
	if float64(estimateTokens(chars))/float64(window) < spec.Context.OnOverflow {
		return
	}
	if err := h.opts.Memory.Flush(ctx, key); err != nil {
		h.log.Warn("handler: memory flush failed", "session", key, "error", err)
		return
	}
	h.opts.Sessions.SetMetadata(key, sessions.MetaMemoryFlush, time.Now().Format(time.RFC3339))
	h.log.Info("handler: pre-overflow memory flush", "session", key)
}

// streamingEnabled reports whether streamed edit previews apply on a channel.
func (h *Handler) streamingEnabled(cfg *config.Config, channel string) bool {
	a, ok := h.opts.Channels.Get(channel)
	if !ok {
		return false
	}
	if _, ok := a.(channels.EditAdapter); !ok {
		return false
	}
	if channel == "telegram" {
		return cfg.Channels.Telegram.StreamMode == "edit"
	}
	return true
}

// maybeEdit pushes the accumulated streamed text into the preview message,
// throttled by editInterval.
func (h *Handler) maybeEdit(ctx context.Context, msg bus.InboundMessage, st *streamState) {
	text, ok := st.editSnapshot()
	if !ok || text == "" {
		return
	}
	a, found := h.opts.Channels.Get(msg.Channel)
	if !found {
		return
	}
	if id := st.sentMessageID(); id != "" {
		if ea, ok := a.(channels.EditAdapter); ok {
			_ = ea.EditMessage(ctx, id, msg.PeerID, text)
		}
		return
	}
	id, err := a.Send(ctx, msg.PeerID, bus.OutboundMessage{
		Channel: msg.Channel,
		PeerID:  msg.PeerID,
		Text:    text,
		ReplyTo: msg.ID,
	})
	if err == nil {
		st.setSentMessageID(id)
	}
}

// effectiveThinking resolves session metadata over the agent default.
func (h *Handler) effectiveThinking(key, agentDefault string) string {
	if v := h.opts.Sessions.GetMetadata(key, sessions.MetaThinkingLevel); v != "" {
		return v
	}
	if agentDefault != "" {
		return agentDefault
	}
	return "off"
}

// effectiveReasoning resolves session metadata over the agent output config.
func (h *Handler) effectiveReasoning(key string, spec config.AgentSpec) string {
	if v := h.opts.Sessions.GetMetadata(key, sessions.MetaReasoningVis); v != "" {
		return v
	}
	if spec.Output != nil && spec.Output.ReasoningVisibility != "" {
		return spec.Output.ReasoningVisibility
	}
	return "off"
}

// contextWindow resolves the active model's declared window.
func (h *Handler) contextWindow(route router.Route, sess *sessions.Session) int {
	model := ""
	if sess != nil {
		model = h.opts.Sessions.GetMetadata(sess.Key, sessions.MetaModelOverride)
	}
	if model == "" {
		model = h.opts.Config().ResolveAgent(route.AgentID).Model
	}
	if ms, ok := h.opts.Models.Get(model); ok && ms.ContextWindow > 0 {
		return ms.ContextWindow
	}
	return defaultContextWindow
}

// estimateTokens is the rough 4-chars-per-token heuristic.
func estimateTokens(chars int) int {
	return chars / 4
}

func parseDuration(s string) (time.Duration, error) {
	return config.ParseDurationString(s)
}

// composePrompt assembles the driver prompt: raw text, then the voice
// transcript, then a summary of remaining media.
func composePrompt(text, transcript string, media []bus.MediaAttachment) string {
	var b strings.Builder
	b.WriteString(text)
	if transcript != "" {
		b.WriteString("\n\n[voice transcript]\n")
		b.WriteString(transcript)
	}
	var refs []string
	for _, att := range media {
		if att.Kind == bus.MediaVoice || att.Kind == bus.MediaAudio {
			continue
		}
		ref := string(att.Kind)
		if att.Filename != "" {
			ref += " " + att.Filename
		}
		if att.Caption != "" {
			ref += fmt.Sprintf(" (%s)", att.Caption)
		}
		refs = append(refs, ref)
	}
	if len(refs) > 0 {
		b.WriteString("\n\n[attached media]\n")
		b.WriteString(strings.Join(refs, "\n"))
	}
	return strings.TrimSpace(b.String())
}

// streamState accumulates driver output for one turn. Attempts reset it so a
// fallback retry starts a clean buffer but keeps the preview message id.
type streamState struct {
	mu         sync.Mutex
	streamed   strings.Builder
	final      string
	messageID  string
	lastEdit   time.Time
	editable   bool
	visibility string
}

func (s *streamState) reset() {
	s.mu.Lock()
	s.streamed.Reset()
	s.final = ""
	s.mu.Unlock()
}

func (s *streamState) appendDelta(text string) {
	s.mu.Lock()
	s.streamed.WriteString(text)
	s.mu.Unlock()
}

func (s *streamState) setFinal(text string) {
	s.mu.Lock()
	s.final = text
	s.mu.Unlock()
}

func (s *streamState) finalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

func (s *streamState) streamedText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed.String()
}

func (s *streamState) streamedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed.Len()
}

func (s *streamState) sentMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

func (s *streamState) setSentMessageID(id string) {
	s.mu.Lock()
	s.messageID = id
	s.mu.Unlock()
}

// editSnapshot returns the text to push into the preview and whether an edit
// is due now. Reasoning blocks are stripped unless visibility is "stream".
func (s *streamState) editSnapshot() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.editable {
		return "", false
	}
	if time.Since(s.lastEdit) < editInterval {
		return "", false
	}
	text := s.streamed.String()
	if s.visibility != "stream" {
		text = StripThink(text)
	}
	if text == "" {
		return "", false
	}
	s.lastEdit = time.Now()
	return text, true
}
