package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Synthesis is the output of one TTS call.
type Synthesis struct {
	Audio      []byte
	MimeType   string
	DurationMs int
	Voice      string
}

// Synthesizer is the TTS collaborator contract.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Synthesis, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text, voice string) (Synthesis, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text, voice string) (Synthesis, error) {
	return f(ctx, text, voice)
}

// HTTPSynthesizer proxies to an OpenAI-compatible speech endpoint
// (POST {baseURL}/audio/speech, JSON body, audio bytes back).
type HTTPSynthesizer struct {
	BaseURL string
	APIKey  string
	Voice   string
	Client  *http.Client
}

func NewHTTPSynthesizer(baseURL, apiKey, voice string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Voice:   voice,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *HTTPSynthesizer) Synthesize(ctx context.Context, text, voice string) (Synthesis, error) {
	if voice == "" {
		voice = t.Voice
	}
	payload, err := json.Marshal(map[string]any{
		"input":           text,
		"voice":           voice,
		"response_format": "mp3",
	})
	if err != nil {
		return Synthesis{}, fmt.Errorf("tts: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return Synthesis{}, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return Synthesis{}, fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Synthesis{}, fmt.Errorf("tts: upstream returned %d: %s", resp.StatusCode, truncate(string(msg), 200))
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return Synthesis{}, fmt.Errorf("tts: read audio: %w", err)
	}
	return Synthesis{Audio: audio, MimeType: "audio/mpeg", Voice: voice}, nil
}
