package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber is the STT collaborator contract. Implementations receive a
// complete WAV file and return the recognized text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte, filename string) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, wav []byte, filename string) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, wav []byte, filename string) (string, error) {
	return f(ctx, wav, filename)
}

// HTTPTranscriber proxies audio to an OpenAI-compatible transcription
// endpoint (POST {baseURL}/audio/transcriptions, multipart file + model).
type HTTPTranscriber struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

func NewHTTPTranscriber(baseURL, apiKey, model string) *HTTPTranscriber {
	return &HTTPTranscriber{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, wav []byte, filename string) (string, error) {
	if filename == "" {
		filename = "audio.wav"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("stt: build form: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("stt: write audio: %w", err)
	}
	if t.Model != "" {
		if err := mw.WriteField("model", t.Model); err != nil {
			return "", fmt.Errorf("stt: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "text"); err != nil {
		return "", fmt.Errorf("stt: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("stt: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	return strings.TrimSpace(string(data)), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
