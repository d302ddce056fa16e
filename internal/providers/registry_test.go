package providers

import (
	"errors"
	"testing"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(ModelSpec{Ref: "anthropic/claude-sonnet", Provider: "anthropic", ID: "claude-sonnet", Input: []string{"text", "image"}})
	r.Register(ModelSpec{Ref: "openai/gpt-4o", Provider: "openai", ID: "gpt-4o", Input: []string{"text", "image", "audio"}})
	r.Register(ModelSpec{Ref: "openai/gpt-4o-mini", Provider: "openai", ID: "gpt-4o-mini", Disabled: true})
	return r
}

func TestResolve(t *testing.T) {
	r := testRegistry()
	tests := []struct {
		name    string
		ref     string
		maxDist int
		want    string
		wantErr bool
	}{
		{"exact", "anthropic/claude-sonnet", 2, "anthropic/claude-sonnet", false},
		{"case insensitive", "ANTHROPIC/Claude-Sonnet", 2, "anthropic/claude-sonnet", false},
		{"bare id", "gpt-4o", 2, "openai/gpt-4o", false},
		{"one typo", "openai/gpt-4p", 2, "openai/gpt-4o", false},
		{"transposition", "openai/gpt-4o-imni", 2, "openai/gpt-4o-mini", false},
		{"too far", "gemini/flash", 2, "", true},
		{"empty", "", 2, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := r.Resolve(tt.ref, tt.maxDist)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Resolve(%q) = %q, want error", tt.ref, spec.Ref)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if spec.Ref != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, spec.Ref, tt.want)
			}
		})
	}
}

func TestSelectForModality(t *testing.T) {
	r := testRegistry()

	audio := r.SelectForModality(ModalityAudio)
	if len(audio) != 1 || audio[0].Ref != "openai/gpt-4o" {
		t.Errorf("audio candidates = %v", refs(audio))
	}

	// Disabled models never appear, even for plain text.
	text := r.SelectForModality(ModalityText)
	for _, spec := range text {
		if spec.Disabled {
			t.Errorf("disabled model %s selected", spec.Ref)
		}
	}
}

func TestSupportsInput(t *testing.T) {
	spec := ModelSpec{Input: []string{"image"}}
	if !spec.SupportsInput(ModalityText) {
		t.Error("text must always be supported")
	}
	if !spec.SupportsInput("IMAGE") {
		t.Error("modality match must be case-insensitive")
	}
	if spec.SupportsInput(ModalityVideo) {
		t.Error("undeclared modality reported as supported")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth missing", &AuthMissingError{Key: "OPENAI_API_KEY"}, false},
		{"auth invalid", &AuthInvalidError{Key: "K", Reason: "expired"}, false},
		{"model disabled", ErrModelDisabled, false},
		{"wrapped disabled", &DriverError{Retryable: true, Err: ErrModelDisabled}, false},
		{"retryable driver error", &DriverError{Retryable: true, Err: errors.New("rate limited")}, true},
		{"fatal driver error", &DriverError{Retryable: false, Err: errors.New("bad request")}, false},
		{"plain error", errors.New("network"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func refs(specs []ModelSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Ref
	}
	return out
}
