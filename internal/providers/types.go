// Package providers defines the PromptDriver contract the dispatch pipeline
// consumes, the conversation message shape, and the model registry. Concrete
// model clients live outside the runtime host and are injected at wiring
// time.
package providers

import "context"

// Message is one conversation turn handed to the driver.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ImageContent is a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Usage tracks token consumption for one driver call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EventKind tags one element of a prompt stream.
type EventKind string

const (
	EventTextDelta EventKind = "text_delta"
	EventToolCall  EventKind = "tool_call"
	EventFinal     EventKind = "final"
	EventError     EventKind = "error"
)

// StreamEvent is one element of the iterator-of-events a driver produces.
// Exactly one payload field is meaningful per kind: Text for text_delta,
// Tool for tool_call, Text+Usage for final, Err for error.
type StreamEvent struct {
	Kind  EventKind
	Text  string
	Tool  *ToolCall
	Usage *Usage
	Err   error
}

// PromptRequest is the input for one driver invocation.
type PromptRequest struct {
	SessionKey string
	AgentID    string
	ModelRef   string
	Messages   []Message
	// ThinkingLevel and ReasoningVisibility are pass-through hints; drivers
	// that do not understand them ignore them.
	ThinkingLevel       string
	ReasoningVisibility string
	Options             map[string]any
}

// PromptDriver runs one model turn and streams events until final or error.
// Implementations must honor ctx cancellation cooperatively: stop emitting
// and return promptly once ctx is done. onEvent is invoked from a single
// goroutine in arrival order.
type PromptDriver interface {
	Run(ctx context.Context, req PromptRequest, onEvent func(StreamEvent)) error
}

// DriverFunc adapts a function to PromptDriver.
type DriverFunc func(ctx context.Context, req PromptRequest, onEvent func(StreamEvent)) error

func (f DriverFunc) Run(ctx context.Context, req PromptRequest, onEvent func(StreamEvent)) error {
	return f(ctx, req, onEvent)
}
