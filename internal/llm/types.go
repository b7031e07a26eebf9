// Package llm provides inference client implementations.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role values for chat messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents one role-tagged turn for the model.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`

	// Image carries inline image bytes. Only the newest user turn may
	// set it — historical images are replaced with text placeholders
	// before they reach this layer.
	Image *ImageData `json:"image,omitempty"`
}

// ImageData is an inline image payload for the active turn.
type ImageData struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Tool declares a function the model may invoke.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall represents a tool invocation returned by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// StringArg returns the named argument as a string, or "" if absent
// or of another type. Model-produced arguments are advisory — callers
// must treat missing or malformed values defensively.
func (tc ToolCall) StringArg(key string) string {
	v, _ := tc.Arguments[key].(string)
	return v
}

// ChatResponse is the unified response from the inference provider.
// Wire format conversion happens at provider boundaries (gemini.go).
type ChatResponse struct {
	Model string

	// Text is the assistant's free text (possibly empty).
	Text string

	// ToolCalls are structured invocations, in the order the model
	// produced them.
	ToolCalls []ToolCall

	// Token usage (provider-neutral).
	InputTokens  int
	OutputTokens int
}
