package llm

import "context"

// Client is the interface the orchestration pipeline talks to. The real
// implementation is *GeminiClient; tests substitute fakes.
type Client interface {
	// Chat sends role-tagged turns plus a system instruction and tool
	// declarations, returning free text and/or tool calls.
	Chat(ctx context.Context, system string, messages []Message, tools []Tool) (*ChatResponse, error)

	// ChatJSON requests a structured JSON response conforming to the
	// given schema. Used by the lead analyzer.
	ChatJSON(ctx context.Context, system string, messages []Message, schema map[string]any) (string, error)
}
