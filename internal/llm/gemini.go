package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sokobot/sokobot/internal/httpkit"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a new Gemini client for the given model.
func NewGeminiClient(apiKey, model string, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Inference responses can take significant time before headers
	// arrive (long prompts, queuing at the provider). Use a custom
	// transport with a generous response header timeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultGeminiBase,
		logger:  logger.With("provider", "gemini"),
		httpClient: httpkit.NewClient(
			// No global timeout — rely on ctx deadlines for control.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *GeminiClient) SetBaseURL(u string) { c.baseURL = u }

// Gemini request/response types

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolGroup `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string          `json:"text,omitempty"`
	InlineData   *geminiBlob     `json:"inlineData,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Chat sends a generateContent request with tool declarations.
func (c *GeminiClient) Chat(ctx context.Context, system string, messages []Message, tools []Tool) (*ChatResponse, error) {
	req := geminiRequest{
		Contents:          convertToGemini(messages),
		SystemInstruction: systemContent(system),
		Tools:             convertToolsToGemini(tools),
	}
	resp, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return convertFromGemini(c.model, resp), nil
}

// ChatJSON sends a structured-output request and returns the raw JSON
// text the model produced.
func (c *GeminiClient) ChatJSON(ctx context.Context, system string, messages []Message, schema map[string]any) (string, error) {
	req := geminiRequest{
		Contents:          convertToGemini(messages),
		SystemInstruction: systemContent(system),
		GenerationConfig: &geminiGenConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   schema,
		},
	}
	resp, err := c.generate(ctx, req)
	if err != nil {
		return "", err
	}
	out := convertFromGemini(c.model, resp)
	return out.Text, nil
}

func (c *GeminiClient) generate(ctx context.Context, req geminiRequest) (*geminiResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, NewTransientError(fmt.Sprintf("request timed out: %v", err))
		}
		// Connection-level failures are transient from the pipeline's
		// point of view — the request likely never reached the provider.
		return nil, NewTransientError(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ProviderError{Status: resp.StatusCode, Message: errBody}
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, &ProviderError{Status: out.Error.Code, Message: out.Error.Message}
	}

	c.logger.Debug("response received",
		"input_tokens", out.UsageMetadata.PromptTokenCount,
		"output_tokens", out.UsageMetadata.CandidatesTokenCount,
	)

	return &out, nil
}

// convertToGemini converts internal messages to Gemini contents.
// Gemini uses "model" for the assistant role.
func convertToGemini(messages []Message) []geminiContent {
	var result []geminiContent
	for _, msg := range messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}

		var parts []geminiPart
		if msg.Text != "" {
			parts = append(parts, geminiPart{Text: msg.Text})
		}
		if msg.Image != nil {
			parts = append(parts, geminiPart{InlineData: &geminiBlob{
				MIMEType: msg.Image.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(msg.Image.Data),
			}})
		}
		if len(parts) == 0 {
			// Gemini rejects empty content blocks.
			parts = append(parts, geminiPart{Text: " "})
		}

		result = append(result, geminiContent{Role: role, Parts: parts})
	}
	return result
}

func systemContent(system string) *geminiContent {
	if system == "" {
		return nil
	}
	return &geminiContent{Parts: []geminiPart{{Text: system}}}
}

func convertToolsToGemini(tools []Tool) []geminiToolGroup {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]geminiFuncDecl, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, geminiFuncDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return []geminiToolGroup{{FunctionDeclarations: decls}}
}

// convertFromGemini converts a Gemini response to our internal format.
func convertFromGemini(model string, resp *geminiResponse) *ChatResponse {
	out := &ChatResponse{
		Model:        model,
		InputTokens:  resp.UsageMetadata.PromptTokenCount,
		OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
	}

	if len(resp.Candidates) == 0 {
		return out
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		case part.Text != "":
			out.Text += part.Text
		}
	}

	return out
}
