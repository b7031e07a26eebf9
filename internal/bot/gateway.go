package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sokobot/sokobot/internal/llm"
)

// Tool names the model may invoke.
const (
	toolDisplayProduct  = "display_product"
	toolEscalateToAdmin = "escalate_to_admin"
)

// Retry policy for transient provider errors. Backoff grows linearly:
// 2s, 4s. Permanent errors fail on the first attempt.
const (
	maxInferAttempts = 3
	inferBackoffStep = 2 * time.Second
)

// inferTimeout bounds one full inference cycle including retries.
const inferTimeout = 90 * time.Second

// gateway is the single point of contact with the inference provider.
type gateway struct {
	client llm.Client
	logger *slog.Logger

	// sleep is swappable in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func newGateway(client llm.Client, logger *slog.Logger) *gateway {
	return &gateway{
		client: client,
		logger: logger.With("component", "gateway"),
		sleep:  sleepCtx,
	}
}

// toolDeclarations returns the two tools the sales persona can use.
func toolDeclarations() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolDisplayProduct,
			Description: "Send the customer photos of a product from the catalog. Use when they ask to see an item.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"product_id": map[string]any{
						"type":        "string",
						"description": "The catalog id of the product to show",
					},
				},
				"required": []string{"product_id"},
			},
		},
		{
			Name:        toolEscalateToAdmin,
			Description: "Silently hand the conversation to the shop owner. Use for payment requests, human requests, or complaints.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why a human needs to take over",
					},
				},
				"required": []string{"reason"},
			},
		},
	}
}

// invoke calls the model with bounded retry on transient provider
// errors. The system instruction is built by the caller from a fresh
// inventory snapshot on every call. After the attempt budget is
// exhausted the last transient error is returned so the caller can
// queue the turn for the background sweep.
func (g *gateway) invoke(ctx context.Context, system string, history []llm.Message, active llm.Message) (*llm.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, inferTimeout)
	defer cancel()

	messages := append(append([]llm.Message{}, history...), active)
	tools := toolDeclarations()

	var lastErr error
	for attempt := 1; attempt <= maxInferAttempts; attempt++ {
		resp, err := g.client.Chat(ctx, system, messages, tools)
		if err == nil {
			g.logger.Debug("inference complete",
				"attempt", attempt,
				"tool_calls", len(resp.ToolCalls),
				"text_len", len(resp.Text),
			)
			return resp, nil
		}

		if !llm.IsTransient(err) {
			g.logger.Error("inference failed permanently", "attempt", attempt, "error", err)
			return nil, err
		}

		lastErr = err
		if attempt == maxInferAttempts {
			break
		}

		delay := time.Duration(attempt) * inferBackoffStep
		g.logger.Warn("inference transient failure, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, llm.NewTransientError(fmt.Sprintf("retry wait aborted: %v", err))
		}
	}

	g.logger.Error("inference retries exhausted", "attempts", maxInferAttempts, "error", lastErr)
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
