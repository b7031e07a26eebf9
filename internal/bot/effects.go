package bot

import (
	"log/slog"

	"github.com/sokobot/sokobot/internal/catalog"
	"github.com/sokobot/sokobot/internal/llm"
)

// maxImagesPerTurn caps how many photos one display_product call may
// stage for sequential sending.
const maxImagesPerTurn = 5

// stagedImage is one outbound photo resolved from the catalog.
type stagedImage struct {
	URL     string
	Caption string
}

// pendingEffects is the reduction of a turn's tool calls into the side
// effects to apply. The model's adherence to its instructions is
// advisory, so interpretation is defensive: unknown tools and
// unresolvable product ids produce no effect.
type pendingEffects struct {
	// Images are the photos to send, from the LAST resolved
	// display_product call — one active catalog reference per turn.
	Images []stagedImage

	// Escalate locks the session and suppresses the entire reply,
	// including any free text the model produced alongside the call.
	Escalate       bool
	EscalateReason string
}

// reduceToolCalls folds the model's tool calls, in order, into a
// single pendingEffects. Later display_product calls overwrite earlier
// staged selections; escalation is sticky once seen.
func reduceToolCalls(calls []llm.ToolCall, products []catalog.Product, logger *slog.Logger) pendingEffects {
	var effects pendingEffects

	for _, call := range calls {
		switch call.Name {
		case toolDisplayProduct:
			id := call.StringArg("product_id")
			product, ok := catalog.Find(products, id)
			if !ok {
				logger.Warn("display_product referenced unknown product", "product_id", id)
				continue
			}
			if len(product.Images) == 0 {
				logger.Debug("display_product resolved product without images", "product_id", id)
				continue
			}

			staged := make([]stagedImage, 0, maxImagesPerTurn)
			for i, url := range product.Images {
				if i >= maxImagesPerTurn {
					break
				}
				caption := ""
				if i == 0 {
					caption = product.Name
				}
				staged = append(staged, stagedImage{URL: url, Caption: caption})
			}
			effects.Images = staged

		case toolEscalateToAdmin:
			effects.Escalate = true
			if reason := call.StringArg("reason"); reason != "" {
				effects.EscalateReason = reason
			}

		default:
			logger.Warn("model invoked unknown tool", "tool", call.Name)
		}
	}

	return effects
}
