package bot

import (
	"time"

	"github.com/sokobot/sokobot/internal/llm"
	"github.com/sokobot/sokobot/internal/session"
)

// imagePlaceholder stands in for historical image content. Binary
// attachments are never re-sent to the provider as history — only the
// active turn may carry inline image bytes.
const imagePlaceholder = "[image sent]"

// buildContext converts session history into bounded, role-tagged
// turns for the model. Operator messages are presented as assistant
// turns — from the customer's side of the conversation they are.
//
// history must already exclude the active (newest inbound) message.
// If before is non-zero, only messages strictly earlier are included,
// which lets retry replay reconstruct the context as it was when the
// original attempt failed. Truncation drops the oldest entries first.
func buildContext(history []session.Message, limit int, before time.Time) []llm.Message {
	filtered := history
	if !before.IsZero() {
		filtered = nil
		for _, m := range history {
			if m.Timestamp.Before(before) {
				filtered = append(filtered, m)
			}
		}
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	out := make([]llm.Message, 0, len(filtered))
	for _, m := range filtered {
		role := llm.RoleAssistant
		if m.Sender == session.SenderCustomer {
			role = llm.RoleUser
		}

		text := m.Text
		if m.Type == session.TypeImage {
			text = imagePlaceholder
			if m.Text != "" {
				text = imagePlaceholder + " " + m.Text
			}
		}

		out = append(out, llm.Message{Role: role, Text: text})
	}
	return out
}
