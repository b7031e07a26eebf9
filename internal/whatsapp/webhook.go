package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ParseWebhook extracts inbound messages from a webhook delivery body.
// Status callbacks and unsupported message types are skipped — the
// caller only sees text and image messages.
func ParseWebhook(body []byte) ([]InboundMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	var out []InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			// Map wa_id to profile name so inbound messages carry the
			// sender's display name when the platform provides one.
			names := make(map[string]string)
			for _, c := range change.Value.Contacts {
				if c.Profile.Name != "" {
					names[c.WaID] = c.Profile.Name
				}
			}

			for _, m := range change.Value.Messages {
				msg := InboundMessage{
					MessageID:   m.ID,
					From:        m.From,
					ProfileName: names[m.From],
					Type:        m.Type,
				}
				if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					msg.Timestamp = ts
				}

				switch m.Type {
				case "text":
					if m.Text == nil {
						continue
					}
					msg.Text = m.Text.Body
				case "image":
					if m.Image == nil {
						continue
					}
					msg.MediaID = m.Image.ID
					msg.Text = m.Image.Caption
				default:
					continue
				}

				out = append(out, msg)
			}
		}
	}

	return out, nil
}
