// Package whatsapp talks to the WhatsApp Cloud API: it parses inbound
// webhook deliveries and sends outbound text and image messages.
package whatsapp

// InboundMessage is one customer message extracted from a webhook
// delivery. Image content arrives as an opaque media id that must be
// fetched separately.
type InboundMessage struct {
	MessageID   string // provider-assigned id
	From        string // customer phone number
	ProfileName string // display name, may be empty
	Type        string // "text" or "image"
	Text        string // body for text, caption for image
	MediaID     string // set for image messages
	Timestamp   int64  // unix seconds
}

// webhook payload shapes (Cloud API v19 subset the bot depends on)

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []struct {
		ID        string `json:"id"`
		From      string `json:"from"`
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Text      *struct {
			Body string `json:"body"`
		} `json:"text"`
		Image *struct {
			ID      string `json:"id"`
			Caption string `json:"caption"`
		} `json:"image"`
	} `json:"messages"`
}
