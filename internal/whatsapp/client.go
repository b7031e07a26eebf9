package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sokobot/sokobot/internal/httpkit"
)

const defaultAPIBase = "https://graph.facebook.com/v19.0"

// maxMediaBytes caps how much image data the bot will download for a
// single inbound attachment.
const maxMediaBytes = 8 << 20

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	accessToken   string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a Cloud API client for one business phone number.
// apiBase overrides the Graph endpoint when non-empty (tests).
func NewClient(accessToken, phoneNumberID, apiBase string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &Client{
		accessToken:   accessToken,
		phoneNumberID: phoneNumberID,
		baseURL:       apiBase,
		logger:        logger.With("component", "whatsapp"),
		httpClient:    httpkit.NewClient(),
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText delivers a text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text},
	}
	return c.send(ctx, payload)
}

// SendImage delivers an image by fetchable link, with an optional
// caption, and returns the provider message id.
func (c *Client) SendImage(ctx context.Context, to, link, caption string) (string, error) {
	image := map[string]any{"link": link}
	if caption != "" {
		image["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "image",
		"image":             image,
	}
	return c.send(ctx, payload)
}

// MarkReadWithTyping acknowledges an inbound message and shows the
// typing indicator to the customer. Best-effort.
func (c *Client) MarkReadWithTyping(ctx context.Context, messageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
		"typing_indicator":  map[string]any{"type": "text"},
	}
	_, err := c.send(ctx, payload)
	return err
}

func (c *Client) send(ctx context.Context, payload map[string]any) (string, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		c.logger.Error("send failed", "status", resp.StatusCode, "body", errBody)
		return "", fmt.Errorf("whatsapp API error %d: %s", resp.StatusCode, errBody)
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("no message id in response")
	}
	return out.Messages[0].ID, nil
}

// FetchMedia downloads an inbound attachment. The Cloud API requires
// two steps: resolve the media id to a short-lived URL, then fetch the
// bytes with the same bearer token.
func (c *Client) FetchMedia(ctx context.Context, mediaID string) (data []byte, mimeType string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/%s", c.baseURL, mediaID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("create media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("resolve media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("resolve media: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var meta struct {
		URL      string `json:"url"`
		MIMEType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, "", fmt.Errorf("decode media metadata: %w", err)
	}

	dlReq, err := http.NewRequestWithContext(ctx, "GET", meta.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	dlReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	dlResp, err := c.httpClient.Do(dlReq)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer dlResp.Body.Close()

	if dlResp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: status %d", dlResp.StatusCode)
	}

	data, err = io.ReadAll(io.LimitReader(dlResp.Body, maxMediaBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}

	c.logger.Debug("media fetched", "media_id", mediaID, "bytes", len(data), "mime", meta.MIMEType)
	return data, meta.MIMEType, nil
}
