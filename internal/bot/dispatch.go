package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sokobot/sokobot/internal/session"
)

// Sender is the outbound half of the message transport. The real
// implementation is *whatsapp.Client.
type Sender interface {
	SendText(ctx context.Context, to, text string) (string, error)
	SendImage(ctx context.Context, to, link, caption string) (string, error)
}

// dispatcher sends resolved outbound content in a fixed order and
// records exactly what was sent in the session store.
type dispatcher struct {
	sender Sender
	store  *session.Store
	logger *slog.Logger

	// delay paces sequential sends so the receiving client renders
	// them in order and the provider doesn't rate-limit bursts.
	delay time.Duration

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newDispatcher(sender Sender, store *session.Store, delay time.Duration, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		sender: sender,
		store:  store,
		logger: logger.With("component", "dispatch"),
		delay:  delay,
		sleep:  sleepCtx,
	}
}

// dispatchBotTurn sends a turn's staged images first, then its text,
// appending each successful send to the session history. Failures are
// logged and never retried: once content was decided, resending it
// after more turns have occurred would be incoherent — retry applies
// to deciding what to say, not to delivering what was decided.
func (d *dispatcher) dispatchBotTurn(ctx context.Context, sessionID string, images []stagedImage, text string) {
	first := true
	for _, img := range images {
		if !first {
			if err := d.sleep(ctx, d.delay); err != nil {
				d.logger.Warn("dispatch aborted mid-turn", "session", sessionID, "error", err)
				return
			}
		}
		first = false

		id, err := d.sender.SendImage(ctx, sessionID, img.URL, img.Caption)
		if err != nil {
			d.logger.Error("image send failed, message lost", "session", sessionID, "url", img.URL, "error", err)
			continue
		}
		d.store.AppendMessage(sessionID, session.Message{
			ID:        id,
			Sender:    session.SenderBot,
			Type:      session.TypeImage,
			Text:      img.Caption,
			Image:     img.URL,
			Timestamp: time.Now(),
		})
	}

	if text == "" {
		return
	}
	if !first {
		if err := d.sleep(ctx, d.delay); err != nil {
			d.logger.Warn("dispatch aborted before text", "session", sessionID, "error", err)
			return
		}
	}

	id, err := d.sender.SendText(ctx, sessionID, text)
	if err != nil {
		d.logger.Error("text send failed, message lost", "session", sessionID, "error", err)
		return
	}
	d.store.AppendMessage(sessionID, session.Message{
		ID:        id,
		Sender:    session.SenderBot,
		Type:      session.TypeText,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// dispatchOperatorText sends a human operator's reply. Unlike bot
// sends, a failure here propagates so the admin surface can report it.
func (d *dispatcher) dispatchOperatorText(ctx context.Context, sessionID, text string) error {
	id, err := d.sender.SendText(ctx, sessionID, text)
	if err != nil {
		return fmt.Errorf("send operator message: %w", err)
	}
	d.store.AppendMessage(sessionID, session.Message{
		ID:        id,
		Sender:    session.SenderOperator,
		Type:      session.TypeText,
		Text:      text,
		Timestamp: time.Now(),
	})
	return nil
}
