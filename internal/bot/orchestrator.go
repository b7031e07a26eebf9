// Package bot implements the conversation orchestration pipeline: for
// every inbound customer message it builds bounded context, invokes
// the model with tool declarations, interprets tool calls, enforces
// the silent hand-off lock, and dispatches the reply. Turns that fail
// on transient provider errors land in a durable retry queue that a
// background sweep re-drives through the same pipeline.
package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/sokobot/sokobot/internal/catalog"
	"github.com/sokobot/sokobot/internal/llm"
	"github.com/sokobot/sokobot/internal/session"
)

// noticeText is the fixed apology sent when inference credentials are
// missing. The customer never sees a raw error.
const noticeText = "Sorry, our assistant is briefly unavailable. Someone from the shop will reply to you shortly."

// Inbound is one customer message ready for the pipeline. Image
// content arrives as an opaque media id; the pipeline fetches the
// bytes inside the serialized turn so arrival order is preserved.
type Inbound struct {
	MessageID   string
	From        string
	ProfileName string
	Type        string // session.TypeText or session.TypeImage
	Text        string // body, or caption for images
	MediaID     string // set for image messages
	Timestamp   time.Time
}

// MediaFetcher downloads inbound attachments from the transport. The
// real implementation is *whatsapp.Client.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, mediaID string) (data []byte, mimeType string, err error)
}

// Config wires an Orchestrator.
type Config struct {
	Store     *session.Store
	Inventory catalog.Inventory
	Business  catalog.Business
	Client    llm.Client
	Sender    Sender
	Media     MediaFetcher
	DB        *sql.DB
	Logger    *slog.Logger

	HistoryLimit int
	SendDelay    time.Duration

	// Configured is false when inference credentials are absent; the
	// pipeline then short-circuits to a fixed notice before any model
	// call.
	Configured bool
}

// Orchestrator owns the per-session pipeline and the retry queue.
type Orchestrator struct {
	store      *session.Store
	inventory  catalog.Inventory
	business   catalog.Business
	gateway    *gateway
	dispatcher *dispatcher
	queue      *retryQueue
	serial     *serializer
	media      MediaFetcher
	logger     *slog.Logger

	historyLimit int
	configured   bool
}

// New creates an Orchestrator and its durable retry queue.
func New(cfg Config) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queue, err := newRetryQueue(cfg.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("retry queue: %w", err)
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	delay := cfg.SendDelay
	if delay <= 0 {
		delay = 800 * time.Millisecond
	}

	return &Orchestrator{
		store:        cfg.Store,
		inventory:    cfg.Inventory,
		business:     cfg.Business,
		gateway:      newGateway(cfg.Client, logger),
		dispatcher:   newDispatcher(cfg.Sender, cfg.Store, delay, logger),
		queue:        queue,
		serial:       newSerializer(),
		media:        cfg.Media,
		logger:       logger.With("component", "orchestrator"),
		historyLimit: historyLimit,
		configured:   cfg.Configured,
	}, nil
}

// HandleInbound accepts one customer message and processes it
// asynchronously. Processing for the same session is serialized
// end-to-end; different sessions proceed in parallel. The caller (the
// webhook handler) returns its transport-level ack immediately.
func (o *Orchestrator) HandleInbound(msg Inbound) {
	o.serial.Do(msg.From, func() {
		o.processInbound(context.Background(), msg)
	})
}

// Wait blocks until all in-flight turns complete. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.serial.Wait()
}

// QueueSize reports the current retry-queue depth.
func (o *Orchestrator) QueueSize() (int, error) {
	return o.queue.size()
}

func (o *Orchestrator) processInbound(ctx context.Context, msg Inbound) {
	sess := o.store.GetOrCreate(msg.From, msg.ProfileName)

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	o.store.AppendMessage(msg.From, session.Message{
		ID:        msg.MessageID,
		Sender:    session.SenderCustomer,
		Type:      msg.Type,
		Text:      msg.Text,
		Image:     msg.MediaID,
		Timestamp: ts,
	})

	// A locked session still records history and unread counts, but
	// the bot stays silent until a human re-enables it.
	if !sess.BotActive {
		o.logger.Info("session locked, skipping inference", "session", msg.From)
		return
	}

	if !o.configured {
		o.logger.Warn("inference credentials missing, sending notice", "session", msg.From)
		o.dispatcher.dispatchBotTurn(ctx, msg.From, nil, noticeText)
		return
	}

	active := llm.Message{Role: llm.RoleUser, Text: msg.Text}
	if msg.Type == session.TypeImage && msg.MediaID != "" && o.media != nil {
		// The newest message's image goes to the model as inline
		// bytes; only history uses placeholders. A failed fetch
		// degrades to text-only rather than dropping the turn.
		data, mime, err := o.media.FetchMedia(ctx, msg.MediaID)
		if err != nil {
			o.logger.Warn("media fetch failed, continuing without image",
				"session", msg.From, "media_id", msg.MediaID, "error", err)
		} else {
			active.Image = &llm.ImageData{MIMEType: mime, Data: data}
		}
	}
	history := o.historyFor(msg.From, msg.MessageID, time.Time{})

	err := o.runTurn(ctx, msg.From, history, active)
	if err == nil {
		return
	}

	if llm.IsTransient(err) {
		entry := retryEntry{
			SessionID: msg.From,
			MessageID: msg.MessageID,
			Text:      msg.Text,
		}
		if active.Image != nil {
			entry.ImageMIME = active.Image.MIMEType
			entry.ImageData = active.Image.Data
		}
		if qerr := o.queue.enqueue(entry); qerr != nil {
			o.logger.Error("failed to queue turn for retry", "session", msg.From, "error", qerr)
		}
		return
	}

	o.logger.Error("turn failed permanently, dropping", "session", msg.From, "error", err)
}

// replayEntry runs one queued turn under the same per-session FIFO as
// live inbound traffic, so a replay never interleaves its context
// build and dispatch with a concurrent turn for the same session. The
// lock check happens inside the serialized slot: a turn queued ahead
// of the replay may have escalated the session in the meantime.
// Blocks until the replay has run; reports whether the entry should
// be re-queued.
func (o *Orchestrator) replayEntry(ctx context.Context, e retryEntry) bool {
	requeue := make(chan bool, 1)
	o.serial.Do(e.SessionID, func() {
		sess := o.store.Get(e.SessionID)
		if sess == nil || !sess.BotActive {
			o.logger.Info("discarding retry entry for locked or missing session",
				"session", e.SessionID,
				"entry", e.ID,
			)
			requeue <- false
			return
		}
		requeue <- o.processRetryEntry(ctx, e)
	})
	return <-requeue
}

// processRetryEntry re-drives one queued turn through the pipeline.
// Context is rebuilt from history strictly before the entry's enqueue
// time so replay sees the conversation as it was at failure time.
// Returns true when the entry should be re-queued (renewed transient
// failure).
func (o *Orchestrator) processRetryEntry(ctx context.Context, e retryEntry) (requeue bool) {
	active := llm.Message{Role: llm.RoleUser, Text: e.Text}
	if len(e.ImageData) > 0 {
		active.Image = &llm.ImageData{MIMEType: e.ImageMIME, Data: e.ImageData}
	}

	history := o.historyFor(e.SessionID, e.MessageID, e.EnqueuedAt)

	err := o.runTurn(ctx, e.SessionID, history, active)
	if err == nil {
		return false
	}
	if llm.IsTransient(err) {
		o.logger.Warn("retry attempt failed transiently, re-queueing", "session", e.SessionID, "entry", e.ID, "error", err)
		return true
	}
	o.logger.Error("retry attempt failed permanently, discarding", "session", e.SessionID, "entry", e.ID, "error", err)
	return false
}

// historyFor builds the bounded model context for a session, excluding
// the active message itself (by id) and, for retry replay, anything at
// or after the cutoff.
func (o *Orchestrator) historyFor(sessionID, activeMessageID string, before time.Time) []llm.Message {
	sess := o.store.Get(sessionID)
	if sess == nil {
		return nil
	}

	msgs := make([]session.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if m.ID == activeMessageID && m.Sender == session.SenderCustomer {
			continue
		}
		msgs = append(msgs, m)
	}

	return buildContext(msgs, o.historyLimit, before)
}

// runTurn executes context → inference → interpretation → dispatch for
// one turn. The inventory snapshot is read once and used for both the
// instruction prompt and tool-call resolution.
func (o *Orchestrator) runTurn(ctx context.Context, sessionID string, history []llm.Message, active llm.Message) error {
	products, err := o.inventory.Snapshot()
	if err != nil {
		// Inventory is local storage; failure here is not a provider
		// outage. Proceed with an empty catalog rather than dropping
		// the turn.
		o.logger.Error("inventory snapshot failed", "error", err)
		products = nil
	}

	system := catalog.BuildSystemPrompt(o.business, products)

	resp, err := o.gateway.invoke(ctx, system, history, active)
	if err != nil {
		return err
	}

	effects := reduceToolCalls(resp.ToolCalls, products, o.logger)

	// Escalation is silent: the session locks and the entire reply is
	// suppressed, including any free text the model produced.
	if effects.Escalate {
		o.store.LockForEscalation(sessionID)
		o.logger.Info("session escalated to human",
			"session", sessionID,
			"reason", effects.EscalateReason,
		)
		return nil
	}

	o.dispatcher.dispatchBotTurn(ctx, sessionID, effects.Images, resp.Text)
	return nil
}

// SendOperatorMessage delivers a human reply and records it. The
// dashboard calls this; failures surface to the admin as an error.
func (o *Orchestrator) SendOperatorMessage(ctx context.Context, sessionID, text string) error {
	if o.store.Get(sessionID) == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	return o.dispatcher.dispatchOperatorText(ctx, sessionID, text)
}
