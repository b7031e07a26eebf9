package bot

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// retryEntry is one queued inference request that failed transiently.
// Payload fields hold the exact model-input parts of the active turn;
// EnqueuedAt bounds which history counts as "before" the failure when
// the sweep reconstructs context.
type retryEntry struct {
	ID         string
	SessionID  string
	MessageID  string // id of the inbound message this turn answers
	Text       string
	ImageMIME  string
	ImageData  []byte
	EnqueuedAt time.Time
}

// retryQueue is a durable FIFO of failed inference requests, backed by
// SQLite so queued turns survive restarts. Entries are removed before
// reprocessing and only re-appended on renewed transient failure.
type retryQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

func newRetryQueue(db *sql.DB, logger *slog.Logger) (*retryQueue, error) {
	q := &retryQueue{db: db, logger: logger.With("component", "retry_queue")}
	schema := `
	CREATE TABLE IF NOT EXISTS retry_queue (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		image_mime TEXT NOT NULL DEFAULT '',
		image_data BLOB,
		enqueued_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retry_queue_enqueued ON retry_queue(enqueued_at);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate retry queue: %w", err)
	}
	return q, nil
}

// enqueue appends a failed turn. A zero EnqueuedAt is stamped now.
func (q *retryQueue) enqueue(e retryEntry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate entry id: %w", err)
		}
		e.ID = id.String()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}

	_, err := q.db.Exec(`
		INSERT INTO retry_queue (id, session_id, message_id, text, image_mime, image_data, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.MessageID, e.Text, e.ImageMIME, e.ImageData, e.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("enqueue retry entry: %w", err)
	}

	q.logger.Info("turn queued for retry", "session", e.SessionID, "entry", e.ID)
	return nil
}

// drainAll atomically snapshots and clears the queue, returning the
// entries in enqueue order. Failures enqueued during a sweep land in
// the now-empty queue and wait for the next tick.
func (q *retryQueue) drainAll() ([]retryEntry, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin drain: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, session_id, message_id, text, image_mime, image_data, enqueued_at
		FROM retry_queue ORDER BY enqueued_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query retry queue: %w", err)
	}

	var entries []retryEntry
	for rows.Next() {
		var e retryEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MessageID, &e.Text, &e.ImageMIME, &e.ImageData, &e.EnqueuedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan retry entry: %w", err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM retry_queue`); err != nil {
		return nil, fmt.Errorf("clear retry queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}

	return entries, nil
}

// size returns the number of queued entries.
func (q *retryQueue) size() (int, error) {
	var n int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM retry_queue`).Scan(&n)
	return n, err
}
