package session

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Store manages all sessions. The in-memory map is the single source
// of truth for the running process; every mutation is flushed to
// SQLite synchronously, and flush errors are logged rather than rolled
// back — the next successful flush reconciles. A missing or empty
// database on startup simply means an empty store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// onChange, when set, is called (outside the lock) after any
	// session mutation. The admin layer uses it to push updates to
	// dashboard subscribers.
	onChange func(sessionID string)
}

// NewStore opens a session store, creating the schema and loading any
// persisted sessions.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return s, nil
}

// OnChange registers the change-notification hook. Must be called
// before the store is shared across goroutines.
func (s *Store) OnChange(fn func(sessionID string)) {
	s.onChange = fn
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_message_time TIMESTAMP,
		unread_count INTEGER NOT NULL DEFAULT 0,
		bot_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_escalated BOOLEAN NOT NULL DEFAULT FALSE,
		last_analyzed_time TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) load() error {
	rows, err := s.db.Query(`
		SELECT id, display_name, last_message, last_message_time,
		       unread_count, bot_active, is_escalated, last_analyzed_time
		FROM sessions
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		sess := &Session{}
		var lastMsgTime, analyzedTime sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.DisplayName, &sess.LastMessage, &lastMsgTime,
			&sess.UnreadCount, &sess.BotActive, &sess.IsEscalated, &analyzedTime); err != nil {
			return err
		}
		if lastMsgTime.Valid {
			sess.LastMessageTime = lastMsgTime.Time
		}
		if analyzedTime.Valid {
			sess.LastAnalyzedTime = analyzedTime.Time
		}
		s.sessions[sess.ID] = sess
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sess := range s.sessions {
		if err := s.loadMessages(sess); err != nil {
			return err
		}
	}

	s.logger.Info("sessions loaded", "count", len(s.sessions))
	return nil
}

func (s *Store) loadMessages(sess *Session) error {
	rows, err := s.db.Query(`
		SELECT id, sender, type, text, image, timestamp
		FROM messages WHERE session_id = ? ORDER BY timestamp ASC
	`, sess.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Type, &m.Text, &m.Image, &m.Timestamp); err != nil {
			return err
		}
		sess.Messages = append(sess.Messages, m)
	}
	return rows.Err()
}

// GetOrCreate returns the session for id, creating it with the bot
// enabled if it does not exist. A non-empty displayName updates the
// stored name. Safe for concurrent callers; at most one session object
// ever exists per id.
func (s *Store) GetOrCreate(id, displayName string) *Session {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{
			ID:        id,
			BotActive: true,
		}
		s.sessions[id] = sess
	}
	if displayName != "" && sess.DisplayName != displayName {
		sess.DisplayName = displayName
	}
	out := sess.copy()
	s.mu.Unlock()

	s.persistSession(out)
	s.notify(id)
	return out
}

// Get returns a copy of the session, or nil if unknown.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return sess.copy()
}

// List returns all sessions sorted by last message time, most recent
// first — the order the dashboard renders.
func (s *Store) List() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.copy())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}

// AppendMessage appends msg to the session's history, updating the
// denormalized summary. Inbound customer messages increment the unread
// counter; operator messages reset it (a human is clearly watching).
// Timestamps are clamped to be non-decreasing within the session.
func (s *Store) AppendMessage(id string, msg Message) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, BotActive: true}
		s.sessions[id] = sess
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if n := len(sess.Messages); n > 0 && msg.Timestamp.Before(sess.Messages[n-1].Timestamp) {
		msg.Timestamp = sess.Messages[n-1].Timestamp
	}

	sess.Messages = append(sess.Messages, msg)
	sess.LastMessage = summarize(msg)
	sess.LastMessageTime = msg.Timestamp

	switch msg.Sender {
	case SenderCustomer:
		sess.UnreadCount++
	case SenderOperator:
		sess.UnreadCount = 0
	}

	out := sess.copy()
	s.mu.Unlock()

	s.persistSession(out)
	s.persistMessage(id, msg)
	s.notify(id)
}

// SetBotActive sets the automation flag. Enabling the bot is the only
// sanctioned release transition, so it also clears the escalation flag.
func (s *Store) SetBotActive(id string, active bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	sess.BotActive = active
	if active {
		sess.IsEscalated = false
	}
	out := sess.copy()
	s.mu.Unlock()

	s.persistSession(out)
	s.notify(id)
	return true
}

// LockForEscalation atomically disables the bot and marks the session
// escalated. The two flags always change together on this path.
func (s *Store) LockForEscalation(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	sess.BotActive = false
	sess.IsEscalated = true
	out := sess.copy()
	s.mu.Unlock()

	s.logger.Info("session locked for escalation", "session", id)
	s.persistSession(out)
	s.notify(id)
	return true
}

// MarkRead zeroes the unread counter (dashboard opened the chat).
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.UnreadCount = 0
	out := sess.copy()
	s.mu.Unlock()

	s.persistSession(out)
	s.notify(id)
}

// SetAnalyzedTime advances the lead-analyzer watermark.
func (s *Store) SetAnalyzedTime(id string, t time.Time) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.LastAnalyzedTime = t
	out := sess.copy()
	s.mu.Unlock()

	s.persistSession(out)
}

// persistSession flushes session-level fields. Errors are logged, not
// returned — in-memory state stays authoritative.
func (s *Store) persistSession(sess *Session) {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, display_name, last_message, last_message_time,
		                      unread_count, bot_active, is_escalated, last_analyzed_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			last_message = excluded.last_message,
			last_message_time = excluded.last_message_time,
			unread_count = excluded.unread_count,
			bot_active = excluded.bot_active,
			is_escalated = excluded.is_escalated,
			last_analyzed_time = excluded.last_analyzed_time
	`, sess.ID, sess.DisplayName, sess.LastMessage, nullTime(sess.LastMessageTime),
		sess.UnreadCount, sess.BotActive, sess.IsEscalated, nullTime(sess.LastAnalyzedTime))
	if err != nil {
		s.logger.Error("session persist failed", "session", sess.ID, "error", err)
	}
}

func (s *Store) persistMessage(sessionID string, msg Message) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (id, session_id, sender, type, text, image, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, sessionID, msg.Sender, msg.Type, msg.Text, msg.Image, msg.Timestamp)
	if err != nil {
		s.logger.Error("message persist failed", "session", sessionID, "message", msg.ID, "error", err)
	}
}

func (s *Store) notify(id string) {
	if s.onChange != nil {
		s.onChange(id)
	}
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// summarize renders the denormalized last-message preview.
func summarize(msg Message) string {
	if msg.Type == TypeImage {
		if msg.Text != "" {
			return "[image] " + msg.Text
		}
		return "[image]"
	}
	return msg.Text
}
