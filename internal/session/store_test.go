package session

import (
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	store, err := NewStore(db, discardLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, db
}

func TestGetOrCreateDefaults(t *testing.T) {
	store, _ := newTestStore(t)

	sess := store.GetOrCreate("254700000001", "Alice")
	if !sess.BotActive {
		t.Error("new session should have the bot enabled")
	}
	if sess.IsEscalated {
		t.Error("new session should not be escalated")
	}
	if sess.DisplayName != "Alice" {
		t.Errorf("display name = %q", sess.DisplayName)
	}

	// Empty display name does not erase the stored one.
	sess = store.GetOrCreate("254700000001", "")
	if sess.DisplayName != "Alice" {
		t.Errorf("display name erased: %q", sess.DisplayName)
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	store, _ := newTestStore(t)
	if store.Get("nope") != nil {
		t.Fatal("expected nil for unknown session")
	}
}

func TestAppendMessageUnreadCounting(t *testing.T) {
	store, _ := newTestStore(t)
	id := "254700000001"

	store.AppendMessage(id, Message{ID: "m1", Sender: SenderCustomer, Type: TypeText, Text: "hi"})
	store.AppendMessage(id, Message{ID: "m2", Sender: SenderCustomer, Type: TypeText, Text: "hello?"})
	if got := store.Get(id).UnreadCount; got != 2 {
		t.Fatalf("unread = %d, want 2", got)
	}

	store.AppendMessage(id, Message{ID: "m3", Sender: SenderBot, Type: TypeText, Text: "hey"})
	if got := store.Get(id).UnreadCount; got != 2 {
		t.Fatalf("bot reply changed unread to %d", got)
	}

	store.AppendMessage(id, Message{ID: "m4", Sender: SenderOperator, Type: TypeText, Text: "hello"})
	if got := store.Get(id).UnreadCount; got != 0 {
		t.Fatalf("operator reply left unread at %d", got)
	}
}

func TestAppendMessageTimestampsNonDecreasing(t *testing.T) {
	store, _ := newTestStore(t)
	id := "254700000001"

	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.AppendMessage(id, Message{ID: "m1", Sender: SenderCustomer, Type: TypeText, Timestamp: later})
	store.AppendMessage(id, Message{ID: "m2", Sender: SenderCustomer, Type: TypeText, Timestamp: later.Add(-time.Hour)})

	sess := store.Get(id)
	if sess.Messages[1].Timestamp.Before(sess.Messages[0].Timestamp) {
		t.Errorf("timestamps decreased: %v then %v", sess.Messages[0].Timestamp, sess.Messages[1].Timestamp)
	}
}

func TestLastMessageSummary(t *testing.T) {
	store, _ := newTestStore(t)
	id := "254700000001"

	store.AppendMessage(id, Message{ID: "m1", Sender: SenderCustomer, Type: TypeImage, Text: "this one?", Image: "media123"})
	if got := store.Get(id).LastMessage; got != "[image] this one?" {
		t.Errorf("summary = %q", got)
	}

	store.AppendMessage(id, Message{ID: "m2", Sender: SenderCustomer, Type: TypeImage})
	if got := store.Get(id).LastMessage; got != "[image]" {
		t.Errorf("summary = %q", got)
	}
}

func TestLockAndRelease(t *testing.T) {
	store, _ := newTestStore(t)
	id := "254700000001"
	store.GetOrCreate(id, "")

	if !store.LockForEscalation(id) {
		t.Fatal("lock failed")
	}
	sess := store.Get(id)
	if sess.BotActive || !sess.IsEscalated {
		t.Fatalf("after lock: active=%v escalated=%v", sess.BotActive, sess.IsEscalated)
	}

	// Disabling an already-inactive bot must not clear the flag.
	store.SetBotActive(id, false)
	if sess = store.Get(id); !sess.IsEscalated {
		t.Error("disabling the bot cleared the escalation flag")
	}

	// Re-enabling is the release transition.
	store.SetBotActive(id, true)
	sess = store.Get(id)
	if !sess.BotActive || sess.IsEscalated {
		t.Fatalf("after release: active=%v escalated=%v", sess.BotActive, sess.IsEscalated)
	}
}

func TestSetBotActiveUnknownSession(t *testing.T) {
	store, _ := newTestStore(t)
	if store.SetBotActive("nope", true) {
		t.Fatal("expected false for unknown session")
	}
	if store.LockForEscalation("nope") {
		t.Fatal("expected false for unknown session")
	}
}

func TestListOrderedByRecency(t *testing.T) {
	store, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store.AppendMessage("a", Message{ID: "m1", Sender: SenderCustomer, Type: TypeText, Timestamp: base})
	store.AppendMessage("b", Message{ID: "m2", Sender: SenderCustomer, Type: TypeText, Timestamp: base.Add(time.Hour)})
	store.AppendMessage("c", Message{ID: "m3", Sender: SenderCustomer, Type: TypeText, Timestamp: base.Add(time.Minute)})

	got := store.List()
	if len(got) != 3 {
		t.Fatalf("listed %d sessions", len(got))
	}
	if got[0].ID != "b" || got[1].ID != "c" || got[2].ID != "a" {
		t.Errorf("order = %s,%s,%s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestCopiesAreIsolated(t *testing.T) {
	store, _ := newTestStore(t)
	id := "254700000001"
	store.AppendMessage(id, Message{ID: "m1", Sender: SenderCustomer, Type: TypeText, Text: "hi"})

	sess := store.Get(id)
	sess.Messages[0].Text = "mutated"
	sess.UnreadCount = 99

	fresh := store.Get(id)
	if fresh.Messages[0].Text != "hi" || fresh.UnreadCount != 1 {
		t.Errorf("store state leaked through a returned copy: %+v", fresh)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	db := newTestDB(t)
	store, err := NewStore(db, discardLogger())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	id := "254700000001"
	store.GetOrCreate(id, "Alice")
	store.AppendMessage(id, Message{ID: "m1", Sender: SenderCustomer, Type: TypeText, Text: "hi",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
	store.AppendMessage(id, Message{ID: "m2", Sender: SenderBot, Type: TypeText, Text: "hello!",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)})
	store.LockForEscalation(id)
	store.SetAnalyzedTime(id, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC))

	reloaded, err := NewStore(db, discardLogger())
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}

	sess := reloaded.Get(id)
	if sess == nil {
		t.Fatal("session lost on reload")
	}
	if sess.DisplayName != "Alice" {
		t.Errorf("display name = %q", sess.DisplayName)
	}
	if len(sess.Messages) != 2 || sess.Messages[0].Text != "hi" || sess.Messages[1].Text != "hello!" {
		t.Errorf("messages = %+v", sess.Messages)
	}
	if sess.BotActive || !sess.IsEscalated {
		t.Errorf("lock state lost: active=%v escalated=%v", sess.BotActive, sess.IsEscalated)
	}
	if sess.UnreadCount != 1 {
		t.Errorf("unread = %d", sess.UnreadCount)
	}
	if sess.LastAnalyzedTime.IsZero() {
		t.Error("analyzer watermark lost")
	}
}

func TestOnChangeFires(t *testing.T) {
	store, _ := newTestStore(t)

	var changed []string
	store.OnChange(func(id string) { changed = append(changed, id) })

	store.AppendMessage("a", Message{ID: "m1", Sender: SenderCustomer, Type: TypeText, Text: "hi"})
	store.MarkRead("a")

	if len(changed) != 2 || changed[0] != "a" {
		t.Errorf("change notifications = %v", changed)
	}
}
