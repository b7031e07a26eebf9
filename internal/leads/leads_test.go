package leads

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/sokobot/sokobot/internal/llm"
	"github.com/sokobot/sokobot/internal/session"

	_ "modernc.org/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	cache, err := NewCache(db, discardLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

func TestMergeUpsertsPerCategoryPerPhone(t *testing.T) {
	cache := newTestCache(t)

	run1 := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	err := cache.Merge(Result{
		CategorySerious: {{Phone: "254700000001", Name: "Alice", Reason: "asked for delivery date"}},
		CategoryStalled: {{Phone: "254700000002", Name: "Bob", Reason: "went quiet after quote"}},
	}, run1)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	// Second run updates Alice's reason and adds her to a second
	// category. No duplicates within a category.
	run2 := run1.Add(24 * time.Hour)
	err = cache.Merge(Result{
		CategorySerious:  {{Phone: "254700000001", Name: "Alice", Reason: "confirmed budget"}},
		CategoryVisiting: {{Phone: "254700000001", Name: "Alice", Reason: "asked for directions"}},
	}, run2)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	snap, err := cache.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	serious := snap.Categories[CategorySerious]
	if len(serious) != 1 {
		t.Fatalf("serious has %d entries, want 1 (upsert, not append)", len(serious))
	}
	if serious[0].Reason != "confirmed budget" {
		t.Errorf("reason = %q, want the newer run's", serious[0].Reason)
	}
	if len(snap.Categories[CategoryVisiting]) != 1 {
		t.Errorf("visiting = %+v", snap.Categories[CategoryVisiting])
	}
	if len(snap.Categories[CategoryStalled]) != 1 {
		t.Errorf("stalled lost Bob: %+v", snap.Categories[CategoryStalled])
	}
	if !snap.LastUpdated.Equal(run2) {
		t.Errorf("last updated = %v, want %v", snap.LastUpdated, run2)
	}
}

func TestSnapshotEmptyCache(t *testing.T) {
	cache := newTestCache(t)
	snap, err := cache.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.LastUpdated.IsZero() {
		t.Errorf("last updated = %v for an empty cache", snap.LastUpdated)
	}
	for _, cat := range Categories {
		if _, ok := snap.Categories[cat]; !ok {
			t.Errorf("category %q missing from snapshot", cat)
		}
	}
}

// fakeLister scripts the session list and records watermark advances.
type fakeLister struct {
	sessions []*session.Session
	analyzed map[string]time.Time
}

func (f *fakeLister) List() []*session.Session { return f.sessions }

func (f *fakeLister) SetAnalyzedTime(id string, ts time.Time) {
	if f.analyzed == nil {
		f.analyzed = make(map[string]time.Time)
	}
	f.analyzed[id] = ts
}

// fakeJSONClient serves a canned ChatJSON response.
type fakeJSONClient struct {
	out   string
	err   error
	calls int
}

func (f *fakeJSONClient) Chat(ctx context.Context, system string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeJSONClient) ChatJSON(ctx context.Context, system string, messages []llm.Message, schema map[string]any) (string, error) {
	f.calls++
	return f.out, f.err
}

func testSession(id string, msgCount int, lastMsg, analyzed time.Time) *session.Session {
	sess := &session.Session{ID: id, LastMessageTime: lastMsg, LastAnalyzedTime: analyzed}
	for i := 0; i < msgCount; i++ {
		sess.Messages = append(sess.Messages, session.Message{
			ID: "m", Sender: session.SenderCustomer, Type: session.TypeText, Text: "hi",
		})
	}
	return sess
}

func TestAnalyzerRunMergesAndAdvancesWatermark(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{sessions: []*session.Session{
		testSession("254700000001", 5, now, time.Time{}),
		testSession("254700000002", 1, now, time.Time{}), // too short
		testSession("254700000003", 4, now.Add(-time.Hour), now), // already covered
	}}
	client := &fakeJSONClient{out: `{
		"serious": [{"phone": "254700000001", "name": "Alice", "reason": "ready to buy"}],
		"made_up": [{"phone": "254700000009", "reason": "noise"}]
	}`}
	cache := newTestCache(t)

	a := NewAnalyzer(lister, client, cache, 20, discardLogger())
	if err := a.Run(context.Background(), false); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap, _ := cache.Snapshot()
	if len(snap.Categories[CategorySerious]) != 1 {
		t.Fatalf("serious = %+v", snap.Categories[CategorySerious])
	}
	// Invented categories are dropped.
	total := 0
	for _, entries := range snap.Categories {
		total += len(entries)
	}
	if total != 1 {
		t.Errorf("cache holds %d leads, want 1", total)
	}

	if _, ok := lister.analyzed["254700000001"]; !ok {
		t.Error("analyzed session's watermark not advanced")
	}
	if _, ok := lister.analyzed["254700000002"]; ok {
		t.Error("skipped session's watermark advanced")
	}
	if _, ok := lister.analyzed["254700000003"]; ok {
		t.Error("covered session's watermark advanced")
	}
}

func TestAnalyzerSkipsWhenNothingNew(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{sessions: []*session.Session{
		testSession("254700000001", 5, now.Add(-time.Hour), now),
	}}
	client := &fakeJSONClient{out: `{}`}
	cache := newTestCache(t)

	a := NewAnalyzer(lister, client, cache, 20, discardLogger())
	if err := a.Run(context.Background(), false); err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("model called %d times with no candidates", client.calls)
	}
}

func TestAnalyzerForceIgnoresWatermark(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{sessions: []*session.Session{
		testSession("254700000001", 5, now.Add(-time.Hour), now),
	}}
	client := &fakeJSONClient{out: `{}`}
	cache := newTestCache(t)

	a := NewAnalyzer(lister, client, cache, 20, discardLogger())
	if err := a.Run(context.Background(), true); err != nil {
		t.Fatalf("run: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("forced run made %d model calls, want 1", client.calls)
	}
}

func TestAnalyzerBatchSizeCap(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{}
	for i := 0; i < 5; i++ {
		lister.sessions = append(lister.sessions,
			testSession(string(rune('a'+i)), 4, now, time.Time{}))
	}
	client := &fakeJSONClient{out: `{}`}
	cache := newTestCache(t)

	a := NewAnalyzer(lister, client, cache, 2, discardLogger())
	if err := a.Run(context.Background(), false); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(lister.analyzed) != 2 {
		t.Errorf("processed %d sessions, want batch cap of 2", len(lister.analyzed))
	}
}

func TestAnalyzerFailureLeavesCacheUntouched(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{sessions: []*session.Session{
		testSession("254700000001", 5, now, time.Time{}),
	}}
	client := &fakeJSONClient{err: errors.New("provider down")}
	cache := newTestCache(t)

	seed := time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC)
	if err := cache.Merge(Result{CategorySerious: {{Phone: "x", Reason: "old"}}}, seed); err != nil {
		t.Fatalf("seed merge: %v", err)
	}

	a := NewAnalyzer(lister, client, cache, 20, discardLogger())
	if err := a.Run(context.Background(), false); err == nil {
		t.Fatal("expected error from failed run")
	}

	snap, _ := cache.Snapshot()
	if !snap.LastUpdated.Equal(seed) {
		t.Errorf("failed run moved last updated to %v", snap.LastUpdated)
	}
	if len(lister.analyzed) != 0 {
		t.Errorf("failed run advanced watermarks: %v", lister.analyzed)
	}
}

func TestNormalizeDropsInvalidEntries(t *testing.T) {
	got := normalize(Result{
		CategorySerious: {{Phone: "1", Reason: "ok"}, {Phone: "", Reason: "no phone"}},
		"invented":      {{Phone: "2", Reason: "bad category"}},
	})
	if len(got) != 1 || len(got[CategorySerious]) != 1 {
		t.Fatalf("normalize produced %+v", got)
	}
}
