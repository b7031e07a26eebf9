package bot

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sokobot/sokobot/internal/catalog"
	"github.com/sokobot/sokobot/internal/llm"
	"github.com/sokobot/sokobot/internal/session"

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

// chatResult is one scripted fakeLLM response.
type chatResult struct {
	resp *llm.ChatResponse
	err  error
}

// fakeLLM replays scripted responses in order, repeating the last one
// once the script runs out, and records every call.
type fakeLLM struct {
	mu      sync.Mutex
	script  []chatResult
	calls   int
	systems []string
	// lastMessages is the full message list of the most recent call.
	lastMessages []llm.Message

	jsonOut string
	jsonErr error
}

func (f *fakeLLM) Chat(ctx context.Context, system string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.systems = append(f.systems, system)
	f.lastMessages = append([]llm.Message(nil), messages...)

	i := f.calls - 1
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	if i < 0 {
		return &llm.ChatResponse{}, nil
	}
	r := f.script[i]
	return r.resp, r.err
}

func (f *fakeLLM) ChatJSON(ctx context.Context, system string, messages []llm.Message, schema map[string]any) (string, error) {
	return f.jsonOut, f.jsonErr
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedLLM blocks its first call until released and records the
// maximum number of calls in flight at once.
type gatedLLM struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	maxSeen  int
	entered  chan struct{}
	release  chan struct{}
}

func newGatedLLM() *gatedLLM {
	return &gatedLLM{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedLLM) Chat(ctx context.Context, system string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error) {
	g.mu.Lock()
	g.calls++
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	first := g.calls == 1
	g.mu.Unlock()

	if first {
		close(g.entered)
		<-g.release
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return &llm.ChatResponse{Text: "ok"}, nil
}

func (g *gatedLLM) ChatJSON(ctx context.Context, system string, messages []llm.Message, schema map[string]any) (string, error) {
	return "{}", nil
}

func (g *gatedLLM) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *gatedLLM) maxConcurrent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

// fakeMedia serves fixed bytes for any media id, or fails.
type fakeMedia struct {
	mu    sync.Mutex
	data  []byte
	mime  string
	err   error
	calls []string
}

func (f *fakeMedia) FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mediaID)
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.mime, nil
}

func (f *fakeMedia) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// sentItem records one outbound send.
type sentItem struct {
	kind    string // "text" or "image"
	to      string
	text    string
	link    string
	caption string
}

// fakeSender records sends and can fail selectively.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sentItem
	failText bool
	failLink string // SendImage fails when link matches
	nextID   int
}

func (f *fakeSender) SendText(ctx context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failText {
		return "", context.DeadlineExceeded
	}
	f.nextID++
	f.sent = append(f.sent, sentItem{kind: "text", to: to, text: text})
	return "wamid.test." + to + string(rune('0'+f.nextID%10)), nil
}

func (f *fakeSender) SendImage(ctx context.Context, to, link, caption string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLink != "" && f.failLink == link {
		return "", context.DeadlineExceeded
	}
	f.nextID++
	f.sent = append(f.sent, sentItem{kind: "image", to: to, link: link, caption: caption})
	return "wamid.test.img" + string(rune('0'+f.nextID%10)), nil
}

func (f *fakeSender) items() []sentItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentItem(nil), f.sent...)
}

// fixedInventory serves a static product list.
type fixedInventory struct {
	products []catalog.Product
	err      error
}

func (f *fixedInventory) Snapshot() ([]catalog.Product, error) {
	return f.products, f.err
}

// testOrchestrator builds a fully wired orchestrator over a fresh
// database, with backoff sleeps disabled and a 1ms send delay.
func testOrchestrator(t *testing.T, client llm.Client, sender Sender, inv catalog.Inventory) (*Orchestrator, *session.Store) {
	t.Helper()
	db := newTestDB(t)
	store, err := session.NewStore(db, discardLogger())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	if inv == nil {
		inv = &fixedInventory{}
	}

	orch, err := New(Config{
		Store:      store,
		Inventory:  inv,
		Business:   catalog.Business{Name: "Test Shop", Currency: "KES"},
		Client:     client,
		Sender:     sender,
		DB:         db,
		Logger:     discardLogger(),
		SendDelay:  time.Millisecond,
		Configured: true,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	orch.gateway.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	orch.dispatcher.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return orch, store
}
