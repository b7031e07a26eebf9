package bot

import (
	"context"
	"testing"
	"time"

	"github.com/sokobot/sokobot/internal/session"
)

func testDispatcher(t *testing.T, sender Sender) (*dispatcher, *session.Store) {
	t.Helper()
	store, err := session.NewStore(newTestDB(t), discardLogger())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	d := newDispatcher(sender, store, time.Millisecond, discardLogger())
	d.sleep = func(ctx context.Context, dur time.Duration) error { return nil }
	return d, store
}

func TestDispatchImagesBeforeText(t *testing.T) {
	sender := &fakeSender{}
	d, store := testDispatcher(t, sender)

	images := []stagedImage{
		{URL: "u1", Caption: "Leather Sofa"},
		{URL: "u2"},
	}
	d.dispatchBotTurn(context.Background(), "254700000001", images, "here you go")

	sent := sender.items()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	if sent[0].kind != "image" || sent[0].link != "u1" || sent[0].caption != "Leather Sofa" {
		t.Errorf("first send = %+v", sent[0])
	}
	if sent[1].kind != "image" || sent[1].link != "u2" {
		t.Errorf("second send = %+v", sent[1])
	}
	if sent[2].kind != "text" || sent[2].text != "here you go" {
		t.Errorf("third send = %+v", sent[2])
	}

	sess := store.Get("254700000001")
	if sess == nil || len(sess.Messages) != 3 {
		t.Fatalf("history has %v", sess)
	}
	if sess.Messages[0].Sender != session.SenderBot || sess.Messages[0].Type != session.TypeImage {
		t.Errorf("first history entry = %+v", sess.Messages[0])
	}
	if sess.Messages[2].Type != session.TypeText || sess.Messages[2].Text != "here you go" {
		t.Errorf("last history entry = %+v", sess.Messages[2])
	}
}

func TestDispatchFailedImageSkippedNotRetried(t *testing.T) {
	sender := &fakeSender{failLink: "u1"}
	d, store := testDispatcher(t, sender)

	d.dispatchBotTurn(context.Background(), "254700000001",
		[]stagedImage{{URL: "u1", Caption: "x"}, {URL: "u2"}}, "text")

	sent := sender.items()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2 (failed image dropped)", len(sent))
	}
	if sent[0].link != "u2" || sent[1].kind != "text" {
		t.Errorf("sends = %+v", sent)
	}

	// Only the successful sends are recorded as history.
	sess := store.Get("254700000001")
	if len(sess.Messages) != 2 {
		t.Fatalf("history has %d entries, want 2", len(sess.Messages))
	}
}

func TestDispatchFailedTextNotRecorded(t *testing.T) {
	sender := &fakeSender{failText: true}
	d, store := testDispatcher(t, sender)

	d.dispatchBotTurn(context.Background(), "254700000001", nil, "lost")

	if len(sender.items()) != 0 {
		t.Fatalf("sent %v", sender.items())
	}
	if sess := store.Get("254700000001"); sess != nil && len(sess.Messages) != 0 {
		t.Fatalf("failed send recorded in history: %+v", sess.Messages)
	}
}

func TestDispatchEmptyTextSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	d, _ := testDispatcher(t, sender)

	d.dispatchBotTurn(context.Background(), "254700000001", nil, "")
	if len(sender.items()) != 0 {
		t.Fatalf("sent %v for an empty turn", sender.items())
	}
}

func TestDispatchOperatorTextPropagatesFailure(t *testing.T) {
	sender := &fakeSender{failText: true}
	d, _ := testDispatcher(t, sender)

	if err := d.dispatchOperatorText(context.Background(), "254700000001", "hi"); err == nil {
		t.Fatal("expected error from failed operator send")
	}
}

func TestDispatchOperatorTextResetsUnread(t *testing.T) {
	sender := &fakeSender{}
	d, store := testDispatcher(t, sender)

	store.AppendMessage("254700000001", session.Message{
		ID: "m1", Sender: session.SenderCustomer, Type: session.TypeText, Text: "hello",
	})
	if err := d.dispatchOperatorText(context.Background(), "254700000001", "on it"); err != nil {
		t.Fatalf("operator send: %v", err)
	}

	sess := store.Get("254700000001")
	if sess.UnreadCount != 0 {
		t.Errorf("unread = %d after operator reply, want 0", sess.UnreadCount)
	}
	last := sess.Messages[len(sess.Messages)-1]
	if last.Sender != session.SenderOperator {
		t.Errorf("last sender = %q", last.Sender)
	}
}
