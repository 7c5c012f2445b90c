package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/eisapp/chatcore/types"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEnsureConversationIsPairUnique(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	first, err := b.EnsureConversation(ctx, "seeker-1", "org-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := b.EnsureConversation(ctx, "seeker-1", "org-1")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("same pair produced two conversations: %s vs %s", first.ID, second.ID)
	}

	other, err := b.EnsureConversation(ctx, "seeker-1", "org-2")
	if err != nil {
		t.Fatalf("ensure other: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("different pair reused a conversation")
	}
}

func TestPersistAndLoadMessages(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	conv, err := b.EnsureConversation(ctx, "seeker-1", "org-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	conf, err := b.PersistMessage(ctx, conv.ID, types.Message{
		SenderID:   "seeker-1",
		Text:       "hello",
		Attachment: types.JobCard{ItemID: "job-7", Title: "Backend Engineer"},
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if conf.ID == "" || conf.Timestamp == 0 {
		t.Fatalf("empty confirmation: %+v", conf)
	}

	convs, err := b.LoadConversations(ctx, "org-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(convs) != 1 || len(convs[0].Messages) != 1 {
		t.Fatalf("unexpected load result: %+v", convs)
	}
	msg := convs[0].Messages[0]
	if msg.ID != conf.ID || msg.Text != "hello" {
		t.Fatalf("message mismatch: %+v", msg)
	}
	card, ok := msg.Attachment.(types.JobCard)
	if !ok || card.ItemID != "job-7" {
		t.Fatalf("attachment round trip failed: %+v", msg.Attachment)
	}
	if convs[0].UpdatedAt != conf.Timestamp {
		t.Fatalf("UpdatedAt should track latest message: %d vs %d", convs[0].UpdatedAt, conf.Timestamp)
	}
}

func TestLoadConversationsScopedToViewer(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	if _, err := b.EnsureConversation(ctx, "seeker-1", "org-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := b.EnsureConversation(ctx, "seeker-2", "org-2"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	convs, err := b.LoadConversations(ctx, "seeker-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(convs) != 1 || convs[0].SeekerID != "seeker-1" {
		t.Fatalf("viewer scoping broken: %+v", convs)
	}
}

func TestPersistReadMarksCounterpartMessages(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	conv, _ := b.EnsureConversation(ctx, "seeker-1", "org-1")
	if _, err := b.PersistMessage(ctx, conv.ID, types.Message{SenderID: "org-1", Text: "ping"}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := b.PersistMessage(ctx, conv.ID, types.Message{SenderID: "seeker-1", Text: "pong"}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := b.PersistRead(ctx, conv.ID, "seeker-1"); err != nil {
		t.Fatalf("persist read: %v", err)
	}

	convs, _ := b.LoadConversations(ctx, "seeker-1")
	for _, msg := range convs[0].Messages {
		if msg.SenderID == "org-1" && !msg.IsRead {
			t.Fatal("counterpart message not marked read")
		}
		if msg.SenderID == "seeker-1" && msg.IsRead {
			t.Fatal("own message must stay unread")
		}
	}
}

func TestPersistRetractionKeepsOriginalRow(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	conv, _ := b.EnsureConversation(ctx, "seeker-1", "org-1")
	conf, err := b.PersistMessage(ctx, conv.ID, types.Message{SenderID: "seeker-1", Text: "secret"})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	if err := b.PersistRetraction(ctx, conv.ID, conf.ID); err != nil {
		t.Fatalf("retract: %v", err)
	}
	// Idempotent.
	if err := b.PersistRetraction(ctx, conv.ID, conf.ID); err != nil {
		t.Fatalf("second retract: %v", err)
	}

	convs, _ := b.LoadConversations(ctx, "seeker-1")
	msg := convs[0].Messages[0]
	if !msg.Deleted || msg.Text != "" || msg.Attachment != nil {
		t.Fatalf("tombstone not delivered: %+v", msg)
	}

	// The row itself keeps the original body.
	var body string
	if err := b.db.QueryRow(`SELECT body FROM chat_messages WHERE id = ?`, conf.ID).Scan(&body); err != nil {
		t.Fatalf("query body: %v", err)
	}
	if body != "secret" {
		t.Fatalf("original body lost: %q", body)
	}
}

func TestPersistSettingsMergesPatches(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	conv, _ := b.EnsureConversation(ctx, "seeker-1", "org-1")

	pinned := true
	if err := b.PersistSettings(ctx, "seeker-1", conv.ID, types.SettingsPatch{Pinned: &pinned}); err != nil {
		t.Fatalf("persist settings: %v", err)
	}
	memo := "ask about remote work"
	if err := b.PersistSettings(ctx, "seeker-1", conv.ID, types.SettingsPatch{Memo: &memo}); err != nil {
		t.Fatalf("persist settings: %v", err)
	}

	rows, err := b.LoadSettings(ctx, "seeker-1")
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if !rows[0].Pinned || rows[0].Memo != memo {
		t.Fatalf("patch merge wrong: %+v", rows[0])
	}

	// Other owners see nothing.
	other, _ := b.LoadSettings(ctx, "org-1")
	if len(other) != 0 {
		t.Fatalf("settings leaked across owners: %+v", other)
	}
}

func TestSubscribeDeliversToBothParties(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	conv, _ := b.EnsureConversation(ctx, "seeker-1", "org-1")

	var mu sync.Mutex
	events := map[string][]types.MessageEvent{}
	collect := func(viewer string) func(types.MessageEvent) {
		return func(ev types.MessageEvent) {
			mu.Lock()
			events[viewer] = append(events[viewer], ev)
			mu.Unlock()
		}
	}

	unsubSeeker, err := b.Subscribe("seeker-1", collect("seeker-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubSeeker()
	unsubOrg, _ := b.Subscribe("org-1", collect("org-1"))
	defer unsubOrg()
	unsubOther, _ := b.Subscribe("bystander", collect("bystander"))
	defer unsubOther()

	conf, err := b.PersistMessage(ctx, conv.ID, types.Message{SenderID: "seeker-1", Text: "hi"})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, viewer := range []string{"seeker-1", "org-1"} {
		got := events[viewer]
		if len(got) != 1 || got[0].Kind != types.EventMessageNew || got[0].Message.ID != conf.ID {
			t.Fatalf("%s: unexpected events %+v", viewer, got)
		}
	}
	if len(events["bystander"]) != 0 {
		t.Fatal("event leaked to non-party subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	conv, _ := b.EnsureConversation(ctx, "seeker-1", "org-1")

	var mu sync.Mutex
	count := 0
	unsub, _ := b.Subscribe("seeker-1", func(types.MessageEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()
	unsub() // calling twice is safe

	if _, err := b.PersistMessage(ctx, conv.ID, types.Message{SenderID: "org-1", Text: "hi"}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("delivery after unsubscribe: %d", count)
	}
}

func TestOnEventTapSeesEveryEvent(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	conv, _ := b.EnsureConversation(ctx, "seeker-1", "org-1")

	var mu sync.Mutex
	var tapped []types.MessageEvent
	b.OnEvent(func(ev types.MessageEvent) {
		mu.Lock()
		tapped = append(tapped, ev)
		mu.Unlock()
	})

	conf, err := b.PersistMessage(ctx, conv.ID, types.Message{SenderID: "seeker-1", Text: "hi"})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := b.PersistRead(ctx, conv.ID, "org-1"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := b.PersistRetraction(ctx, conv.ID, conf.ID); err != nil {
		t.Fatalf("retract: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tapped) != 3 {
		t.Fatalf("expected 3 tapped events, got %d", len(tapped))
	}
	if tapped[0].Kind != types.EventMessageNew || tapped[1].Kind != types.EventMessageUpdated || tapped[2].Kind != types.EventMessageUpdated {
		t.Fatalf("unexpected event kinds: %+v", tapped)
	}
	if !tapped[2].Message.Deleted {
		t.Fatal("retraction event should carry the deleted flag")
	}
}
