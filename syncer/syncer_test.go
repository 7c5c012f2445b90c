package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/eisapp/chatcore/service"
	"github.com/eisapp/chatcore/store"
	"github.com/eisapp/chatcore/types"
)

// fakeService records calls and lets tests script failures.
type fakeService struct {
	mu          sync.Mutex
	persistErr  error
	persisted   []types.Message
	confirmID   string
	confirmTS   int64
	subscribers int
	unsubscribe int
}

func (f *fakeService) LoadConversations(ctx context.Context, viewerID string) ([]types.Conversation, error) {
	return nil, nil
}

func (f *fakeService) LoadSettings(ctx context.Context, ownerID string) ([]types.ConversationSettings, error) {
	return nil, nil
}

func (f *fakeService) EnsureConversation(ctx context.Context, seekerID, organizationID string) (types.Conversation, error) {
	return types.Conversation{ID: "c1", SeekerID: seekerID, OrganizationID: organizationID}, nil
}

func (f *fakeService) PersistMessage(ctx context.Context, conversationID string, msg types.Message) (service.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return service.Confirmation{}, f.persistErr
	}
	f.persisted = append(f.persisted, msg)
	return service.Confirmation{ID: f.confirmID, Timestamp: f.confirmTS}, nil
}

func (f *fakeService) PersistRead(ctx context.Context, conversationID, readerID string) error {
	return nil
}

func (f *fakeService) PersistRetraction(ctx context.Context, conversationID, messageID string) error {
	return nil
}

func (f *fakeService) PersistSettings(ctx context.Context, ownerID, conversationID string, patch types.SettingsPatch) error {
	return nil
}

func (f *fakeService) Subscribe(viewerID string, fn func(types.MessageEvent)) (func(), error) {
	f.mu.Lock()
	f.subscribers++
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubscribe++
		f.mu.Unlock()
	}, nil
}

func newTestCoordinator(svc service.Service) (*Coordinator, *store.MessageStore, *store.Registry) {
	messages := store.NewMessageStore()
	registry := store.NewRegistry(messages)
	coord := New(Config{
		ViewerID: "alice",
		Service:  svc,
		Messages: messages,
		Registry: registry,
	})
	return coord, messages, registry
}

func TestSubscribeIsIdempotent(t *testing.T) {
	svc := &fakeService{}
	coord, _, _ := newTestCoordinator(svc)

	if coord.State() != StateIdle {
		t.Fatalf("expected idle, got %s", coord.State())
	}
	if err := coord.Subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := coord.Subscribe(); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if svc.subscribers != 1 {
		t.Fatalf("expected one upstream subscription, got %d", svc.subscribers)
	}
	if coord.State() != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", coord.State())
	}

	coord.Unsubscribe()
	if svc.unsubscribe != 1 {
		t.Fatalf("expected one unsubscribe, got %d", svc.unsubscribe)
	}
	if coord.State() != StateUnsubscribed {
		t.Fatalf("expected unsubscribed, got %s", coord.State())
	}
}

func TestApplyNewMessageRegistersConversation(t *testing.T) {
	coord, messages, registry := newTestCoordinator(&fakeService{})

	coord.Apply(types.MessageEvent{
		Kind:           types.EventMessageNew,
		ConversationID: "c1",
		SeekerID:       "alice",
		OrganizationID: "org-1",
		Message:        types.Message{ID: "m1", SenderID: "org-1", Text: "hi", Timestamp: 100},
	})

	if _, ok := registry.Get("c1"); !ok {
		t.Fatal("conversation not registered from feed event")
	}
	if _, ok := messages.Message("c1", "m1"); !ok {
		t.Fatal("message not appended")
	}

	// Duplicate delivery is a no-op.
	coord.Apply(types.MessageEvent{
		Kind:           types.EventMessageNew,
		ConversationID: "c1",
		SeekerID:       "alice",
		OrganizationID: "org-1",
		Message:        types.Message{ID: "m1", SenderID: "org-1", Text: "changed", Timestamp: 100},
	})
	got, _ := messages.Message("c1", "m1")
	if got.Text != "hi" {
		t.Fatalf("duplicate event mutated message: %q", got.Text)
	}
}

func TestApplyUpdatedMergesFlags(t *testing.T) {
	coord, messages, _ := newTestCoordinator(&fakeService{})
	messages.Append("c1", types.Message{ID: "m1", SenderID: "alice", Text: "sent", Timestamp: 100})

	coord.Apply(types.MessageEvent{
		Kind:           types.EventMessageUpdated,
		ConversationID: "c1",
		SeekerID:       "alice",
		OrganizationID: "org-1",
		Message:        types.Message{ID: "m1", IsRead: true},
	})
	got, _ := messages.Message("c1", "m1")
	if !got.IsRead {
		t.Fatal("read flag not merged")
	}
}

func TestResolveSendConfirms(t *testing.T) {
	svc := &fakeService{confirmID: "srv-1", confirmTS: 700}
	coord, messages, _ := newTestCoordinator(svc)
	messages.Append("c1", types.Message{ID: "pending-x", SenderID: "alice", Text: "hi", Timestamp: 500, Pending: true})

	err := coord.ResolveSend(context.Background(), "c1", types.Message{ID: "pending-x", SenderID: "alice", Text: "hi", Timestamp: 500, Pending: true})
	if err != nil {
		t.Fatalf("resolve send: %v", err)
	}

	if _, ok := messages.Message("c1", "pending-x"); ok {
		t.Fatal("provisional id still present")
	}
	got, ok := messages.Message("c1", "srv-1")
	if !ok || got.Pending || got.Timestamp != 700 {
		t.Fatalf("confirmation not applied: %+v", got)
	}
	if len(svc.persisted) != 1 {
		t.Fatalf("expected one persist call, got %d", len(svc.persisted))
	}
}

func TestResolveSendRevertsOnFailure(t *testing.T) {
	svc := &fakeService{persistErr: errors.New("backend down")}
	var notified error
	messages := store.NewMessageStore()
	registry := store.NewRegistry(messages)
	coord := New(Config{
		ViewerID: "alice",
		Service:  svc,
		Messages: messages,
		Registry: registry,
		Notify:   func(err error) { notified = err },
	})
	messages.Append("c1", types.Message{ID: "pending-x", SenderID: "alice", Text: "hi", Timestamp: 500, Pending: true})

	err := coord.ResolveSend(context.Background(), "c1", types.Message{ID: "pending-x", SenderID: "alice", Text: "hi", Timestamp: 500, Pending: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if !service.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(messages.Messages("c1")) != 0 {
		t.Fatal("failed send not reverted")
	}
	if notified == nil || !service.IsTransient(notified) {
		t.Fatalf("notify not called with transient error: %v", notified)
	}
}
