package filefeed

import (
	"context"

	"github.com/eisapp/chatcore/service"
	"github.com/eisapp/chatcore/types"
)

// Wrap returns a Service that persists through inner but subscribes through
// the shared event log, so sessions in other processes observe this one's
// writes. The caller must also route inner's events into the feed, e.g. by
// registering feed.Append as the backend's event tap.
func Wrap(inner service.Service, feed *Feed) service.Service {
	return &wrapped{inner: inner, feed: feed}
}

type wrapped struct {
	inner service.Service
	feed  *Feed
}

func (w *wrapped) LoadConversations(ctx context.Context, viewerID string) ([]types.Conversation, error) {
	return w.inner.LoadConversations(ctx, viewerID)
}

func (w *wrapped) LoadSettings(ctx context.Context, ownerID string) ([]types.ConversationSettings, error) {
	return w.inner.LoadSettings(ctx, ownerID)
}

func (w *wrapped) EnsureConversation(ctx context.Context, seekerID, organizationID string) (types.Conversation, error) {
	return w.inner.EnsureConversation(ctx, seekerID, organizationID)
}

func (w *wrapped) PersistMessage(ctx context.Context, conversationID string, msg types.Message) (service.Confirmation, error) {
	return w.inner.PersistMessage(ctx, conversationID, msg)
}

func (w *wrapped) PersistRead(ctx context.Context, conversationID, readerID string) error {
	return w.inner.PersistRead(ctx, conversationID, readerID)
}

func (w *wrapped) PersistRetraction(ctx context.Context, conversationID, messageID string) error {
	return w.inner.PersistRetraction(ctx, conversationID, messageID)
}

func (w *wrapped) PersistSettings(ctx context.Context, ownerID, conversationID string, patch types.SettingsPatch) error {
	return w.inner.PersistSettings(ctx, ownerID, conversationID, patch)
}

func (w *wrapped) Subscribe(viewerID string, fn func(types.MessageEvent)) (func(), error) {
	return w.feed.Subscribe(viewerID, fn)
}
