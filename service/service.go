// Package service defines the narrow interfaces through which the
// conversation engine reaches its external collaborators: the persistence
// and real-time transport backend and the file-upload endpoint. The engine
// never assumes anything about what sits behind them.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/eisapp/chatcore/types"
)

// Confirmation is the server's answer to a persisted message: the
// authoritative id and timestamp that supersede the optimistic ones.
type Confirmation struct {
	ID        string
	Timestamp int64
}

// UploadResult describes an uploaded attachment's public location.
type UploadResult struct {
	URL  string
	Name string
	Size int64
}

// Service is the persistence and transport backend. Persist calls that fail
// transiently must return a TransientError so callers know a retry is safe.
type Service interface {
	// LoadConversations returns every conversation the viewer is party to,
	// timelines included.
	LoadConversations(ctx context.Context, viewerID string) ([]types.Conversation, error)

	// LoadSettings returns the viewer's per-conversation settings rows.
	LoadSettings(ctx context.Context, ownerID string) ([]types.ConversationSettings, error)

	// EnsureConversation returns the conversation for the pair, creating it
	// when absent. Exactly one conversation exists per pair.
	EnsureConversation(ctx context.Context, seekerID, organizationID string) (types.Conversation, error)

	// PersistMessage stores a pending message and returns its confirmed id
	// and timestamp.
	PersistMessage(ctx context.Context, conversationID string, msg types.Message) (Confirmation, error)

	// PersistRead marks every message in the conversation not sent by the
	// reader as read.
	PersistRead(ctx context.Context, conversationID, readerID string) error

	// PersistRetraction tombstones a message server-side.
	PersistRetraction(ctx context.Context, conversationID, messageID string) error

	// PersistSettings upserts a partial settings row.
	PersistSettings(ctx context.Context, ownerID, conversationID string, patch types.SettingsPatch) error

	// Subscribe attaches to the real-time feed scoped to the viewer and
	// returns an unsubscribe handle.
	Subscribe(viewerID string, fn func(types.MessageEvent)) (func(), error)
}

// Uploader is the external file-upload endpoint. Returned URLs are opaque.
type Uploader interface {
	Upload(ctx context.Context, conversationID, name string, content io.Reader) (UploadResult, error)
}

// TransientError wraps a persistence failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable, or returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
