// Package store owns the local, mutable state of the conversation engine:
// message timelines, the conversation registry and per-viewer settings.
// Stores hold no derivation logic and perform no I/O; persistence and feed
// reconciliation happen above them.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eisapp/chatcore/types"
)

var (
	// ErrEmptyMessage is returned when a send carries neither text nor an
	// attachment.
	ErrEmptyMessage = errors.New("message has no text or attachment")
	// ErrNotAuthorized is returned when a retraction is requested by
	// someone other than the sender.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrMessageNotFound is returned when the referenced message does not
	// exist in the conversation.
	ErrMessageNotFound = errors.New("message not found")
)

// provisionalPrefix marks locally assigned ids awaiting server confirmation.
const provisionalPrefix = "pending"

// MessageStore owns the ordered message timeline of every conversation.
// Timelines stay sorted by (timestamp, id) and never contain duplicate ids.
type MessageStore struct {
	mu        sync.RWMutex
	timelines map[string][]types.Message
	index     map[string]map[string]struct{}

	// now is replaceable in tests.
	now func() int64
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		timelines: make(map[string][]types.Message),
		index:     make(map[string]map[string]struct{}),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Append inserts a message into its conversation timeline, keeping timestamp
// order regardless of delivery order. Re-delivering a known id is a no-op.
// Reports whether the message was actually inserted.
func (s *MessageStore) Append(conversationID string, msg types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(conversationID, msg)
}

func (s *MessageStore) insertLocked(conversationID string, msg types.Message) bool {
	ids := s.index[conversationID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.index[conversationID] = ids
	}
	if _, dup := ids[msg.ID]; dup {
		return false
	}
	ids[msg.ID] = struct{}{}

	msg.ConversationID = conversationID
	timeline := s.timelines[conversationID]
	if n := len(timeline); n == 0 || msg.Timestamp > timeline[n-1].Timestamp ||
		(msg.Timestamp == timeline[n-1].Timestamp && msg.ID > timeline[n-1].ID) {
		s.timelines[conversationID] = append(timeline, msg)
		return true
	}
	at := sort.Search(len(timeline), func(i int) bool {
		if timeline[i].Timestamp != msg.Timestamp {
			return timeline[i].Timestamp > msg.Timestamp
		}
		return timeline[i].ID > msg.ID
	})
	timeline = append(timeline, types.Message{})
	copy(timeline[at+1:], timeline[at:])
	timeline[at] = msg
	s.timelines[conversationID] = timeline
	return true
}

// StageSend validates a local send, assigns a provisional id and optimistic
// timestamp, appends the pending message and returns it. The caller hands
// the returned message to the sync coordinator for confirmation.
func (s *MessageStore) StageSend(conversationID, senderID, text string, attachment types.Attachment, replyToID string) (types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		return types.Message{}, ErrEmptyMessage
	}
	id, err := newGUID(provisionalPrefix)
	if err != nil {
		return types.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg := types.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Attachment:     attachment,
		ReplyToID:      replyToID,
		Timestamp:      s.now(),
		Pending:        true,
	}
	s.insertLocked(conversationID, msg)
	return msg, nil
}

// StageSystem stages a pending system message (centered senderless notice).
func (s *MessageStore) StageSystem(conversationID, senderID, text string) (types.Message, error) {
	msg, err := s.StageSend(conversationID, senderID, text, nil, "")
	if err != nil {
		return types.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.locateLocked(conversationID, msg.ID); ok {
		s.timelines[conversationID][at].System = true
		msg = s.timelines[conversationID][at]
	}
	return msg, nil
}

// SetAttachment replaces the attachment on a pending message, used after a
// staged file finishes uploading and gains its public URL.
func (s *MessageStore) SetAttachment(conversationID, messageID string, attachment types.Attachment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.locateLocked(conversationID, messageID)
	if !ok {
		return false
	}
	s.timelines[conversationID][at].Attachment = attachment
	return true
}

// RemapID replaces a provisional id with the server-confirmed id and
// timestamp, clearing the pending flag. If the confirmed id already arrived
// through the feed, the provisional copy is simply dropped. Reports whether
// the provisional message was found.
func (s *MessageStore) RemapID(conversationID, provisionalID, confirmedID string, confirmedTS int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.locateLocked(conversationID, provisionalID)
	if !ok {
		return false
	}
	if _, exists := s.index[conversationID][confirmedID]; exists {
		s.removeLocked(conversationID, at)
		return true
	}

	msg := s.timelines[conversationID][at]
	s.removeLocked(conversationID, at)
	msg.ID = confirmedID
	if confirmedTS > 0 {
		msg.Timestamp = confirmedTS
	}
	msg.Pending = false
	s.insertLocked(conversationID, msg)
	return true
}

// Revert removes a provisional message after a failed persistence call,
// restoring the timeline to its pre-send state.
func (s *MessageStore) Revert(conversationID, provisionalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.locateLocked(conversationID, provisionalID)
	if !ok {
		return false
	}
	s.removeLocked(conversationID, at)
	return true
}

// MarkRead flags every message not sent by the reader as read. Returns the
// number of messages that changed.
func (s *MessageStore) MarkRead(conversationID, readerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	timeline := s.timelines[conversationID]
	for i := range timeline {
		if timeline[i].SenderID != readerID && !timeline[i].IsRead {
			timeline[i].IsRead = true
			changed++
		}
	}
	return changed
}

// Retract tombstones a message. Only the original sender may retract; other
// requesters get ErrNotAuthorized and no state change. Retracting an
// already-deleted message is a no-op.
func (s *MessageStore) Retract(conversationID, messageID, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.locateLocked(conversationID, messageID)
	if !ok {
		return ErrMessageNotFound
	}
	msg := &s.timelines[conversationID][at]
	if msg.SenderID != requesterID {
		return ErrNotAuthorized
	}
	if msg.Deleted {
		return nil
	}
	msg.Deleted = true
	msg.Text = ""
	msg.Attachment = nil
	return nil
}

// Merge applies a feed-authoritative copy of a message: unknown ids are
// appended, known ids absorb the monotonic transitions (read flag, deletion)
// without ever reverting them locally.
func (s *MessageStore) Merge(conversationID string, msg types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.locateLocked(conversationID, msg.ID)
	if !ok {
		s.insertLocked(conversationID, msg)
		return
	}
	current := &s.timelines[conversationID][at]
	if msg.IsRead {
		current.IsRead = true
	}
	if msg.Deleted && !current.Deleted {
		current.Deleted = true
		current.Text = ""
		current.Attachment = nil
	}
}

// Messages returns a copy of the conversation timeline in timestamp order.
func (s *MessageStore) Messages(conversationID string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	timeline := s.timelines[conversationID]
	out := make([]types.Message, len(timeline))
	copy(out, timeline)
	return out
}

// Message looks up a single message by id.
func (s *MessageStore) Message(conversationID, messageID string) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.locateLocked(conversationID, messageID)
	if !ok {
		return types.Message{}, false
	}
	return s.timelines[conversationID][at], true
}

// UnreadCount counts messages from other senders still unread by the viewer.
func (s *MessageStore) UnreadCount(conversationID, viewerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, msg := range s.timelines[conversationID] {
		if msg.SenderID != viewerID && !msg.IsRead {
			count++
		}
	}
	return count
}

// LastActive returns the timestamp of the latest non-deleted message, or
// zero when the conversation has none.
func (s *MessageStore) LastActive(conversationID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	timeline := s.timelines[conversationID]
	for i := len(timeline) - 1; i >= 0; i-- {
		if !timeline[i].Deleted {
			return timeline[i].Timestamp
		}
	}
	return 0
}

// Replace swaps in a server-loaded timeline, dropping local state for the
// conversation except pending sends, which are re-inserted so an in-flight
// optimistic message survives a refresh.
func (s *MessageStore) Replace(conversationID string, msgs []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []types.Message
	for _, msg := range s.timelines[conversationID] {
		if msg.Pending {
			pending = append(pending, msg)
		}
	}

	s.timelines[conversationID] = nil
	s.index[conversationID] = make(map[string]struct{})
	for _, msg := range msgs {
		s.insertLocked(conversationID, msg)
	}
	for _, msg := range pending {
		s.insertLocked(conversationID, msg)
	}
}

// locateLocked returns the timeline index of a message id.
func (s *MessageStore) locateLocked(conversationID, messageID string) (int, bool) {
	if _, ok := s.index[conversationID][messageID]; !ok {
		return 0, false
	}
	for i, msg := range s.timelines[conversationID] {
		if msg.ID == messageID {
			return i, true
		}
	}
	return 0, false
}

func (s *MessageStore) removeLocked(conversationID string, at int) {
	timeline := s.timelines[conversationID]
	delete(s.index[conversationID], timeline[at].ID)
	s.timelines[conversationID] = append(timeline[:at], timeline[at+1:]...)
}
