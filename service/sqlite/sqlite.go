// Package sqlite is a single-process persistence backend for the
// conversation engine, backed by a SQLite file. It implements
// service.Service, including an in-process feed: every subscriber registered
// through Subscribe receives the events its viewer is a party to, so two
// sessions sharing one Backend see each other's messages live.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/eisapp/chatcore/service"
	"github.com/eisapp/chatcore/types"
)

// messageColumns is the explicit column list for SELECT queries.
const messageColumns = `id, conversation_id, sender_id, ts, body, attachment, reply_to, is_read, is_system, deleted_at`

type subscriber struct {
	viewerID string
	fn       func(types.MessageEvent)
}

// Backend implements service.Service over a SQLite database.
type Backend struct {
	db *sql.DB

	mu      sync.Mutex
	subs    map[int]subscriber
	nextSub int
	taps    []func(types.MessageEvent)

	// now is replaceable in tests.
	now func() int64
}

// Open opens (creating if needed) the database at path and prepares the
// schema.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Backend{
		db:   db,
		subs: make(map[int]subscriber),
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Close closes the database. Subscribers are not notified.
func (b *Backend) Close() error { return b.db.Close() }

// LoadConversations returns every conversation the viewer is party to, with
// full timelines.
func (b *Backend) LoadConversations(ctx context.Context, viewerID string) ([]types.Conversation, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, seeker_id, organization_id FROM chat_conversations
		WHERE seeker_id = ? OR organization_id = ?
		ORDER BY id
	`, viewerID, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []types.Conversation
	for rows.Next() {
		var conv types.Conversation
		if err := rows.Scan(&conv.ID, &conv.SeekerID, &conv.OrganizationID); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		msgs, err := b.loadMessages(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Messages = msgs
		for j := len(msgs) - 1; j >= 0; j-- {
			if !msgs[j].Deleted {
				convs[i].UpdatedAt = msgs[j].Timestamp
				break
			}
		}
	}
	return convs, nil
}

func (b *Backend) loadMessages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE conversation_id = ?
		ORDER BY ts, id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// scanMessage reads one chat_messages row. Retracted rows come back in
// tombstone form: body and attachment withheld.
func scanMessage(rows *sql.Rows) (types.Message, error) {
	var (
		msg        types.Message
		attachment sql.NullString
		replyTo    sql.NullString
		deletedAt  sql.NullInt64
	)
	err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Timestamp,
		&msg.Text, &attachment, &replyTo, &msg.IsRead, &msg.System, &deletedAt)
	if err != nil {
		return types.Message{}, err
	}
	msg.ReplyToID = replyTo.String
	if deletedAt.Valid {
		msg.Deleted = true
		msg.Text = ""
		return msg, nil
	}
	if attachment.Valid && attachment.String != "" {
		att, err := types.UnmarshalAttachment([]byte(attachment.String))
		if err != nil {
			return types.Message{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		msg.Attachment = att
	}
	return msg, nil
}

// LoadSettings returns the owner's settings rows.
func (b *Backend) LoadSettings(ctx context.Context, ownerID string) ([]types.ConversationSettings, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT owner_id, conversation_id, alias, memo, pinned, blocked, unread_manual, priority
		FROM chat_settings WHERE owner_id = ?
		ORDER BY conversation_id
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ConversationSettings
	for rows.Next() {
		var row types.ConversationSettings
		err := rows.Scan(&row.OwnerID, &row.ConversationID, &row.Alias, &row.Memo,
			&row.Pinned, &row.Blocked, &row.UnreadManual, &row.Priority)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// EnsureConversation returns the conversation for the pair, creating it when
// absent. The UNIQUE(seeker_id, organization_id) constraint makes concurrent
// creation converge on one row.
func (b *Backend) EnsureConversation(ctx context.Context, seekerID, organizationID string) (types.Conversation, error) {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO chat_conversations (id, seeker_id, organization_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (seeker_id, organization_id) DO NOTHING
	`, uuid.NewString(), seekerID, organizationID, b.now())
	if err != nil {
		return types.Conversation{}, err
	}

	var conv types.Conversation
	err = b.db.QueryRowContext(ctx, `
		SELECT id, seeker_id, organization_id FROM chat_conversations
		WHERE seeker_id = ? AND organization_id = ?
	`, seekerID, organizationID).Scan(&conv.ID, &conv.SeekerID, &conv.OrganizationID)
	if err != nil {
		return types.Conversation{}, err
	}
	conv.Messages, err = b.loadMessages(ctx, conv.ID)
	if err != nil {
		return types.Conversation{}, err
	}
	for j := len(conv.Messages) - 1; j >= 0; j-- {
		if !conv.Messages[j].Deleted {
			conv.UpdatedAt = conv.Messages[j].Timestamp
			break
		}
	}
	return conv, nil
}

// PersistMessage stores a staged message under a fresh server id and
// broadcasts it to both parties' feeds.
func (b *Backend) PersistMessage(ctx context.Context, conversationID string, msg types.Message) (service.Confirmation, error) {
	seekerID, organizationID, err := b.conversationPair(ctx, conversationID)
	if err != nil {
		return service.Confirmation{}, err
	}

	envelope, err := types.MarshalAttachment(msg.Attachment)
	if err != nil {
		return service.Confirmation{}, err
	}
	var attachment any
	if envelope != nil {
		attachment = string(envelope)
	}
	var replyTo any
	if msg.ReplyToID != "" {
		replyTo = msg.ReplyToID
	}

	conf := service.Confirmation{ID: uuid.NewString(), Timestamp: b.now()}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, conversation_id, sender_id, ts, body, attachment, reply_to, is_read, is_system, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, NULL)
	`, conf.ID, conversationID, msg.SenderID, conf.Timestamp, msg.Text, attachment, replyTo, msg.System)
	if err != nil {
		return service.Confirmation{}, err
	}

	confirmed := msg
	confirmed.ID = conf.ID
	confirmed.ConversationID = conversationID
	confirmed.Timestamp = conf.Timestamp
	confirmed.IsRead = false
	confirmed.Pending = false
	b.broadcast(types.MessageEvent{
		Kind:           types.EventMessageNew,
		ConversationID: conversationID,
		SeekerID:       seekerID,
		OrganizationID: organizationID,
		Message:        confirmed,
	})
	return conf, nil
}

// PersistRead marks every message not sent by the reader as read and
// broadcasts the flag changes.
func (b *Backend) PersistRead(ctx context.Context, conversationID, readerID string) error {
	seekerID, organizationID, err := b.conversationPair(ctx, conversationID)
	if err != nil {
		return err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM chat_messages
		WHERE conversation_id = ? AND sender_id != ? AND is_read = 0
		ORDER BY ts, id
	`, conversationID, readerID)
	if err != nil {
		return err
	}
	var changed []types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return err
		}
		changed = append(changed, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	_, err = b.db.ExecContext(ctx, `
		UPDATE chat_messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id != ? AND is_read = 0
	`, conversationID, readerID)
	if err != nil {
		return err
	}

	for _, msg := range changed {
		msg.IsRead = true
		b.broadcast(types.MessageEvent{
			Kind:           types.EventMessageUpdated,
			ConversationID: conversationID,
			SeekerID:       seekerID,
			OrganizationID: organizationID,
			Message:        msg,
		})
	}
	return nil
}

// PersistRetraction tombstones a message. The row keeps its original body
// and attachment columns; only delivery is withheld.
func (b *Backend) PersistRetraction(ctx context.Context, conversationID, messageID string) error {
	seekerID, organizationID, err := b.conversationPair(ctx, conversationID)
	if err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE chat_messages SET deleted_at = ?
		WHERE id = ? AND conversation_id = ? AND deleted_at IS NULL
	`, b.now(), messageID, conversationID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return err
	}

	var msg types.Message
	var senderID string
	var ts int64
	err = b.db.QueryRowContext(ctx, `
		SELECT sender_id, ts FROM chat_messages WHERE id = ?
	`, messageID).Scan(&senderID, &ts)
	if err != nil {
		return err
	}
	msg = types.Message{
		ID:             messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Timestamp:      ts,
		Deleted:        true,
	}
	b.broadcast(types.MessageEvent{
		Kind:           types.EventMessageUpdated,
		ConversationID: conversationID,
		SeekerID:       seekerID,
		OrganizationID: organizationID,
		Message:        msg,
	})
	return nil
}

// PersistSettings upserts a partial settings row, merging the patch over
// whatever is stored.
func (b *Backend) PersistSettings(ctx context.Context, ownerID, conversationID string, patch types.SettingsPatch) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current := types.ConversationSettings{OwnerID: ownerID, ConversationID: conversationID}
	err = tx.QueryRowContext(ctx, `
		SELECT alias, memo, pinned, blocked, unread_manual, priority
		FROM chat_settings WHERE owner_id = ? AND conversation_id = ?
	`, ownerID, conversationID).Scan(&current.Alias, &current.Memo,
		&current.Pinned, &current.Blocked, &current.UnreadManual, &current.Priority)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	merged := patch.Apply(current)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_settings (owner_id, conversation_id, alias, memo, pinned, blocked, unread_manual, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, conversation_id) DO UPDATE SET
		  alias = excluded.alias,
		  memo = excluded.memo,
		  pinned = excluded.pinned,
		  blocked = excluded.blocked,
		  unread_manual = excluded.unread_manual,
		  priority = excluded.priority,
		  updated_at = excluded.updated_at
	`, ownerID, conversationID, merged.Alias, merged.Memo,
		merged.Pinned, merged.Blocked, merged.UnreadManual, string(merged.Priority), b.now())
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Subscribe registers a viewer-scoped feed callback. The returned handle
// removes it; calling the handle twice is safe.
func (b *Backend) Subscribe(viewerID string, fn func(types.MessageEvent)) (func(), error) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{viewerID: viewerID, fn: fn}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// OnEvent registers a tap that receives every broadcast event regardless of
// viewer, e.g. to mirror events into a cross-process feed log.
func (b *Backend) OnEvent(fn func(types.MessageEvent)) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// broadcast delivers an event to every subscriber party to the conversation.
// Delivery is synchronous; callbacks must not block.
func (b *Backend) broadcast(ev types.MessageEvent) {
	b.mu.Lock()
	targets := make([]func(types.MessageEvent), 0, len(b.subs)+len(b.taps))
	targets = append(targets, b.taps...)
	for _, sub := range b.subs {
		if sub.viewerID == ev.SeekerID || sub.viewerID == ev.OrganizationID {
			targets = append(targets, sub.fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range targets {
		fn(ev)
	}
}

func (b *Backend) conversationPair(ctx context.Context, conversationID string) (seekerID, organizationID string, err error) {
	err = b.db.QueryRowContext(ctx, `
		SELECT seeker_id, organization_id FROM chat_conversations WHERE id = ?
	`, conversationID).Scan(&seekerID, &organizationID)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("conversation %s not found", conversationID)
	}
	return seekerID, organizationID, err
}
