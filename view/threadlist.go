// Package view holds the pure derivation engines: the filtered/sorted
// thread list for the sidebar and the annotated timeline for an open
// conversation. Nothing here mutates state or performs I/O.
package view

import (
	"sort"

	"github.com/eisapp/chatcore/types"
)

// TombstoneText is the placeholder rendered in place of retracted content,
// shown identically to both parties.
const TombstoneText = "This message was retracted"

// SettingsSource is a read-only view of per-conversation settings.
// store.SettingsStore satisfies it.
type SettingsSource interface {
	Get(ownerID, conversationID string) types.ConversationSettings
}

// ThreadListOptions control filtering and ordering of the sidebar.
type ThreadListOptions struct {
	ViewerID          string
	Filter            types.ListFilter
	SortMode          types.SortMode
	VisiblePriorities map[types.Priority]bool
}

// ThreadRow is one rendering-ready sidebar entry.
type ThreadRow struct {
	Conversation types.Conversation
	Settings     types.ConversationSettings
	// DisplayName is the settings alias when set, otherwise the counterpart id
	// for the embedding app to resolve into a profile name.
	DisplayName string
	// Preview is the last-message summary line.
	Preview string
	// UnreadCount counts unread messages from the counterpart.
	UnreadCount int
	// Unread is true when UnreadCount > 0 or the manual-unread flag is set.
	Unread bool
}

// DeriveThreadList filters and orders the viewer's conversations.
//
// Filtering: the blocked view shows only blocked conversations and every
// other view hides them entirely; conversations whose effective priority is
// not visible are dropped; the unread view keeps only conversations with
// unread counterpart messages or the manual-unread flag.
//
// Ordering is stable: pinned first, then priority rank when sorting by
// priority, then recency. Conversations with no messages sort last.
func DeriveThreadList(conversations []types.Conversation, settings SettingsSource, opts ThreadListOptions) []ThreadRow {
	rows := make([]ThreadRow, 0, len(conversations))
	for _, conv := range conversations {
		s := settings.Get(opts.ViewerID, conv.ID)

		if opts.Filter == types.FilterBlocked {
			if !s.Blocked {
				continue
			}
		} else if s.Blocked {
			continue
		}

		if opts.VisiblePriorities != nil && !opts.VisiblePriorities[s.Priority.Effective()] {
			continue
		}

		unreadCount := countUnread(conv, opts.ViewerID)
		if opts.Filter == types.FilterUnread && unreadCount == 0 && !s.UnreadManual {
			continue
		}

		rows = append(rows, ThreadRow{
			Conversation: conv,
			Settings:     s,
			DisplayName:  displayName(conv, s, opts.ViewerID),
			Preview:      preview(conv, opts.ViewerID),
			UnreadCount:  unreadCount,
			Unread:       unreadCount > 0 || s.UnreadManual,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Settings.Pinned != b.Settings.Pinned {
			return a.Settings.Pinned
		}
		if opts.SortMode == types.SortByPriority {
			ra, rb := a.Settings.Priority.Rank(), b.Settings.Priority.Rank()
			if ra != rb {
				return ra > rb
			}
		}
		// Empty conversations have no recency and sort last.
		ua, ub := a.Conversation.UpdatedAt, b.Conversation.UpdatedAt
		if (ua == 0) != (ub == 0) {
			return ub == 0
		}
		return ua > ub
	})
	return rows
}

func countUnread(conv types.Conversation, viewerID string) int {
	count := 0
	for _, msg := range conv.Messages {
		if msg.SenderID != viewerID && !msg.IsRead {
			count++
		}
	}
	return count
}

func displayName(conv types.Conversation, s types.ConversationSettings, viewerID string) string {
	if s.Alias != "" {
		return s.Alias
	}
	return conv.Counterpart(viewerID)
}

func preview(conv types.Conversation, viewerID string) string {
	if len(conv.Messages) == 0 {
		return ""
	}
	last := conv.Messages[len(conv.Messages)-1]
	prefix := ""
	if last.SenderID == viewerID {
		prefix = "you: "
	}
	switch {
	case last.Deleted:
		return prefix + TombstoneText
	case last.Text != "":
		return prefix + last.Text
	case last.Attachment != nil:
		return prefix + last.Attachment.Label()
	}
	return prefix
}
