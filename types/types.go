// Package types holds the shared data model for the conversation engine:
// identities, messages, conversations, per-viewer settings and preferences.
package types

// Role distinguishes the two identity classes that can own a session.
type Role string

const (
	RoleSeeker       Role = "seeker"
	RoleOrganization Role = "organization"
)

// Priority is a per-conversation importance level. The zero value means
// "unset"; callers must treat unset as medium via Effective.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Effective resolves an unset priority to medium.
func (p Priority) Effective() Priority {
	if p == "" {
		return PriorityMedium
	}
	return p
}

// Rank orders priorities for sorting, highest first.
func (p Priority) Rank() int {
	switch p.Effective() {
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// SortMode selects the thread list ordering.
type SortMode string

const (
	SortByDate     SortMode = "date"
	SortByPriority SortMode = "priority"
)

// ListFilter selects which conversations the thread list shows.
type ListFilter string

const (
	FilterAll     ListFilter = "all"
	FilterUnread  ListFilter = "unread"
	FilterBlocked ListFilter = "blocked"
)

// Message is one entry in a conversation timeline. Immutable once created
// except for IsRead (false to true) and Deleted (false to true, which also
// clears Text and Attachment).
// JSON encoding goes through the envelope codec in attachment.go.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Attachment     Attachment
	ReplyToID      string
	Timestamp      int64
	IsRead         bool
	System         bool
	Deleted        bool
	Pending        bool
}

// Conversation is the 1:1 thread between one seeker and one organization.
// UpdatedAt is the timestamp of the latest non-deleted message, zero when
// none exists.
type Conversation struct {
	ID             string    `json:"id"`
	SeekerID       string    `json:"seeker_id"`
	OrganizationID string    `json:"organization_id"`
	Messages       []Message `json:"messages,omitempty"`
	UpdatedAt      int64     `json:"updated_at,omitempty"`
}

// Counterpart returns the identity on the other side of the conversation
// from the given viewer. Returns "" if the viewer is not a party.
func (c Conversation) Counterpart(viewerID string) string {
	switch viewerID {
	case c.SeekerID:
		return c.OrganizationID
	case c.OrganizationID:
		return c.SeekerID
	}
	return ""
}

// ConversationSettings is the per-(owner, conversation) preference row.
// A missing row is equivalent to the zero value with owner/conversation set.
type ConversationSettings struct {
	OwnerID        string   `json:"owner_id"`
	ConversationID string   `json:"conversation_id"`
	Alias          string   `json:"alias,omitempty"`
	Memo           string   `json:"memo,omitempty"`
	Pinned         bool     `json:"pinned,omitempty"`
	Blocked        bool     `json:"blocked,omitempty"`
	UnreadManual   bool     `json:"unread_manual,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
}

// SettingsPatch is a partial settings update. Nil fields are left untouched.
type SettingsPatch struct {
	Alias        *string   `json:"alias,omitempty"`
	Memo         *string   `json:"memo,omitempty"`
	Pinned       *bool     `json:"pinned,omitempty"`
	Blocked      *bool     `json:"blocked,omitempty"`
	UnreadManual *bool     `json:"unread_manual,omitempty"`
	Priority     *Priority `json:"priority,omitempty"`
}

// Apply merges the patch into a settings row and returns the result.
func (p SettingsPatch) Apply(s ConversationSettings) ConversationSettings {
	if p.Alias != nil {
		s.Alias = *p.Alias
	}
	if p.Memo != nil {
		s.Memo = *p.Memo
	}
	if p.Pinned != nil {
		s.Pinned = *p.Pinned
	}
	if p.Blocked != nil {
		s.Blocked = *p.Blocked
	}
	if p.UnreadManual != nil {
		s.UnreadManual = *p.UnreadManual
	}
	if p.Priority != nil {
		s.Priority = *p.Priority
	}
	return s
}

// Preferences are per-viewer, conversation-independent display settings.
type Preferences struct {
	SortMode          SortMode
	VisiblePriorities map[Priority]bool
	CompactMode       bool
}

// DefaultPreferences returns date ordering with all priorities visible.
func DefaultPreferences() Preferences {
	return Preferences{
		SortMode: SortByDate,
		VisiblePriorities: map[Priority]bool{
			PriorityHigh:   true,
			PriorityMedium: true,
			PriorityLow:    true,
		},
	}
}

// EventKind classifies real-time feed events.
type EventKind string

const (
	// EventMessageNew announces a message appended to a conversation.
	EventMessageNew EventKind = "message.new"
	// EventMessageUpdated announces a read-flag or retraction change.
	EventMessageUpdated EventKind = "message.updated"
)

// MessageEvent is one inbound event from the real-time feed. Seeker and
// organization ids accompany every event so a conversation unknown to the
// receiver can be created lazily.
type MessageEvent struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	SeekerID       string    `json:"seeker_id"`
	OrganizationID string    `json:"organization_id"`
	Message        Message   `json:"message"`
}
