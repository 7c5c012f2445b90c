package view

import (
	"time"

	"github.com/eisapp/chatcore/types"
)

// EntryKind classifies timeline entries.
type EntryKind string

const (
	// EntryMessage is a regular sender-attributed bubble.
	EntryMessage EntryKind = "message"
	// EntryNotice is a centered, senderless line: a tombstone or a system
	// message.
	EntryNotice EntryKind = "notice"
	// EntryDateSeparator precedes the first message of each calendar day.
	EntryDateSeparator EntryKind = "date"
	// EntryUnreadMarker precedes the first message that was unread when the
	// conversation was opened. At most one per timeline.
	EntryUnreadMarker EntryKind = "unread"
)

// Quote is a resolved reply reference, always reflecting the quoted
// message's current state, never its state at reply time.
type Quote struct {
	MessageID string
	Text      string
	Deleted   bool
}

// FileInfo is the rendering payload for an uploaded content attachment.
type FileInfo struct {
	URL  string
	Name string
	// SizeLabel is the human-readable size, e.g. "2.0 kB"; empty when the
	// size is unknown.
	SizeLabel string
}

// CardInfo is the resolver's display payload for a card attachment.
type CardInfo struct {
	Title    string
	Subtitle string
	ImageURL string
}

// CardResolver resolves opaque card references against external catalogs.
// Implementations live outside the core.
type CardResolver interface {
	ResolveCard(kind types.AttachmentKind, itemID string) (CardInfo, error)
}

// TimelineEntry is one rendering-ready element of an open conversation.
type TimelineEntry struct {
	Kind    EntryKind
	Message types.Message
	// Mine is true for message entries sent by the viewer.
	Mine bool
	// Text is the body for message entries and the notice line for notices.
	Text string
	// Quote is set for message entries replying to another message.
	Quote *Quote
	// File is set for message entries carrying an image or file attachment.
	File *FileInfo
	// Card is set for message entries carrying a card attachment.
	Card *CardInfo
	// Day is the calendar day for date separators.
	Day time.Time
}

// BuildTimeline annotates an ordered message slice for rendering: date
// separators between calendar days (and before the first message), at most
// one unread marker ahead of boundaryID, tombstone and system notices, and
// reply quotes resolved against current message state. No malformed message
// can fail the derivation; unresolvable pieces degrade to placeholders.
//
// boundaryID is computed by the façade at open time and stays fixed for the
// view session so the marker does not jump as messages arrive. loc selects
// the calendar used for day boundaries; nil means time.Local.
func BuildTimeline(messages []types.Message, viewerID, boundaryID string, resolver CardResolver, loc *time.Location) []TimelineEntry {
	if loc == nil {
		loc = time.Local
	}
	byID := make(map[string]types.Message, len(messages))
	for _, msg := range messages {
		byID[msg.ID] = msg
	}

	var entries []TimelineEntry
	var prevDay time.Time
	for i, msg := range messages {
		day := dayOf(msg.Timestamp, loc)
		if i == 0 || !day.Equal(prevDay) {
			entries = append(entries, TimelineEntry{Kind: EntryDateSeparator, Day: day})
			prevDay = day
		}
		if boundaryID != "" && msg.ID == boundaryID {
			entries = append(entries, TimelineEntry{Kind: EntryUnreadMarker})
		}
		entries = append(entries, messageEntry(msg, viewerID, byID, resolver))
	}
	return entries
}

func messageEntry(msg types.Message, viewerID string, byID map[string]types.Message, resolver CardResolver) TimelineEntry {
	if msg.Deleted {
		return TimelineEntry{Kind: EntryNotice, Message: msg, Text: TombstoneText}
	}
	if msg.System {
		return TimelineEntry{Kind: EntryNotice, Message: msg, Text: msg.Text}
	}

	entry := TimelineEntry{
		Kind:    EntryMessage,
		Message: msg,
		Mine:    msg.SenderID == viewerID,
		Text:    msg.Text,
	}
	if msg.ReplyToID != "" {
		entry.Quote = resolveQuote(msg.ReplyToID, byID)
	}
	if types.IsCard(msg.Attachment) {
		entry.Card = resolveCard(msg.Attachment, resolver)
	} else if msg.Attachment != nil {
		entry.File = fileInfo(msg.Attachment)
	}
	return entry
}

func fileInfo(att types.Attachment) *FileInfo {
	switch v := att.(type) {
	case types.ImageAttachment:
		info := &FileInfo{URL: v.URL, Name: v.Name}
		if v.Size > 0 {
			info.SizeLabel = v.SizeLabel()
		}
		return info
	case types.FileAttachment:
		info := &FileInfo{URL: v.URL, Name: v.Name}
		if v.Size > 0 {
			info.SizeLabel = v.SizeLabel()
		}
		return info
	}
	return &FileInfo{Name: att.Label()}
}

// resolveQuote renders the quoted message's current state. A dangling
// reference (quoted message no longer present) renders as a tombstone.
func resolveQuote(replyToID string, byID map[string]types.Message) *Quote {
	quoted, ok := byID[replyToID]
	if !ok || quoted.Deleted {
		return &Quote{MessageID: replyToID, Text: TombstoneText, Deleted: true}
	}
	text := quoted.Text
	if text == "" && quoted.Attachment != nil {
		text = quoted.Attachment.Label()
	}
	return &Quote{MessageID: replyToID, Text: text}
}

// resolveCard asks the external resolver for display data, falling back to
// a placeholder built from the reference itself.
func resolveCard(att types.Attachment, resolver CardResolver) *CardInfo {
	placeholder := &CardInfo{Title: att.Label()}
	if resolver == nil {
		return placeholder
	}
	info, err := resolver.ResolveCard(att.Kind(), types.CardItemID(att))
	if err != nil {
		return placeholder
	}
	if info.Title == "" {
		info.Title = att.Label()
	}
	return &info
}

func dayOf(ts int64, loc *time.Location) time.Time {
	t := time.UnixMilli(ts).In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
