package types

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
)

// AttachmentKind tags the attachment variants.
type AttachmentKind string

const (
	AttachmentImage   AttachmentKind = "image"
	AttachmentFile    AttachmentKind = "file"
	AttachmentJob     AttachmentKind = "job"
	AttachmentQuest   AttachmentKind = "quest"
	AttachmentCompany AttachmentKind = "company"
	AttachmentReel    AttachmentKind = "reel"
	AttachmentCourse  AttachmentKind = "course"
)

// Attachment is the tagged union of everything a message can carry besides
// text. Image and file attachments point at uploaded content; the card
// variants are opaque references resolved by external catalogs.
type Attachment interface {
	Kind() AttachmentKind
	// Label is the short human-readable form used in reply quotes and
	// thread previews.
	Label() string
}

// ImageAttachment references an uploaded image.
type ImageAttachment struct {
	URL  string
	Name string
	Size int64
}

func (a ImageAttachment) Kind() AttachmentKind { return AttachmentImage }

func (a ImageAttachment) Label() string { return "[image] " + a.Name }

// SizeLabel formats the byte size for display, e.g. "12 kB".
func (a ImageAttachment) SizeLabel() string { return humanize.Bytes(uint64(a.Size)) }

// FileAttachment references an uploaded file.
type FileAttachment struct {
	URL  string
	Name string
	Size int64
}

func (a FileAttachment) Kind() AttachmentKind { return AttachmentFile }

func (a FileAttachment) Label() string { return "[file] " + a.Name }

// SizeLabel formats the byte size for display.
func (a FileAttachment) SizeLabel() string { return humanize.Bytes(uint64(a.Size)) }

// JobCard references a job listing in the job catalog.
type JobCard struct {
	ItemID string
	Title  string
}

func (a JobCard) Kind() AttachmentKind { return AttachmentJob }

func (a JobCard) Label() string { return a.Title }

// QuestCard references a quest-style listing in the job catalog.
type QuestCard struct {
	ItemID string
	Title  string
}

func (a QuestCard) Kind() AttachmentKind { return AttachmentQuest }

func (a QuestCard) Label() string { return a.Title }

// CompanyCard references a company profile in the company directory.
type CompanyCard struct {
	ItemID string
	Title  string
}

func (a CompanyCard) Kind() AttachmentKind { return AttachmentCompany }

func (a CompanyCard) Label() string { return a.Title }

// ReelCard references a short-form video reel.
type ReelCard struct {
	ItemID string
	Title  string
}

func (a ReelCard) Kind() AttachmentKind { return AttachmentReel }

func (a ReelCard) Label() string { return a.Title }

// CourseCard references a course in the course catalog.
type CourseCard struct {
	ItemID string
	Title  string
}

func (a CourseCard) Kind() AttachmentKind { return AttachmentCourse }

func (a CourseCard) Label() string { return a.Title }

// CardItemID returns the catalog item id for card attachments, or "" for
// content attachments.
func CardItemID(a Attachment) string {
	switch card := a.(type) {
	case JobCard:
		return card.ItemID
	case QuestCard:
		return card.ItemID
	case CompanyCard:
		return card.ItemID
	case ReelCard:
		return card.ItemID
	case CourseCard:
		return card.ItemID
	}
	return ""
}

// IsCard reports whether the attachment is an opaque catalog reference.
func IsCard(a Attachment) bool {
	if a == nil {
		return false
	}
	switch a.Kind() {
	case AttachmentJob, AttachmentQuest, AttachmentCompany, AttachmentReel, AttachmentCourse:
		return true
	}
	return false
}

// attachmentEnvelope is the wire form shared by all attachment variants.
type attachmentEnvelope struct {
	Type   AttachmentKind `json:"type"`
	URL    string         `json:"url,omitempty"`
	Name   string         `json:"name,omitempty"`
	Size   int64          `json:"size,omitempty"`
	ItemID string         `json:"item_id,omitempty"`
	Title  string         `json:"title,omitempty"`
}

// MarshalAttachment encodes an attachment into its wire envelope.
func MarshalAttachment(a Attachment) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	var env attachmentEnvelope
	switch v := a.(type) {
	case ImageAttachment:
		env = attachmentEnvelope{Type: AttachmentImage, URL: v.URL, Name: v.Name, Size: v.Size}
	case FileAttachment:
		env = attachmentEnvelope{Type: AttachmentFile, URL: v.URL, Name: v.Name, Size: v.Size}
	case JobCard:
		env = attachmentEnvelope{Type: AttachmentJob, ItemID: v.ItemID, Title: v.Title}
	case QuestCard:
		env = attachmentEnvelope{Type: AttachmentQuest, ItemID: v.ItemID, Title: v.Title}
	case CompanyCard:
		env = attachmentEnvelope{Type: AttachmentCompany, ItemID: v.ItemID, Title: v.Title}
	case ReelCard:
		env = attachmentEnvelope{Type: AttachmentReel, ItemID: v.ItemID, Title: v.Title}
	case CourseCard:
		env = attachmentEnvelope{Type: AttachmentCourse, ItemID: v.ItemID, Title: v.Title}
	default:
		return nil, fmt.Errorf("unknown attachment type %T", a)
	}
	return json.Marshal(env)
}

// UnmarshalAttachment decodes a wire envelope back into its variant.
func UnmarshalAttachment(data []byte) (Attachment, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env attachmentEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case AttachmentImage:
		return ImageAttachment{URL: env.URL, Name: env.Name, Size: env.Size}, nil
	case AttachmentFile:
		return FileAttachment{URL: env.URL, Name: env.Name, Size: env.Size}, nil
	case AttachmentJob:
		return JobCard{ItemID: env.ItemID, Title: env.Title}, nil
	case AttachmentQuest:
		return QuestCard{ItemID: env.ItemID, Title: env.Title}, nil
	case AttachmentCompany:
		return CompanyCard{ItemID: env.ItemID, Title: env.Title}, nil
	case AttachmentReel:
		return ReelCard{ItemID: env.ItemID, Title: env.Title}, nil
	case AttachmentCourse:
		return CourseCard{ItemID: env.ItemID, Title: env.Title}, nil
	}
	return nil, fmt.Errorf("unknown attachment kind %q", env.Type)
}

// messageJSON mirrors Message with the attachment flattened to its envelope.
type messageJSON struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Text           string          `json:"text,omitempty"`
	Attachment     json.RawMessage `json:"attachment,omitempty"`
	ReplyToID      string          `json:"reply_to_id,omitempty"`
	Timestamp      int64           `json:"ts"`
	IsRead         bool            `json:"is_read,omitempty"`
	System         bool            `json:"system,omitempty"`
	Deleted        bool            `json:"deleted,omitempty"`
	Pending        bool            `json:"pending,omitempty"`
}

// MarshalJSON encodes the message with its attachment envelope inline.
func (m Message) MarshalJSON() ([]byte, error) {
	att, err := MarshalAttachment(m.Attachment)
	if err != nil {
		return nil, err
	}
	return json.Marshal(messageJSON{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Attachment:     att,
		ReplyToID:      m.ReplyToID,
		Timestamp:      m.Timestamp,
		IsRead:         m.IsRead,
		System:         m.System,
		Deleted:        m.Deleted,
		Pending:        m.Pending,
	})
}

// UnmarshalJSON decodes a message, restoring the attachment variant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	att, err := UnmarshalAttachment(raw.Attachment)
	if err != nil {
		return err
	}
	*m = Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		SenderID:       raw.SenderID,
		Text:           raw.Text,
		Attachment:     att,
		ReplyToID:      raw.ReplyToID,
		Timestamp:      raw.Timestamp,
		IsRead:         raw.IsRead,
		System:         raw.System,
		Deleted:        raw.Deleted,
		Pending:        raw.Pending,
	}
	return nil
}
