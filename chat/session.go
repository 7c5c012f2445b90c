// Package chat is the action façade of the conversation engine. A Session
// owns the stores for one signed-in viewer and exposes every user-facing
// operation. Mutations land synchronously in local state and reach the
// persistence backend asynchronously; callers never wait on the network.
package chat

import (
	"bytes"
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/eisapp/chatcore/service"
	"github.com/eisapp/chatcore/store"
	"github.com/eisapp/chatcore/syncer"
	"github.com/eisapp/chatcore/types"
	"github.com/eisapp/chatcore/view"
)

const (
	memoMaxRunes       = 100
	maxUploadBytes     = 5 << 20
	defaultMemoRunWait = 300 * time.Millisecond
)

// Config wires a session.
type Config struct {
	// ViewerID is the seeker or organization identity owning the session.
	ViewerID string
	Service  service.Service
	// Uploader handles staged file attachments. Optional; without it file
	// attachments are rejected.
	Uploader service.Uploader
	// Resolver resolves card attachments for timeline rendering. Optional.
	Resolver view.CardResolver
	// Logger may be nil for silence.
	Logger *log.Logger
	// Location selects the calendar for date separators. Nil means local.
	Location *time.Location
	// MemoDebounce overrides the 300ms trailing-edge memo persistence
	// debounce, mainly for tests.
	MemoDebounce time.Duration
	// Notify receives retryable failures as non-blocking notices. May be nil.
	Notify func(error)
}

// stagedFile is a file attachment awaiting upload at send time.
type stagedFile struct {
	attachment types.Attachment
	content    []byte
}

// Session is the per-viewer façade over the stores, derivation engines and
// sync coordinator.
type Session struct {
	cfg      Config
	messages *store.MessageStore
	registry *store.Registry
	settings *store.SettingsStore
	coord    *syncer.Coordinator
	memoRun  *debouncer

	mu         sync.Mutex
	prefs      types.Preferences
	filter     types.ListFilter
	open       string
	replyTo    string
	staged     *stagedFile
	boundaries map[string]string

	wg sync.WaitGroup
}

// NewSession creates a session with empty stores. Call Start to load state
// and attach to the feed.
func NewSession(cfg Config) *Session {
	if cfg.MemoDebounce <= 0 {
		cfg.MemoDebounce = defaultMemoRunWait
	}
	messages := store.NewMessageStore()
	registry := store.NewRegistry(messages)
	s := &Session{
		cfg:        cfg,
		messages:   messages,
		registry:   registry,
		settings:   store.NewSettingsStore(),
		memoRun:    newDebouncer(cfg.MemoDebounce),
		prefs:      types.DefaultPreferences(),
		filter:     types.FilterAll,
		boundaries: make(map[string]string),
	}
	s.coord = syncer.New(syncer.Config{
		ViewerID: cfg.ViewerID,
		Service:  cfg.Service,
		Messages: messages,
		Registry: registry,
		Logger:   cfg.Logger,
		Notify:   cfg.Notify,
	})
	return s
}

// Start loads conversations and settings, then subscribes to the feed.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}
	return s.coord.Subscribe()
}

// Close detaches from the feed, flushes debounced writes and waits for
// in-flight persistence calls.
func (s *Session) Close() {
	s.coord.Unsubscribe()
	s.memoRun.flush()
	s.wg.Wait()
}

// Refresh reloads conversations and settings from the backend. A settings
// load that fails or comes back empty keeps the locally echoed rows rather
// than wiping them.
func (s *Session) Refresh(ctx context.Context) error {
	convs, err := s.cfg.Service.LoadConversations(ctx, s.cfg.ViewerID)
	if err != nil {
		return service.Transient("load conversations", err)
	}
	for _, conv := range convs {
		s.registry.Upsert(conv)
	}

	rows, err := s.cfg.Service.LoadSettings(ctx, s.cfg.ViewerID)
	if err != nil {
		s.logf("load settings: %v (keeping local rows)", err)
		return nil
	}
	if len(rows) > 0 {
		s.settings.ReplaceAll(s.cfg.ViewerID, rows)
	}
	return nil
}

// StartConversation returns the conversation between the pair, creating it
// on the backend when absent, and optionally sends an initial and a system
// message. An initial message identical to the current last message is
// skipped so repeated entry points do not double-post.
func (s *Session) StartConversation(ctx context.Context, seekerID, organizationID, initialText, systemText string) (types.Conversation, error) {
	conv, err := s.cfg.Service.EnsureConversation(ctx, seekerID, organizationID)
	if err != nil {
		return types.Conversation{}, service.Transient("ensure conversation", err)
	}
	s.registry.Upsert(conv)

	if initialText != "" && !s.lastMessageIs(conv.ID, initialText) {
		if err := s.SendMessage(ctx, conv.ID, initialText); err != nil {
			return conv, err
		}
	}
	if systemText != "" {
		pending, err := s.messages.StageSystem(conv.ID, s.cfg.ViewerID, systemText)
		if err != nil {
			return conv, err
		}
		s.resolveAsync(conv.ID, pending)
	}
	refreshed, _ := s.registry.Get(conv.ID)
	return refreshed, nil
}

func (s *Session) lastMessageIs(conversationID, text string) bool {
	msgs := s.messages.Messages(conversationID)
	return len(msgs) > 0 && msgs[len(msgs)-1].Text == text
}

// SendMessage validates and optimistically appends a message carrying the
// current reply target and staged attachment, then resolves persistence in
// the background. Validation failures (empty message, unknown conversation)
// return synchronously; transport failures revert the optimistic append and
// surface through Notify.
func (s *Session) SendMessage(ctx context.Context, conversationID, text string) error {
	if _, ok := s.registry.Get(conversationID); !ok {
		return ErrConversationNotFound
	}

	s.mu.Lock()
	replyTo := s.replyTo
	staged := s.staged
	s.mu.Unlock()

	var attachment types.Attachment
	if staged != nil {
		attachment = staged.attachment
	}
	pending, err := s.messages.StageSend(conversationID, s.cfg.ViewerID, text, attachment, replyTo)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.replyTo = ""
	s.staged = nil
	s.mu.Unlock()

	if staged != nil && staged.content != nil {
		s.uploadAndResolve(conversationID, pending, staged)
		return nil
	}
	s.resolveAsync(conversationID, pending)
	return nil
}

func (s *Session) uploadAndResolve(conversationID string, pending types.Message, staged *stagedFile) {
	s.spawn(func() {
		ctx := context.Background()
		name := attachmentName(pending.Attachment)
		res, err := s.cfg.Uploader.Upload(ctx, conversationID, name, bytes.NewReader(staged.content))
		if err != nil {
			s.messages.Revert(conversationID, pending.ID)
			s.notify(service.Transient("upload", err))
			return
		}
		uploaded := withUploadedLocation(pending.Attachment, res)
		s.messages.SetAttachment(conversationID, pending.ID, uploaded)
		pending.Attachment = uploaded
		_ = s.coord.ResolveSend(ctx, conversationID, pending)
	})
}

func (s *Session) resolveAsync(conversationID string, pending types.Message) {
	s.spawn(func() {
		_ = s.coord.ResolveSend(context.Background(), conversationID, pending)
	})
}

// ReplyTo sets the reply target for the next send.
func (s *Session) ReplyTo(messageID string) {
	s.mu.Lock()
	s.replyTo = messageID
	s.mu.Unlock()
}

// CancelReply clears the reply target.
func (s *Session) CancelReply() {
	s.mu.Lock()
	s.replyTo = ""
	s.mu.Unlock()
}

// ReplyTarget returns the pending reply target, or "".
func (s *Session) ReplyTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replyTo
}

// Attach stages a ready attachment (typically a card reference) for the
// next send, replacing any staged file.
func (s *Session) Attach(attachment types.Attachment) {
	s.mu.Lock()
	s.staged = &stagedFile{attachment: attachment}
	s.mu.Unlock()
}

// AttachFile stages a local file for upload at send time. Files over 5 MiB
// are rejected; an "image/..." MIME type stages an image attachment,
// anything else a plain file.
func (s *Session) AttachFile(name, mimeType string, content io.Reader) error {
	if s.cfg.Uploader == nil {
		return ErrNoUploader
	}
	data, err := io.ReadAll(io.LimitReader(content, maxUploadBytes+1))
	if err != nil {
		return err
	}
	if len(data) > maxUploadBytes {
		return ErrFileTooLarge
	}

	var attachment types.Attachment
	if strings.HasPrefix(mimeType, "image/") {
		attachment = types.ImageAttachment{Name: name, Size: int64(len(data))}
	} else {
		attachment = types.FileAttachment{Name: name, Size: int64(len(data))}
	}
	s.mu.Lock()
	s.staged = &stagedFile{attachment: attachment, content: data}
	s.mu.Unlock()
	return nil
}

// ClearAttachment drops the staged attachment.
func (s *Session) ClearAttachment() {
	s.mu.Lock()
	s.staged = nil
	s.mu.Unlock()
}

// DeleteMessage retracts a message the viewer sent. The tombstone applies
// locally at once; the backend update runs in the background and a failure
// only surfaces as a notice (the retraction is not rolled back).
func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := s.messages.Retract(conversationID, messageID, s.cfg.ViewerID); err != nil {
		return err
	}
	s.spawn(func() {
		if err := s.cfg.Service.PersistRetraction(context.Background(), conversationID, messageID); err != nil {
			s.logf("persist retraction %s: %v", messageID, err)
			s.notify(service.Transient("retract", err))
		}
	})
	return nil
}

// OpenConversation marks a view entry: it fixes the unread boundary for the
// session, marks counterpart messages read, clears the manual-unread flag
// and resets composer state. Call once per view entry; each call recomputes
// the boundary.
func (s *Session) OpenConversation(conversationID string) {
	boundary := ""
	for _, msg := range s.messages.Messages(conversationID) {
		if msg.SenderID != s.cfg.ViewerID && !msg.IsRead {
			boundary = msg.ID
			break
		}
	}

	s.mu.Lock()
	s.open = conversationID
	s.boundaries[conversationID] = boundary
	s.replyTo = ""
	s.staged = nil
	s.mu.Unlock()

	if s.messages.MarkRead(conversationID, s.cfg.ViewerID) > 0 {
		s.spawn(func() {
			// Read state is not safety-critical; failures are logged, never
			// rolled back.
			if err := s.cfg.Service.PersistRead(context.Background(), conversationID, s.cfg.ViewerID); err != nil {
				s.logf("persist read %s: %v", conversationID, err)
			}
		})
	}

	if s.settings.Get(s.cfg.ViewerID, conversationID).UnreadManual {
		cleared := false
		s.updateSettings(conversationID, types.SettingsPatch{UnreadManual: &cleared})
	}
}

// Current returns the conversation opened by the last OpenConversation
// call, or "" when none has been opened.
func (s *Session) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// TogglePin flips the pinned flag.
func (s *Session) TogglePin(conversationID string) {
	pinned := !s.settings.Get(s.cfg.ViewerID, conversationID).Pinned
	s.updateSettings(conversationID, types.SettingsPatch{Pinned: &pinned})
}

// SetPriority sets the conversation priority; the zero value resets to
// unset (effective medium).
func (s *Session) SetPriority(conversationID string, priority types.Priority) {
	s.updateSettings(conversationID, types.SettingsPatch{Priority: &priority})
}

// ToggleBlock flips the blocked flag.
func (s *Session) ToggleBlock(conversationID string) {
	blocked := !s.settings.Get(s.cfg.ViewerID, conversationID).Blocked
	s.updateSettings(conversationID, types.SettingsPatch{Blocked: &blocked})
}

// ToggleUnreadManual flips the manual-unread marker.
func (s *Session) ToggleUnreadManual(conversationID string) {
	manual := !s.settings.Get(s.cfg.ViewerID, conversationID).UnreadManual
	s.updateSettings(conversationID, types.SettingsPatch{UnreadManual: &manual})
}

// SetAlias sets the counterpart display alias; empty clears it.
func (s *Session) SetAlias(conversationID, alias string) {
	s.updateSettings(conversationID, types.SettingsPatch{Alias: &alias})
}

// SetMemo updates the private memo, capped at 100 characters. The local
// echo is immediate; persistence is debounced trailing-edge so typing does
// not flood the backend.
func (s *Session) SetMemo(conversationID, memo string) {
	if runes := []rune(memo); len(runes) > memoMaxRunes {
		memo = string(runes[:memoMaxRunes])
	}
	s.settings.Update(s.cfg.ViewerID, conversationID, types.SettingsPatch{Memo: &memo})

	s.memoRun.trigger(conversationID, func() {
		current := s.settings.Get(s.cfg.ViewerID, conversationID).Memo
		s.persistSettings(conversationID, types.SettingsPatch{Memo: &current})
	})
}

// Settings returns the viewer's settings row for a conversation.
func (s *Session) Settings(conversationID string) types.ConversationSettings {
	return s.settings.Get(s.cfg.ViewerID, conversationID)
}

// updateSettings applies a patch locally and persists it in the background.
func (s *Session) updateSettings(conversationID string, patch types.SettingsPatch) {
	s.settings.Update(s.cfg.ViewerID, conversationID, patch)
	s.spawn(func() { s.persistSettings(conversationID, patch) })
}

// persistSettings writes a patch upstream with one silent retry; settings
// are last-write-wins and never rolled back locally.
func (s *Session) persistSettings(conversationID string, patch types.SettingsPatch) {
	ctx := context.Background()
	err := s.cfg.Service.PersistSettings(ctx, s.cfg.ViewerID, conversationID, patch)
	if err != nil {
		err = s.cfg.Service.PersistSettings(ctx, s.cfg.ViewerID, conversationID, patch)
	}
	if err != nil {
		s.logf("persist settings %s: %v", conversationID, err)
	}
}

// SetFilter selects the thread list filter tab.
func (s *Session) SetFilter(filter types.ListFilter) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

// SetSortMode selects date or priority ordering.
func (s *Session) SetSortMode(mode types.SortMode) {
	s.mu.Lock()
	s.prefs.SortMode = mode
	s.mu.Unlock()
}

// TogglePriorityVisibility shows or hides one priority level in the list.
func (s *Session) TogglePriorityVisibility(priority types.Priority) {
	s.mu.Lock()
	s.prefs.VisiblePriorities[priority] = !s.prefs.VisiblePriorities[priority]
	s.mu.Unlock()
}

// SetCompactMode toggles the dense sidebar layout preference.
func (s *Session) SetCompactMode(compact bool) {
	s.mu.Lock()
	s.prefs.CompactMode = compact
	s.mu.Unlock()
}

// Preferences returns a copy of the viewer's global preferences.
func (s *Session) Preferences() types.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs := s.prefs
	prefs.VisiblePriorities = make(map[types.Priority]bool, len(s.prefs.VisiblePriorities))
	for p, v := range s.prefs.VisiblePriorities {
		prefs.VisiblePriorities[p] = v
	}
	return prefs
}

// ThreadList derives the sidebar rows under the current filter and
// preferences.
func (s *Session) ThreadList() []view.ThreadRow {
	s.mu.Lock()
	visible := make(map[types.Priority]bool, len(s.prefs.VisiblePriorities))
	for p, v := range s.prefs.VisiblePriorities {
		visible[p] = v
	}
	opts := view.ThreadListOptions{
		ViewerID:          s.cfg.ViewerID,
		Filter:            s.filter,
		SortMode:          s.prefs.SortMode,
		VisiblePriorities: visible,
	}
	s.mu.Unlock()
	return view.DeriveThreadList(s.registry.List(), s.settings, opts)
}

// Timeline derives the rendering-ready entry sequence for a conversation,
// using the unread boundary fixed at the last OpenConversation call.
func (s *Session) Timeline(conversationID string) []view.TimelineEntry {
	s.mu.Lock()
	boundary := s.boundaries[conversationID]
	s.mu.Unlock()
	return view.BuildTimeline(s.messages.Messages(conversationID), s.cfg.ViewerID, boundary, s.cfg.Resolver, s.cfg.Location)
}

// Coordinator exposes the sync coordinator, mainly for lifecycle checks.
func (s *Session) Coordinator() *syncer.Coordinator { return s.coord }

// Wait blocks until in-flight background persistence calls finish.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) notify(err error) {
	if s.cfg.Notify != nil {
		s.cfg.Notify(err)
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func attachmentName(att types.Attachment) string {
	switch v := att.(type) {
	case types.ImageAttachment:
		return v.Name
	case types.FileAttachment:
		return v.Name
	}
	return ""
}

// withUploadedLocation copies the upload result onto a staged attachment.
func withUploadedLocation(att types.Attachment, res service.UploadResult) types.Attachment {
	switch v := att.(type) {
	case types.ImageAttachment:
		v.URL = res.URL
		if res.Name != "" {
			v.Name = res.Name
		}
		if res.Size > 0 {
			v.Size = res.Size
		}
		return v
	case types.FileAttachment:
		v.URL = res.URL
		if res.Name != "" {
			v.Name = res.Name
		}
		if res.Size > 0 {
			v.Size = res.Size
		}
		return v
	}
	return att
}
