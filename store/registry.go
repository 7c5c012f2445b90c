package store

import (
	"sort"
	"sync"

	"github.com/eisapp/chatcore/types"
)

// conversationRecord is the registry's own view of a conversation; the
// timeline lives in the MessageStore.
type conversationRecord struct {
	ID             string
	SeekerID       string
	OrganizationID string
}

// Registry owns the set of conversations known to the active viewer.
// Exactly one conversation exists per (seeker, organization) pair;
// conversations are created lazily and never destroyed.
type Registry struct {
	mu       sync.RWMutex
	messages *MessageStore
	byID     map[string]conversationRecord
	byPair   map[[2]string]string
}

// NewRegistry creates a registry whose snapshots read timelines from the
// given message store.
func NewRegistry(messages *MessageStore) *Registry {
	return &Registry{
		messages: messages,
		byID:     make(map[string]conversationRecord),
		byPair:   make(map[[2]string]string),
	}
}

// Ensure returns the conversation for the pair, creating it with a locally
// generated id when none exists yet.
func (r *Registry) Ensure(seekerID, organizationID string) (types.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{seekerID, organizationID}
	if id, ok := r.byPair[key]; ok {
		return r.snapshotLocked(r.byID[id]), nil
	}
	id, err := newGUID("conv")
	if err != nil {
		return types.Conversation{}, err
	}
	rec := conversationRecord{ID: id, SeekerID: seekerID, OrganizationID: organizationID}
	r.byID[id] = rec
	r.byPair[key] = id
	return r.snapshotLocked(rec), nil
}

// Upsert registers a server-authoritative conversation and replaces its
// timeline. If the pair was known under a locally generated id, the server
// id supersedes it and the local timeline is folded in.
func (r *Registry) Upsert(conv types.Conversation) {
	r.mu.Lock()
	key := [2]string{conv.SeekerID, conv.OrganizationID}
	if oldID, ok := r.byPair[key]; ok && oldID != conv.ID {
		for _, msg := range r.messages.Messages(oldID) {
			if msg.Pending {
				r.messages.Append(conv.ID, msg)
			}
		}
		delete(r.byID, oldID)
	}
	r.byID[conv.ID] = conversationRecord{ID: conv.ID, SeekerID: conv.SeekerID, OrganizationID: conv.OrganizationID}
	r.byPair[key] = conv.ID
	r.mu.Unlock()

	r.messages.Replace(conv.ID, conv.Messages)
}

// EnsureKnown registers a conversation id seen on the feed without touching
// its timeline.
func (r *Registry) EnsureKnown(id, seekerID, organizationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return
	}
	r.byID[id] = conversationRecord{ID: id, SeekerID: seekerID, OrganizationID: organizationID}
	r.byPair[[2]string{seekerID, organizationID}] = id
}

// Get returns a snapshot of one conversation.
func (r *Registry) Get(conversationID string) (types.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[conversationID]
	if !ok {
		return types.Conversation{}, false
	}
	return r.snapshotLocked(rec), true
}

// GetByPair returns the conversation between a seeker and an organization.
func (r *Registry) GetByPair(seekerID, organizationID string) (types.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPair[[2]string{seekerID, organizationID}]
	if !ok {
		return types.Conversation{}, false
	}
	return r.snapshotLocked(r.byID[id]), true
}

// List returns snapshots of every known conversation, unordered beyond a
// stable id order; callers sort through the thread view engine.
func (r *Registry) List() []types.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Conversation, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, r.snapshotLocked(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) snapshotLocked(rec conversationRecord) types.Conversation {
	return types.Conversation{
		ID:             rec.ID,
		SeekerID:       rec.SeekerID,
		OrganizationID: rec.OrganizationID,
		Messages:       r.messages.Messages(rec.ID),
		UpdatedAt:      r.messages.LastActive(rec.ID),
	}
}
