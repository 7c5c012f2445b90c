package store

import (
	"sort"
	"sync"

	"github.com/eisapp/chatcore/types"
)

// SettingsStore owns per-(owner, conversation) preference rows. Rows are
// created on first mutation; a missing row reads as all defaults. The store
// performs no implicit transitions (clearing manual-unread on open is the
// façade's job).
type SettingsStore struct {
	mu   sync.RWMutex
	rows map[[2]string]types.ConversationSettings
}

// NewSettingsStore creates an empty settings store.
func NewSettingsStore() *SettingsStore {
	return &SettingsStore{rows: make(map[[2]string]types.ConversationSettings)}
}

// Get returns the settings row, or defaults when no row exists. Priority is
// returned as stored; callers resolve unset to medium via Effective.
func (s *SettingsStore) Get(ownerID, conversationID string) types.ConversationSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if row, ok := s.rows[[2]string{ownerID, conversationID}]; ok {
		return row
	}
	return types.ConversationSettings{OwnerID: ownerID, ConversationID: conversationID}
}

// Update merges the patch into the row, creating it if needed, and returns
// the result.
func (s *SettingsStore) Update(ownerID, conversationID string, patch types.SettingsPatch) types.ConversationSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{ownerID, conversationID}
	row, ok := s.rows[key]
	if !ok {
		row = types.ConversationSettings{OwnerID: ownerID, ConversationID: conversationID}
	}
	row = patch.Apply(row)
	s.rows[key] = row
	return row
}

// All returns every row belonging to an owner.
func (s *SettingsStore) All(ownerID string) []types.ConversationSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ConversationSettings
	for key, row := range s.rows {
		if key[0] == ownerID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// ReplaceAll swaps in the server-loaded rows for an owner. Callers decide
// whether to call at all; an empty or failed load must keep local rows.
func (s *SettingsStore) ReplaceAll(ownerID string, rows []types.ConversationSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.rows {
		if key[0] == ownerID {
			delete(s.rows, key)
		}
	}
	for _, row := range rows {
		row.OwnerID = ownerID
		s.rows[[2]string{ownerID, row.ConversationID}] = row
	}
}
