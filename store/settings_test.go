package store

import (
	"testing"

	"github.com/eisapp/chatcore/types"
)

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func TestSettingsDefaultsWhenMissing(t *testing.T) {
	s := NewSettingsStore()

	row := s.Get("alice", "c1")
	if row.OwnerID != "alice" || row.ConversationID != "c1" {
		t.Fatalf("identity not set: %+v", row)
	}
	if row.Pinned || row.Blocked || row.UnreadManual || row.Alias != "" || row.Memo != "" {
		t.Fatalf("expected zero defaults: %+v", row)
	}
	if row.Priority.Effective() != types.PriorityMedium {
		t.Fatalf("unset priority should read as medium, got %s", row.Priority.Effective())
	}
}

func TestSettingsUpdateMergesPatch(t *testing.T) {
	s := NewSettingsStore()

	s.Update("alice", "c1", types.SettingsPatch{Pinned: boolPtr(true)})
	row := s.Update("alice", "c1", types.SettingsPatch{Alias: strPtr("Acme HR")})

	if !row.Pinned {
		t.Fatal("patch wiped an untouched field")
	}
	if row.Alias != "Acme HR" {
		t.Fatalf("alias not applied: %q", row.Alias)
	}
}

func TestSettingsRowsAreScopedPerOwner(t *testing.T) {
	s := NewSettingsStore()

	s.Update("alice", "c1", types.SettingsPatch{Pinned: boolPtr(true)})
	if s.Get("bob", "c1").Pinned {
		t.Fatal("one viewer's pin leaked to the other")
	}

	rows := s.All("alice")
	if len(rows) != 1 || rows[0].ConversationID != "c1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if len(s.All("bob")) != 0 {
		t.Fatal("bob should have no rows")
	}
}

func TestSettingsReplaceAll(t *testing.T) {
	s := NewSettingsStore()
	s.Update("alice", "c1", types.SettingsPatch{Pinned: boolPtr(true)})
	s.Update("bob", "c1", types.SettingsPatch{Blocked: boolPtr(true)})

	s.ReplaceAll("alice", []types.ConversationSettings{
		{ConversationID: "c2", Memo: "follow up Friday"},
	})

	if s.Get("alice", "c1").Pinned {
		t.Fatal("stale row survived replace")
	}
	if s.Get("alice", "c2").Memo != "follow up Friday" {
		t.Fatal("loaded row missing")
	}
	if !s.Get("bob", "c1").Blocked {
		t.Fatal("replace must not touch other owners")
	}
}
