package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/outpostlabs/outpost/internal/workspace"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SaveAndGetWorkspace(t *testing.T) {
	store := newTestStore(t)

	gitOff := false
	now := time.Now().UTC().Truncate(time.Second)
	ws := &workspace.Workspace{
		ID:               "ws-1",
		Name:             "api",
		Description:      "backend service",
		SystemPrompt:     "be terse",
		HostMount:        "/home/dev/api",
		Skills:           []string{"git", "docker"},
		MemoryEnabled:    true,
		MemoryNamespace:  "api",
		GitStatusEnabled: &gitOff,
		LastUsedModel:    "anthropic/claude-sonnet-4-5",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.SaveWorkspace(ws); err != nil {
		t.Fatalf("SaveWorkspace() error = %v", err)
	}

	got, err := store.GetWorkspace("ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace() error = %v", err)
	}
	if got.Name != "api" || got.HostMount != "/home/dev/api" {
		t.Errorf("GetWorkspace() = %+v", got)
	}
	if len(got.Skills) != 2 || got.Skills[0] != "git" {
		t.Errorf("Skills = %v, want [git docker]", got.Skills)
	}
	if !got.MemoryEnabled {
		t.Error("MemoryEnabled should round-trip as true")
	}
	if got.GitStatusEnabled == nil || *got.GitStatusEnabled {
		t.Errorf("GitStatusEnabled = %v, want false", got.GitStatusEnabled)
	}

	// Upsert replaces fields.
	ws.Name = "api-v2"
	ws.LastUsedModel = "openai/gpt-5"
	if err := store.SaveWorkspace(ws); err != nil {
		t.Fatalf("SaveWorkspace() upsert error = %v", err)
	}
	got, err = store.GetWorkspace("ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace() after upsert error = %v", err)
	}
	if got.Name != "api-v2" || got.LastUsedModel != "openai/gpt-5" {
		t.Errorf("upsert did not apply: %+v", got)
	}
}

func TestStore_GetWorkspace_NotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetWorkspace("missing"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("GetWorkspace() error = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestStore_WorkspaceUnsetGitStatusDefaultsOn(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	ws := &workspace.Workspace{ID: "ws-1", Name: "n", HostMount: "/tmp", CreatedAt: now, UpdatedAt: now}
	if err := store.SaveWorkspace(ws); err != nil {
		t.Fatalf("SaveWorkspace() error = %v", err)
	}
	got, err := store.GetWorkspace("ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace() error = %v", err)
	}
	if got.GitStatusEnabled != nil {
		t.Errorf("GitStatusEnabled = %v, want nil", got.GitStatusEnabled)
	}
	if !got.GitStatusOn() {
		t.Error("GitStatusOn() should default to true")
	}
}

func TestStore_DeleteWorkspace(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	ws := &workspace.Workspace{ID: "ws-1", Name: "n", HostMount: "/tmp", CreatedAt: now, UpdatedAt: now}
	if err := store.SaveWorkspace(ws); err != nil {
		t.Fatalf("SaveWorkspace() error = %v", err)
	}
	if err := store.DeleteWorkspace("ws-1"); err != nil {
		t.Fatalf("DeleteWorkspace() error = %v", err)
	}
	if err := store.DeleteWorkspace("ws-1"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Errorf("second delete error = %v, want ErrWorkspaceNotFound", err)
	}
}

func TestStore_SessionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	rec := &SessionRecord{
		ID:            "s-1",
		WorkspaceID:   "ws-1",
		Name:          "fix login bug",
		Model:         "anthropic/claude-sonnet-4-5",
		ThinkingLevel: "medium",
		ContextWindow: 200_000,
		PiSessionID:   "pi-s-1",
		SessionFile:   "/data/sessions/s-1.jsonl",
		SessionFiles:  []string{"/data/sessions/s-1.jsonl", "/data/sessions/s-1b.jsonl"},
		LastMessageID: "msg-7",
		Status:        "ready",
		InputTokens:   1200,
		OutputTokens:  340,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := store.GetSession("s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Model != rec.Model || got.ContextWindow != 200_000 || got.Status != "ready" {
		t.Errorf("GetSession() = %+v", got)
	}
	if got.EndedAt != nil {
		t.Errorf("EndedAt = %v, want nil", got.EndedAt)
	}
	if got.PiSessionID != "pi-s-1" || got.LastMessageID != "msg-7" {
		t.Errorf("backend identifiers not persisted: %+v", got)
	}
	if len(got.SessionFiles) != 2 || got.SessionFiles[1] != "/data/sessions/s-1b.jsonl" {
		t.Errorf("SessionFiles = %v, want both files in order", got.SessionFiles)
	}

	ended := now.Add(time.Hour)
	rec.Status = "ended"
	rec.EndedAt = &ended
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession() update error = %v", err)
	}
	got, err = store.GetSession("s-1")
	if err != nil {
		t.Fatalf("GetSession() after update error = %v", err)
	}
	if got.Status != "ended" || got.EndedAt == nil {
		t.Errorf("ended update did not apply: %+v", got)
	}
}

func TestStore_GetSession_NotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetSession("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_ListSessionsByWorkspace(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, rec := range []*SessionRecord{
		{ID: "s-1", WorkspaceID: "ws-a", Status: "ended"},
		{ID: "s-2", WorkspaceID: "ws-a", Status: "ready"},
		{ID: "s-3", WorkspaceID: "ws-b", Status: "ready"},
	} {
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		rec.UpdatedAt = rec.CreatedAt
		if err := store.SaveSession(rec); err != nil {
			t.Fatalf("SaveSession(%s) error = %v", rec.ID, err)
		}
	}

	got, err := store.ListSessions("ws-a")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListSessions() returned %d records, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "s-2" || got[1].ID != "s-1" {
		t.Errorf("ListSessions() order = [%s %s], want [s-2 s-1]", got[0].ID, got[1].ID)
	}

	all, err := store.ListAllSessions()
	if err != nil {
		t.Fatalf("ListAllSessions() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAllSessions() returned %d records, want 3", len(all))
	}
}

func TestStore_DeleteEndedSessionsBefore(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	old := now.Add(-48 * time.Hour)
	recent := now.Add(-time.Hour)

	for _, rec := range []*SessionRecord{
		{ID: "s-old", WorkspaceID: "ws", Status: "ended", CreatedAt: old, UpdatedAt: old, EndedAt: &old},
		{ID: "s-recent", WorkspaceID: "ws", Status: "ended", CreatedAt: recent, UpdatedAt: recent, EndedAt: &recent},
		{ID: "s-live", WorkspaceID: "ws", Status: "ready", CreatedAt: old, UpdatedAt: old},
	} {
		if err := store.SaveSession(rec); err != nil {
			t.Fatalf("SaveSession(%s) error = %v", rec.ID, err)
		}
	}

	n, err := store.DeleteEndedSessionsBefore(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteEndedSessionsBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d records, want 1", n)
	}

	if _, err := store.GetSession("s-old"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("s-old should be deleted, got %v", err)
	}
	if _, err := store.GetSession("s-recent"); err != nil {
		t.Errorf("s-recent should survive: %v", err)
	}
	// Live sessions are never reaped no matter how old.
	if _, err := store.GetSession("s-live"); err != nil {
		t.Errorf("s-live should survive: %v", err)
	}
}

func TestStore_ModelThinkingPreference(t *testing.T) {
	store := newTestStore(t)

	level, err := store.GetModelThinkingPreference("anthropic/claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("GetModelThinkingPreference() error = %v", err)
	}
	if level != "" {
		t.Errorf("unset preference = %q, want empty", level)
	}

	if err := store.SetModelThinkingPreference("anthropic/claude-sonnet-4-5", "high"); err != nil {
		t.Fatalf("SetModelThinkingPreference() error = %v", err)
	}
	if err := store.SetModelThinkingPreference("anthropic/claude-sonnet-4-5", "low"); err != nil {
		t.Fatalf("SetModelThinkingPreference() update error = %v", err)
	}

	level, err = store.GetModelThinkingPreference("anthropic/claude-sonnet-4-5")
	if err != nil {
		t.Fatalf("GetModelThinkingPreference() error = %v", err)
	}
	if level != "low" {
		t.Errorf("preference = %q, want low", level)
	}
}
