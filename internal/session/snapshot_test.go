package session

import (
	"testing"

	"github.com/outpostlabs/outpost/internal/models"
	"github.com/outpostlabs/outpost/internal/pi"
)

func snapshotRuntime(windows map[string]int) *Runtime {
	return &Runtime{catalog: &fakeCatalog{windows: windows}}
}

func TestParseStateSnapshot(t *testing.T) {
	resp := map[string]any{
		"sessionFile":   "/data/pi/s1.jsonl",
		"sessionFiles":  []any{"/data/pi/s0.jsonl", "/data/pi/s1.jsonl"},
		"sessionId":     "pi-s1",
		"sessionName":   "demo",
		"model":         map[string]any{"provider": "anthropic", "id": "claude-x"},
		"thinkingLevel": "high",
		"extraField":    42, // unknown fields are ignored
	}
	snap := parseStateSnapshot(resp)
	if snap.SessionFile != "/data/pi/s1.jsonl" || snap.SessionID != "pi-s1" ||
		snap.SessionName != "demo" || snap.ThinkingLevel != "high" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Model == nil || snap.Model.Provider != "anthropic" || snap.Model.ID != "claude-x" {
		t.Errorf("snapshot model = %+v", snap.Model)
	}
	if len(snap.SessionFiles) != 2 {
		t.Errorf("session files = %v", snap.SessionFiles)
	}
}

func TestParseStateSnapshotMalformed(t *testing.T) {
	snap := parseStateSnapshot(map[string]any{"sessionFile": 42})
	if snap == nil {
		t.Fatal("malformed snapshot must yield an empty value, not nil")
	}
	if snap.SessionFile != "" {
		t.Errorf("SessionFile = %q, want empty", snap.SessionFile)
	}
}

func TestApplySnapshotMergesFields(t *testing.T) {
	r := snapshotRuntime(map[string]int{"anthropic/claude-x": 128_000})
	s := &Session{ID: "s1"}

	changed := r.applySnapshot(s, &pi.StateSnapshot{
		SessionFile:   "/data/pi/s1.jsonl",
		SessionFiles:  []string{"/data/pi/s0.jsonl", "/data/pi/s1.jsonl", "/data/pi/s0.jsonl"},
		SessionID:     "pi-s1",
		SessionName:   "demo",
		Model:         &pi.ModelRef{Provider: "anthropic", ID: "claude-x"},
		ThinkingLevel: "high",
	})
	if !changed {
		t.Fatal("applySnapshot() = false, want change")
	}
	if s.PiSessionFile != "/data/pi/s1.jsonl" || s.PiSessionID != "pi-s1" || s.Name != "demo" {
		t.Errorf("session identifiers = %+v", s)
	}
	if len(s.PiSessionFiles) != 2 {
		t.Errorf("session files = %v, want deduplicated pair", s.PiSessionFiles)
	}
	if s.Model != "anthropic/claude-x" || s.ContextWindow != 128_000 || s.ThinkingLevel != "high" {
		t.Errorf("model state = %q/%d/%q", s.Model, s.ContextWindow, s.ThinkingLevel)
	}
}

func TestApplySnapshotNoChange(t *testing.T) {
	r := snapshotRuntime(map[string]int{"anthropic/claude-x": 128_000})
	s := &Session{
		ID:            "s1",
		Model:         "anthropic/claude-x",
		ContextWindow: 128_000,
		PiSessionFile: "/data/pi/s1.jsonl",
	}
	if r.applySnapshot(s, &pi.StateSnapshot{
		SessionFile: "/data/pi/s1.jsonl",
		Model:       &pi.ModelRef{Provider: "anthropic", ID: "claude-x"},
	}) {
		t.Error("identical snapshot must not report change")
	}
}

func TestApplySnapshotModelDowngradeGuard(t *testing.T) {
	// Backends sometimes report a display label instead of an id; a
	// label resolves to the default window and must not clobber a model
	// that resolves properly.
	r := snapshotRuntime(map[string]int{"anthropic/claude-x": 128_000})
	s := &Session{ID: "s1", Model: "anthropic/claude-x", ContextWindow: 128_000}

	changed := r.applySnapshot(s, &pi.StateSnapshot{
		Model: &pi.ModelRef{ID: "Claude X"},
	})
	if changed {
		t.Error("label-only snapshot must not report change")
	}
	if s.Model != "anthropic/claude-x" || s.ContextWindow != 128_000 {
		t.Errorf("model/window = %q/%d, want kept", s.Model, s.ContextWindow)
	}
}

func TestApplySnapshotModelUpgradeAllowed(t *testing.T) {
	// The guard only blocks default-window candidates; a candidate that
	// resolves replaces a model that does not.
	r := snapshotRuntime(map[string]int{"anthropic/claude-y": 96_000})
	s := &Session{ID: "s1", Model: "Some Label", ContextWindow: models.DefaultContextWindow}

	if !r.applySnapshot(s, &pi.StateSnapshot{
		Model: &pi.ModelRef{Provider: "anthropic", ID: "claude-y"},
	}) {
		t.Fatal("resolving candidate must apply")
	}
	if s.Model != "anthropic/claude-y" || s.ContextWindow != 96_000 {
		t.Errorf("model/window = %q/%d", s.Model, s.ContextWindow)
	}
}

func TestApplySnapshotContextWindowRules(t *testing.T) {
	tests := []struct {
		name    string
		windows map[string]int
		current int
		want    int
	}{
		{"unset window takes default", nil, 0, models.DefaultContextWindow},
		{"default upgraded to resolved", map[string]int{"anthropic/claude-x": 128_000}, models.DefaultContextWindow, 128_000},
		{"non-default kept when unresolved", nil, 128_000, 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := snapshotRuntime(tt.windows)
			s := &Session{ID: "s1", Model: "anthropic/claude-x", ContextWindow: tt.current}
			r.applySnapshot(s, &pi.StateSnapshot{})
			if s.ContextWindow != tt.want {
				t.Errorf("ContextWindow = %d, want %d", s.ContextWindow, tt.want)
			}
		})
	}
}

func TestApplySnapshotThinkingLevelMergedNotPersisted(t *testing.T) {
	store := newFakeStore()
	r := &Runtime{catalog: &fakeCatalog{}, store: store}
	s := &Session{ID: "s1", Model: "anthropic/claude-x", ThinkingLevel: "high"}

	if !r.applySnapshot(s, &pi.StateSnapshot{ThinkingLevel: "off"}) {
		t.Fatal("thinking level change must be reported")
	}
	if s.ThinkingLevel != "off" {
		t.Errorf("ThinkingLevel = %q, want off", s.ThinkingLevel)
	}
	// Snapshots carry factory defaults; they never become preferences.
	if pref, _ := store.GetModelThinkingPreference("anthropic/claude-x"); pref != "" {
		t.Errorf("preference = %q, want untouched", pref)
	}
}
