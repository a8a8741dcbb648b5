package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	if cfg.MaxSessionsPerWorkspace != 3 {
		t.Errorf("MaxSessionsPerWorkspace = %d, want 3", cfg.MaxSessionsPerWorkspace)
	}
	if cfg.MaxSessionsGlobal != 5 {
		t.Errorf("MaxSessionsGlobal = %d, want 5", cfg.MaxSessionsGlobal)
	}
	if cfg.SessionIdleTimeoutMs != 600_000 {
		t.Errorf("SessionIdleTimeoutMs = %d, want 600000", cfg.SessionIdleTimeoutMs)
	}
	if cfg.WorkspaceIdleTimeoutMs != 1_800_000 {
		t.Errorf("WorkspaceIdleTimeoutMs = %d, want 1800000", cfg.WorkspaceIdleTimeoutMs)
	}
	if !cfg.PermissionGateEnabled() {
		t.Error("permission gate should default to enabled")
	}
}

func TestApplyDefaults_PreservesOverrides(t *testing.T) {
	off := false
	cfg := &Config{
		MaxSessionsPerWorkspace: 2,
		MaxSessionsGlobal:       9,
		PermissionGate:          &off,
	}
	cfg.ApplyDefaults()

	if cfg.MaxSessionsPerWorkspace != 2 {
		t.Errorf("MaxSessionsPerWorkspace = %d, want 2", cfg.MaxSessionsPerWorkspace)
	}
	if cfg.MaxSessionsGlobal != 9 {
		t.Errorf("MaxSessionsGlobal = %d, want 9", cfg.MaxSessionsGlobal)
	}
	if cfg.PermissionGateEnabled() {
		t.Error("permission gate override should stick")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != dir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
	}
	if cfg.MaxSessionsGlobal != 5 {
		t.Errorf("defaults not applied: MaxSessionsGlobal = %d", cfg.MaxSessionsGlobal)
	}
}

func TestLoad_JSONCWithComments(t *testing.T) {
	dir := t.TempDir()
	content := `{
		// session limits
		"max_sessions_per_workspace": 2,
		/* global cap */
		"max_sessions_global": 4,
		"runtime_path_entries": ["/usr/local/bin", "~/bin"]
	}`
	if err := os.WriteFile(filepath.Join(dir, "outpost.jsonc"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxSessionsPerWorkspace != 2 {
		t.Errorf("MaxSessionsPerWorkspace = %d, want 2", cfg.MaxSessionsPerWorkspace)
	}
	if cfg.MaxSessionsGlobal != 4 {
		t.Errorf("MaxSessionsGlobal = %d, want 4", cfg.MaxSessionsGlobal)
	}
	if len(cfg.RuntimePathEntries) != 2 {
		t.Errorf("RuntimePathEntries = %v", cfg.RuntimePathEntries)
	}
}

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"line comment", "{\"a\": 1} // note\n", "{\"a\": 1} \n"},
		{"block comment", "{/* x */\"a\": 1}", "{\"a\": 1}"},
		{"slashes in string", `{"url": "http://x"}`, `{"url": "http://x"}`},
		{"no comments", `{"a": 1}`, `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("StripJSONComments(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
