package workspace

import "time"

// Workspace is the persisted description of a project a client can open
// sessions against. HostMount is the absolute host directory bound into
// the sandbox as the working directory.
type Workspace struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	SystemPrompt     string    `json:"system_prompt,omitempty"`
	HostMount        string    `json:"host_mount"`
	Skills           []string  `json:"skills,omitempty"`
	MemoryEnabled    bool      `json:"memory_enabled"`
	MemoryNamespace  string    `json:"memory_namespace,omitempty"`
	GitStatusEnabled *bool     `json:"git_status_enabled,omitempty"`
	LastUsedModel    string    `json:"last_used_model,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// GitStatusOn reports whether git status polling is active for the
// workspace; it defaults to on when unset.
func (w *Workspace) GitStatusOn() bool {
	if w.GitStatusEnabled == nil {
		return true
	}
	return *w.GitStatusEnabled
}
