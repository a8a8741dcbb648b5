// Package models resolves model identifiers to context-window sizes and
// maintains the canonical provider/id form used across the server.
package models

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/pi"
)

// DefaultContextWindow is assumed when a model's window is unknown
const DefaultContextWindow = 200_000

// Entry is one catalog record
type Entry struct {
	ID            string `json:"id"` // canonical provider/id
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"contextWindow"`
}

// Catalog caches the backend's model list and resolves identifiers with
// tolerant matching.
type Catalog struct {
	registry pi.ModelRegistry

	mu        sync.RWMutex
	entries   []Entry
	updatedAt time.Time
}

// NewCatalog creates an empty catalog backed by the given registry
func NewCatalog(registry pi.ModelRegistry) *Catalog {
	return &Catalog{registry: registry}
}

// Refresh pulls the current model list from the backend registry.
// Models with credentials are preferred; if none have credentials the
// full registered list is used. Entries are deduplicated by canonical id
// and missing context windows default to DefaultContextWindow.
func (c *Catalog) Refresh(ctx context.Context) error {
	infos, err := c.registry.Models(ctx)
	if err != nil {
		return err
	}

	var usable []pi.ModelInfo
	for _, m := range infos {
		if m.HasCredentials {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		usable = infos
	}

	seen := make(map[string]struct{}, len(usable))
	entries := make([]Entry, 0, len(usable))
	for _, m := range usable {
		id := ComposeModelID(m.Provider, m.ID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		window := m.ContextWindow
		if window <= 0 {
			window = DefaultContextWindow
		}
		entries = append(entries, Entry{
			ID:            id,
			Name:          m.Name,
			Provider:      m.Provider,
			ContextWindow: window,
		})
	}

	c.mu.Lock()
	c.entries = entries
	c.updatedAt = time.Now()
	c.mu.Unlock()

	logger.Info("Model catalog refreshed: %d models", len(entries))
	return nil
}

// All returns a snapshot of the catalog entries
func (c *Catalog) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// UpdatedAt returns the time of the last successful refresh
func (c *Catalog) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// suffixKTokensRe matches a trailing context-window marker like "-128k"
// or "(200k)" in a model identifier
var suffixKTokensRe = regexp.MustCompile(`(\d{2,4})k\)?$`)

// ContextWindow resolves a model identifier to its context-window size.
// Matching is tolerant: the identifier and its tail after the last slash
// are tried raw and normalized (lowercase, alphanumerics only) against
// each entry's id, name, and id tail. When nothing matches, a trailing
// <digits>k marker is honored; the final fallback is DefaultContextWindow.
func (c *Catalog) ContextWindow(modelID string) int {
	if modelID == "" {
		return DefaultContextWindow
	}

	candidates := []string{modelID}
	if i := strings.LastIndexByte(modelID, '/'); i >= 0 && i+1 < len(modelID) {
		candidates = append(candidates, modelID[i+1:])
	}
	normalized := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		normalized = append(normalized, normalizeModelID(cand))
	}

	c.mu.RLock()
	entries := c.entries
	c.mu.RUnlock()

	for _, e := range entries {
		tail := e.ID
		if i := strings.LastIndexByte(e.ID, '/'); i >= 0 && i+1 < len(e.ID) {
			tail = e.ID[i+1:]
		}
		for _, cand := range candidates {
			if e.ID == cand || e.Name == cand || strings.HasSuffix(e.ID, "/"+cand) {
				return e.ContextWindow
			}
		}
		normID := normalizeModelID(e.ID)
		normName := normalizeModelID(e.Name)
		normTail := normalizeModelID(tail)
		for _, cand := range normalized {
			if cand == "" {
				continue
			}
			if normID == cand || normName == cand || normTail == cand {
				return e.ContextWindow
			}
		}
	}

	if m := suffixKTokensRe.FindStringSubmatch(modelID); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n * 1_000
		}
	}
	return DefaultContextWindow
}

// HealContextWindow returns the corrected context window for a model given
// the currently recorded value, and whether it changed. A missing or
// nonpositive value is set from resolution; a value equal to the default is
// re-resolved (repair of earlier fallbacks). A non-default recorded value
// is always kept.
func (c *Catalog) HealContextWindow(modelID string, current int) (int, bool) {
	if current > 0 && current != DefaultContextWindow {
		return current, false
	}
	resolved := c.ContextWindow(modelID)
	if current <= 0 {
		return resolved, resolved != current
	}
	// current == DefaultContextWindow
	if resolved != current {
		return resolved, true
	}
	return current, false
}

// normalizeModelID lowercases and strips everything but alphanumerics
func normalizeModelID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ComposeModelID returns the canonical provider/id form. If id already
// carries the provider prefix it is returned unchanged, so composition is
// idempotent even for nested providers like openrouter/z.ai/glm-5.
func ComposeModelID(provider, id string) string {
	if provider == "" {
		return id
	}
	if id == provider || strings.HasPrefix(id, provider+"/") {
		return id
	}
	return provider + "/" + id
}
