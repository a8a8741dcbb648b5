package session

import (
	"encoding/json"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/models"
	"github.com/outpostlabs/outpost/internal/pi"
)

// parseStateSnapshot decodes a backend response into a StateSnapshot.
// Unknown fields are ignored; a malformed response yields an empty
// snapshot rather than an error.
func parseStateSnapshot(resp map[string]any) *pi.StateSnapshot {
	var snap pi.StateSnapshot
	raw, err := json.Marshal(resp)
	if err != nil {
		return &snap
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		logger.Debug("State snapshot decode failed: %v", err)
	}
	return &snap
}

// applySnapshot merges a backend state snapshot into the session and
// reports whether anything changed. Caller holds the session lock.
//
// The model field is guarded against downgrades: backends sometimes
// report display labels instead of identifiers, and a label resolves to
// the default context window. When the current model resolves to a
// non-default window and the candidate resolves to the default, the
// candidate is treated as a label and the current model is kept.
//
// Thinking level is merged into the session but never persisted as a
// model preference here; snapshots carry factory defaults that would
// clobber the user's remembered choice.
func (r *Runtime) applySnapshot(s *Session, snap *pi.StateSnapshot) bool {
	changed := false

	if snap.SessionFile != "" && snap.SessionFile != s.PiSessionFile {
		s.PiSessionFile = snap.SessionFile
		changed = true
	}
	for _, f := range snap.SessionFiles {
		if s.addSessionFile(f) {
			changed = true
		}
	}
	if snap.SessionID != "" && snap.SessionID != s.PiSessionID {
		s.PiSessionID = snap.SessionID
		changed = true
	}
	if snap.SessionName != "" && snap.SessionName != s.Name {
		s.Name = snap.SessionName
		changed = true
	}

	if snap.Model != nil {
		candidate := models.ComposeModelID(snap.Model.Provider, snap.Model.ID)
		if candidate != "" && candidate != s.Model {
			if s.Model != "" &&
				r.catalog.ContextWindow(candidate) == models.DefaultContextWindow &&
				r.catalog.ContextWindow(s.Model) != models.DefaultContextWindow {
				logger.Debug("Snapshot model %q looks like a display label, keeping %q", candidate, s.Model)
			} else {
				s.Model = candidate
				changed = true
			}
		}
	}

	if s.Model != "" {
		resolved := r.catalog.ContextWindow(s.Model)
		if resolved != s.ContextWindow &&
			(resolved != models.DefaultContextWindow ||
				s.ContextWindow <= 0 || s.ContextWindow == models.DefaultContextWindow) {
			s.ContextWindow = resolved
			changed = true
		}
	}

	if snap.ThinkingLevel != "" && snap.ThinkingLevel != s.ThinkingLevel {
		s.ThinkingLevel = snap.ThinkingLevel
		changed = true
	}

	return changed
}
