package maintenance

import (
	"fmt"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/storage"
)

// SessionStore is the surface the heal pass needs from storage.
type SessionStore interface {
	ListAllSessions() ([]*storage.SessionRecord, error)
	SaveSession(rec *storage.SessionRecord) error
}

// WindowHealer resolves a better context window for a model when the
// persisted one is missing or a stale default. *models.Catalog
// satisfies it.
type WindowHealer interface {
	HealContextWindow(modelID string, current int) (int, bool)
}

// HealPersistedContextWindows runs once at startup, after the first
// catalog refresh: sessions persisted before the catalog knew their
// model may carry a default context window that now resolves properly.
func HealPersistedContextWindows(store SessionStore, healer WindowHealer) (int, error) {
	sessions, err := store.ListAllSessions()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for healing: %w", err)
	}

	healed := 0
	for _, rec := range sessions {
		if rec.Model == "" {
			continue
		}
		window, changed := healer.HealContextWindow(rec.Model, rec.ContextWindow)
		if !changed {
			continue
		}
		rec.ContextWindow = window
		if err := store.SaveSession(rec); err != nil {
			logger.Error("Failed to heal context window for session %s: %v", rec.ID, err)
			continue
		}
		healed++
	}
	if healed > 0 {
		logger.Info("Healed context windows on %d persisted sessions", healed)
	}
	return healed, nil
}
