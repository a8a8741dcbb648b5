// Package maintenance runs the server's periodic background jobs:
// model catalog refresh and ended-session cleanup.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outpostlabs/outpost/internal/config"
	"github.com/outpostlabs/outpost/internal/logger"
)

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron checks if a cron expression is valid
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// Store is the persistence surface the maintenance jobs need.
// *storage.Store satisfies it.
type Store interface {
	DeleteEndedSessionsBefore(cutoff time.Time) (int64, error)
}

// Catalog is the model catalog surface the refresh job needs.
// *models.Catalog satisfies it.
type Catalog interface {
	Refresh(ctx context.Context) error
}

// Scheduler owns the cron entries for periodic maintenance.
type Scheduler struct {
	cron    *cron.Cron
	cfg     *config.Config
	store   Store
	catalog Catalog
}

// New builds a scheduler with both maintenance jobs registered.
func New(cfg *config.Config, store Store, catalog Catalog) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(cronParser)),
		cfg:     cfg,
		store:   store,
		catalog: catalog,
	}

	if _, err := s.cron.AddFunc(cfg.CatalogRefreshCron, s.refreshCatalog); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(cfg.SessionCleanupCron, s.cleanupEndedSessions); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("Maintenance scheduler started (catalog: %s, cleanup: %s)",
		s.cfg.CatalogRefreshCron, s.cfg.SessionCleanupCron)
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) refreshCatalog() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.catalog.Refresh(ctx); err != nil {
		logger.Error("Scheduled catalog refresh failed: %v", err)
	}
}

func (s *Scheduler) cleanupEndedSessions() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.EndedSessionRetentionDays)
	n, err := s.store.DeleteEndedSessionsBefore(cutoff)
	if err != nil {
		logger.Error("Session cleanup failed: %v", err)
		return
	}
	if n > 0 {
		logger.Info("Session cleanup removed %d ended sessions older than %s",
			n, cutoff.Format(time.RFC3339))
	}
}
