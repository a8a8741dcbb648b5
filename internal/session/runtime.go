package session

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/outpostlabs/outpost/internal/auth"
	"github.com/outpostlabs/outpost/internal/config"
	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/metrics"
	"github.com/outpostlabs/outpost/internal/pi"
	"github.com/outpostlabs/outpost/internal/policy"
	"github.com/outpostlabs/outpost/internal/storage"
	"github.com/outpostlabs/outpost/internal/workspace"
)

// persistFlushInterval is how often the coalescing persister writes
// dirty sessions through to storage.
const persistFlushInterval = time.Second

// gitStatusDebounce is the quiet window before a git_status broadcast
// after workspace-mutating tool calls.
const gitStatusDebounce = 2 * time.Second

// Store is the persistence surface the runtime needs.
// *storage.Store satisfies it.
type Store interface {
	GetSession(id string) (*storage.SessionRecord, error)
	SaveSession(rec *storage.SessionRecord) error
	GetWorkspace(id string) (*workspace.Workspace, error)
	SaveWorkspace(ws *workspace.Workspace) error
	GetModelThinkingPreference(modelID string) (string, error)
	SetModelThinkingPreference(modelID, level string) error
}

// ModelResolver resolves model ids to context windows.
// *models.Catalog satisfies it.
type ModelResolver interface {
	ContextWindow(modelID string) int
	HealContextWindow(modelID string, current int) (int, bool)
}

// GitStatusFunc reports working-tree status for a directory
type GitStatusFunc func(ctx context.Context, dir string) (string, error)

// SkillResolver maps workspace skill names to on-disk paths
type SkillResolver func(names []string) []string

// Options configures a session Runtime
type Options struct {
	Config  *config.Config
	Store   Store
	Catalog ModelResolver
	Factory pi.Factory

	// Gate is the policy engine handed to backends; nil disables it
	// regardless of config.
	Gate policy.Gate

	// GitStatus overrides the default git CLI status runner (tests)
	GitStatus GitStatusFunc

	// Skills resolves workspace skill names; nil means no skills
	Skills SkillResolver
}

// Runtime owns every active session: admission, lifecycle, event
// processing, command forwarding, and stop coordination.
type Runtime struct {
	cfg       *config.Config
	store     Store
	catalog   ModelResolver
	factory   pi.Factory
	gate      policy.Gate
	gitStatus GitStatusFunc
	skills    SkillResolver

	sched   *workspace.Runtime
	limiter *auth.RateLimiter

	mu     sync.RWMutex
	active map[string]*ActiveSession

	gitMu     sync.Mutex
	gitTimers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRuntime builds a Runtime and starts its background persister.
func NewRuntime(opts Options) *Runtime {
	cfg := opts.Config
	gitStatus := opts.GitStatus
	if gitStatus == nil {
		gitStatus = runGitStatus
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:       cfg,
		store:     opts.Store,
		catalog:   opts.Catalog,
		factory:   opts.Factory,
		gate:      opts.Gate,
		gitStatus: gitStatus,
		skills:    opts.Skills,
		sched:     workspace.NewRuntime(cfg.MaxSessionsPerWorkspace, cfg.MaxSessionsGlobal, cfg.WorkspaceIdleTimeout()),
		limiter:   auth.NewRateLimiter(cfg.CommandRatePerSecond, cfg.CommandRateBurst),
		active:    make(map[string]*ActiveSession),
		gitTimers: make(map[string]*time.Timer),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Scheduler exposes the workspace runtime for admission queries
func (r *Runtime) Scheduler() *workspace.Runtime {
	return r.sched
}

// Get returns the active session for id
func (r *Runtime) Get(sessionID string) (*ActiveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	as, ok := r.active[sessionID]
	return as, ok
}

// ActiveCount returns the number of active sessions
func (r *Runtime) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// activeForWorkspace snapshots the active sessions of one workspace
func (r *Runtime) activeForWorkspace(workspaceID string) []*ActiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ActiveSession
	for _, as := range r.active {
		if as.Session.WorkspaceID == workspaceID {
			out = append(out, as)
		}
	}
	return out
}

// Shutdown terminates every active session and stops background work.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*ActiveSession, 0, len(r.active))
	for _, as := range r.active {
		sessions = append(sessions, as)
	}
	r.mu.Unlock()

	for _, as := range sessions {
		if err := r.TerminateSession(ctx, as.Session.ID, StopSourceServer, "server shutdown"); err != nil {
			logger.Error("Shutdown: failed to terminate session %s: %v", as.Session.ID, err)
		}
	}

	r.gitMu.Lock()
	for id, t := range r.gitTimers {
		t.Stop()
		delete(r.gitTimers, id)
	}
	r.gitMu.Unlock()

	r.cancel()
	r.wg.Wait()
}

// markSessionDirty flags the session for the next coalesced flush
func (r *Runtime) markSessionDirty(as *ActiveSession) {
	as.mu.Lock()
	as.dirty = true
	as.mu.Unlock()
}

// persistSessionNow writes the session through to storage immediately
func (r *Runtime) persistSessionNow(as *ActiveSession) error {
	return r.persistSession(as, "immediate")
}

func (r *Runtime) persistSession(as *ActiveSession, trigger string) error {
	as.mu.Lock()
	rec := recordFromSession(as.Session)
	as.dirty = false
	as.mu.Unlock()

	if err := r.store.SaveSession(rec); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", rec.ID, err)
	}
	metrics.PersistFlushes.WithLabelValues(trigger).Inc()
	return nil
}

// flushLoop periodically persists sessions marked dirty. A failed write
// leaves the dirty flag set so the next tick retries.
func (r *Runtime) flushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(persistFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			sessions := make([]*ActiveSession, 0, len(r.active))
			for _, as := range r.active {
				sessions = append(sessions, as)
			}
			r.mu.RUnlock()

			for _, as := range sessions {
				as.mu.Lock()
				dirty := as.dirty
				as.mu.Unlock()
				if !dirty {
					continue
				}
				if err := r.persistSession(as, "coalesced"); err != nil {
					logger.Error("Coalesced persist failed: %v", err)
					r.markSessionDirty(as)
				}
			}
		}
	}
}

// resetIdleTimer reschedules idle eviction from now
func (r *Runtime) resetIdleTimer(as *ActiveSession) {
	sessionID := as.Session.ID
	as.mu.Lock()
	if as.idleTimer != nil {
		as.idleTimer.Stop()
	}
	as.idleTimer = time.AfterFunc(r.cfg.SessionIdleTimeout(), func() {
		logger.Info("Session %s idle for %v, terminating", sessionID, r.cfg.SessionIdleTimeout())
		if err := r.TerminateSession(context.Background(), sessionID, StopSourceTimeout, "session idle timeout"); err != nil {
			logger.Error("Idle termination of session %s failed: %v", sessionID, err)
		}
	})
	as.mu.Unlock()
}

// bootstrapSessionState queries the backend's authoritative snapshot
// after start and reconciles it into the session, then applies any
// remembered thinking level for the session's model.
func (r *Runtime) bootstrapSessionState(as *ActiveSession) {
	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	resp, err := as.backend.Call(ctx, &pi.Command{Type: pi.CmdGetStateSnapshot})
	if err != nil {
		logger.Error("Bootstrap snapshot for session %s failed: %v", as.Session.ID, err)
		return
	}

	snap := parseStateSnapshot(resp)
	as.mu.Lock()
	changed := r.applySnapshot(as.Session, snap)
	modelID := as.Session.Model
	currentLevel := as.Session.ThinkingLevel
	as.mu.Unlock()

	if changed {
		if err := r.persistSessionNow(as); err != nil {
			logger.Error("Bootstrap persist for session %s failed: %v", as.Session.ID, err)
		}
		as.Broadcast(&ServerMessage{Type: MsgState, Data: r.stateData(as)})
	}

	if modelID == "" {
		return
	}
	pref, err := r.store.GetModelThinkingPreference(modelID)
	if err != nil {
		logger.Error("Thinking preference lookup for %s failed: %v", modelID, err)
		return
	}
	if pref == "" || pref == currentLevel {
		return
	}
	if _, err := as.backend.Call(ctx, &pi.Command{
		Type:   pi.CmdSetThinkingLevel,
		Params: map[string]any{"level": pref},
	}); err != nil {
		logger.Error("Applying remembered thinking level for session %s failed: %v", as.Session.ID, err)
		return
	}
	as.mu.Lock()
	as.Session.ThinkingLevel = pref
	as.mu.Unlock()
	r.markSessionDirty(as)
	as.Broadcast(&ServerMessage{Type: MsgState, Data: r.stateData(as)})
}

// stateData snapshots the session's state payload under its lock
func (r *Runtime) stateData(as *ActiveSession) map[string]any {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.Session.stateData()
}

// recordFromSession maps a Session to its persisted record
func recordFromSession(s *Session) *storage.SessionRecord {
	rec := &storage.SessionRecord{
		ID:            s.ID,
		WorkspaceID:   s.WorkspaceID,
		Name:          s.Name,
		Model:         s.Model,
		ThinkingLevel: s.ThinkingLevel,
		ContextWindow: s.ContextWindow,
		PiSessionID:   s.PiSessionID,
		SessionFile:   s.PiSessionFile,
		SessionFiles:  append([]string(nil), s.PiSessionFiles...),
		LastMessageID: s.LastMessageID,
		Status:        string(s.Status),
		InputTokens:   s.InputTokens,
		OutputTokens:  s.OutputTokens,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     time.Now(),
	}
	if s.Status == StatusEnded {
		ended := s.LastActivity
		rec.EndedAt = &ended
	}
	return rec
}

// sessionFromRecord rebuilds the in-memory session from its record
func sessionFromRecord(rec *storage.SessionRecord) *Session {
	return &Session{
		ID:             rec.ID,
		WorkspaceID:    rec.WorkspaceID,
		Name:           rec.Name,
		Status:         Status(rec.Status),
		Model:          rec.Model,
		ThinkingLevel:  rec.ThinkingLevel,
		ContextWindow:  rec.ContextWindow,
		PiSessionID:    rec.PiSessionID,
		PiSessionFile:  rec.SessionFile,
		PiSessionFiles: append([]string(nil), rec.SessionFiles...),
		LastMessageID:  rec.LastMessageID,
		InputTokens:    rec.InputTokens,
		OutputTokens:   rec.OutputTokens,
		CreatedAt:      rec.CreatedAt,
		LastActivity:   rec.UpdatedAt,
	}
}

// runGitStatus shells out to git for a porcelain status summary
func runGitStatus(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}
