package session

import (
	"context"
	"fmt"
	"time"

	"github.com/outpostlabs/outpost/internal/hostenv"
	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/metrics"
	"github.com/outpostlabs/outpost/internal/pi"
	"github.com/outpostlabs/outpost/internal/policy"
	"github.com/outpostlabs/outpost/internal/storage"
	"github.com/outpostlabs/outpost/internal/workspace"
)

// StartSession brings a persisted session up: admission under the
// workspace lock, backend creation, registration, and background state
// bootstrap. ws may be nil; the session's own workspace reference (or a
// synthetic one) is used instead.
func (r *Runtime) StartSession(ctx context.Context, sessionID string, ws *workspace.Workspace) (*ActiveSession, error) {
	rec, err := r.store.GetSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	workspaceID := rec.WorkspaceID
	if ws != nil {
		workspaceID = ws.ID
	}
	if workspaceID == "" {
		// Sessions without a workspace get a synthetic single-session one.
		workspaceID = "session-" + sessionID
	}

	if ws == nil && rec.WorkspaceID != "" {
		if loaded, err := r.store.GetWorkspace(rec.WorkspaceID); err == nil {
			ws = loaded
		}
	}

	var as *ActiveSession
	err = r.sched.WithWorkspaceLock(ctx, workspaceID, func() error {
		identity := workspace.Identity{WorkspaceID: workspaceID, SessionID: sessionID}
		if err := r.sched.ReserveSessionStart(identity); err != nil {
			return err
		}

		started, err := r.startReserved(ctx, rec, ws, workspaceID)
		if err != nil {
			if r.gate != nil {
				r.gate.DestroySessionGuard(sessionID)
			}
			r.sched.ReleaseSession(identity)
			return err
		}
		as = started
		return nil
	})
	if err != nil {
		return nil, err
	}
	return as, nil
}

// startReserved completes a start after the slot has been claimed.
// Caller holds the workspace lock and handles rollback on error.
func (r *Runtime) startReserved(ctx context.Context, rec *storage.SessionRecord, ws *workspace.Workspace, workspaceID string) (*ActiveSession, error) {
	sess := sessionFromRecord(rec)
	sess.WorkspaceID = workspaceID

	var (
		systemPrompt string
		workingDir   string
		skills       []string
	)
	if ws != nil {
		systemPrompt = ws.SystemPrompt
		workingDir = ws.HostMount
		if len(ws.Skills) > 0 && r.skills != nil {
			skills = r.skills(ws.Skills)
		}
		if sess.Model == "" {
			sess.Model = ws.LastUsedModel
		}
	}

	var gate policy.Gate
	if r.cfg.PermissionGateEnabled() {
		gate = r.gate
	}

	backend, err := r.factory.Create(ctx, pi.CreateOptions{
		SessionID:     sess.ID,
		WorkspaceID:   workspaceID,
		WorkingDir:    workingDir,
		Model:         sess.Model,
		ThinkingLevel: sess.ThinkingLevel,
		SystemPrompt:  systemPrompt,
		SessionFile:   sess.PiSessionFile,
		Skills:        skills,
		Env:           hostenv.BuildHostEnv(r.cfg.RuntimePathEntries, r.cfg.RuntimeEnv),
		Gate:          gate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend for session %s: %w", sess.ID, err)
	}

	sess.Status = StatusReady
	sess.LastActivity = time.Now()

	as := newActiveSession(sess, ws, backend, gate, r.cfg.EventRingCapacity)

	r.mu.Lock()
	r.active[sess.ID] = as
	r.mu.Unlock()

	r.sched.MarkSessionReady(workspace.Identity{WorkspaceID: workspaceID, SessionID: sess.ID})
	if err := r.persistSessionNow(as); err != nil {
		logger.Error("Persist at session start failed: %v", err)
	}
	r.resetIdleTimer(as)

	go r.eventPump(as)
	go r.bootstrapSessionState(as)

	metrics.RecordSessionStart(workspaceID)
	logger.Info("Session %s started (workspace: %s, model: %s)", sess.ID, workspaceID, sess.Model)
	return as, nil
}
