package session

import (
	"context"
	"fmt"
	"time"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/metrics"
	"github.com/outpostlabs/outpost/internal/pi"
	"github.com/outpostlabs/outpost/internal/workspace"
)

// ErrStopAlreadyPending is returned when a stop is requested while a
// stop episode is already in flight.
type ErrStopAlreadyPending struct {
	SessionID string
	Mode      StopMode
}

func (e *ErrStopAlreadyPending) Error() string {
	return fmt.Sprintf("session %s already has a pending %s stop", e.SessionID, e.Mode)
}

// RequestStop starts a stop episode for the session. Abort asks the
// backend to wind down the current turn and escalates on timeout;
// terminate disposes the backend immediately.
func (r *Runtime) RequestStop(ctx context.Context, sessionID string, mode StopMode, source StopSource, reason string) error {
	as, ok := r.Get(sessionID)
	if !ok {
		return errSessionNotActive(sessionID)
	}

	if err := r.beginPendingStop(as, mode, source, reason); err != nil {
		return err
	}

	switch mode {
	case StopModeAbort:
		if err := as.backend.Send(ctx, &pi.Command{Type: pi.CmdAbort}); err != nil {
			logger.Error("Abort send to session %s failed: %v", sessionID, err)
		}
		r.scheduleAbortStopTimeout(as)
		return nil
	default:
		return r.forceTerminateSessionProcess(ctx, as)
	}
}

// TerminateSession hard-stops a session, promoting any pending abort.
func (r *Runtime) TerminateSession(ctx context.Context, sessionID string, source StopSource, reason string) error {
	as, ok := r.Get(sessionID)
	if !ok {
		return errSessionNotActive(sessionID)
	}

	as.mu.Lock()
	if as.pendingStop != nil {
		r.promotePendingStopLocked(as, StopModeTerminate, source)
		as.mu.Unlock()
	} else {
		as.mu.Unlock()
		if err := r.beginPendingStop(as, StopModeTerminate, source, reason); err != nil {
			return err
		}
	}

	return r.forceTerminateSessionProcess(ctx, as)
}

// beginPendingStop installs the pending-stop record and broadcasts the
// stop_requested / state pair. Rejected while another stop is pending.
func (r *Runtime) beginPendingStop(as *ActiveSession, mode StopMode, source StopSource, reason string) error {
	as.mu.Lock()
	if as.pendingStop != nil {
		pending := as.pendingStop.Mode
		as.mu.Unlock()
		return &ErrStopAlreadyPending{SessionID: as.Session.ID, Mode: pending}
	}
	as.pendingStop = &PendingStop{
		Mode:           mode,
		Source:         source,
		Reason:         reason,
		PreviousStatus: as.Session.Status,
		RequestedAt:    time.Now(),
	}
	as.Session.Status = StatusStopping
	as.mu.Unlock()

	if err := r.persistSessionNow(as); err != nil {
		logger.Error("Persist at stop begin failed: %v", err)
	}
	as.Broadcast(&ServerMessage{
		Type: MsgStopRequested,
		Data: stopData(source, reason),
	})
	as.Broadcast(&ServerMessage{Type: MsgState, Data: r.stateData(as)})
	return nil
}

// promotePendingStopLocked upgrades an existing pending stop (abort →
// terminate). Caller holds as.mu.
func (r *Runtime) promotePendingStopLocked(as *ActiveSession, mode StopMode, source StopSource) {
	as.pendingStop.clearTimeout()
	as.pendingStop.Mode = mode
	as.pendingStop.Source = source
}

// scheduleAbortStopTimeout arms the escalation timer for a pending
// abort: on first expiry re-send abort and abortBash and re-announce;
// on second expiry fail the stop and leave the session alive.
func (r *Runtime) scheduleAbortStopTimeout(as *ActiveSession) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.pendingStop == nil {
		return
	}
	as.pendingStop.timeout = time.AfterFunc(r.cfg.StopAbortTimeout(), func() {
		r.retryPendingAbort(as)
	})
}

// retryPendingAbort is the first escalation step
func (r *Runtime) retryPendingAbort(as *ActiveSession) {
	as.mu.Lock()
	if as.pendingStop == nil || as.pendingStop.Mode != StopModeAbort {
		as.mu.Unlock()
		return
	}
	as.pendingStop.retried = true
	source, reason := as.pendingStop.Source, as.pendingStop.Reason
	as.pendingStop.timeout = time.AfterFunc(r.cfg.StopAbortRetryTimeout(), func() {
		r.failStalledAbort(as)
	})
	as.mu.Unlock()

	logger.Info("Session %s abort unconfirmed after %v, retrying", as.Session.ID, r.cfg.StopAbortTimeout())
	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()
	if err := as.backend.Send(ctx, &pi.Command{Type: pi.CmdAbort}); err != nil {
		logger.Error("Abort retry send failed: %v", err)
	}
	if err := as.backend.Send(ctx, &pi.Command{Type: pi.CmdAbortBash}); err != nil {
		logger.Error("AbortBash send failed: %v", err)
	}
	as.Broadcast(&ServerMessage{
		Type: MsgStopRequested,
		Data: stopData(source, reason),
	})
}

// failStalledAbort is the second escalation step: give up, keep the
// session alive.
func (r *Runtime) failStalledAbort(as *ActiveSession) {
	as.mu.Lock()
	if as.pendingStop == nil || as.pendingStop.Mode != StopModeAbort {
		as.mu.Unlock()
		return
	}
	as.mu.Unlock()

	metrics.RecordStopOutcome(string(StopModeAbort), "timeout")
	r.finishPendingStopWithFailure(as, "Stop timed out - the agent may still be processing")
}

// finishPendingAbortWithSuccess resolves a pending abort when agent_end
// arrives: the backend confirmed the turn is over.
func (r *Runtime) finishPendingAbortWithSuccess(as *ActiveSession) {
	as.mu.Lock()
	if as.pendingStop == nil || as.pendingStop.Mode != StopModeAbort {
		as.mu.Unlock()
		return
	}
	as.pendingStop.clearTimeout()
	source := as.pendingStop.Source
	as.pendingStop = nil
	as.mu.Unlock()

	metrics.RecordStopOutcome(string(StopModeAbort), "confirmed")
	as.Broadcast(&ServerMessage{
		Type: MsgStopConfirmed,
		Data: stopData(source, ""),
	})
}

// forceTerminateSessionProcess disposes the backend and tears the
// session down. A dispose failure restores the session instead.
func (r *Runtime) forceTerminateSessionProcess(ctx context.Context, as *ActiveSession) error {
	as.mu.Lock()
	var source StopSource = StopSourceServer
	if as.pendingStop != nil {
		as.pendingStop.clearTimeout()
		source = as.pendingStop.Source
	}
	as.mu.Unlock()

	if err := as.backend.Dispose(ctx); err != nil {
		metrics.RecordStopOutcome(string(StopModeTerminate), "failed")
		r.finishPendingStopWithFailure(as, fmt.Sprintf("Force stop failed: %v", err))
		return fmt.Errorf("force stop failed: %w", err)
	}

	as.mu.Lock()
	as.pendingStop = nil
	as.mu.Unlock()

	metrics.RecordStopOutcome(string(StopModeTerminate), "confirmed")
	as.Broadcast(&ServerMessage{
		Type: MsgStopConfirmed,
		Data: stopData(source, ""),
	})

	// The event pump observes backend exit and runs onSessionEnd;
	// when the backend is already gone, Done() fires immediately.
	return nil
}

// finishPendingStopWithFailure restores the session after a failed stop
func (r *Runtime) finishPendingStopWithFailure(as *ActiveSession, reason string) {
	as.mu.Lock()
	var source StopSource = StopSourceServer
	if as.pendingStop != nil {
		as.pendingStop.clearTimeout()
		source = as.pendingStop.Source
		if as.Session.Status == StatusStopping {
			restored := as.pendingStop.PreviousStatus
			if restored == StatusStopping {
				restored = StatusBusy
			}
			as.Session.Status = restored
		}
		as.pendingStop = nil
	}
	as.mu.Unlock()

	if err := r.persistSessionNow(as); err != nil {
		logger.Error("Persist at stop failure failed: %v", err)
	}
	as.Broadcast(&ServerMessage{Type: MsgState, Data: r.stateData(as)})
	as.Broadcast(&ServerMessage{
		Type: MsgStopFailed,
		Data: stopData(source, reason),
	})
}

// onSessionEnd tears down runtime state after the backend has exited
func (r *Runtime) onSessionEnd(as *ActiveSession) {
	sessionID := as.Session.ID

	as.stopIdleTimer()
	as.mu.Lock()
	if as.pendingStop != nil {
		as.pendingStop.clearTimeout()
		as.pendingStop = nil
	}
	as.Session.Status = StatusEnded
	as.Session.LastActivity = time.Now()
	workspaceID := as.Session.WorkspaceID
	as.mu.Unlock()

	if err := r.persistSessionNow(as); err != nil {
		logger.Error("Persist at session end failed: %v", err)
	}
	as.Broadcast(&ServerMessage{Type: MsgState, Data: r.stateData(as)})

	r.mu.Lock()
	delete(r.active, sessionID)
	r.mu.Unlock()

	r.sched.ReleaseSession(workspace.Identity{WorkspaceID: workspaceID, SessionID: sessionID})
	r.limiter.Forget(sessionID)

	metrics.RecordSessionEnd(workspaceID, string(StatusEnded), time.Since(as.startedAt).Seconds())
	logger.Info("Session %s ended (workspace: %s)", sessionID, workspaceID)
}

func stopData(source StopSource, reason string) map[string]any {
	data := map[string]any{"source": string(source)}
	if reason != "" {
		data["reason"] = reason
	}
	return data
}
