package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/metrics"
)

// Admission rejection codes returned by ReserveSessionStart.
const (
	CodeSessionAlreadyReserved = "SESSION_ALREADY_RESERVED"
	CodeSessionLimitWorkspace  = "SESSION_LIMIT_WORKSPACE"
	CodeSessionLimitGlobal     = "SESSION_LIMIT_GLOBAL"
)

// AdmissionError reports why a session start was refused a slot.
type AdmissionError struct {
	Code    string
	Message string
}

func (e *AdmissionError) Error() string { return e.Message }

// AdmissionCode extracts the rejection code from err, or "" when err is
// not an admission failure.
func AdmissionCode(err error) string {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Identity names a session within its workspace.
type Identity struct {
	WorkspaceID string
	SessionID   string
}

// Runtime serializes work per session and per workspace and admits
// session starts against per-workspace and global slot caps. Slots are
// counted from the moment a start is reserved so concurrent starts
// cannot oversubscribe a workspace. A workspace that stays empty for
// the idle timeout has its lock state evicted.
type Runtime struct {
	maxPerWorkspace int
	maxGlobal       int
	idleTimeout     time.Duration

	sessionLocks   sync.Map // sessionID -> *Mutex
	workspaceLocks sync.Map // workspaceID -> *Mutex

	mu         sync.Mutex
	slots      map[string]map[string]struct{} // workspaceID -> reserved session IDs
	global     int
	idleTimers map[string]*time.Timer // workspaceID -> pending eviction
}

// NewRuntime builds a Runtime with the given slot caps. A cap of zero or
// less disables that limit; an idle timeout of zero or less disables
// workspace eviction.
func NewRuntime(maxPerWorkspace, maxGlobal int, idleTimeout time.Duration) *Runtime {
	return &Runtime{
		maxPerWorkspace: maxPerWorkspace,
		maxGlobal:       maxGlobal,
		idleTimeout:     idleTimeout,
		slots:           make(map[string]map[string]struct{}),
		idleTimers:      make(map[string]*time.Timer),
	}
}

func (r *Runtime) lockFor(m *sync.Map, key string) *Mutex {
	if v, ok := m.Load(key); ok {
		return v.(*Mutex)
	}
	v, _ := m.LoadOrStore(key, &Mutex{})
	return v.(*Mutex)
}

// WithSessionLock runs fn inside the session's FIFO lock.
func (r *Runtime) WithSessionLock(ctx context.Context, sessionID string, fn func() error) error {
	return r.lockFor(&r.sessionLocks, sessionID).WithLock(ctx, fn)
}

// WithWorkspaceLock runs fn inside the workspace's FIFO lock.
func (r *Runtime) WithWorkspaceLock(ctx context.Context, workspaceID string, fn func() error) error {
	return r.lockFor(&r.workspaceLocks, workspaceID).WithLock(ctx, fn)
}

// ReserveSessionStart claims a slot for the session. It fails with an
// AdmissionError when the session already holds a slot or when either
// cap is full; a failed reservation leaves all counts unchanged.
func (r *Runtime) ReserveSessionStart(id Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[id.WorkspaceID][id.SessionID]; ok {
		metrics.SessionAdmissionRejections.WithLabelValues(CodeSessionAlreadyReserved).Inc()
		return &AdmissionError{
			Code:    CodeSessionAlreadyReserved,
			Message: fmt.Sprintf("session %s already holds a slot", id.SessionID),
		}
	}
	if r.maxPerWorkspace > 0 && len(r.slots[id.WorkspaceID]) >= r.maxPerWorkspace {
		metrics.SessionAdmissionRejections.WithLabelValues(CodeSessionLimitWorkspace).Inc()
		return &AdmissionError{
			Code:    CodeSessionLimitWorkspace,
			Message: fmt.Sprintf("workspace %s is at its limit of %d concurrent sessions", id.WorkspaceID, r.maxPerWorkspace),
		}
	}
	if r.maxGlobal > 0 && r.global >= r.maxGlobal {
		metrics.SessionAdmissionRejections.WithLabelValues(CodeSessionLimitGlobal).Inc()
		return &AdmissionError{
			Code:    CodeSessionLimitGlobal,
			Message: fmt.Sprintf("server is at its limit of %d concurrent sessions", r.maxGlobal),
		}
	}

	set := r.slots[id.WorkspaceID]
	if set == nil {
		set = make(map[string]struct{})
		r.slots[id.WorkspaceID] = set
	}
	set[id.SessionID] = struct{}{}
	r.global++
	if t, ok := r.idleTimers[id.WorkspaceID]; ok {
		t.Stop()
		delete(r.idleTimers, id.WorkspaceID)
	}
	logger.Debug("Reserved session slot: workspace=%s session=%s global=%d", id.WorkspaceID, id.SessionID, r.global)
	return nil
}

// MarkSessionReady is a hook for instrumentation once a reserved
// session has finished starting. It does not affect slot accounting.
func (r *Runtime) MarkSessionReady(id Identity) {
	logger.Debug("Session ready: workspace=%s session=%s", id.WorkspaceID, id.SessionID)
}

// ReleaseSession frees the session's slot. Releasing a session that
// holds no slot is a no-op.
func (r *Runtime) ReleaseSession(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.slots[id.WorkspaceID]
	if !ok {
		return
	}
	if _, held := set[id.SessionID]; !held {
		return
	}
	delete(set, id.SessionID)
	if len(set) == 0 {
		delete(r.slots, id.WorkspaceID)
		r.armIdleEviction(id.WorkspaceID)
	}
	r.global--
	logger.Debug("Released session slot: workspace=%s session=%s global=%d", id.WorkspaceID, id.SessionID, r.global)
}

// armIdleEviction schedules eviction of the workspace's lock state once
// it has stayed empty for the idle timeout. A new reservation cancels
// it. Caller holds r.mu.
func (r *Runtime) armIdleEviction(workspaceID string) {
	if r.idleTimeout <= 0 {
		return
	}
	if t, ok := r.idleTimers[workspaceID]; ok {
		t.Reset(r.idleTimeout)
		return
	}
	r.idleTimers[workspaceID] = time.AfterFunc(r.idleTimeout, func() {
		r.evictIdleWorkspace(workspaceID)
	})
}

func (r *Runtime) evictIdleWorkspace(workspaceID string) {
	r.mu.Lock()
	delete(r.idleTimers, workspaceID)
	if len(r.slots[workspaceID]) > 0 {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.workspaceLocks.Delete(workspaceID)
	logger.Debug("Evicted idle workspace %s", workspaceID)
}

// WorkspaceSessionCount reports the reserved slots for one workspace.
func (r *Runtime) WorkspaceSessionCount(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots[workspaceID])
}

// GlobalSessionCount reports the total reserved slots.
func (r *Runtime) GlobalSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global
}
