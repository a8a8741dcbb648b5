package session

import (
	"context"
	"time"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/pi"
)

// uiNotificationMethods are extension UI methods delivered as
// fire-and-forget notifications; everything else is a dialog that waits
// for a client response.
var uiNotificationMethods = map[string]struct{}{
	"notify":          {},
	"setStatus":       {},
	"setWidget":       {},
	"setTitle":        {},
	"set_editor_text": {},
}

// statusBroadcastEvents trigger a state broadcast after processing
var statusBroadcastEvents = map[pi.EventType]struct{}{
	pi.EventAgentStart:         {},
	pi.EventAgentEnd:           {},
	pi.EventMessageEnd:         {},
	pi.EventToolExecutionStart: {},
}

// workspaceMutatingTools schedule a debounced git status refresh
var workspaceMutatingTools = map[string]struct{}{
	"edit":  {},
	"write": {},
	"bash":  {},
}

// eventPump drains the backend event stream for one session. Events
// arrive serialized; the pump exits when the stream closes or the
// backend reports done, then runs end-of-session teardown. Events still
// buffered when the backend signals done are processed first, so a
// trailing agent_end is never dropped.
func (r *Runtime) eventPump(as *ActiveSession) {
	defer close(as.done)

	for {
		select {
		case <-as.backend.Done():
			r.drainEvents(as)
			r.onSessionEnd(as)
			return
		case ev, ok := <-as.backend.Events():
			if !ok {
				r.onSessionEnd(as)
				return
			}
			r.handlePiEvent(as, ev)
		}
	}
}

// drainEvents consumes whatever is already buffered on the event
// channel without blocking for more.
func (r *Runtime) drainEvents(as *ActiveSession) {
	for {
		select {
		case ev, ok := <-as.backend.Events():
			if !ok {
				return
			}
			r.handlePiEvent(as, ev)
		default:
			return
		}
	}
}

// handlePiEvent applies one backend event: side effects, translation,
// broadcast, persistence, and idle-timer reset.
func (r *Runtime) handlePiEvent(as *ActiveSession, ev *pi.Event) {
	now := time.Now()

	switch ev.Type {
	case pi.EventAgentStart:
		as.mu.Lock()
		if as.Session.Status != StatusStopping {
			as.Session.Status = StatusBusy
		}
		as.mu.Unlock()

	case pi.EventAgentEnd:
		as.mu.Lock()
		if as.pendingStop != nil && as.pendingStop.Mode == StopModeTerminate {
			as.Session.Status = StatusStopping
		} else {
			as.Session.Status = StatusReady
		}
		as.mu.Unlock()

	case pi.EventToolExecutionStart:
		r.applyToolCallStats(as, ev)
		r.maybeScheduleGitStatus(as, ev.ToolName)

	case pi.EventMessageEnd:
		r.applyMessageEnd(as, ev)

	case pi.EventExtensionUIRequest:
		r.handleUIRequest(as, ev)
	}

	// Translate and broadcast, writing accumulators back afterwards.
	tctx := as.translationContext()
	msgs, tctx := TranslatePiEvent(ev, tctx)
	as.applyTranslationContext(tctx)
	for _, msg := range msgs {
		if msg.Type == "turn_start" && !as.shouldBroadcastTurnStart(ev.TurnID, now) {
			continue
		}
		as.Broadcast(msg)
	}

	as.mu.Lock()
	as.Session.LastActivity = now
	as.mu.Unlock()

	if _, ok := statusBroadcastEvents[ev.Type]; ok {
		as.Broadcast(&ServerMessage{Type: MsgState, Data: r.stateData(as)})
	}

	if ev.Type == pi.EventAgentEnd {
		if err := r.persistSessionNow(as); err != nil {
			// The coalescer retries on its next tick.
			logger.Error("Persist at agent_end failed: %v", err)
			r.markSessionDirty(as)
		}
		r.finishPendingAbortWithSuccess(as)
	} else {
		r.markSessionDirty(as)
	}

	r.resetIdleTimer(as)
}

// applyToolCallStats updates session change statistics from a tool call
func (r *Runtime) applyToolCallStats(as *ActiveSession, ev *pi.Event) {
	as.mu.Lock()
	defer as.mu.Unlock()

	switch ev.ToolName {
	case "edit":
		as.Session.Stats.FilesEdited++
	case "write":
		as.Session.Stats.FilesWritten++
	case "bash":
		as.Session.Stats.CommandsRun++
	}
}

// applyMessageEnd folds message_end counters into the session and emits
// the dedicated message_end broadcast for user-visible roles.
func (r *Runtime) applyMessageEnd(as *ActiveSession, ev *pi.Event) {
	as.mu.Lock()
	if ev.MessageID != "" {
		as.Session.LastMessageID = ev.MessageID
	}
	as.Session.InputTokens += int64(ev.InputTokens)
	as.Session.OutputTokens += int64(ev.OutputTokens)
	streamed := as.streamedAssistantText
	as.mu.Unlock()

	if ev.Role != "assistant" && ev.Role != "user" {
		return
	}
	content := ev.Text
	if content == "" && ev.Role == "assistant" {
		content = streamed
	}
	as.Broadcast(&ServerMessage{
		Type: MsgMessageEnd,
		Data: map[string]any{
			"role":    ev.Role,
			"content": content,
		},
	})
}

// handleUIRequest routes an extension UI request: notification methods
// go out fire-and-forget, dialogs are parked until the client responds.
func (r *Runtime) handleUIRequest(as *ActiveSession, ev *pi.Event) {
	data := map[string]any{
		"requestId": ev.RequestID,
		"method":    ev.Method,
		"params":    ev.Params,
	}

	if _, ok := uiNotificationMethods[ev.Method]; ok {
		as.Broadcast(&ServerMessage{Type: MsgUINotification, Data: data})
		return
	}

	as.storeUIRequest(ev.RequestID, data)
	as.Broadcast(&ServerMessage{Type: MsgUIRequest, Data: data})
}

// RespondToUIRequest forwards a client's answer to a parked dialog
// request back to the backend.
func (r *Runtime) RespondToUIRequest(ctx context.Context, sessionID, requestID string, payload map[string]any) error {
	as, ok := r.Get(sessionID)
	if !ok {
		return errSessionNotActive(sessionID)
	}
	if _, ok := as.takeUIRequest(requestID); !ok {
		return errUnknownUIRequest(requestID)
	}
	return as.backend.Send(ctx, &pi.Command{
		Type: pi.CmdUIResponse,
		Params: map[string]any{
			"requestId": requestID,
			"payload":   payload,
		},
	})
}

// maybeScheduleGitStatus debounces a git_status broadcast for the
// session's workspace after mutating tool calls. Failures are silent.
func (r *Runtime) maybeScheduleGitStatus(as *ActiveSession, toolName string) {
	if _, ok := workspaceMutatingTools[toolName]; !ok {
		return
	}
	ws := as.Workspace
	if ws == nil || ws.HostMount == "" || !ws.GitStatusOn() {
		return
	}

	r.gitMu.Lock()
	defer r.gitMu.Unlock()

	if t, ok := r.gitTimers[ws.ID]; ok {
		t.Reset(gitStatusDebounce)
		return
	}
	workspaceID, dir := ws.ID, ws.HostMount
	r.gitTimers[workspaceID] = time.AfterFunc(gitStatusDebounce, func() {
		r.gitMu.Lock()
		delete(r.gitTimers, workspaceID)
		r.gitMu.Unlock()
		r.emitGitStatus(workspaceID, dir)
	})
}

// emitGitStatus runs git status and broadcasts the result to every
// active session of the workspace. Best effort only.
func (r *Runtime) emitGitStatus(workspaceID, dir string) {
	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()

	status, err := r.gitStatus(ctx, dir)
	if err != nil {
		logger.Debug("Git status for workspace %s failed: %v", workspaceID, err)
		return
	}

	msg := map[string]any{
		"workspaceId": workspaceID,
		"status":      status,
	}
	for _, as := range r.activeForWorkspace(workspaceID) {
		as.Broadcast(&ServerMessage{Type: MsgGitStatus, Data: msg})
	}
}
