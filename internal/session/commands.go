package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/metrics"
	"github.com/outpostlabs/outpost/internal/models"
	"github.com/outpostlabs/outpost/internal/pi"
)

func errSessionNotActive(sessionID string) error {
	return fmt.Errorf("session not active: %s", sessionID)
}

func errUnknownUIRequest(requestID string) error {
	return fmt.Errorf("no pending UI request with id %s", requestID)
}

// reconcileFunc reconciles server-side session state with a backend
// response. It may patch the outgoing response; the bool reports
// whether visible session state changed.
type reconcileFunc func(ctx context.Context, r *Runtime, as *ActiveSession, cmd *ClientCommand, resp map[string]any) (map[string]any, bool, error)

// commandSpec is one entry in the closed command table
type commandSpec struct {
	backend pi.CommandType
	fire    bool // fire-and-forget, no reply expected
	schema  *jsonschema.Resolved
	// alwaysState forces a state broadcast after a successful command
	// even when reconciliation reports no change
	alwaysState bool
	reconcile   reconcileFunc
}

// commandTable is the closed enumeration of client command types.
// Unknown types are rejected, never ignored.
var commandTable = map[string]*commandSpec{
	"prompt":    {backend: pi.CmdPrompt, fire: true, schema: mustSchema(textSchema())},
	"steer":     {backend: pi.CmdSteer, fire: true, schema: mustSchema(textSchema())},
	"follow_up": {backend: pi.CmdFollowUp, fire: true, schema: mustSchema(textSchema())},
	"abort":     {backend: pi.CmdAbort, fire: true, schema: mustSchema(emptySchema())},

	"get_state":      {backend: pi.CmdGetStateSnapshot, schema: mustSchema(emptySchema()), reconcile: reconcileSnapshot},
	"fork":           {backend: pi.CmdFork, schema: mustSchema(emptySchema()), reconcile: reconcileSnapshot},
	"new_session":    {backend: pi.CmdNewSession, schema: mustSchema(emptySchema()), reconcile: reconcileSnapshot},
	"switch_session": {backend: pi.CmdSwitchSession, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"sessionFile": {Type: "string"}}, nil)), reconcile: reconcileSnapshot},

	"set_thinking_level":   {backend: pi.CmdSetThinkingLevel, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"level": {Type: "string"}}, []string{"level"})), alwaysState: true, reconcile: reconcileThinkingLevel},
	"cycle_thinking_level": {backend: pi.CmdCycleThinking, schema: mustSchema(emptySchema()), alwaysState: true, reconcile: reconcileThinkingLevel},

	"set_model":   {backend: pi.CmdSetModel, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"model": {Type: "string"}}, []string{"model"})), alwaysState: true, reconcile: reconcileModel},
	"cycle_model": {backend: pi.CmdCycleModel, schema: mustSchema(emptySchema()), alwaysState: true, reconcile: reconcileModel},

	"set_session_name": {backend: pi.CmdSetSessionName, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"name": {Type: "string"}}, []string{"name"})), alwaysState: true, reconcile: reconcileSessionName},

	"compact":             {backend: pi.CmdCompact, schema: mustSchema(emptySchema())},
	"set_auto_compaction": {backend: pi.CmdSetAutoCompaction, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"enabled": {Type: "boolean"}}, []string{"enabled"}))},
	"set_steering_mode":   {backend: pi.CmdSetSteeringMode, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"mode": {Type: "string"}}, []string{"mode"}))},
	"set_follow_up_mode":  {backend: pi.CmdSetFollowUpMode, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"mode": {Type: "string"}}, []string{"mode"}))},
	"set_auto_retry":      {backend: pi.CmdSetAutoRetry, schema: mustSchema(objectSchema(map[string]*jsonschema.Schema{"enabled": {Type: "boolean"}}, []string{"enabled"}))},
	"abort_retry":         {backend: pi.CmdAbortRetry, schema: mustSchema(emptySchema())},
	"get_messages":        {backend: pi.CmdGetMessages, schema: mustSchema(emptySchema())},
	"get_session_stats":   {backend: pi.CmdGetSessionStats, schema: mustSchema(emptySchema())},
}

func emptySchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

func textSchema() *jsonschema.Schema {
	return objectSchema(map[string]*jsonschema.Schema{"text": {Type: "string"}}, []string{"text"})
}

func objectSchema(props map[string]*jsonschema.Schema, required []string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func mustSchema(s *jsonschema.Schema) *jsonschema.Resolved {
	resolved, err := s.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("invalid command schema: %v", err))
	}
	return resolved
}

// HandleCommand dispatches a typed client command for a session. The
// result is always broadcast as command_result (and returned); only a
// missing session yields an error instead.
func (r *Runtime) HandleCommand(ctx context.Context, sessionID string, cmd *ClientCommand) (*ServerMessage, error) {
	as, ok := r.Get(sessionID)
	if !ok {
		return nil, errSessionNotActive(sessionID)
	}

	if !r.limiter.Allow(sessionID) {
		return r.commandFailure(as, cmd, "rate limit exceeded"), nil
	}

	spec, ok := commandTable[cmd.Type]
	if !ok {
		return r.commandFailure(as, cmd, fmt.Sprintf("Command not allowed: %s", cmd.Type)), nil
	}

	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}
	if err := spec.schema.Validate(cmd.Payload); err != nil {
		return r.commandFailure(as, cmd, fmt.Sprintf("invalid %s payload: %v", cmd.Type, err)), nil
	}

	if spec.fire {
		if err := as.backend.Send(ctx, &pi.Command{Type: spec.backend, Params: cmd.Payload}); err != nil {
			return r.commandFailure(as, cmd, normalizeCommandError(cmd.Type, err)), nil
		}
		return r.commandSuccess(as, cmd, nil, false), nil
	}

	// Request/reply commands run under the session lock so in-flight
	// sequences (e.g. model change then state refresh) do not interleave.
	var result *ServerMessage
	lockErr := r.sched.WithSessionLock(ctx, sessionID, func() error {
		result = r.forwardClientCommand(ctx, as, spec, cmd)
		return nil
	})
	if lockErr != nil {
		return r.commandFailure(as, cmd, normalizeCommandError(cmd.Type, lockErr)), nil
	}
	return result, nil
}

// forwardClientCommand calls the backend and reconciles session state
// from the response.
func (r *Runtime) forwardClientCommand(ctx context.Context, as *ActiveSession, spec *commandSpec, cmd *ClientCommand) *ServerMessage {
	resp, err := as.backend.Call(ctx, &pi.Command{Type: spec.backend, Params: cmd.Payload})
	if err != nil {
		return r.commandFailure(as, cmd, normalizeCommandError(cmd.Type, err))
	}

	stateChanged := false
	if spec.reconcile != nil {
		patched, changed, rerr := spec.reconcile(ctx, r, as, cmd, resp)
		if rerr != nil {
			logger.Error("Reconciliation for %s on session %s failed: %v", cmd.Type, as.Session.ID, rerr)
			return r.commandFailure(as, cmd, normalizeCommandError(cmd.Type, rerr))
		}
		resp = patched
		stateChanged = changed
		if changed {
			if perr := r.persistSessionNow(as); perr != nil {
				logger.Error("Persist after %s failed: %v", cmd.Type, perr)
			}
		}
	}

	return r.commandSuccess(as, cmd, resp, spec.alwaysState || stateChanged)
}

func (r *Runtime) commandSuccess(as *ActiveSession, cmd *ClientCommand, data map[string]any, broadcastState bool) *ServerMessage {
	payload := map[string]any{
		"command":   cmd.Type,
		"requestId": cmd.RequestID,
		"success":   true,
	}
	if data != nil {
		payload["data"] = data
	}
	msg := &ServerMessage{Type: MsgCommandResult, Data: payload}
	metrics.CommandsForwarded.WithLabelValues(cmd.Type, "ok").Inc()
	as.Broadcast(msg)
	if broadcastState {
		as.Broadcast(&ServerMessage{Type: MsgState, Data: r.stateData(as)})
	}
	return msg
}

func (r *Runtime) commandFailure(as *ActiveSession, cmd *ClientCommand, errMsg string) *ServerMessage {
	msg := &ServerMessage{Type: MsgCommandResult, Data: map[string]any{
		"command":   cmd.Type,
		"requestId": cmd.RequestID,
		"success":   false,
		"error":     errMsg,
	}}
	metrics.CommandsForwarded.WithLabelValues(cmd.Type, "error").Inc()
	as.Broadcast(msg)
	return msg
}

// reconcileSnapshot applies the backend's state snapshot from commands
// that return one (get_state, fork, new_session, switch_session).
func reconcileSnapshot(_ context.Context, r *Runtime, as *ActiveSession, _ *ClientCommand, resp map[string]any) (map[string]any, bool, error) {
	snap := parseStateSnapshot(resp)
	as.mu.Lock()
	changed := r.applySnapshot(as.Session, snap)
	as.mu.Unlock()
	return resp, changed, nil
}

// reconcileThinkingLevel updates the session's thinking level and
// remembers it as the preference for the current model. The effective
// level is response-level, falling back to the request.
func reconcileThinkingLevel(_ context.Context, r *Runtime, as *ActiveSession, cmd *ClientCommand, resp map[string]any) (map[string]any, bool, error) {
	level := stringValue(resp, "thinkingLevel")
	if level == "" {
		level = stringValue(cmd.Payload, "level")
	}
	if level == "" {
		return resp, false, nil
	}

	as.mu.Lock()
	changed := as.Session.ThinkingLevel != level
	as.Session.ThinkingLevel = level
	modelID := as.Session.Model
	as.mu.Unlock()

	if modelID != "" {
		if err := r.store.SetModelThinkingPreference(modelID, level); err != nil {
			logger.Error("Failed to remember thinking level for %s: %v", modelID, err)
		}
	}
	return resp, changed, nil
}

// reconcileModel applies a model change: canonical id, context window,
// sticky workspace model, and (for cycle_model) the remembered thinking
// level of the new model.
func reconcileModel(ctx context.Context, r *Runtime, as *ActiveSession, cmd *ClientCommand, resp map[string]any) (map[string]any, bool, error) {
	modelMap := resp
	if cmd.Type == "cycle_model" {
		nested, ok := resp["model"].(map[string]any)
		if !ok {
			return resp, false, errors.New("cycle_model response carries no model")
		}
		modelMap = nested
	}

	provider := stringValue(modelMap, "provider")
	id := stringValue(modelMap, "id")
	if id == "" {
		return resp, false, fmt.Errorf("%s response carries no model id", cmd.Type)
	}
	canonical := models.ComposeModelID(provider, id)

	as.mu.Lock()
	changed := as.Session.Model != canonical
	if changed {
		as.Session.Model = canonical
		as.Session.ContextWindow = r.catalog.ContextWindow(canonical)
	}
	workspaceID := as.Session.WorkspaceID
	currentLevel := as.Session.ThinkingLevel
	as.mu.Unlock()

	if changed {
		r.stickWorkspaceModel(workspaceID, canonical)
	}

	if cmd.Type == "cycle_model" {
		pref, err := r.store.GetModelThinkingPreference(canonical)
		if err != nil {
			logger.Error("Thinking preference lookup for %s failed: %v", canonical, err)
		} else if pref != "" && pref != currentLevel {
			if _, err := as.backend.Call(ctx, &pi.Command{
				Type:   pi.CmdSetThinkingLevel,
				Params: map[string]any{"level": pref},
			}); err != nil {
				logger.Error("Applying remembered thinking level failed: %v", err)
			} else {
				as.mu.Lock()
				as.Session.ThinkingLevel = pref
				as.mu.Unlock()
				// Patch the response so the client observes a
				// consistent level.
				resp["thinkingLevel"] = pref
				changed = true
			}
		}
	}

	return resp, changed, nil
}

// reconcileSessionName applies a rename; response name wins over the
// requested one.
func reconcileSessionName(_ context.Context, r *Runtime, as *ActiveSession, cmd *ClientCommand, resp map[string]any) (map[string]any, bool, error) {
	name := stringValue(resp, "name")
	if name == "" {
		name = stringValue(cmd.Payload, "name")
	}
	if name == "" {
		return resp, false, nil
	}

	as.mu.Lock()
	changed := as.Session.Name != name
	if changed {
		as.Session.Name = name
	}
	as.mu.Unlock()
	return resp, changed, nil
}

// stickWorkspaceModel persists the model as the workspace's last used
// one so new sessions default to it. Best effort.
func (r *Runtime) stickWorkspaceModel(workspaceID, modelID string) {
	if strings.HasPrefix(workspaceID, "session-") {
		return
	}
	ws, err := r.store.GetWorkspace(workspaceID)
	if err != nil {
		logger.Debug("Workspace %s not found for sticky model: %v", workspaceID, err)
		return
	}
	if ws.LastUsedModel == modelID {
		return
	}
	ws.LastUsedModel = modelID
	if err := r.store.SaveWorkspace(ws); err != nil {
		logger.Error("Failed to persist last used model for workspace %s: %v", workspaceID, err)
	}
}

// normalizeCommandError keeps known error kinds readable and trims
// backend noise from the rest.
func normalizeCommandError(cmdType string, err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not active"),
		strings.Contains(msg, "Command not allowed"),
		strings.Contains(msg, "context deadline exceeded"):
		return msg
	case strings.Contains(msg, "unknown command"), strings.Contains(msg, "unsupported command"):
		return fmt.Sprintf("Unhandled SDK command: %s", cmdType)
	default:
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		return fmt.Sprintf("%s failed: %s", cmdType, msg)
	}
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
