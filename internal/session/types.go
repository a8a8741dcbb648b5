package session

import (
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusReady    Status = "ready"    // Waiting for a prompt
	StatusBusy     Status = "busy"     // Agent is processing a turn
	StatusStopping Status = "stopping" // A stop episode is in flight
	StatusEnded    Status = "ended"    // Backend disposed, session torn down
)

// StopMode distinguishes a graceful abort from a hard terminate
type StopMode string

const (
	StopModeAbort     StopMode = "abort"
	StopModeTerminate StopMode = "terminate"
)

// StopSource records who initiated a stop
type StopSource string

const (
	StopSourceUser    StopSource = "user"
	StopSourceTimeout StopSource = "timeout"
	StopSourceServer  StopSource = "server"
)

// PendingStop is the single in-flight stop episode for a session.
// PreviousStatus is restored when the stop fails.
type PendingStop struct {
	Mode           StopMode
	Source         StopSource
	Reason         string
	PreviousStatus Status
	RequestedAt    time.Time

	retried bool
	timeout *time.Timer
}

// clearTimeout cancels the scheduled escalation, if any
func (p *PendingStop) clearTimeout() {
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
}

// ChangeStats accumulates workspace change activity across a session
type ChangeStats struct {
	FilesEdited  int `json:"files_edited"`
	FilesWritten int `json:"files_written"`
	CommandsRun  int `json:"commands_run"`
}

// Session is the server-side session state. The persisted subset lives
// in storage.SessionRecord; the rest is rebuilt from backend snapshots.
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name,omitempty"`
	Status      Status `json:"status"`

	// Model is the canonical provider/id form, or empty before bootstrap
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`

	// Backend identifiers, refreshed from state snapshots
	PiSessionID    string   `json:"pi_session_id,omitempty"`
	PiSessionFile  string   `json:"pi_session_file,omitempty"`
	PiSessionFiles []string `json:"pi_session_files,omitempty"` // insertion-ordered

	LastMessageID string      `json:"last_message_id,omitempty"`
	InputTokens   int64       `json:"input_tokens"`
	OutputTokens  int64       `json:"output_tokens"`
	Stats         ChangeStats `json:"stats"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// addSessionFile records a backend session file, preserving insertion order
func (s *Session) addSessionFile(file string) bool {
	for _, f := range s.PiSessionFiles {
		if f == file {
			return false
		}
	}
	s.PiSessionFiles = append(s.PiSessionFiles, file)
	return true
}

// stateData is the payload of a `state` broadcast
func (s *Session) stateData() map[string]any {
	return map[string]any{
		"sessionId":     s.ID,
		"workspaceId":   s.WorkspaceID,
		"name":          s.Name,
		"status":        string(s.Status),
		"model":         s.Model,
		"thinkingLevel": s.ThinkingLevel,
		"contextWindow": s.ContextWindow,
		"sessionFile":   s.PiSessionFile,
		"inputTokens":   s.InputTokens,
		"outputTokens":  s.OutputTokens,
	}
}

// Server message types delivered to clients.
const (
	MsgState          = "state"
	MsgCommandResult  = "command_result"
	MsgStopRequested  = "stop_requested"
	MsgStopConfirmed  = "stop_confirmed"
	MsgStopFailed     = "stop_failed"
	MsgMessageEnd     = "message_end"
	MsgUIRequest      = "extension_ui_request"
	MsgUINotification = "extension_ui_notification"
	MsgGitStatus      = "git_status"
)

// ServerMessage is a single message delivered to session subscribers.
// Seq is assigned by the session's event ring at broadcast time.
type ServerMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Seq       int            `json:"seq,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives broadcast messages for a session. Implementations are
// registered per client connection; a Deliver error affects only that
// subscriber.
type Sink interface {
	Deliver(msg *ServerMessage) error
}

// ClientCommand is a typed command from a client
type ClientCommand struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
