package pi

import (
	"context"

	"github.com/outpostlabs/outpost/internal/policy"
)

// CommandType identifies a backend command
type CommandType string

const (
	CmdPrompt            CommandType = "prompt"
	CmdSteer             CommandType = "steer"
	CmdFollowUp          CommandType = "follow_up"
	CmdAbort             CommandType = "abort"
	CmdAbortBash         CommandType = "abortBash"
	CmdSetModel          CommandType = "setModel"
	CmdCycleModel        CommandType = "cycleModel"
	CmdSetThinkingLevel  CommandType = "setThinkingLevel"
	CmdCycleThinking     CommandType = "cycleThinkingLevel"
	CmdNewSession        CommandType = "newSession"
	CmdSetSessionName    CommandType = "setSessionName"
	CmdCompact           CommandType = "compact"
	CmdSetAutoCompaction CommandType = "setAutoCompaction"
	CmdFork              CommandType = "fork"
	CmdSwitchSession     CommandType = "switchSession"
	CmdSetSteeringMode   CommandType = "setSteeringMode"
	CmdSetFollowUpMode   CommandType = "setFollowUpMode"
	CmdSetAutoRetry      CommandType = "setAutoRetry"
	CmdAbortRetry        CommandType = "abortRetry"
	CmdGetStateSnapshot  CommandType = "getStateSnapshot"
	CmdGetMessages       CommandType = "getMessages"
	CmdGetSessionStats   CommandType = "getSessionStats"
	CmdUIResponse        CommandType = "extensionUIResponse"
)

// Command is a typed command sent to the backend
type Command struct {
	Type   CommandType    `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// Backend is a running pi agent process. Events are delivered on a single
// channel and arrive serialized; the channel closes when the backend exits.
type Backend interface {
	// Events returns the backend event stream
	Events() <-chan *Event

	// Done is closed when the backend process has exited
	Done() <-chan struct{}

	// Send forwards a fire-and-forget command (prompt, steer, follow_up, abort)
	Send(ctx context.Context, cmd *Command) error

	// Call forwards a request/reply command and returns the decoded response
	Call(ctx context.Context, cmd *Command) (map[string]any, error)

	// Dispose terminates the backend process and releases its resources
	Dispose(ctx context.Context) error
}

// ModelRegistry exposes the backend's model catalog
type ModelRegistry interface {
	// Models lists every registered model; HasCredentials marks the ones
	// the backend can actually authenticate against.
	Models(ctx context.Context) ([]ModelInfo, error)
}

// CreateOptions configures a new backend instance
type CreateOptions struct {
	SessionID     string
	WorkspaceID   string
	WorkingDir    string
	Model         string
	ThinkingLevel string
	SystemPrompt  string
	SessionFile   string   // resume from a previous backend session file
	Skills        []string // resolved skill paths
	Env           []string // host environment, from hostenv.BuildHostEnv

	// Gate is consulted on tool calls; nil disables the permission gate
	Gate policy.Gate
}

// Factory creates backend instances for sessions
type Factory interface {
	Create(ctx context.Context, opts CreateOptions) (Backend, error)
}
