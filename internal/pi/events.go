// Package pi defines the surface of the pi agent backend consumed by the
// session runtime: the event stream, typed commands, and state snapshots.
//
// events.go - Event types emitted by a running backend
//
// Event is a normalized type; concrete backend implementations convert
// their native wire events into it before handing them to the runtime.
package pi

// EventType identifies a backend event
type EventType string

const (
	EventAgentStart         EventType = "agent_start"
	EventAgentEnd           EventType = "agent_end"
	EventTurnStart          EventType = "turn_start"
	EventTurnEnd            EventType = "turn_end"
	EventMessageStart       EventType = "message_start"
	EventMessageDelta       EventType = "message_delta"
	EventMessageEnd         EventType = "message_end"
	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"
	EventAutoCompactStart   EventType = "auto_compaction_start"
	EventAutoCompactEnd     EventType = "auto_compaction_end"
	EventAutoRetryStart     EventType = "auto_retry_start"
	EventAutoRetryEnd       EventType = "auto_retry_end"
	EventExtensionUIRequest EventType = "extension_ui_request"
	EventError              EventType = "error"
)

// Event is a single event from the backend stream
type Event struct {
	Type   EventType `json:"type"`
	TurnID string    `json:"turnId,omitempty"`

	// Message fields
	Role      string `json:"role,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`
	Thinking  bool   `json:"thinking,omitempty"`

	// Tool execution fields
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	// Extension UI request fields
	RequestID string         `json:"requestId,omitempty"`
	Method    string         `json:"method,omitempty"`
	Params    map[string]any `json:"params,omitempty"`

	// Token accounting (message_end)
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	// Raw carries backend-specific fields not lifted into the struct
	Raw map[string]any `json:"-"`
}

// ThinkingLevel is the backend's reasoning effort setting
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ModelRef identifies a model as the backend reports it
type ModelRef struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// StateSnapshot is the backend's authoritative view of session state,
// returned by get_state and session-switching commands.
type StateSnapshot struct {
	SessionFile   string    `json:"sessionFile,omitempty"`
	SessionFiles  []string  `json:"sessionFiles,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	SessionName   string    `json:"sessionName,omitempty"`
	Model         *ModelRef `json:"model,omitempty"`
	ThinkingLevel string    `json:"thinkingLevel,omitempty"`
}

// ModelInfo describes a model known to the backend registry
type ModelInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Provider       string `json:"provider"`
	ContextWindow  int    `json:"contextWindow"`
	HasCredentials bool   `json:"hasCredentials"`
}
