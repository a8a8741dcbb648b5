package pi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpostlabs/outpost/internal/bridge"
	"github.com/outpostlabs/outpost/internal/config"
	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/policy"
	"github.com/outpostlabs/outpost/internal/sandbox"
	"github.com/outpostlabs/outpost/internal/validation"
)

// maxLineSize bounds a single protocol line from the agent
const maxLineSize = 1024 * 1024

// callTimeout caps request/reply round trips to the agent
const callTimeout = 60 * time.Second

// wireMessage is one newline-delimited JSON frame on the agent streams.
// The agent emits events, responses to commands, and permission
// requests; the server writes commands and permission responses.
type wireMessage struct {
	Kind   string          `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Event  *Event          `json:"event,omitempty"`
	Result map[string]any  `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Input  map[string]any  `json:"input,omitempty"`
	Cmd    json.RawMessage `json:"command,omitempty"`
}

const (
	wireEvent              = "event"
	wireCommand            = "command"
	wireResponse           = "response"
	wirePermissionRequest  = "permission_request"
	wirePermissionResponse = "permission_response"
)

// ContainerFactory spawns the pi agent inside a sandbox container and
// speaks the line protocol over an interactive exec.
type ContainerFactory struct {
	driver sandbox.Driver
	bridge *bridge.Bridge
	cfg    *config.Config
}

// NewContainerFactory builds the production backend factory.
func NewContainerFactory(driver sandbox.Driver, br *bridge.Bridge, cfg *config.Config) *ContainerFactory {
	return &ContainerFactory{driver: driver, bridge: br, cfg: cfg}
}

var _ Factory = (*ContainerFactory)(nil)

// Create spawns a sandbox for the session and starts the agent inside it.
func (f *ContainerFactory) Create(ctx context.Context, opts CreateOptions) (Backend, error) {
	if err := validation.ValidateSessionID(opts.SessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}
	if err := validation.ValidateWorkspaceID(opts.WorkspaceID); err != nil {
		return nil, fmt.Errorf("invalid workspace ID: %w", err)
	}
	if err := f.driver.EnsureImage(ctx, f.cfg.SandboxImage); err != nil {
		return nil, fmt.Errorf("failed to ensure sandbox image: %w", err)
	}

	env := append([]string{}, opts.Env...)
	if len(f.cfg.ProviderBaseURLs) > 0 {
		// Host-loopback providers are bridged so the sandbox can reach
		// them through the host gateway.
		if err := f.bridge.EnsureForBaseURLs(f.cfg.ProviderBaseURLs); err != nil {
			logger.Error("Loopback bridge setup failed: %v", err)
		}
		rewritten := make([]string, 0, len(f.cfg.ProviderBaseURLs))
		for _, u := range f.cfg.ProviderBaseURLs {
			rewritten = append(rewritten, f.bridge.RewriteForHostGateway(u, f.cfg.HostGateway))
		}
		env = append(env, "PI_PROVIDER_BASE_URLS="+strings.Join(rewritten, ","))
	}

	spawn := sandbox.SpawnConfig{
		Name:  "outpost-session-" + opts.SessionID,
		Image: f.cfg.SandboxImage,
		// The sandbox idles until the agent is exec'd into it.
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: "/workspace",
		Labels: map[string]string{
			"outpost.session":   opts.SessionID,
			"outpost.workspace": opts.WorkspaceID,
		},
		ExtraHosts: []string{f.cfg.HostGateway + ":host-gateway"},
		AutoRemove: false,
	}
	if opts.WorkingDir != "" {
		spawn.Mounts = []sandbox.Mount{{Source: opts.WorkingDir, Target: "/workspace"}}
	}

	sandboxID, err := f.driver.Spawn(ctx, spawn)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn sandbox for session %s: %w", opts.SessionID, err)
	}

	proc, err := f.driver.ExecInteractive(ctx, sandboxID, sandbox.ExecConfig{
		Cmd:        f.agentCmd(opts),
		Env:        env,
		WorkingDir: "/workspace",
	})
	if err != nil {
		_ = f.driver.Remove(context.Background(), sandboxID, true)
		return nil, fmt.Errorf("failed to start agent in sandbox: %w", err)
	}

	b := &containerBackend{
		sessionID: opts.SessionID,
		sandboxID: sandboxID,
		driver:    f.driver,
		proc:      proc,
		gate:      opts.Gate,
		events:    make(chan *Event, 100),
		done:      make(chan struct{}),
		pending:   make(map[string]chan *wireMessage),
	}
	go b.readLoop()
	go b.drainStderr()
	return b, nil
}

// agentCmd assembles the agent invocation from the session options.
func (f *ContainerFactory) agentCmd(opts CreateOptions) []string {
	cmd := []string{f.cfg.PiBinary, "--mode", "rpc"}
	if opts.Model != "" {
		cmd = append(cmd, "--model", opts.Model)
	}
	if opts.ThinkingLevel != "" {
		cmd = append(cmd, "--thinking", opts.ThinkingLevel)
	}
	if opts.SystemPrompt != "" {
		cmd = append(cmd, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.SessionFile != "" {
		cmd = append(cmd, "--resume", opts.SessionFile)
	}
	for _, skill := range opts.Skills {
		cmd = append(cmd, "--skill", skill)
	}
	return cmd
}

// containerBackend is one running agent process. It owns the sandbox
// container for its lifetime.
type containerBackend struct {
	sessionID string
	sandboxID string
	driver    sandbox.Driver
	proc      *sandbox.Process
	gate      policy.Gate

	events chan *Event
	done   chan struct{}

	writeMu sync.Mutex // serializes stdin frames

	mu       sync.Mutex
	pending  map[string]chan *wireMessage
	disposed bool
}

var _ Backend = (*containerBackend)(nil)

func (b *containerBackend) Events() <-chan *Event { return b.events }
func (b *containerBackend) Done() <-chan struct{} { return b.done }

// Send forwards a fire-and-forget command
func (b *containerBackend) Send(_ context.Context, cmd *Command) error {
	return b.writeFrame(&wireMessage{Kind: wireCommand, Cmd: marshalCommand(cmd)})
}

// Call forwards a command and waits for the matching response frame.
func (b *containerBackend) Call(ctx context.Context, cmd *Command) (map[string]any, error) {
	id := uuid.NewString()
	ch := make(chan *wireMessage, 1)

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, fmt.Errorf("backend for session %s is disposed", b.sessionID)
	}
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.writeFrame(&wireMessage{Kind: wireCommand, ID: id, Cmd: marshalCommand(cmd)}); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, err
	}

	timeout := time.NewTimer(callTimeout)
	defer timeout.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("%s failed: %s", cmd.Type, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, ctx.Err()
	case <-timeout.C:
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return nil, fmt.Errorf("%s timed out after %v", cmd.Type, callTimeout)
	case <-b.done:
		return nil, fmt.Errorf("backend for session %s exited", b.sessionID)
	}
}

// Dispose stops the agent and removes its sandbox.
func (b *containerBackend) Dispose(ctx context.Context) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.mu.Unlock()

	_ = b.proc.Close()
	if err := b.driver.Stop(ctx, b.sandboxID); err != nil {
		logger.Error("Failed to stop sandbox %s: %v", b.sandboxID, err)
	}
	if err := b.driver.Remove(ctx, b.sandboxID, true); err != nil {
		return fmt.Errorf("failed to remove sandbox %s: %w", b.sandboxID, err)
	}
	return nil
}

// writeFrame marshals one frame and writes it with a trailing newline.
func (b *containerBackend) writeFrame(msg *wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.proc.Stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// readLoop drains agent stdout, dispatching events, call responses, and
// permission requests. It closes the event stream and done on exit.
func (b *containerBackend) readLoop() {
	defer close(b.done)
	defer close(b.events)

	scanner := bufio.NewScanner(b.proc.Stdout)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			logger.Debug("Unparseable agent frame for session %s: %v", b.sessionID, err)
			continue
		}

		switch msg.Kind {
		case wireEvent:
			if msg.Event == nil {
				continue
			}
			select {
			case b.events <- msg.Event:
			default:
				// A stalled consumer must not wedge the agent stream.
				logger.Error("Event channel full for session %s, dropping %s", b.sessionID, msg.Event.Type)
			}

		case wireResponse:
			b.mu.Lock()
			ch, ok := b.pending[msg.ID]
			if ok {
				delete(b.pending, msg.ID)
			}
			b.mu.Unlock()
			if ok {
				ch <- &msg
			}

		case wirePermissionRequest:
			b.answerPermission(&msg)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug("Agent stream for session %s ended: %v", b.sessionID, err)
	}

	// Fail any calls still waiting on a response.
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]chan *wireMessage)
	b.mu.Unlock()
	for id, ch := range pending {
		ch <- &wireMessage{Kind: wireResponse, ID: id, Error: "agent exited"}
	}
}

// answerPermission consults the gate and replies on the agent's stdin.
// A nil gate allows everything.
func (b *containerBackend) answerPermission(req *wireMessage) {
	action := policy.ActionAllow
	reason := ""
	if b.gate != nil {
		if d := b.gate.Evaluate(&policy.GateRequest{Tool: req.Tool, Input: req.Input}); d != nil {
			action = d.Action
			reason = d.Reason
		}
	}

	resp := &wireMessage{
		Kind: wirePermissionResponse,
		ID:   req.ID,
		Result: map[string]any{
			"action": string(action),
			"reason": reason,
		},
	}
	if err := b.writeFrame(resp); err != nil {
		logger.Error("Permission response for session %s failed: %v", b.sessionID, err)
	}
}

// drainStderr relays agent diagnostics to the server log.
func (b *containerBackend) drainStderr() {
	if b.proc.Stderr == nil {
		return
	}
	scanner := bufio.NewScanner(b.proc.Stderr)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Debug("pi[%s]: %s", b.sessionID, line)
		}
	}
}

func marshalCommand(cmd *Command) json.RawMessage {
	data, err := json.Marshal(cmd)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
