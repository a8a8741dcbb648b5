package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/outpostlabs/outpost/internal/config"
	"github.com/outpostlabs/outpost/internal/models"
	"github.com/outpostlabs/outpost/internal/pi"
	"github.com/outpostlabs/outpost/internal/storage"
	"github.com/outpostlabs/outpost/internal/workspace"
)

// fakeBackend is a scripted pi.Backend for runtime tests
type fakeBackend struct {
	mu          sync.Mutex
	events      chan *pi.Event
	done        chan struct{}
	doneOnce    sync.Once
	sent        []*pi.Command
	calls       []*pi.Command
	callResults map[pi.CommandType]map[string]any
	callErrs    map[pi.CommandType]error
	disposeErr  error
	disposed    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		events:      make(chan *pi.Event, 64),
		done:        make(chan struct{}),
		callResults: make(map[pi.CommandType]map[string]any),
		callErrs:    make(map[pi.CommandType]error),
	}
}

func (b *fakeBackend) Events() <-chan *pi.Event { return b.events }
func (b *fakeBackend) Done() <-chan struct{}    { return b.done }

func (b *fakeBackend) Send(_ context.Context, cmd *pi.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, cmd)
	return nil
}

func (b *fakeBackend) Call(_ context.Context, cmd *pi.Command) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, cmd)
	if err, ok := b.callErrs[cmd.Type]; ok {
		return nil, err
	}
	if resp, ok := b.callResults[cmd.Type]; ok {
		return resp, nil
	}
	return map[string]any{}, nil
}

func (b *fakeBackend) Dispose(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposeErr != nil {
		return b.disposeErr
	}
	b.disposed = true
	b.doneOnce.Do(func() { close(b.done) })
	return nil
}

func (b *fakeBackend) emit(ev *pi.Event) { b.events <- ev }

func (b *fakeBackend) sentTypes() []pi.CommandType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]pi.CommandType, len(b.sent))
	for i, c := range b.sent {
		out[i] = c.Type
	}
	return out
}

func (b *fakeBackend) countSent(t pi.CommandType) int {
	n := 0
	for _, ct := range b.sentTypes() {
		if ct == t {
			n++
		}
	}
	return n
}

// fakeFactory hands out preset backends by session id
type fakeFactory struct {
	mu        sync.Mutex
	backends  map[string]*fakeBackend
	createErr error
	lastOpts  pi.CreateOptions
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{backends: make(map[string]*fakeBackend)}
}

func (f *fakeFactory) Create(_ context.Context, opts pi.CreateOptions) (pi.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	if f.createErr != nil {
		return nil, f.createErr
	}
	b, ok := f.backends[opts.SessionID]
	if !ok {
		b = newFakeBackend()
		f.backends[opts.SessionID] = b
	}
	return b, nil
}

func (f *fakeFactory) backend(sessionID string) *fakeBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.backends[sessionID]
	if !ok {
		b = newFakeBackend()
		f.backends[sessionID] = b
	}
	return b
}

// fakeStore is an in-memory Store
type fakeStore struct {
	mu         sync.Mutex
	sessions   map[string]*storage.SessionRecord
	workspaces map[string]*workspace.Workspace
	prefs      map[string]string
	saveErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:   make(map[string]*storage.SessionRecord),
		workspaces: make(map[string]*workspace.Workspace),
		prefs:      make(map[string]string),
	}
}

func (s *fakeStore) GetSession(id string) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) SaveSession(rec *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *rec
	s.sessions[rec.ID] = &cp
	return nil
}

func (s *fakeStore) GetWorkspace(id string) (*workspace.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, storage.ErrWorkspaceNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *fakeStore) SaveWorkspace(ws *workspace.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *fakeStore) GetModelThinkingPreference(modelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs[modelID], nil
}

func (s *fakeStore) SetModelThinkingPreference(modelID, level string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[modelID] = level
	return nil
}

func (s *fakeStore) sessionStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[id]; ok {
		return rec.Status
	}
	return ""
}

// fakeCatalog resolves context windows from a fixed map
type fakeCatalog struct {
	windows map[string]int
}

func (c *fakeCatalog) ContextWindow(modelID string) int {
	if w, ok := c.windows[modelID]; ok {
		return w
	}
	return models.DefaultContextWindow
}

func (c *fakeCatalog) HealContextWindow(modelID string, current int) (int, bool) {
	resolved := c.ContextWindow(modelID)
	if current > 0 && current != models.DefaultContextWindow {
		return current, false
	}
	if resolved != current {
		return resolved, true
	}
	return current, false
}

// captureSink records every delivered message
type captureSink struct {
	mu   sync.Mutex
	msgs []*ServerMessage
	err  error
}

func (s *captureSink) Deliver(msg *ServerMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *captureSink) all() []*ServerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServerMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *captureSink) count(msgType string) int {
	n := 0
	for _, m := range s.all() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

func (s *captureSink) last(msgType string) *ServerMessage {
	var found *ServerMessage
	for _, m := range s.all() {
		if m.Type == msgType {
			found = m
		}
	}
	return found
}

// waitFor polls until cond is true or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.StopAbortTimeoutMs = 40
	cfg.StopAbortRetryTimeoutMs = 40
	return cfg
}

// testHarness bundles a runtime with its collaborators
type testHarness struct {
	runtime *Runtime
	store   *fakeStore
	factory *fakeFactory
	catalog *fakeCatalog
	cfg     *config.Config
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *testHarness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := newFakeStore()
	factory := newFakeFactory()
	catalog := &fakeCatalog{windows: map[string]int{}}

	r := NewRuntime(Options{
		Config:  cfg,
		Store:   store,
		Catalog: catalog,
		Factory: factory,
	})
	t.Cleanup(func() { r.cancel(); r.wg.Wait() })

	return &testHarness{runtime: r, store: store, factory: factory, catalog: catalog, cfg: cfg}
}

// seedSession persists a session record ready to be started
func (h *testHarness) seedSession(id, workspaceID string) {
	now := time.Now()
	_ = h.store.SaveSession(&storage.SessionRecord{
		ID:          id,
		WorkspaceID: workspaceID,
		Status:      string(StatusReady),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// startSession starts a seeded session and fails the test on error
func (h *testHarness) startSession(t *testing.T, id string) *ActiveSession {
	t.Helper()
	as, err := h.runtime.StartSession(context.Background(), id, nil)
	if err != nil {
		t.Fatalf("StartSession(%s) error = %v", id, err)
	}
	return as
}

var _ pi.Backend = (*fakeBackend)(nil)
var _ pi.Factory = (*fakeFactory)(nil)
var _ Store = (*fakeStore)(nil)
var _ ModelResolver = (*fakeCatalog)(nil)
