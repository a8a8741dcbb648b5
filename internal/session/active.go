package session

import (
	"sync"
	"time"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/pi"
	"github.com/outpostlabs/outpost/internal/policy"
	"github.com/outpostlabs/outpost/internal/workspace"
)

// turnDedupeWindow gates duplicate turn_start broadcasts for the same
// turn id arriving close together.
const turnDedupeWindow = 5 * time.Second

// ActiveSession is the in-memory runtime state of a started session.
// The registry exclusively owns it; subscribers hold only a Sink.
type ActiveSession struct {
	mu sync.Mutex

	Session   *Session
	Workspace *workspace.Workspace // nil for synthetic workspaces

	backend pi.Backend
	gate    policy.Gate

	subscribers       map[Sink]struct{}
	pendingUIRequests map[string]map[string]any
	partialResults    map[string]string

	// Streaming accumulators, written back after each translation
	streamedAssistantText string
	hasStreamedThinking   bool

	turnDedupe map[string]time.Time

	ring *EventRing

	pendingStop *PendingStop
	idleTimer   *time.Timer
	dirty       bool

	startedAt time.Time
	done      chan struct{} // closed when the event pump exits
}

func newActiveSession(sess *Session, ws *workspace.Workspace, backend pi.Backend, gate policy.Gate, ringCapacity int) *ActiveSession {
	return &ActiveSession{
		Session:           sess,
		Workspace:         ws,
		backend:           backend,
		gate:              gate,
		subscribers:       make(map[Sink]struct{}),
		pendingUIRequests: make(map[string]map[string]any),
		partialResults:    make(map[string]string),
		turnDedupe:        make(map[string]time.Time),
		ring:              NewEventRing(sess.ID, ringCapacity),
		startedAt:         time.Now(),
		done:              make(chan struct{}),
	}
}

// Subscribe registers a message sink for this session
func (a *ActiveSession) Subscribe(sink Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers[sink] = struct{}{}
}

// Unsubscribe removes a sink; unknown sinks are ignored
func (a *ActiveSession) Unsubscribe(sink Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subscribers, sink)
}

// Broadcast assigns a seq, records the message in the ring, and fans it
// out to every subscriber. A failing subscriber does not affect others.
func (a *ActiveSession) Broadcast(msg *ServerMessage) {
	msg.SessionID = a.Session.ID
	a.ring.Append(msg)

	a.mu.Lock()
	sinks := make([]Sink, 0, len(a.subscribers))
	for s := range a.subscribers {
		sinks = append(sinks, s)
	}
	a.mu.Unlock()

	for _, s := range sinks {
		if err := s.Deliver(msg); err != nil {
			logger.Debug("Subscriber delivery failed for session %s: %v", a.Session.ID, err)
		}
	}
}

// Replay returns buffered messages after seq for client reconnect
func (a *ActiveSession) Replay(sinceSeq int) ([]*RingMessage, error) {
	return a.ring.After(sinceSeq)
}

// shouldBroadcastTurnStart records the turn id and reports whether a
// turn_start for it should go out (dedupe within turnDedupeWindow).
func (a *ActiveSession) shouldBroadcastTurnStart(turnID string, now time.Time) bool {
	if turnID == "" {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.turnDedupe[turnID]; ok && now.Sub(last) < turnDedupeWindow {
		return false
	}
	a.turnDedupe[turnID] = now
	for id, t := range a.turnDedupe {
		if now.Sub(t) >= turnDedupeWindow {
			delete(a.turnDedupe, id)
		}
	}
	return true
}

// translationContext snapshots the streaming accumulators
func (a *ActiveSession) translationContext() TranslationContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return TranslationContext{
		StreamedAssistantText: a.streamedAssistantText,
		HasStreamedThinking:   a.hasStreamedThinking,
	}
}

// applyTranslationContext writes the accumulators back after translation
func (a *ActiveSession) applyTranslationContext(tctx TranslationContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streamedAssistantText = tctx.StreamedAssistantText
	a.hasStreamedThinking = tctx.HasStreamedThinking
}

// storeUIRequest records a pending dialog request by id
func (a *ActiveSession) storeUIRequest(requestID string, snapshot map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingUIRequests[requestID] = snapshot
}

// takeUIRequest removes and returns a pending dialog request
func (a *ActiveSession) takeUIRequest(requestID string) (map[string]any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	req, ok := a.pendingUIRequests[requestID]
	if ok {
		delete(a.pendingUIRequests, requestID)
	}
	return req, ok
}

// Status returns the session's current lifecycle status
func (a *ActiveSession) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Session.Status
}

// Done is closed when the session's event pump has exited
func (a *ActiveSession) Done() <-chan struct{} {
	return a.done
}

// stopIdleTimer cancels the idle eviction timer, if armed
func (a *ActiveSession) stopIdleTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}
