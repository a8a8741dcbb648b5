package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/outpostlabs/outpost/internal/metrics"
)

// EventRing is a bounded ring of recent server messages with support for
// client reconnect via sequence-based resumption.
//
// Sequence numbers are logical and monotonically increasing; when the
// ring is full the oldest message is dropped and startSeq advances. A
// reconnecting client polls with its last seen seq; if that seq has
// been purged the client must do a full state resync instead.
const DefaultRingCapacity = 500

// RingMessage wraps a broadcast message with its assigned sequence
type RingMessage struct {
	Seq       int            `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Message   *ServerMessage `json:"message"`
}

// EventRing provides bounded message history for one session
type EventRing struct {
	sessionID string
	messages  []*RingMessage
	capacity  int
	startSeq  int // seq of the first buffered message
	dropped   int64
	mu        sync.RWMutex
}

// NewEventRing creates a ring for the given session
func NewEventRing(sessionID string, capacity int) *EventRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &EventRing{
		sessionID: sessionID,
		messages:  make([]*RingMessage, 0, capacity),
		capacity:  capacity,
	}
}

// Append assigns the next sequence to msg, stores it, and returns the seq
func (r *EventRing) Append(msg *ServerMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.startSeq + len(r.messages)
	msg.Seq = seq
	rm := &RingMessage{
		Seq:       seq,
		Timestamp: time.Now(),
		Message:   msg,
	}

	if len(r.messages) >= r.capacity {
		r.messages = r.messages[1:]
		r.startSeq++
		r.dropped++
		metrics.EventRingDrops.WithLabelValues(r.sessionID).Inc()
	}
	r.messages = append(r.messages, rm)
	return seq
}

// After returns messages after the given seq (exclusive). seq=-1 returns
// everything buffered. Returns an error when the requested seq has been
// purged from the ring.
func (r *EventRing) After(seq int) ([]*RingMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if seq == -1 {
		result := make([]*RingMessage, len(r.messages))
		copy(result, r.messages)
		return result, nil
	}

	if seq < r.startSeq-1 {
		return nil, fmt.Errorf("messages before seq %d have been purged (oldest available: %d)", seq, r.startSeq)
	}

	start := seq - r.startSeq + 1
	if start < 0 {
		start = 0
	}
	if start >= len(r.messages) {
		return []*RingMessage{}, nil
	}

	result := make([]*RingMessage, len(r.messages)-start)
	copy(result, r.messages[start:])
	return result, nil
}

// LastSeq returns the seq of the most recent message, or -1 when empty
func (r *EventRing) LastSeq() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.messages) == 0 {
		return -1
	}
	return r.startSeq + len(r.messages) - 1
}

// Len returns the number of buffered messages
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Dropped returns the count of messages lost to ring overflow
func (r *EventRing) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}
