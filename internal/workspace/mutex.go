package workspace

import (
	"context"
	"sync"
)

// Mutex is a fair FIFO lock. Waiters resume in arrival order, and an
// acquire can be abandoned through its context. The zero value is ready
// to use.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Acquire blocks until the lock is held or ctx is done. On success it
// returns a single-use release function.
func (m *Mutex) Acquire(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return m.releaseFunc(), nil
	}

	ready := make(chan struct{}, 1)
	m.waiters = append(m.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return m.releaseFunc(), nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == ready {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		m.mu.Unlock()
		// The baton was already handed to us; pass it on.
		<-ready
		m.release()
		return nil, ctx.Err()
	}
}

// WithLock runs fn while holding the lock, releasing it on any exit path
func (m *Mutex) WithLock(ctx context.Context, fn func() error) error {
	release, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// releaseFunc wraps release so a handle can only fire once
func (m *Mutex) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(m.release) }
}

// release hands the lock to the oldest waiter, or unlocks when none queue
func (m *Mutex) release() {
	m.mu.Lock()
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.mu.Unlock()
		next <- struct{}{}
		return
	}
	m.locked = false
	m.mu.Unlock()
}
