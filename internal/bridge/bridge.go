// Package bridge republishes host loopback TCP ports under a bind that
// sandboxed containers can reach through the host-gateway hostname.
package bridge

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/metrics"
)

// Entry is one active bridge: a listener forwarding to a host loopback port
type Entry struct {
	TargetPort int
	BridgePort int
	listener   net.Listener
}

// Bridge manages one forwarding listener per distinct target loopback port
type Bridge struct {
	mu       sync.Mutex
	entries  map[int]*Entry
	inflight map[int]chan struct{} // coalesces concurrent ensures per port
	closed   bool
}

// New creates an empty bridge
func New() *Bridge {
	return &Bridge{
		entries:  make(map[int]*Entry),
		inflight: make(map[int]chan struct{}),
	}
}

// EnsureForBaseURLs ensures a bridge exists for every distinct loopback
// port among the given base URLs. Non-loopback and non-http URLs are
// ignored. The first error aborts; already-created entries stay.
func (b *Bridge) EnsureForBaseURLs(urls []string) error {
	seen := make(map[int]struct{})
	for _, raw := range urls {
		port, ok := loopbackPort(raw)
		if !ok {
			continue
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		if _, err := b.Ensure(port); err != nil {
			return err
		}
	}
	return nil
}

// Ensure returns the bridge entry for a target port, creating the
// listener if needed. Concurrent ensures for the same port are coalesced:
// only one listener is ever created per target.
func (b *Bridge) Ensure(targetPort int) (*Entry, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("bridge is shut down")
		}
		if e, ok := b.entries[targetPort]; ok {
			b.mu.Unlock()
			return e, nil
		}
		if wait, ok := b.inflight[targetPort]; ok {
			b.mu.Unlock()
			<-wait
			continue
		}
		done := make(chan struct{})
		b.inflight[targetPort] = done
		b.mu.Unlock()

		entry, err := b.create(targetPort)

		b.mu.Lock()
		delete(b.inflight, targetPort)
		if err == nil {
			b.entries[targetPort] = entry
			metrics.BridgeListeners.Inc()
		}
		b.mu.Unlock()
		close(done)

		if err != nil {
			return nil, err
		}
		return entry, nil
	}
}

// create binds a fresh listener and starts its accept loop
func (b *Bridge) create(targetPort int) (*Entry, error) {
	ln, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind bridge listener for port %d: %w", targetPort, err)
	}

	entry := &Entry{
		TargetPort: targetPort,
		BridgePort: ln.Addr().(*net.TCPAddr).Port,
		listener:   ln,
	}
	logger.Info("Bridge listening on :%d -> 127.0.0.1:%d", entry.BridgePort, targetPort)

	go b.acceptLoop(entry)
	return entry, nil
}

func (b *Bridge) acceptLoop(entry *Entry) {
	for {
		conn, err := entry.listener.Accept()
		if err != nil {
			// Listener closed on shutdown
			return
		}
		go b.forward(conn, entry.TargetPort)
	}
}

// forward pipes bytes between an accepted connection and the host
// loopback target; either side's error tears down both.
func (b *Bridge) forward(client net.Conn, targetPort int) {
	target, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(targetPort)))
	if err != nil {
		logger.Error("Bridge connect to 127.0.0.1:%d failed: %v", targetPort, err)
		_ = client.Close()
		return
	}

	metrics.BridgeConnections.Inc()
	defer metrics.BridgeConnections.Dec()

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go pipe(target, client)
	go pipe(client, target)

	<-done
	_ = client.Close()
	_ = target.Close()
	<-done
}

// RewriteForHostGateway rewrites a loopback URL to point at the gateway
// host and the bridged port. Non-loopback URLs are returned unchanged, as
// are loopback ports with no bridge entry. Idempotent.
func (b *Bridge) RewriteForHostGateway(rawURL, gateway string) string {
	port, ok := loopbackPort(rawURL)
	if !ok {
		return rawURL
	}

	b.mu.Lock()
	entry, ok := b.entries[port]
	b.mu.Unlock()
	if !ok {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Host = net.JoinHostPort(gateway, strconv.Itoa(entry.BridgePort))
	return u.String()
}

// Shutdown closes every listener and forgets all entries. In-flight
// ensures are released; connections already piping finish on their own.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	entries := b.entries
	b.entries = make(map[int]*Entry)
	b.inflight = make(map[int]chan struct{})
	b.closed = true
	b.mu.Unlock()

	for _, e := range entries {
		_ = e.listener.Close()
		metrics.BridgeListeners.Dec()
	}
}

// Entries returns a snapshot of active bridges
func (b *Bridge) Entries() []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	return out
}

// loopbackPort extracts the target port from a loopback http URL.
// Returns false for non-http schemes and non-loopback hosts; https URLs
// pass through unbridged and unrewritten.
func loopbackPort(rawURL string) (int, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	if u.Scheme != "http" {
		return 0, false
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return 0, false
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return 0, false
		}
		return port, true
	}
	return 80, true
}
