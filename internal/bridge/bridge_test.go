package bridge

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
)

// startEchoServer returns a loopback TCP server that echoes one line
func startEchoServer(t *testing.T) (port int, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start echo server: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				line, err := bufio.NewReader(c).ReadString('\n')
				if err != nil {
					return
				}
				fmt.Fprintf(c, "echo:%s", line)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() { _ = ln.Close() }
}

func TestEnsure_ForwardsBytes(t *testing.T) {
	port, cleanup := startEchoServer(t)
	defer cleanup()

	b := New()
	defer b.Shutdown()

	entry, err := b.Ensure(port)
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if entry.TargetPort != port {
		t.Errorf("TargetPort = %d, want %d", entry.TargetPort, port)
	}
	if entry.BridgePort == 0 {
		t.Error("BridgePort not assigned")
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", entry.BridgePort))
	if err != nil {
		t.Fatalf("failed to dial bridge: %v", err)
	}
	defer conn.Close()

	fmt.Fprintln(conn, "hello")
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read through bridge: %v", err)
	}
	if reply != "echo:hello\n" {
		t.Errorf("reply = %q, want %q", reply, "echo:hello\n")
	}
}

func TestEnsure_OneListenerPerPort(t *testing.T) {
	port, cleanup := startEchoServer(t)
	defer cleanup()

	b := New()
	defer b.Shutdown()

	e1, err := b.Ensure(port)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := b.Ensure(port)
	if err != nil {
		t.Fatal(err)
	}
	if e1 != e2 {
		t.Error("second Ensure created a new entry")
	}
	if len(b.Entries()) != 1 {
		t.Errorf("entry count = %d, want 1", len(b.Entries()))
	}
}

func TestEnsure_ConcurrentCoalesced(t *testing.T) {
	port, cleanup := startEchoServer(t)
	defer cleanup()

	b := New()
	defer b.Shutdown()

	var wg sync.WaitGroup
	results := make([]*Entry, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := b.Ensure(port)
			if err != nil {
				t.Errorf("Ensure() error = %v", err)
				return
			}
			results[i] = e
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent ensures produced distinct entries")
		}
	}
	if len(b.Entries()) != 1 {
		t.Errorf("entry count = %d, want 1", len(b.Entries()))
	}
}

func TestEnsureForBaseURLs(t *testing.T) {
	port, cleanup := startEchoServer(t)
	defer cleanup()

	b := New()
	defer b.Shutdown()

	urls := []string{
		fmt.Sprintf("http://127.0.0.1:%d", port),
		fmt.Sprintf("http://localhost:%d/api", port), // same port, deduped
		"https://example.com:9000",                   // non-loopback, ignored
		"https://127.0.0.1:8443",                     // https, ignored
		"ftp://127.0.0.1:21",                         // non-http, ignored
	}
	if err := b.EnsureForBaseURLs(urls); err != nil {
		t.Fatalf("EnsureForBaseURLs() error = %v", err)
	}
	if len(b.Entries()) != 1 {
		t.Errorf("entry count = %d, want 1", len(b.Entries()))
	}

	// A second identical call creates no new listeners
	if err := b.EnsureForBaseURLs(urls[:1]); err != nil {
		t.Fatal(err)
	}
	if len(b.Entries()) != 1 {
		t.Errorf("entry count after repeat = %d, want 1", len(b.Entries()))
	}
}

func TestRewriteForHostGateway(t *testing.T) {
	port, cleanup := startEchoServer(t)
	defer cleanup()

	b := New()
	defer b.Shutdown()

	entry, err := b.Ensure(port)
	if err != nil {
		t.Fatal(err)
	}

	in := fmt.Sprintf("http://127.0.0.1:%d/", port)
	got := b.RewriteForHostGateway(in, "host.internal")
	want := fmt.Sprintf("http://host.internal:%d/", entry.BridgePort)
	if got != want {
		t.Errorf("RewriteForHostGateway() = %q, want %q", got, want)
	}

	// Idempotent: rewriting the result is a noop
	if again := b.RewriteForHostGateway(got, "host.internal"); again != got {
		t.Errorf("second rewrite changed url: %q -> %q", got, again)
	}

	// Non-loopback URLs pass through
	ext := "https://api.example.com/v1"
	if got := b.RewriteForHostGateway(ext, "host.internal"); got != ext {
		t.Errorf("external url rewritten: %q", got)
	}

	// Loopback without a bridge entry passes through
	other := "http://127.0.0.1:1/"
	if got := b.RewriteForHostGateway(other, "host.internal"); got != other {
		t.Errorf("unbridged loopback rewritten: %q", got)
	}

	// https loopback is never rewritten, even with a bridge on that port
	sec := fmt.Sprintf("https://127.0.0.1:%d/", port)
	if got := b.RewriteForHostGateway(sec, "host.internal"); got != sec {
		t.Errorf("https loopback rewritten: %q", got)
	}
}

func TestShutdown(t *testing.T) {
	port, cleanup := startEchoServer(t)
	defer cleanup()

	b := New()
	entry, err := b.Ensure(port)
	if err != nil {
		t.Fatal(err)
	}
	b.Shutdown()

	if len(b.Entries()) != 0 {
		t.Error("entries not cleared on shutdown")
	}
	if _, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", entry.BridgePort)); err == nil {
		t.Error("bridge listener still accepting after shutdown")
	}
	if _, err := b.Ensure(port); err == nil || !strings.Contains(err.Error(), "shut down") {
		t.Errorf("Ensure after shutdown error = %v, want shut down error", err)
	}
}

func TestLoopbackPort(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantPort int
		wantOK   bool
	}{
		{"ipv4 loopback", "http://127.0.0.1:5000", 5000, true},
		{"localhost", "http://localhost:3000/path", 3000, true},
		{"ipv6 loopback", "http://[::1]:8080", 8080, true},
		{"default http port", "http://localhost", 80, true},
		{"https loopback untouched", "https://localhost:8443", 0, false},
		{"external host", "http://example.com:5000", 0, false},
		{"non-http scheme", "ftp://127.0.0.1:21", 0, false},
		{"garbage", "://nope", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, ok := loopbackPort(tt.url)
			if port != tt.wantPort || ok != tt.wantOK {
				t.Errorf("loopbackPort(%q) = (%d, %v), want (%d, %v)", tt.url, port, ok, tt.wantPort, tt.wantOK)
			}
		})
	}
}
