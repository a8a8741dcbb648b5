package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreateIdentity_CreatesAndReloads(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error = %v", err)
	}

	// Same key on reload
	id2, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() reload error = %v", err)
	}
	if id1.Fingerprint() != id2.Fingerprint() {
		t.Errorf("fingerprint changed on reload: %s vs %s", id1.Fingerprint(), id2.Fingerprint())
	}
}

func TestIdentity_FileModes(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrCreateIdentity(dir); err != nil {
		t.Fatal(err)
	}

	keyDir := filepath.Join(dir, "identity")
	dirInfo, err := os.Stat(keyDir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("identity dir mode = %o, want 700", perm)
	}

	privInfo, err := os.Stat(filepath.Join(keyDir, "server.key"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := privInfo.Mode().Perm(); perm != 0o600 {
		t.Errorf("private key mode = %o, want 600", perm)
	}

	pubInfo, err := os.Stat(filepath.Join(keyDir, "server.pub"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := pubInfo.Mode().Perm(); perm != 0o644 {
		t.Errorf("public key mode = %o, want 644", perm)
	}
}

func TestIdentity_Fingerprint(t *testing.T) {
	dir := t.TempDir()
	id, err := LoadOrCreateIdentity(dir)
	if err != nil {
		t.Fatal(err)
	}

	fp := id.Fingerprint()
	if !strings.HasPrefix(fp, "sha256:") {
		t.Errorf("fingerprint %q missing sha256: prefix", fp)
	}
	// base64url of a 32-byte digest, unpadded
	if got := len(strings.TrimPrefix(fp, "sha256:")); got != 43 {
		t.Errorf("fingerprint payload length = %d, want 43", got)
	}
	if strings.ContainsAny(fp, "+/=") {
		t.Errorf("fingerprint %q not base64url-encoded", fp)
	}
}

func TestIdentity_SignVerify(t *testing.T) {
	id, err := LoadOrCreateIdentity(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("outpost handshake")
	sig := id.Sign(msg)
	if !id.Verify(msg, sig) {
		t.Error("signature did not verify")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Error("signature verified against wrong message")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	// Burst of 2 allowed immediately
	if !rl.Allow("s1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("s1") {
		t.Error("second request (burst) should be allowed")
	}
	if rl.Allow("s1") {
		t.Error("third immediate request should be limited")
	}

	// Independent keys
	if !rl.Allow("s2") {
		t.Error("other session should have its own budget")
	}
}
