package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	identityDirName     = "identity"
	privateKeyFileName  = "server.key"
	publicKeyFileName   = "server.pub"
	fingerprintEncoding = "sha256:"
)

// Identity is the server's Ed25519 identity, materialized once per data
// directory and reused across restarts.
type Identity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// LoadOrCreateIdentity returns the identity stored under dataDir, generating
// and persisting a new keypair on first run. The private key file is written
// with mode 0600, the public key 0644, and the containing directory 0700.
func LoadOrCreateIdentity(dataDir string) (*Identity, error) {
	dir := filepath.Join(dataDir, identityDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFileName)
	pubPath := filepath.Join(dir, publicKeyFileName)

	priv, err := os.ReadFile(privPath)
	if err == nil {
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("corrupt private key file %s: %d bytes", privPath, len(priv))
		}
		key := ed25519.PrivateKey(priv)
		return &Identity{
			PrivateKey: key,
			PublicKey:  key.Public().(ed25519.PublicKey),
		}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	if err := os.WriteFile(privPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	return &Identity{PrivateKey: key, PublicKey: pub}, nil
}

// Fingerprint returns sha256:<base64url(sha256(raw public key))>
func (i *Identity) Fingerprint() string {
	sum := sha256.Sum256(i.PublicKey)
	return fingerprintEncoding + base64.RawURLEncoding.EncodeToString(sum[:])
}

// Sign signs the message with the server's private key
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.PrivateKey, message)
}

// Verify checks a signature against the server's public key
func (i *Identity) Verify(message, sig []byte) bool {
	return ed25519.Verify(i.PublicKey, message, sig)
}
