// Package identity materializes a stable Ed25519 server identity in the
// data directory (spec.md §9 side note), using crypto/ed25519 directly — no
// ecosystem library improves on the stdlib primitive for a bare keypair
// (see DESIGN.md).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "identity.key"
	publicKeyFile  = "identity.pub"

	dirMode     = 0o700
	privKeyMode = 0o600
	pubKeyMode  = 0o644
)

// Identity is the materialized server keypair and its public fingerprint.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Fingerprint string
}

// Load reads the keypair from dataDir, generating and persisting one on
// first run. Subsequent calls against the same dataDir return the same
// identity.
func Load(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, dirMode); err != nil {
		return nil, fmt.Errorf("identity: create data dir: %w", err)
	}

	privPath := filepath.Join(dataDir, privateKeyFile)
	pubPath := filepath.Join(dataDir, publicKeyFile)

	priv, err := os.ReadFile(privPath)
	switch {
	case err == nil:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: %s has unexpected length %d", privPath, len(priv))
		}
		return fromPrivateKey(ed25519.PrivateKey(priv)), nil
	case os.IsNotExist(err):
		return generate(privPath, pubPath)
	default:
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}
}

func generate(privPath, pubPath string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	if err := os.WriteFile(privPath, priv, privKeyMode); err != nil {
		return nil, fmt.Errorf("identity: write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pub, pubKeyMode); err != nil {
		return nil, fmt.Errorf("identity: write public key: %w", err)
	}
	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		PublicKey:   pub,
		PrivateKey:  priv,
		Fingerprint: Fingerprint(pub),
	}
}

// Fingerprint computes "sha256:<base64url(sha256(rawPublicKey))>" for pub.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "sha256:" + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
}
