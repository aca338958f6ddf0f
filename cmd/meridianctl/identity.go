package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/cuemby/meridian/pkg/identity"
)

// loadOrCreateIdentity reads a hex-encoded ed25519 private key from
// path, generating and persisting a fresh one if the file doesn't
// exist yet — the same "first run mints, later runs reuse" shape the
// teacher's join-token flow uses for cluster secrets.
func loadOrCreateIdentity(path string) (*identity.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, decErr := hex.DecodeString(string(data))
		if decErr != nil {
			return nil, fmt.Errorf("meridianctl: decode identity file %s: %w", path, decErr)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("meridianctl: identity file %s has wrong key size", path)
		}
		return identity.FromPrivateKey(ed25519.PrivateKey(raw)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("meridianctl: read identity file %s: %w", path, err)
	}

	kp, genErr := identity.Generate()
	if genErr != nil {
		return nil, fmt.Errorf("meridianctl: generate identity: %w", genErr)
	}
	encoded := hex.EncodeToString(kp.PrivateKey)
	if writeErr := os.WriteFile(path, []byte(encoded), 0o600); writeErr != nil {
		return nil, fmt.Errorf("meridianctl: write identity file %s: %w", path, writeErr)
	}
	return kp, nil
}
