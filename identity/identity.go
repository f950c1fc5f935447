// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity holds the local peer's Ed25519 key and derives the
// peer id string used everywhere else: in the ledger, in signaling
// messages, and as the tie-break for offer glare.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var peerIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Identity is a peer's signing key pair.
type Identity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return &Identity{public: public, private: private}, nil
}

// FromSeed derives an identity from a 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return &Identity{public: private.Public().(ed25519.PublicKey), private: private}, nil
}

// LoadOrGenerate loads the seed stored at path, or generates a new
// identity and writes its seed there with 0600 permissions. The bool
// reports whether the identity was newly generated.
func LoadOrGenerate(path string) (*Identity, bool, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		id, err := FromSeed(seed)
		if err != nil {
			return nil, false, fmt.Errorf("loading %s: %w", path, err)
		}
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("reading identity key: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(path, id.private.Seed(), 0o600); err != nil {
		return nil, false, fmt.Errorf("writing identity key: %w", err)
	}
	return id, true, nil
}

// ID returns the peer id: unpadded lowercase base32 of the public key.
func (id *Identity) ID() string { return PeerID(id.public) }

// PublicKey returns the public half.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.public }

// Sign signs message with the private key.
func (id *Identity) Sign(message []byte) []byte { return ed25519.Sign(id.private, message) }

// PeerID renders a public key as a peer id.
func PeerID(public ed25519.PublicKey) string {
	return strings.ToLower(peerIDEncoding.EncodeToString(public))
}

// ParsePeerID recovers the public key from a peer id.
func ParsePeerID(peerID string) (ed25519.PublicKey, error) {
	raw, err := peerIDEncoding.DecodeString(strings.ToUpper(peerID))
	if err != nil {
		return nil, fmt.Errorf("peer id %q: %w", peerID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("peer id %q decodes to %d bytes, want %d", peerID, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify reports whether signature is a valid signature of message by
// public. Keys of the wrong length never verify.
func Verify(public ed25519.PublicKey, message, signature []byte) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, message, signature)
}
