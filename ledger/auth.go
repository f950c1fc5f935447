// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/bureau-foundation/syncshell/identity"
)

const removalDomain = "syncshell removal v1"

// ErrUnauthorized is returned when a removal has no valid authorization.
var ErrUnauthorized = errors.New("removal not authorized")

// Authorization is one member's signed consent to a removal.
type Authorization struct {
	Signer    []byte `cbor:"signer"`
	Signature []byte `cbor:"signature"`
}

// Authorize signs the removal of key from meshName with id.
func Authorize(id *identity.Identity, meshName string, key []byte) Authorization {
	return Authorization{
		Signer:    append([]byte(nil), id.PublicKey()...),
		Signature: id.Sign(removalMessage(meshName, key)),
	}
}

// Verify checks the authorization against meshName and key.
func (a Authorization) Verify(meshName string, key []byte) bool {
	return identity.Verify(ed25519.PublicKey(a.Signer), removalMessage(meshName, key), a.Signature)
}

// Verify checks that the tombstone carries at least one authorization
// and that every authorization is a valid signature for meshName.
func (t Tombstone) Verify(meshName string) error {
	if len(t.Authorizations) == 0 {
		return fmt.Errorf("tombstone for %s: %w", memberID(t.Key), ErrUnauthorized)
	}
	for _, authorization := range t.Authorizations {
		if !authorization.Verify(meshName, t.Key) {
			return fmt.Errorf("tombstone for %s: bad signature from %s: %w",
				memberID(t.Key), memberID(authorization.Signer), ErrUnauthorized)
		}
	}
	return nil
}

func removalMessage(meshName string, key []byte) []byte {
	var message bytes.Buffer
	message.WriteString(removalDomain)
	message.WriteByte(0)
	message.WriteString(meshName)
	message.WriteByte(0)
	message.Write(key)
	return message.Bytes()
}

// mergeAuthorizations returns the union of a and b, one per signer,
// sorted by signer.
func mergeAuthorizations(a, b []Authorization) []Authorization {
	merged := make([]Authorization, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]Authorization{a, b} {
		for _, authorization := range list {
			if seen[string(authorization.Signer)] {
				continue
			}
			seen[string(authorization.Signer)] = true
			merged = append(merged, cloneAuthorization(authorization))
		}
	}
	sortAuthorizations(merged)
	return merged
}

func cloneAuthorization(a Authorization) Authorization {
	return Authorization{
		Signer:    append([]byte(nil), a.Signer...),
		Signature: append([]byte(nil), a.Signature...),
	}
}
