// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger is a mesh's membership roster: who belongs, where they
// were last reachable, and who has been removed.
//
// Every mutation advances a monotonic sequence counter. A member carries
// the sequence at which it was inserted (its entry sequence); a removal
// leaves a [Tombstone] carrying the sequence at which it happened. When
// a key has both, the tombstone wins if its removal sequence is greater
// than or equal to the entry sequence. A removed member therefore comes
// back only through [Ledger.Readmit], which inserts it at a fresh, higher
// sequence.
//
// Peers exchange ledgers as [Snapshot] values and combine them with
// [Ledger.Merge]. Merge is a union followed by tombstone precedence and
// is commutative: merging X into Y and Y into X gives the same roster.
// Within a member record the address, last-seen time, and tags come from
// whichever copy was seen most recently.
//
// A ledger is bound to its mesh name and to an Argon2id hash of the mesh
// secret. Snapshots from another mesh, or from the same name with a
// different secret, are rejected with [ErrForeignLedger].
//
// Removals must carry at least one [Authorization]: an Ed25519 signature
// by a member over the mesh name and the removed key. Tombstones whose
// authorizations do not verify are dropped during merge.
//
// Snapshots serialize as deterministic CBOR inside the versioned,
// zstd-compressed frame from lib/persist, so the bytes are identical on
// every peer and the same encoding serves both disk and wire.
package ledger
