// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persist stores the mesh's durable state (membership ledgers
// and recovery sessions) under an externally provided storage root.
//
// Each blob is one file, written atomically (temporary file, fsync,
// rename, fsync of the parent directory) so a reader never sees a
// partial write. The on-disk frame is:
//
//	magic "SSH1" | kind (1 byte) | format version (1 byte) | zstd(CBOR body)
//
// The format version belongs to the caller: the ledger bumps it when
// its field set changes incompatibly, and [Root.Read] reports it so
// the caller can decide how to decode.
//
// A [Root] holds an exclusive flock on <root>/.lock for its lifetime;
// two processes sharing a storage root would otherwise race their
// ledger writes.
package persist
