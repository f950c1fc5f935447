// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the single CBOR configuration used for every blob
// the mesh persists or exchanges: ledger snapshots, recovery sessions,
// invite payloads, and data-channel frames.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// shortest integers, definite lengths. Two peers that hold the same
// logical ledger therefore produce byte-identical snapshots, which is
// what lets snapshots be compared and hashed across the mesh.
//
// Decoding ignores unknown fields so that a newer peer can add fields
// without breaking an older one.
//
// Types that are only ever CBOR use `cbor` struct tags with short keys.
// Types that are also rendered as JSON (CLI output) use `json` tags,
// which fxamacker/cbor falls back to when no `cbor` tag is present.
package codec
