// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mesh runs one participant of a syncshell: a small group of
// peers sharing a name and a secret, connected pairwise over WebRTC
// data channels and agreeing on a gossiped membership ledger.
//
// A [Mesh] owns the connection manager, the signaling channel, the
// ledger and the recovery manager, and wires them together:
//
//   - every new connection exchanges a hello (the sender's member
//     record) and a ledger snapshot; snapshots are merged, persisted
//     and reported to the application
//   - the ledger is rebroadcast to every connected peer on a fixed
//     interval so removals reach peers that were offline
//   - dropped connections hand their in-flight transfer progress to the
//     recovery manager, which retries directly, then over the group
//     rendezvous code, then over pairwise codes with every known member
//   - peers whose tombstone is in the ledger are disconnected and never
//     readmitted by a connection alone
//
// Application payloads travel inside frames of kind [KindPayload]; the
// application never sees hello or ledger frames.
package mesh
