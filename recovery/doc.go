// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery reconnects peers after a connection drops.
//
// When a peer disconnects the [Manager] starts a retry chain for it.
// Attempt n waits [Policy.Backoff](n) (base delay doubling, capped)
// and then runs the injected reconnect function, usually a [Chain] of
// strategies tried in order:
//
//   - [Direct]: re-signal over whatever signaling channel is live.
//   - [GroupRendezvous]: meet at the mesh-wide rendezvous code for the
//     current time slot and its neighbours.
//   - [Phonebook]: walk known members and try the pairwise rendezvous
//     code with each.
//
// A chain ends on the first success, on cancellation, or after
// [Policy].MaxAttempts failures. A peer whose membership record has not
// been seen for [Policy].StaleAfter is never retried automatically;
// the observer receives a bootstrap code for an operator to share.
// Chains for one peer start at most once per [Policy].MinInterval.
//
// In-progress transfer state survives the drop in a [Store] of
// [Session] values, one per peer, expiring after a TTL. A successful
// reconnection hands the session back so the transfer resumes without
// resending completed items.
package recovery
