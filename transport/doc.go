// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport negotiates and owns direct peer-to-peer data
// connections for a mesh.
//
// A [PeerConnection] drives one remote peer through
//
//	Created → Negotiating → CandidateExchange → DataReady → Connected
//
// with Failed and Closed reachable from any state. Every event that can
// change a connection's state (API calls, backend callbacks, timers) is
// pushed into the connection's mailbox and handled by a single actor
// goroutine, so two session descriptions can never be applied
// concurrently and no callback writes connection fields directly.
//
// Roles are asymmetric. The offerer creates the data channel before
// producing its offer; the answerer never creates one and instead
// receives the channel the offerer opened.
//
// Remote candidates that arrive before the remote description is
// applied wait in a bounded [CandidateQueue] (oldest dropped first).
// Once the description lands the queue drains one candidate per
// [Limits].DrainDelay. Each distinct candidate is applied at most once;
// apply failures are counted and logged but never fail the connection.
//
// A connection is usable only when the transport path is connected and
// the data channel is open. Some backends report the channel open just
// before the transport confirms; the connection waits in DataReady
// until the confirmation arrives.
//
// Sends above the high watermark set a backpressure flag. Further sends
// wait for the buffer to drain below the low watermark, up to
// [Limits].SendWait, then fail with [ErrBackpressure].
//
// Negotiation that does not reach Connected within
// [Limits].NegotiationTimeout, and any transport failure or disconnect,
// move the connection to Failed and report the peer as disconnected.
// The connection does not retry; the recovery package does.
//
// [Manager] is the single owner of a mesh's connections. It creates
// them idempotently, routes signaling messages to them (queueing
// candidates for peers whose connection does not exist yet), resolves
// offer glare with a fixed rule (the lexicographically smaller peer id
// is the offerer), and discards offers the local peer published itself.
//
// Negotiation engines sit behind [Backend]. [PionFactory] builds
// pion/webrtc peer connections; [LoopbackNetwork] connects backends
// in-process for tests and single-machine demos.
package transport
