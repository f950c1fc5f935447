// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling delivers session descriptions and candidates
// between peers that have no connection yet.
//
// Every variant implements [Channel]:
//
//   - [InviteChannel] packs an offer or answer and its candidates into
//     a copy-pasteable code (CBOR, lz4, optionally sealed with age to
//     the mesh passphrase, base64url).
//   - [RelayChannel] publishes signed, content-addressed events to any
//     number of independent websocket relays and subscribes to a
//     topic derived from the session. [RelayHub] is a relay.
//   - [MailboxChannel] stores and polls messages in a short-lived
//     mailbox on an HTTP server. [MailboxServer] is that server.
//   - [MemoryChannel] connects peers in-process through a [MemoryHub].
//   - [Failover] tries channels in order.
//
// Channels scope messages to sessions and stamp each with its sender.
// A channel that cannot reach any of its backends returns an error
// wrapping [ErrUnavailable] rather than dropping messages, so the
// caller can fail over.
package signaling
