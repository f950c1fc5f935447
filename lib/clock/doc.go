// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in the mesh core:
// negotiation timeouts, candidate drain pacing, backpressure waits,
// reconnection backoff, relay and mailbox polling, and the periodic
// ledger broadcast.
//
// Components hold a [Clock] field and never call time.Now, time.After
// or time.AfterFunc directly. Production wiring passes [Real]; tests
// pass a [FakeClock] and drive it explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := recovery.NewManager(recovery.Options{Clock: fake, ...})
//	manager.PeerDisconnected("peer-b", nil)
//	fake.WaitForTimers(1)
//	fake.Advance(2 * time.Second) // first retry fires
//
// [FakeClock.WaitForTimers] blocks until a goroutine has registered its
// timer, which removes the race between registration and Advance.
package clock
