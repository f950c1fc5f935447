// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/ledger"
	"github.com/bureau-foundation/syncshell/recovery"
	"github.com/bureau-foundation/syncshell/rendezvous"
	"github.com/bureau-foundation/syncshell/transport"
)

// connectionEvents receives the connection manager's callbacks.
type connectionEvents struct{ m *Mesh }

func (e connectionEvents) PeerConnected(peer string, send transport.SendFunc) {
	e.m.peerConnected(peer, send)
}

func (e connectionEvents) PeerDisconnected(peer string, reason error) {
	e.m.peerDisconnected(peer, reason)
}

func (e connectionEvents) DataReceived(peer string, data []byte) {
	e.m.dataReceived(peer, data)
}

// peerConnected admits peer: removed members and ids that are not
// keys are refused. Admitted peers are recorded in the ledger, sent a
// hello and the ledger, and handed to the application.
func (m *Mesh) peerConnected(peer string, send transport.SendFunc) {
	key, err := identity.ParsePeerID(peer)
	if err != nil {
		m.reject(peer, "peer id is not a key", err)
		return
	}
	if m.ledger.IsRemoved(key) {
		m.reject(peer, "peer was removed from the mesh", nil)
		return
	}

	m.mu.Lock()
	if m.closed || m.evicted {
		m.mu.Unlock()
		m.manager.Disconnect(peer)
		return
	}
	m.connected[peer] = send
	waiters := m.waiters[peer]
	delete(m.waiters, peer)
	m.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}

	now := m.clock.Now()
	m.ledgerMu.Lock()
	_, known := m.ledger.Member(key)
	if known {
		err = m.ledger.Touch(key, now)
	} else {
		_, err = m.ledger.AddMember(ledger.MemberRecord{Key: key, LastSeen: now})
	}
	if err == nil {
		err = m.persistLedger()
	}
	m.ledgerMu.Unlock()
	if err != nil {
		m.logger.Warn("recording connected peer failed", "peer", peer, "error", err)
	}

	m.logger.Info("peer connected", "peer", peer, "new_member", !known)
	m.greet(peer)
	if !known {
		m.app.MembershipChanged(m.ledger.Snapshot())
	}
	m.app.PeerConnected(peer, func(ctx context.Context, data []byte) error {
		return m.Send(ctx, peer, data)
	})
	m.recovery.PeerConnected(peer)
}

// greet sends the local member record and the ledger to peer.
func (m *Mesh) greet(peer string) {
	self, ok := m.ledger.Member(m.identity.PublicKey())
	if !ok {
		self = m.self
	}
	self.LastSeen = m.clock.Now()
	hello, err := encodeHello(self)
	if err != nil {
		m.logger.Error("encoding hello failed", "error", err)
		return
	}
	if err := m.sendFrame(m.ctx, peer, hello); err != nil {
		m.logger.Warn("sending hello failed", "peer", peer, "error", err)
		return
	}
	frame, err := m.ledgerFrame()
	if err != nil {
		m.logger.Error("encoding ledger failed", "error", err)
		return
	}
	if err := m.sendFrame(m.ctx, peer, frame); err != nil {
		m.logger.Warn("sending ledger failed", "peer", peer, "error", err)
	}
}

func (m *Mesh) reject(peer, why string, err error) {
	m.stats.rejectedPeers.Add(1)
	m.logger.Warn("rejecting peer", "peer", peer, "reason", why, "error", err)
	m.Disconnect(peer)
}

// peerDisconnected reports a lost connection to the application and
// hands live members to recovery along with any tracked transfer.
func (m *Mesh) peerDisconnected(peer string, reason error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	_, wasConnected := m.connected[peer]
	delete(m.connected, peer)
	progress := m.transfers[peer]
	delete(m.transfers, peer)
	evicted := m.evicted
	m.mu.Unlock()

	if wasConnected {
		m.logger.Info("peer disconnected", "peer", peer, "reason", reason)
		m.app.PeerDisconnected(peer)
	}
	if evicted {
		return
	}
	key, err := identity.ParsePeerID(peer)
	if err != nil {
		return
	}
	if _, member := m.ledger.Member(key); !member {
		return
	}
	if wasConnected {
		if err := m.ledger.Touch(key, m.clock.Now()); err != nil {
			m.logger.Debug("recording last seen failed", "peer", peer, "error", err)
		}
	}

	err = m.recovery.PeerDisconnected(peer, progress)
	switch {
	case err == nil:
	case errors.Is(err, recovery.ErrRateLimited):
		m.logger.Debug("recovery not started", "peer", peer, "error", err)
	case errors.Is(err, recovery.ErrClosed):
	default:
		m.logger.Warn("recovery not started", "peer", peer, "error", err)
	}
}

func (m *Mesh) dataReceived(peer string, data []byte) {
	if !m.connectedTo(peer) {
		return
	}
	frame, err := decodeFrame(data)
	if err != nil {
		m.stats.malformedFrames.Add(1)
		m.logger.Warn("discarding malformed frame", "peer", peer, "error", err)
		return
	}
	m.stats.framesReceived.Add(1)

	switch frame.Kind {
	case KindPayload:
		m.app.DataReceived(peer, frame.Payload)
	case KindLedger:
		m.receiveLedger(peer, frame.Payload)
	case KindHello:
		m.receiveHello(peer, frame.Payload)
	default:
		m.logger.Debug("ignoring frame of unknown kind", "peer", peer, "kind", frame.Kind.String())
	}
}

// receiveHello refreshes the sender's record from its announcement.
func (m *Mesh) receiveHello(peer string, payload []byte) {
	hello, err := decodeHello(payload)
	if err != nil {
		m.stats.malformedFrames.Add(1)
		m.logger.Warn("discarding malformed hello", "peer", peer, "error", err)
		return
	}
	record := hello.Record
	if record.ID() != peer {
		m.stats.malformedFrames.Add(1)
		m.logger.Warn("hello names another member", "peer", peer, "claimed", record.ID())
		return
	}
	record.EntrySequence = 0
	record.LastSeen = m.clock.Now()

	m.ledgerMu.Lock()
	before, known := m.ledger.Member(record.Key)
	after, err := m.ledger.AddMember(record)
	if err == nil {
		err = m.persistLedger()
	}
	m.ledgerMu.Unlock()
	if errors.Is(err, ledger.ErrRemoved) {
		m.reject(peer, "peer was removed from the mesh", err)
		return
	}
	if err != nil {
		m.logger.Warn("recording hello failed", "peer", peer, "error", err)
		return
	}
	if !known || before.Address != after.Address || !slices.Equal(before.Tags, after.Tags) {
		m.logger.Info("member updated", "peer", peer, "name", after.DisplayName(), "address", after.Address)
		m.app.MembershipChanged(m.ledger.Snapshot())
	}
}

// receiveLedger merges a peer's snapshot, persists the result and
// drops members the merge removed.
func (m *Mesh) receiveLedger(peer string, payload []byte) {
	snapshot, err := ledger.DecodeSnapshot(payload)
	if err != nil {
		m.stats.malformedFrames.Add(1)
		m.logger.Warn("discarding undecodable ledger", "peer", peer, "error", err)
		return
	}

	m.ledgerMu.Lock()
	sequence := m.ledger.Sequence()
	result, err := m.ledger.Merge(snapshot)
	if err == nil && (result.Changed() || m.ledger.Sequence() != sequence) {
		err = m.persistLedger()
	}
	m.ledgerMu.Unlock()
	if errors.Is(err, ledger.ErrForeignLedger) {
		m.reject(peer, "ledger belongs to another mesh", err)
		return
	}
	if err != nil {
		m.logger.Error("merging ledger failed", "peer", peer, "error", err)
		return
	}
	m.stats.ledgerMerges.Add(1)
	if result.RejectedTombstones > 0 {
		m.stats.rejectedTombstones.Add(uint64(result.RejectedTombstones))
		m.logger.Warn("ledger carried unauthorized removals",
			"peer", peer,
			"rejected", result.RejectedTombstones,
		)
	}
	if !result.Changed() {
		return
	}
	m.logger.Info("ledger merged",
		"peer", peer,
		"added", len(result.Added),
		"updated", len(result.Updated),
		"removed", len(result.Removed),
		"sequence", m.ledger.Sequence(),
	)
	for _, removed := range result.Removed {
		if removed == m.LocalID() {
			m.evict()
			continue
		}
		m.dropRemoved(removed)
	}
	m.app.MembershipChanged(m.ledger.Snapshot())
}

// recoveryEvents forwards recovery outcomes to the application.
type recoveryEvents struct{ m *Mesh }

func (e recoveryEvents) observer() (RecoveryObserver, bool) {
	observer, ok := e.m.app.(RecoveryObserver)
	return observer, ok
}

func (e recoveryEvents) AttemptStarted(peer string, attempt int, delay time.Duration) {
	if observer, ok := e.observer(); ok {
		observer.ReconnectAttempt(peer, attempt, delay)
	}
}

func (e recoveryEvents) Recovered(peer string, session *recovery.Session) {
	if session != nil && session.Progress != nil {
		e.m.TrackTransfer(peer, session.Progress)
	}
	e.m.logger.Info("peer recovered", "peer", peer, "resumed", session != nil)
	if observer, ok := e.observer(); ok {
		observer.PeerRecovered(peer, session)
	}
}

func (e recoveryEvents) Failed(peer string, err error) {
	if observer, ok := e.observer(); ok {
		observer.RecoveryFailed(peer, err)
	}
}

func (e recoveryEvents) BootstrapRequired(peer string, code rendezvous.Code) {
	if observer, ok := e.observer(); ok {
		observer.BootstrapRequired(peer, code)
	}
}
