// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/ledger"
	"github.com/bureau-foundation/syncshell/recovery"
	"github.com/bureau-foundation/syncshell/rendezvous"
	"github.com/bureau-foundation/syncshell/transport"
)

// rendezvousSessionPrefix namespaces rendezvous codes among signaling
// sessions.
const rendezvousSessionPrefix = "rv:"

// reconnectChain is the recovery function: the home session first,
// then the group rendezvous code, then pairwise codes with every
// known member.
func (m *Mesh) reconnectChain(directory recovery.Directory) recovery.ReconnectFunc {
	params := recovery.MeshParams{
		MeshID: m.id,
		Secret: m.secret,
		Window: m.config.Recovery.SlotWindow.Std(),
	}
	meeter := recovery.MeeterFunc(m.meet)
	return recovery.Chain(m.logger,
		recovery.Direct(func(ctx context.Context, peer string) error {
			return m.dial(ctx, peer, HomeSession)
		}),
		recovery.GroupRendezvous(params, m.clock, meeter),
		recovery.Phonebook(params, m.LocalID(), directory, m.clock, meeter),
	)
}

// meet joins the session named by code and, when the local id is the
// smaller of the pair, offers to peer there. The larger side waits for
// that offer. Either way it returns once peer is connected or the
// connect timeout passes.
func (m *Mesh) meet(ctx context.Context, peer string, code rendezvous.Code) error {
	if m.connectedTo(peer) {
		return nil
	}
	session := rendezvousSessionPrefix + code.String()
	if err := m.channel.Join(ctx, session); err != nil {
		return fmt.Errorf("joining rendezvous %s: %w", code, err)
	}
	defer m.channel.Leave(session)

	if m.LocalID() < peer {
		return m.dial(ctx, peer, session)
	}
	up, release := m.watch(peer)
	defer release()
	return m.await(ctx, peer, up)
}

// dial offers a connection to peer in session and waits for it. An
// unfinished offer left by an earlier attempt is discarded first so
// every attempt starts from a fresh offer.
func (m *Mesh) dial(ctx context.Context, peer, session string) error {
	if peer == m.LocalID() {
		return fmt.Errorf("dialing %s: cannot dial the local identity", peer)
	}
	up, release := m.watch(peer)
	defer release()
	select {
	case <-up:
		return m.usable()
	default:
	}

	m.discardStale(peer)
	if err := m.manager.Connect(ctx, peer, session); err != nil {
		return err
	}
	return m.await(ctx, peer, up)
}

// await waits for up, giving up after the connect timeout. A
// negotiation still pending at that point is discarded.
func (m *Mesh) await(ctx context.Context, peer string, up <-chan struct{}) error {
	select {
	case <-up:
		return m.usable()
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(m.connectTimeout):
		m.discardStale(peer)
		return fmt.Errorf("%s not connected after %s: %w", peer, m.connectTimeout, transport.ErrNegotiationTimeout)
	}
}

// discardStale drops an unfinished local offer to peer. A connection
// answering the peer's own offer is left to finish.
func (m *Mesh) discardStale(peer string) {
	pc, ok := m.manager.Peer(peer)
	if ok && pc.Role() == transport.RoleOfferer && pc.State() != transport.StateConnected {
		m.manager.Disconnect(peer)
	}
}

// watch returns a channel closed once peer is connected (immediately
// if it already is) and a release function.
func (m *Mesh) watch(peer string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connected[peer]; ok || m.closed {
		close(ch)
		return ch, func() {}
	}
	m.waiters[peer] = append(m.waiters[peer], ch)
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		waiting := m.waiters[peer]
		for i, candidate := range waiting {
			if candidate == ch {
				m.waiters[peer] = append(waiting[:i], waiting[i+1:]...)
				break
			}
		}
		if len(m.waiters[peer]) == 0 {
			delete(m.waiters, peer)
		}
	}
}

func (m *Mesh) connectedTo(peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connected[peer]
	return ok
}

// ledgerDirectory exposes the ledger to the recovery manager.
type ledgerDirectory struct {
	ledger *ledger.Ledger
}

func (d ledgerDirectory) Peers() []string {
	members := d.ledger.AllMembers()
	peers := make([]string, 0, len(members))
	for _, member := range members {
		peers = append(peers, member.ID())
	}
	return peers
}

func (d ledgerDirectory) LastSeen(peer string) (time.Time, bool) {
	record, ok := d.record(peer)
	if !ok || record.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return record.LastSeen, true
}

func (d ledgerDirectory) Address(peer string) string {
	record, _ := d.record(peer)
	return record.Address
}

func (d ledgerDirectory) record(peer string) (ledger.MemberRecord, bool) {
	key, err := identity.ParsePeerID(peer)
	if err != nil {
		return ledger.MemberRecord{}, false
	}
	return d.ledger.Member(key)
}
