// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/signaling"
)

// signalTimeout bounds one outbound signaling call made on behalf of a
// connection (forwarding a candidate, sending an answer).
const signalTimeout = 10 * time.Second

// maxOrphanPeers bounds how many unknown peers may have candidates
// waiting for a connection.
const maxOrphanPeers = 256

// pendingPrefix marks the key of an offer whose answerer is not known
// yet (an invite code). Peer ids never contain it.
const pendingPrefix = "?"

// SendFunc writes data to one connected peer.
type SendFunc func(ctx context.Context, data []byte) error

// Observer receives connection events. Calls for one peer arrive in
// order, on that connection's hook goroutine.
type Observer interface {
	PeerConnected(peer string, send SendFunc)
	PeerDisconnected(peer string, reason error)
	DataReceived(peer string, data []byte)
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// LocalID is this peer's id. It decides offer glare and identifies
	// self-echoed signaling.
	LocalID string

	Backend  BackendFactory
	Observer Observer
	Clock    clock.Clock
	Logger   *slog.Logger
	Limits   Limits
	Label    string
}

// ManagerStats are cumulative counters. Transient conditions are
// counted here instead of being reported as errors.
type ManagerStats struct {
	Created          uint64
	Duplicates       uint64
	OrphanCandidates uint64
	OrphansDropped   uint64
	DroppedAnswers   uint64
	DuplicateAnswers uint64
	SelfEchoes       uint64
	GlareYielded     uint64
	GlareIgnored     uint64
	SignalFailures   uint64
}

// Manager owns every PeerConnection of one mesh. At most one live
// connection exists per peer id.
type Manager struct {
	localID  string
	factory  BackendFactory
	observer Observer
	clock    clock.Clock
	logger   *slog.Logger
	limits   Limits
	label    string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	peers   map[string]*managedPeer
	orphans map[string]*CandidateQueue
	hosted  map[string]map[string]struct{}
	channel signaling.Channel
	closed  bool

	stats managerCounters
}

type managedPeer struct {
	pc *PeerConnection

	// Guarded by Manager.mu. key changes once when an invite's
	// answerer becomes known.
	key     string
	session string

	// Local candidates are held until the offer or answer they belong
	// to has been sent, so no receiver sees them ahead of it.
	described bool
	held      []Candidate
}

type managerCounters struct {
	created          atomic.Uint64
	duplicates       atomic.Uint64
	orphanCandidates atomic.Uint64
	orphansDropped   atomic.Uint64
	droppedAnswers   atomic.Uint64
	duplicateAnswers atomic.Uint64
	selfEchoes       atomic.Uint64
	glareYielded     atomic.Uint64
	glareIgnored     atomic.Uint64
	signalFailures   atomic.Uint64
}

// NewManager returns a Manager with no connections.
func NewManager(options ManagerOptions) *Manager {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Limits == (Limits{}) {
		options.Limits = DefaultLimits()
	}
	if options.Observer == nil {
		options.Observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		localID:  options.LocalID,
		factory:  options.Backend,
		observer: options.Observer,
		clock:    options.Clock,
		logger:   options.Logger,
		limits:   options.Limits,
		label:    options.Label,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]*managedPeer),
		orphans:  make(map[string]*CandidateQueue),
		hosted:   make(map[string]map[string]struct{}),
	}
}

// LocalID returns this peer's id.
func (m *Manager) LocalID() string { return m.localID }

// Attach routes channel's inbound messages to this manager and sends
// outbound signaling through it. A manager is wired to one channel;
// attaching again replaces it.
func (m *Manager) Attach(channel signaling.Channel) {
	m.mu.Lock()
	m.channel = channel
	m.mu.Unlock()

	channel.SetHandler(signaling.Handler{
		OfferReceived:     m.handleOffer,
		AnswerReceived:    m.handleAnswer,
		CandidateReceived: m.handleCandidate,
	})
}

// Host records an offer published in session so it is recognized and
// discarded if a channel echoes it back.
func (m *Manager) Host(session, offer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	digests, ok := m.hosted[session]
	if !ok {
		digests = make(map[string]struct{})
		m.hosted[session] = digests
	}
	digests[offerDigest(offer)] = struct{}{}
}

// Unhost forgets the offers published in session.
func (m *Manager) Unhost(session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosted, session)
}

// isOwnOffer reports whether message carries an offer this manager
// published in a session it is hosting.
func (m *Manager) isOwnOffer(message signaling.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	digests, ok := m.hosted[message.Session]
	if !ok {
		return false
	}
	_, own := digests[offerDigest(message.SDP)]
	return own
}

// Hosting reports whether the manager has published offers in session.
func (m *Manager) Hosting(session string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.hosted[session]
	return ok
}

// Create returns the live connection to peer, creating one with role
// if none exists. When two callers race, both build a connection but
// only one is kept; the other is closed and counted as a duplicate.
// The bool reports whether this call created the returned connection.
func (m *Manager) Create(peer string, role Role) (*PeerConnection, bool, error) {
	entry, created, err := m.create(peer, role, "")
	if err != nil {
		return nil, false, err
	}
	return entry.pc, created, nil
}

func (m *Manager) create(key string, role Role, session string) (*managedPeer, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrClosed
	}
	if existing, ok := m.peers[key]; ok && !existing.pc.State().Terminal() {
		m.mu.Unlock()
		return existing, false, nil
	}
	m.mu.Unlock()

	// Build outside the lock: backend construction allocates sockets.
	entry := &managedPeer{key: key, session: session}
	pc, err := NewPeerConnection(PeerOptions{
		Peer:    key,
		Role:    role,
		Label:   m.label,
		Backend: m.factory,
		Clock:   m.clock,
		Logger:  m.logger,
		Hooks:   m.hooksFor(entry),
		Limits:  m.limits,
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating connection to %s: %w", key, err)
	}
	entry.pc = pc

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pc.Close()
		return nil, false, ErrClosed
	}
	if existing, ok := m.peers[key]; ok && !existing.pc.State().Terminal() {
		m.mu.Unlock()
		pc.Close()
		m.stats.duplicates.Add(1)
		m.logger.Debug("discarded duplicate connection", "peer", key)
		return existing, false, nil
	}
	m.peers[key] = entry
	orphans := m.orphans[key]
	delete(m.orphans, key)
	m.mu.Unlock()

	m.stats.created.Add(1)
	if orphans != nil {
		for _, candidate := range orphans.Drain() {
			pc.AddRemoteCandidate(candidate)
		}
	}
	return entry, true, nil
}

// CreateOffer returns the local offer for peer, creating an offering
// connection if needed.
func (m *Manager) CreateOffer(ctx context.Context, peer string) (string, error) {
	entry, _, err := m.create(peer, RoleOfferer, "")
	if err != nil {
		return "", err
	}
	return entry.pc.CreateOffer(ctx)
}

// CreateAnswer applies offer from peer and returns the local answer,
// creating an answering connection if needed.
func (m *Manager) CreateAnswer(ctx context.Context, peer, offer string) (string, error) {
	entry, _, err := m.create(peer, RoleAnswerer, "")
	if err != nil {
		return "", err
	}
	return entry.pc.CreateAnswer(ctx, offer)
}

// SetRemoteAnswer applies peer's answer. An answer for a peer with no
// connection, or a second answer, is logged and dropped.
func (m *Manager) SetRemoteAnswer(ctx context.Context, peer, answer string) error {
	m.mu.Lock()
	entry := m.peers[peer]
	m.mu.Unlock()
	return m.applyAnswer(ctx, entry, peer, answer)
}

func (m *Manager) applyAnswer(ctx context.Context, entry *managedPeer, peer, answer string) error {
	if entry == nil {
		m.stats.droppedAnswers.Add(1)
		m.logger.Info("answer without a pending offer dropped", "peer", peer)
		return nil
	}
	err := entry.pc.SetRemoteAnswer(ctx, answer)
	if errors.Is(err, ErrDuplicateAnswer) {
		m.stats.duplicateAnswers.Add(1)
		m.logger.Debug("duplicate answer ignored", "peer", peer)
		return nil
	}
	return err
}

// AddCandidate routes a remote candidate to peer's connection, or
// holds it until that connection is created.
func (m *Manager) AddCandidate(peer string, candidate Candidate) {
	m.mu.Lock()
	entry, ok := m.peers[peer]
	if ok && !entry.pc.State().Terminal() {
		m.mu.Unlock()
		entry.pc.AddRemoteCandidate(candidate)
		return
	}
	defer m.mu.Unlock()
	if candidate.EndOfCandidates() {
		return
	}
	queue, ok := m.orphans[peer]
	if !ok {
		if len(m.orphans) >= maxOrphanPeers {
			m.stats.orphansDropped.Add(1)
			return
		}
		queue = NewCandidateQueue(m.limits.CandidateQueue)
		m.orphans[peer] = queue
	}
	if queue.Push(candidate) {
		m.stats.orphansDropped.Add(1)
	}
	m.stats.orphanCandidates.Add(1)
}

// Send writes data to peer.
func (m *Manager) Send(ctx context.Context, peer string, data []byte) error {
	m.mu.Lock()
	entry, ok := m.peers[peer]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return entry.pc.Send(ctx, data)
}

// Disconnect closes peer's connection. No disconnect event is
// reported for a connection closed this way.
func (m *Manager) Disconnect(peer string) error {
	m.mu.Lock()
	entry, ok := m.peers[peer]
	if ok {
		delete(m.peers, peer)
	}
	delete(m.orphans, peer)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.logger.Info("disconnecting peer", "peer", peer)
	return entry.pc.Close()
}

// Connect offers a connection to peer through the attached channel in
// session. An empty peer offers to whoever answers first (invite codes).
func (m *Manager) Connect(ctx context.Context, peer, session string) error {
	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()
	if channel == nil {
		return errors.New("connecting: no signaling channel attached")
	}

	key := peer
	if key == "" {
		key = pendingPrefix + session
	}
	entry, _, err := m.create(key, RoleOfferer, session)
	if err != nil {
		return err
	}
	switch {
	case entry.pc.Role() != RoleOfferer:
		// Already answering this peer's offer.
		return nil
	case entry.pc.State() == StateConnected:
		return nil
	}

	m.setSession(entry, session)
	offer, err := entry.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("creating offer for %s: %w", key, err)
	}
	m.Host(session, offer)
	if err := channel.SendOffer(ctx, session, peer, offer); err != nil {
		m.discard(entry)
		return fmt.Errorf("sending offer to %s: %w", key, err)
	}
	m.described(entry)
	m.logger.Debug("offer sent", "peer", key, "session", session, "channel", channel.Name())
	return nil
}

// Peer returns the live connection to peer.
func (m *Manager) Peer(peer string) (*PeerConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.peers[peer]
	if !ok {
		return nil, false
	}
	return entry.pc, true
}

// Peers returns the ids of all connections, sorted. Pending invite
// offers are not included.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.peers))
	for key := range m.peers {
		if !strings.HasPrefix(key, pendingPrefix) {
			peers = append(peers, key)
		}
	}
	sort.Strings(peers)
	return peers
}

// Connected returns the ids of Connected peers, sorted.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var peers []string
	for key, entry := range m.peers {
		if entry.pc.State() == StateConnected && !strings.HasPrefix(key, pendingPrefix) {
			peers = append(peers, key)
		}
	}
	sort.Strings(peers)
	return peers
}

// UpdateICEConfig passes new ICE servers to the backend factory when
// it supports them. Existing connections are unaffected.
func (m *Manager) UpdateICEConfig(iceConfig ICEConfig) {
	if updater, ok := m.factory.(interface{ UpdateICEConfig(ICEConfig) }); ok {
		updater.UpdateICEConfig(iceConfig)
	}
}

// Stats returns the manager's counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Created:          m.stats.created.Load(),
		Duplicates:       m.stats.duplicates.Load(),
		OrphanCandidates: m.stats.orphanCandidates.Load(),
		OrphansDropped:   m.stats.orphansDropped.Load(),
		DroppedAnswers:   m.stats.droppedAnswers.Load(),
		DuplicateAnswers: m.stats.duplicateAnswers.Load(),
		SelfEchoes:       m.stats.selfEchoes.Load(),
		GlareYielded:     m.stats.glareYielded.Load(),
		GlareIgnored:     m.stats.glareIgnored.Load(),
		SignalFailures:   m.stats.signalFailures.Load(),
	}
}

// Close closes every connection without reporting disconnects.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*managedPeer, 0, len(m.peers))
	for _, entry := range m.peers {
		entries = append(entries, entry)
	}
	m.peers = make(map[string]*managedPeer)
	m.orphans = make(map[string]*CandidateQueue)
	m.mu.Unlock()

	m.cancel()
	for _, entry := range entries {
		entry.pc.Close()
	}
	return nil
}

func (m *Manager) hooksFor(entry *managedPeer) PeerHooks {
	return PeerHooks{
		LocalCandidate: func(candidate Candidate) {
			m.forwardCandidate(entry, candidate)
		},
		Connected: func() {
			peer := m.keyOf(entry)
			m.observer.PeerConnected(peer, entry.pc.Send)
		},
		Disconnected: func(reason error) {
			if peer, current := m.release(entry); current {
				m.observer.PeerDisconnected(peer, reason)
			}
		},
		MessageReceived: func(data []byte) {
			m.observer.DataReceived(m.keyOf(entry), data)
		},
	}
}

func (m *Manager) keyOf(entry *managedPeer) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return entry.key
}

func (m *Manager) setSession(entry *managedPeer, session string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.session = session
}

// release removes entry from the peer map if it is still the current
// connection for its key.
func (m *Manager) release(entry *managedPeer) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.peers[entry.key]; ok && current == entry {
		delete(m.peers, entry.key)
		return entry.key, true
	}
	return entry.key, false
}

func (m *Manager) discard(entry *managedPeer) {
	m.release(entry)
	entry.pc.Close()
}

func (m *Manager) forwardCandidate(entry *managedPeer, candidate Candidate) {
	m.mu.Lock()
	if !entry.described {
		if len(entry.held) < m.limits.CandidateQueue {
			entry.held = append(entry.held, candidate)
		}
		m.mu.Unlock()
		return
	}
	channel := m.channel
	peer, session := entry.key, entry.session
	m.mu.Unlock()
	m.signalCandidates(channel, peer, session, []Candidate{candidate})
}

// described marks entry's local description as sent and forwards the
// candidates held back until then.
func (m *Manager) described(entry *managedPeer) {
	m.mu.Lock()
	entry.described = true
	held := entry.held
	entry.held = nil
	channel := m.channel
	peer, session := entry.key, entry.session
	m.mu.Unlock()
	m.signalCandidates(channel, peer, session, held)
}

func (m *Manager) signalCandidates(channel signaling.Channel, peer, session string, candidates []Candidate) {
	if channel == nil || session == "" || len(candidates) == 0 {
		return
	}
	to := peer
	if strings.HasPrefix(peer, pendingPrefix) {
		to = ""
	}

	ctx, cancel := context.WithTimeout(m.ctx, signalTimeout)
	defer cancel()
	for _, candidate := range candidates {
		if err := channel.SendCandidate(ctx, session, to, candidate); err != nil {
			m.stats.signalFailures.Add(1)
			m.logger.Warn("forwarding local candidate failed", "peer", peer, "channel", channel.Name(), "error", err)
			return
		}
	}
}

func (m *Manager) handleOffer(message signaling.Message) {
	if message.From == m.localID || m.isOwnOffer(message) {
		m.stats.selfEchoes.Add(1)
		m.logger.Debug("discarded self-originated offer", "session", message.Session)
		return
	}
	if message.To != "" && message.To != m.localID {
		return
	}

	// The existing connection is resolved before returning so that
	// candidates following this offer are not routed to a connection
	// about to be replaced.
	stale, proceed := m.resolveOffer(message)
	if !proceed {
		return
	}
	go func() {
		if stale != nil {
			stale.pc.Close()
		}
		m.answer(message)
	}()
}

// resolveOffer decides what happens to an existing connection when
// message offers a new one. It reports the connection to close, if
// any, and whether the offer should be answered.
func (m *Manager) resolveOffer(message signaling.Message) (*managedPeer, bool) {
	peer := message.From

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.peers[peer]
	if !ok || existing.pc.State().Terminal() {
		return nil, true
	}
	info := existing.pc.Info()
	switch {
	case existing.pc.Role() == RoleOfferer && info.State != StateConnected:
		// Both sides offered. The smaller id is the offerer.
		if m.localID < peer {
			m.stats.glareIgnored.Add(1)
			m.logger.Debug("offer glare: keeping our offer", "peer", peer)
			return nil, false
		}
		m.stats.glareYielded.Add(1)
		m.logger.Debug("offer glare: yielding to remote offer", "peer", peer)
	case existing.pc.Role() == RoleAnswerer && info.RemoteDescription == message.SDP:
		// Redelivered offer: answered again with the same SDP.
		return nil, true
	default:
		m.logger.Info("replacing connection after new offer", "peer", peer, "state", info.State.String())
	}
	delete(m.peers, peer)
	return existing, true
}

func (m *Manager) answer(message signaling.Message) {
	peer := message.From
	entry, _, err := m.create(peer, RoleAnswerer, message.Session)
	if err != nil {
		m.logger.Warn("creating answering connection failed", "peer", peer, "error", err)
		return
	}
	if entry.pc.Role() != RoleAnswerer {
		m.logger.Debug("offer raced with a local connect, dropping", "peer", peer)
		return
	}
	m.setSession(entry, message.Session)

	m.mu.Lock()
	channel := m.channel
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, signalTimeout)
	defer cancel()
	answer, err := entry.pc.CreateAnswer(ctx, message.SDP)
	if err != nil {
		m.logger.Warn("answering offer failed", "peer", peer, "error", err)
		return
	}
	if err := channel.SendAnswer(ctx, message.Session, peer, answer); err != nil {
		m.stats.signalFailures.Add(1)
		m.logger.Warn("sending answer failed", "peer", peer, "channel", channel.Name(), "error", err)
		return
	}
	m.described(entry)
}

func (m *Manager) handleAnswer(message signaling.Message) {
	if message.From == m.localID {
		m.stats.selfEchoes.Add(1)
		return
	}
	if message.To != "" && message.To != m.localID {
		return
	}
	entry := m.entryForAnswer(message)
	ctx, cancel := context.WithTimeout(m.ctx, signalTimeout)
	defer cancel()
	if err := m.applyAnswer(ctx, entry, message.From, message.SDP); err != nil {
		m.logger.Warn("applying answer failed", "peer", message.From, "error", err)
	}
}

// entryForAnswer finds the connection an answer belongs to. An answer
// to an invite arrives from a peer not known when the offer was made;
// the pending connection for that session is renamed to the answerer.
func (m *Manager) entryForAnswer(message signaling.Message) *managedPeer {
	m.mu.Lock()
	if entry, ok := m.peers[message.From]; ok {
		m.mu.Unlock()
		return entry
	}
	pendingKey := pendingPrefix + message.Session
	entry, ok := m.peers[pendingKey]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.peers, pendingKey)
	entry.key = message.From
	m.peers[message.From] = entry
	orphans := m.orphans[message.From]
	delete(m.orphans, message.From)
	m.mu.Unlock()

	entry.pc.rename(message.From)
	m.logger.Debug("invite answered", "peer", message.From, "session", message.Session)
	if orphans != nil {
		for _, candidate := range orphans.Drain() {
			entry.pc.AddRemoteCandidate(candidate)
		}
	}
	return entry
}

func (m *Manager) handleCandidate(message signaling.Message) {
	if message.From == m.localID {
		m.stats.selfEchoes.Add(1)
		return
	}
	if message.To != "" && message.To != m.localID {
		return
	}
	m.AddCandidate(message.From, message.Candidate)
}

func offerDigest(offer string) string {
	sum := blake3.Sum256([]byte(offer))
	return hex.EncodeToString(sum[:16])
}

type nopObserver struct{}

func (nopObserver) PeerConnected(string, SendFunc) {}
func (nopObserver) PeerDisconnected(string, error) {}
func (nopObserver) DataReceived(string, []byte) {}
