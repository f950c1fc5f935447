// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/ledger"
	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/config"
	"github.com/bureau-foundation/syncshell/lib/persist"
	"github.com/bureau-foundation/syncshell/recovery"
	"github.com/bureau-foundation/syncshell/rendezvous"
	"github.com/bureau-foundation/syncshell/signaling"
	"github.com/bureau-foundation/syncshell/syncqueue"
	"github.com/bureau-foundation/syncshell/transport"
)

const (
	// HomeSession is the signaling session every member joins on start.
	// Direct reconnection offers go through it.
	HomeSession = "home"

	// DefaultBroadcastInterval separates periodic ledger broadcasts.
	DefaultBroadcastInterval = time.Minute

	// DefaultConnectTimeout bounds how long one dial waits for the
	// connection to come up after the offer is out.
	DefaultConnectTimeout = 20 * time.Second

	meshIDDomain = "syncshell mesh id v1\x00"
)

var (
	// ErrNoSignaling is returned by Start when the signaling channel
	// cannot reach any backend. The mesh does not run without one.
	ErrNoSignaling = errors.New("no signaling backend reachable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mesh closed")

	// ErrEvicted is returned once the local identity has been removed
	// from the mesh.
	ErrEvicted = errors.New("local identity removed from mesh")
)

// ID returns the storage and rendezvous identifier of the mesh named
// meshName.
func ID(meshName string) string {
	sum := blake3.Sum256([]byte(meshIDDomain + meshName))
	return hex.EncodeToString(sum[:16])
}

// Application is the layer above the mesh: it produces and consumes
// payload bytes and reacts to membership. Callbacks for one peer are
// serialized; callbacks for different peers may run concurrently.
type Application interface {
	// PeerConnected hands the application a send function for peer.
	PeerConnected(peer string, send transport.SendFunc)

	PeerDisconnected(peer string)

	// DataReceived delivers one payload exactly as the peer sent it.
	DataReceived(peer string, data []byte)

	// MembershipChanged carries the ledger after a change.
	MembershipChanged(snapshot ledger.Snapshot)
}

// RecoveryObserver is implemented by applications that render
// reconnection progress.
type RecoveryObserver interface {
	ReconnectAttempt(peer string, attempt int, delay time.Duration)

	// PeerRecovered carries the resumable session, nil if the peer
	// had no transfer in flight.
	PeerRecovered(peer string, session *recovery.Session)

	RecoveryFailed(peer string, err error)

	// BootstrapRequired carries the code an operator must share with
	// a peer that has been gone too long.
	BootstrapRequired(peer string, code rendezvous.Code)
}

// Options configure a Mesh.
type Options struct {
	// Config is required. Mesh.Name, Recovery and Sync are read from
	// it; ICE servers are used when Backend is nil.
	Config *config.Config

	// Secret overrides the configured mesh secret.
	Secret string

	// Identity is the local key. Required.
	Identity *identity.Identity

	// DisplayName is announced to other members as a name tag.
	DisplayName string

	// Address is the local transport hint announced to other members.
	Address string

	// Backend builds negotiation engines. Nil uses pion/webrtc with
	// the configured ICE servers.
	Backend transport.BackendFactory

	// Channel carries signaling. Required.
	Channel signaling.Channel

	// Storage persists the ledger and recovery sessions. Nil keeps
	// them in memory.
	Storage *persist.Root

	Application Application
	Clock       clock.Clock
	Logger      *slog.Logger
	Limits      transport.Limits

	// BroadcastInterval defaults to DefaultBroadcastInterval.
	BroadcastInterval time.Duration

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Stats are cumulative counters plus a few gauges.
type Stats struct {
	Connected      int
	Members        int
	LedgerSequence uint64

	FramesSent         uint64
	FramesReceived     uint64
	MalformedFrames    uint64
	LedgerMerges       uint64
	RejectedPeers      uint64
	RejectedTombstones uint64

	Transport transport.ManagerStats
	Recovery  recovery.Stats
}

// Mesh is one running participant.
type Mesh struct {
	id       string
	name     string
	secret   string
	identity *identity.Identity
	self     ledger.MemberRecord
	config   *config.Config

	app         Application
	channel     signaling.Channel
	manager     *transport.Manager
	ledger      *ledger.Ledger
	ledgerStore *ledger.Store
	recovery    *recovery.Manager
	queue       syncqueue.Queue
	clock       clock.Clock
	logger      *slog.Logger

	broadcastInterval time.Duration
	connectTimeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// ledgerMu serializes read-merge-persist sequences so snapshots
	// reach disk in sequence order.
	ledgerMu sync.Mutex

	mu        sync.Mutex
	started   bool
	closed    bool
	evicted   bool
	connected map[string]transport.SendFunc
	waiters   map[string][]chan struct{}
	transfers map[string]*recovery.Progress

	stats struct {
		framesSent         atomic.Uint64
		framesReceived     atomic.Uint64
		malformedFrames    atomic.Uint64
		ledgerMerges       atomic.Uint64
		rejectedPeers      atomic.Uint64
		rejectedTombstones atomic.Uint64
	}
}

// New builds a mesh from options. The ledger is loaded from storage;
// a ledger that cannot be decoded fails New with an error wrapping
// ledger.ErrCorrupt. No network activity happens until Start.
func New(options Options) (*Mesh, error) {
	if options.Config == nil {
		return nil, errors.New("mesh: Config is required")
	}
	if options.Identity == nil {
		return nil, errors.New("mesh: Identity is required")
	}
	if options.Channel == nil {
		return nil, errors.New("mesh: Channel is required")
	}
	cfg := options.Config
	if cfg.Mesh.Name == "" {
		return nil, errors.New("mesh: mesh.name is required")
	}
	secret := options.Secret
	if secret == "" {
		resolved, err := cfg.ResolveSecret()
		if err != nil {
			return nil, err
		}
		secret = resolved
	}
	if secret == "" {
		return nil, errors.New("mesh: a mesh secret is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Application == nil {
		options.Application = nopApplication{}
	}
	if options.BroadcastInterval <= 0 {
		options.BroadcastInterval = DefaultBroadcastInterval
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.Backend == nil {
		options.Backend = transport.NewPionFactory(transport.ICEConfigFromServers(cfg.ICE.Servers))
	}

	id := ID(cfg.Mesh.Name)
	logger := options.Logger.With("mesh", id)

	var (
		members     *ledger.Ledger
		ledgerStore *ledger.Store
	)
	if options.Storage != nil {
		ledgerStore = ledger.NewStore(options.Storage, id)
		loaded, err := ledgerStore.Open(cfg.Mesh.Name, secret, ledger.WithClock(options.Clock))
		if err != nil {
			return nil, fmt.Errorf("opening mesh %q: %w", cfg.Mesh.Name, err)
		}
		members = loaded
	} else {
		members = ledger.New(cfg.Mesh.Name, secret, ledger.WithClock(options.Clock))
	}

	self := ledger.MemberRecord{
		Key:      options.Identity.PublicKey(),
		Address:  options.Address,
		LastSeen: options.Clock.Now(),
	}
	if options.DisplayName != "" {
		self.Tags = []string{ledger.NameTag(options.DisplayName)}
	}
	self, err := members.AddMember(self)
	if errors.Is(err, ledger.ErrRemoved) {
		return nil, fmt.Errorf("joining mesh %q: %w", cfg.Mesh.Name, ErrEvicted)
	}
	if err != nil {
		return nil, fmt.Errorf("registering local identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mesh{
		id:                id,
		name:              cfg.Mesh.Name,
		secret:            secret,
		identity:          options.Identity,
		self:              self,
		config:            cfg,
		app:               options.Application,
		channel:           options.Channel,
		ledger:            members,
		ledgerStore:       ledgerStore,
		queue:             syncqueue.Queue{NearThreshold: cfg.Sync.NearThreshold},
		clock:             options.Clock,
		logger:            logger,
		broadcastInterval: options.BroadcastInterval,
		connectTimeout:    options.ConnectTimeout,
		ctx:               ctx,
		cancel:            cancel,
		connected:         make(map[string]transport.SendFunc),
		waiters:           make(map[string][]chan struct{}),
		transfers:         make(map[string]*recovery.Progress),
	}
	if err := m.persistLedger(); err != nil {
		cancel()
		return nil, err
	}

	policy := recovery.Policy{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		BaseDelay:   cfg.Recovery.BaseDelay.Std(),
		MaxDelay:    cfg.Recovery.MaxDelay.Std(),
		MinInterval: cfg.Recovery.MinInterval.Std(),
		StaleAfter:  cfg.Recovery.StaleAfter.Std(),
		SessionTTL:  cfg.Recovery.SessionTTL.Std(),
	}
	sessions, err := recovery.NewStore(recovery.StoreOptions{
		MeshID: id,
		TTL:    policy.SessionTTL,
		Clock:  options.Clock,
		Logger: logger,
		Root:   options.Storage,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening recovery sessions: %w", err)
	}
	directory := ledgerDirectory{ledger: members}
	m.recovery, err = recovery.NewManager(recovery.Options{
		MeshID:    id,
		Secret:    secret,
		LocalID:   options.Identity.ID(),
		Policy:    policy,
		Reconnect: m.reconnectChain(directory),
		Directory: directory,
		Store:     sessions,
		Observer:  recoveryEvents{m},
		Clock:     options.Clock,
		Logger:    logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	m.manager = transport.NewManager(transport.ManagerOptions{
		LocalID:  options.Identity.ID(),
		Backend:  options.Backend,
		Observer: connectionEvents{m},
		Clock:    options.Clock,
		Logger:   logger,
		Limits:   options.Limits,
	})
	m.manager.Attach(options.Channel)
	return m, nil
}

// ID returns the mesh id.
func (m *Mesh) ID() string { return m.id }

// Name returns the mesh name.
func (m *Mesh) Name() string { return m.name }

// LocalID returns the local peer id.
func (m *Mesh) LocalID() string { return m.identity.ID() }

// Start brings up signaling, joins the home session, starts the
// periodic ledger broadcast and dials every known member in the
// background. It fails with ErrNoSignaling when the channel cannot
// reach any backend; the mesh is then left unstarted.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.evicted:
		m.mu.Unlock()
		return ErrEvicted
	case m.started:
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.channel.Start(ctx); err != nil {
		if errors.Is(err, signaling.ErrUnavailable) {
			return fmt.Errorf("starting %s signaling: %w: %w", m.channel.Name(), ErrNoSignaling, err)
		}
		return fmt.Errorf("starting %s signaling: %w", m.channel.Name(), err)
	}
	if err := m.channel.Join(ctx, HomeSession); err != nil {
		if errors.Is(err, signaling.ErrUnavailable) {
			return fmt.Errorf("joining home session: %w: %w", ErrNoSignaling, err)
		}
		return fmt.Errorf("joining home session: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runBroadcastLoop(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.dialMembers(m.ctx)
	}()
	m.logger.Info("mesh started",
		"name", m.name,
		"local_id", m.LocalID(),
		"channel", m.channel.Name(),
		"members", len(m.ledger.AllMembers()),
	)
	return nil
}

// Connect dials peer over the home session and waits until the
// connection is up or ConnectTimeout passes.
func (m *Mesh) Connect(ctx context.Context, peer string) error {
	if err := m.usable(); err != nil {
		return err
	}
	return m.dial(ctx, peer, HomeSession)
}

// Invite offers a connection to whoever answers in session. It is for
// channels that carry codes rather than addressed messages: the offer
// is collected by the channel and the answerer's id is learned from
// its answer. It does not wait for the connection.
func (m *Mesh) Invite(ctx context.Context, session string) error {
	if err := m.usable(); err != nil {
		return err
	}
	if err := m.channel.Join(ctx, session); err != nil {
		return fmt.Errorf("joining %s: %w", session, err)
	}
	if err := m.manager.Connect(ctx, "", session); err != nil {
		return fmt.Errorf("inviting in %s: %w", session, err)
	}
	return nil
}

// Send delivers data to peer inside a payload frame.
func (m *Mesh) Send(ctx context.Context, peer string, data []byte) error {
	frame, err := encodeFrame(KindPayload, data)
	if err != nil {
		return err
	}
	return m.sendFrame(ctx, peer, frame)
}

// Broadcast sends data to every connected peer. Every failure is
// reported; peers that succeeded are not retried.
func (m *Mesh) Broadcast(ctx context.Context, data []byte) error {
	frame, err := encodeFrame(KindPayload, data)
	if err != nil {
		return err
	}
	var errs []error
	for _, peer := range m.Connected() {
		if err := m.sendFrame(ctx, peer, frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", peer, err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the connection to peer without starting recovery.
func (m *Mesh) Disconnect(peer string) error {
	m.recovery.Cancel(peer)
	m.mu.Lock()
	_, wasConnected := m.connected[peer]
	delete(m.connected, peer)
	m.mu.Unlock()
	err := m.manager.Disconnect(peer)
	if wasConnected {
		m.app.PeerDisconnected(peer)
	}
	return err
}

// Connected returns the admitted peers with a live connection, sorted.
func (m *Mesh) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.connected))
	for peer := range m.connected {
		peers = append(peers, peer)
	}
	slices.Sort(peers)
	return peers
}

// TrackTransfer records the in-flight transfer with peer. If the
// connection drops, the progress becomes the peer's recovery session
// and is handed back through RecoveryObserver.PeerRecovered.
func (m *Mesh) TrackTransfer(peer string, progress *recovery.Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if progress == nil {
		delete(m.transfers, peer)
		return
	}
	m.transfers[peer] = progress.Clone()
}

// Transfer returns a copy of the tracked progress with peer.
func (m *Mesh) Transfer(peer string) (*recovery.Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	progress, ok := m.transfers[peer]
	if !ok {
		return nil, false
	}
	return progress.Clone(), true
}

// Members returns the live roster ordered by entry sequence.
func (m *Mesh) Members() []ledger.MemberRecord {
	return m.ledger.AllMembers()
}

// Snapshot returns the current ledger.
func (m *Mesh) Snapshot() ledger.Snapshot {
	return m.ledger.Snapshot()
}

// Lookup resolves member to a record. member is a peer id or a
// display name.
func (m *Mesh) Lookup(member string) (ledger.MemberRecord, bool) {
	if record, ok := m.ledger.MemberByID(member); ok {
		return record, true
	}
	return m.ledger.LookupByDisplayTag(member)
}

// RemoveMember tombstones member (a peer id or display name), signed
// by the local identity plus any cosigners, persists and broadcasts
// the ledger, and drops the member's connection.
func (m *Mesh) RemoveMember(ctx context.Context, member string, cosigners ...ledger.Authorization) (ledger.Tombstone, error) {
	if err := m.usable(); err != nil {
		return ledger.Tombstone{}, err
	}
	record, ok := m.Lookup(member)
	if !ok {
		return ledger.Tombstone{}, fmt.Errorf("removing %q: %w", member, ledger.ErrNotMember)
	}
	authorizations := append([]ledger.Authorization{ledger.Authorize(m.identity, m.name, record.Key)}, cosigners...)

	m.ledgerMu.Lock()
	tombstone, err := m.ledger.RemoveMember(record.Key, authorizations)
	if err == nil {
		err = m.persistLedger()
	}
	m.ledgerMu.Unlock()
	if err != nil {
		return ledger.Tombstone{}, fmt.Errorf("removing %s: %w", record.ID(), err)
	}

	peer := record.ID()
	m.logger.Info("member removed",
		"peer", peer,
		"name", record.DisplayName(),
		"removal_sequence", tombstone.RemovalSequence,
	)
	// The removed member hears of its removal before it is dropped.
	m.broadcastLedger(ctx)
	m.dropRemoved(peer)
	m.app.MembershipChanged(m.ledger.Snapshot())
	return tombstone, nil
}

// Readmit adds a previously removed peer back with an entry sequence
// above its tombstone.
func (m *Mesh) Readmit(ctx context.Context, peer string) (ledger.MemberRecord, error) {
	if err := m.usable(); err != nil {
		return ledger.MemberRecord{}, err
	}
	key, err := identity.ParsePeerID(peer)
	if err != nil {
		return ledger.MemberRecord{}, fmt.Errorf("readmitting %q: %w", peer, err)
	}
	m.ledgerMu.Lock()
	record, err := m.ledger.Readmit(ledger.MemberRecord{Key: key, LastSeen: m.clock.Now()})
	if err == nil {
		err = m.persistLedger()
	}
	m.ledgerMu.Unlock()
	if err != nil {
		return ledger.MemberRecord{}, fmt.Errorf("readmitting %s: %w", peer, err)
	}
	m.logger.Info("member readmitted", "peer", peer, "entry_sequence", record.EntrySequence)
	m.app.MembershipChanged(m.ledger.Snapshot())
	m.broadcastLedger(ctx)
	return record, nil
}

// RendezvousCode returns the current rendezvous identifier for peer,
// or for the whole group when peer is empty.
func (m *Mesh) RendezvousCode(peer string) rendezvous.Code {
	tag := rendezvous.GroupTag
	if peer != "" {
		tag = rendezvous.PairTag(m.LocalID(), peer)
	}
	return rendezvous.Identifier(rendezvous.Params{
		MeshID: m.id,
		Secret: m.secret,
		Tag:    tag,
		Slot:   rendezvous.Slot(m.clock.Now(), m.config.Recovery.SlotWindow.Std()),
	})
}

// BootstrapCode returns the manual bootstrap code for peer.
func (m *Mesh) BootstrapCode(peer string) rendezvous.Code {
	return m.recovery.BootstrapCode(peer)
}

// SyncOrder orders targets for re-synchronization using the mesh's
// near threshold.
func (m *Mesh) SyncOrder(targets []syncqueue.Target, currentRelay string, local syncqueue.Position) []syncqueue.Target {
	return m.queue.Prioritize(targets, currentRelay, local)
}

// Stats returns the mesh's counters and those of its components.
func (m *Mesh) Stats() Stats {
	m.mu.Lock()
	connected := len(m.connected)
	m.mu.Unlock()
	return Stats{
		Connected:          connected,
		Members:            len(m.ledger.AllMembers()),
		LedgerSequence:     m.ledger.Sequence(),
		FramesSent:         m.stats.framesSent.Load(),
		FramesReceived:     m.stats.framesReceived.Load(),
		MalformedFrames:    m.stats.malformedFrames.Load(),
		LedgerMerges:       m.stats.ledgerMerges.Load(),
		RejectedPeers:      m.stats.rejectedPeers.Load(),
		RejectedTombstones: m.stats.rejectedTombstones.Load(),
		Transport:          m.manager.Stats(),
		Recovery:           m.recovery.Stats(),
	}
}

// Close stops recovery, the broadcast loop, every connection and the
// signaling channel, then writes the ledger a last time. No callbacks
// reach the application afterwards.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	waiters := m.waiters
	m.waiters = make(map[string][]chan struct{})
	m.connected = make(map[string]transport.SendFunc)
	m.mu.Unlock()

	m.cancel()
	for _, channels := range waiters {
		for _, ch := range channels {
			close(ch)
		}
	}
	m.recovery.Close()
	var errs []error
	if err := m.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.channel.Close(); err != nil && !errors.Is(err, signaling.ErrClosed) {
		errs = append(errs, err)
	}
	m.wg.Wait()

	m.ledgerMu.Lock()
	if err := m.persistLedger(); err != nil {
		errs = append(errs, err)
	}
	m.ledgerMu.Unlock()
	m.logger.Info("mesh closed")
	return errors.Join(errs...)
}

func (m *Mesh) usable() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return ErrClosed
	case m.evicted:
		return ErrEvicted
	}
	return nil
}

func (m *Mesh) sendFrame(ctx context.Context, peer string, frame []byte) error {
	m.mu.Lock()
	send, ok := m.connected[peer]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sending to %s: %w", peer, transport.ErrNotConnected)
	}
	if err := send(ctx, frame); err != nil {
		return fmt.Errorf("sending to %s: %w", peer, err)
	}
	m.stats.framesSent.Add(1)
	return nil
}

// persistLedger writes the ledger when the mesh has storage.
func (m *Mesh) persistLedger() error {
	if m.ledgerStore == nil {
		return nil
	}
	return m.ledgerStore.Save(m.ledger)
}

func (m *Mesh) runBroadcastLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.broadcastLedger(ctx)
			if pruned := m.recovery.Store().Prune(); pruned > 0 {
				m.logger.Debug("expired recovery sessions pruned", "count", pruned)
			}
		case <-ctx.Done():
			return
		}
	}
}

// broadcastLedger sends the current snapshot to every connected peer.
// Failures are logged: the next broadcast or connect catches up.
func (m *Mesh) broadcastLedger(ctx context.Context) {
	peers := m.Connected()
	if len(peers) == 0 {
		return
	}
	frame, err := m.ledgerFrame()
	if err != nil {
		m.logger.Error("encoding ledger for broadcast failed", "error", err)
		return
	}
	for _, peer := range peers {
		if err := m.sendFrame(ctx, peer, frame); err != nil {
			m.logger.Warn("ledger broadcast failed", "peer", peer, "error", err)
		}
	}
}

func (m *Mesh) ledgerFrame() ([]byte, error) {
	encoded, err := ledger.EncodeSnapshot(m.ledger.Snapshot())
	if err != nil {
		return nil, err
	}
	return encodeFrame(KindLedger, encoded)
}

// dialMembers offers a connection to every other known member. Both
// sides of a pair may dial at once; glare resolution keeps one offer.
func (m *Mesh) dialMembers(ctx context.Context) {
	for _, member := range m.ledger.AllMembers() {
		peer := member.ID()
		if peer == m.LocalID() {
			continue
		}
		if err := m.dial(ctx, peer, HomeSession); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Debug("startup dial failed", "peer", peer, "error", err)
		}
	}
}

// dropRemoved disconnects a removed member and forgets its recovery
// state.
func (m *Mesh) dropRemoved(peer string) {
	m.recovery.Cancel(peer)
	if err := m.recovery.Store().Remove(peer); err != nil {
		m.logger.Warn("discarding recovery session failed", "peer", peer, "error", err)
	}
	m.mu.Lock()
	delete(m.transfers, peer)
	m.mu.Unlock()
	if err := m.Disconnect(peer); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		m.logger.Debug("disconnecting removed member", "peer", peer, "error", err)
	}
}

// evict reacts to a tombstone for the local identity: every
// connection is dropped and the mesh refuses further use.
func (m *Mesh) evict() {
	m.mu.Lock()
	if m.evicted {
		m.mu.Unlock()
		return
	}
	m.evicted = true
	m.mu.Unlock()
	m.logger.Error("local identity was removed from the mesh")
	m.recovery.Close()
	for _, peer := range m.Connected() {
		m.Disconnect(peer)
	}
}

type nopApplication struct{}

func (nopApplication) PeerConnected(string, transport.SendFunc) {}
func (nopApplication) PeerDisconnected(string)                  {}
func (nopApplication) DataReceived(string, []byte)              {}
func (nopApplication) MembershipChanged(ledger.Snapshot)        {}
