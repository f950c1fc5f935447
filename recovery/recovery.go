// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/rendezvous"
)

var (
	// ErrExhausted is reported when every attempt of a chain failed.
	ErrExhausted = errors.New("reconnection attempts exhausted")

	// ErrStale is returned for peers not seen within the stale window.
	// They need a bootstrap code.
	ErrStale = errors.New("peer is stale")

	// ErrRateLimited is returned when a chain for the peer started
	// too recently.
	ErrRateLimited = errors.New("reconnection rate limited")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recovery manager closed")
)

// Policy bounds reconnection.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// MinInterval is the minimum time between two chains for the same
	// peer.
	MinInterval time.Duration

	// StaleAfter is how long a member may go unseen before automatic
	// reconnection stops and a bootstrap code is required. Zero
	// disables the check.
	StaleAfter time.Duration

	// SessionTTL is how long a dropped session stays resumable.
	SessionTTL time.Duration
}

// DefaultPolicy returns the standard reconnection policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		MinInterval: 3 * time.Minute,
		StaleAfter:  30 * 24 * time.Hour,
		SessionTTL:  30 * time.Minute,
	}
}

// Backoff returns the wait before attempt (1-based):
// BaseDelay·2^(attempt-1), capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ReconnectFunc makes one reconnection attempt. It returns nil once
// the peer is connected.
type ReconnectFunc func(ctx context.Context, peer string, attempt int) error

// Directory is what recovery needs to know about mesh membership.
type Directory interface {
	// Peers returns the ids of current (non-removed) members.
	Peers() []string

	// LastSeen returns when peer was last seen, false if unknown.
	LastSeen(peer string) (time.Time, bool)

	// Address returns peer's last known transport hint, or "".
	Address(peer string) string
}

// Observer receives recovery events.
type Observer interface {
	// AttemptStarted is called when an attempt is scheduled, with the
	// delay before it runs.
	AttemptStarted(peer string, attempt int, delay time.Duration)

	// Recovered is called once per chain on reconnection. session is
	// the resumable state, nil if there was none.
	Recovered(peer string, session *Session)

	// Failed is called when recovery for peer has given up.
	Failed(peer string, err error)

	// BootstrapRequired carries the code an operator must share to
	// bring a stale peer back.
	BootstrapRequired(peer string, code rendezvous.Code)
}

// Options configure a Manager.
type Options struct {
	MeshID  string
	Secret  string
	LocalID string

	Policy    Policy
	Reconnect ReconnectFunc
	Directory Directory
	Store     *Store
	Observer  Observer
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Stats are cumulative counters.
type Stats struct {
	Chains      uint64
	Attempts    uint64
	Recovered   uint64
	Failed      uint64
	RateLimited uint64
	Stale       uint64
}

// Manager runs at most one retry chain per peer.
type Manager struct {
	meshID    string
	secret    string
	localID   string
	policy    Policy
	reconnect ReconnectFunc
	directory Directory
	store     *Store
	observer  Observer
	clock     clock.Clock
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	chains   map[string]*chain
	limiters map[string]*rate.Limiter
	closed   bool

	chainsStarted atomic.Uint64
	attempts      atomic.Uint64
	recovered     atomic.Uint64
	failed        atomic.Uint64
	rateLimited   atomic.Uint64
	stale         atomic.Uint64
}

type chain struct {
	peer    string
	attempt int
	timer   *clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager returns a Manager. Reconnect is required.
func NewManager(options Options) (*Manager, error) {
	if options.Reconnect == nil {
		return nil, errors.New("recovery: Reconnect is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Policy == (Policy{}) {
		options.Policy = DefaultPolicy()
	}
	if options.Policy.MaxAttempts < 1 {
		options.Policy.MaxAttempts = 1
	}
	if options.Policy.MaxDelay < options.Policy.BaseDelay {
		options.Policy.MaxDelay = options.Policy.BaseDelay
	}
	if options.Observer == nil {
		options.Observer = nopObserver{}
	}
	if options.Store == nil {
		store, err := NewStore(StoreOptions{
			MeshID: options.MeshID,
			TTL:    options.Policy.SessionTTL,
			Clock:  options.Clock,
			Logger: options.Logger,
		})
		if err != nil {
			return nil, err
		}
		options.Store = store
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		meshID:    options.MeshID,
		secret:    options.Secret,
		localID:   options.LocalID,
		policy:    options.Policy,
		reconnect: options.Reconnect,
		directory: options.Directory,
		store:     options.Store,
		observer:  options.Observer,
		clock:     options.Clock,
		logger:    options.Logger.With("mesh", options.MeshID),
		ctx:       ctx,
		cancel:    cancel,
		chains:    make(map[string]*chain),
		limiters:  make(map[string]*rate.Limiter),
	}, nil
}

// Store returns the session store.
func (m *Manager) Store() *Store { return m.store }

// PeerDisconnected records progress (when non-nil) as peer's resumable
// session and starts a retry chain. It returns ErrStale for peers past
// the stale window, ErrRateLimited when a chain for peer started less
// than MinInterval ago, and nil when a chain is running (including one
// that was already running).
func (m *Manager) PeerDisconnected(peer string, progress *Progress) error {
	now := m.clock.Now()
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if progress != nil {
		session := &Session{
			Peer:           peer,
			MeshID:         m.meshID,
			DisconnectedAt: now,
			Progress:       progress.Clone(),
		}
		if m.directory != nil {
			if address := m.directory.Address(peer); address != "" {
				session.Hints = []string{address}
			}
		}
		if err := m.store.Put(session); err != nil {
			m.logger.Warn("persisting recovery session failed", "peer", peer, "error", err)
		}
	}

	if m.directory != nil {
		if lastSeen, ok := m.directory.LastSeen(peer); ok && m.policy.StaleAfter > 0 && now.Sub(lastSeen) > m.policy.StaleAfter {
			m.stale.Add(1)
			code := m.BootstrapCode(peer)
			err := fmt.Errorf("%s last seen %s: %w", peer, lastSeen.UTC().Format(time.RFC3339), ErrStale)
			m.logger.Warn("peer is stale, bootstrap code required",
				"peer", peer,
				"last_seen", lastSeen,
			)
			m.observer.BootstrapRequired(peer, code)
			m.observer.Failed(peer, err)
			return err
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, running := m.chains[peer]; running {
		m.mu.Unlock()
		return nil
	}
	if !m.limiterLocked(peer).AllowN(now, 1) {
		m.mu.Unlock()
		m.rateLimited.Add(1)
		m.logger.Debug("reconnection rate limited", "peer", peer)
		return fmt.Errorf("%s: %w", peer, ErrRateLimited)
	}
	c := &chain{peer: peer}
	c.ctx, c.cancel = context.WithCancel(m.ctx)
	m.chains[peer] = c
	m.mu.Unlock()

	m.chainsStarted.Add(1)
	m.logger.Info("starting reconnection", "peer", peer)
	m.schedule(c)
	return nil
}

// PeerConnected ends peer's chain, if one is running, and takes its
// session. Recovered is emitted when a chain was running or a session
// existed. The returned session is nil when there was none.
func (m *Manager) PeerConnected(peer string) *Session {
	m.mu.Lock()
	c, running := m.chains[peer]
	if running {
		delete(m.chains, peer)
	}
	m.mu.Unlock()
	if running {
		c.stop()
	}

	session, found := m.store.Take(peer)
	if running || found {
		m.recovered.Add(1)
		m.observer.Recovered(peer, session)
	}
	return session
}

// Cancel stops peer's chain without emitting events. The session, if
// any, is kept until its TTL.
func (m *Manager) Cancel(peer string) {
	m.mu.Lock()
	c, running := m.chains[peer]
	if running {
		delete(m.chains, peer)
	}
	m.mu.Unlock()
	if running {
		c.stop()
	}
}

// Recovering returns the peers with a running chain, sorted.
func (m *Manager) Recovering() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]string, 0, len(m.chains))
	for peer := range m.chains {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// BootstrapCode returns the code for manually re-bootstrapping peer,
// for the current bootstrap window.
func (m *Manager) BootstrapCode(peer string) rendezvous.Code {
	return rendezvous.BootstrapCode(rendezvous.Params{
		MeshID: m.meshID,
		Secret: m.secret,
		Tag:    rendezvous.PairTag(m.localID, peer),
		Slot:   rendezvous.Slot(m.clock.Now(), rendezvous.BootstrapWindow),
	})
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Chains:      m.chainsStarted.Load(),
		Attempts:    m.attempts.Load(),
		Recovered:   m.recovered.Load(),
		Failed:      m.failed.Load(),
		RateLimited: m.rateLimited.Load(),
		Stale:       m.stale.Load(),
	}
}

// Close cancels every chain. Pending attempts never run and in-flight
// attempts see their context cancelled. No events are emitted.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	chains := m.chains
	m.chains = make(map[string]*chain)
	m.mu.Unlock()

	m.cancel()
	for _, c := range chains {
		c.stop()
	}
}

func (m *Manager) limiterLocked(peer string) *rate.Limiter {
	limiter, ok := m.limiters[peer]
	if !ok {
		limit := rate.Inf
		if m.policy.MinInterval > 0 {
			limit = rate.Every(m.policy.MinInterval)
		}
		limiter = rate.NewLimiter(limit, 1)
		m.limiters[peer] = limiter
	}
	return limiter
}

// schedule arms the next attempt of c, unless c has been replaced or
// stopped.
func (m *Manager) schedule(c *chain) {
	m.mu.Lock()
	if m.chains[c.peer] != c {
		m.mu.Unlock()
		return
	}
	c.attempt++
	attempt := c.attempt
	delay := m.policy.Backoff(attempt)
	c.timer = m.clock.AfterFunc(delay, func() { go m.run(c, attempt) })
	m.mu.Unlock()

	m.observer.AttemptStarted(c.peer, attempt, delay)
}

func (m *Manager) run(c *chain, attempt int) {
	if c.ctx.Err() != nil {
		return
	}
	m.attempts.Add(1)
	m.store.RecordAttempt(c.peer, attempt)

	err := m.reconnect(c.ctx, c.peer, attempt)
	if c.ctx.Err() != nil {
		return
	}
	if err == nil {
		if !m.finish(c) {
			return
		}
		session, _ := m.store.Take(c.peer)
		m.recovered.Add(1)
		m.logger.Info("peer recovered", "peer", c.peer, "attempt", attempt)
		m.observer.Recovered(c.peer, session)
		return
	}

	// A session is only consumed by reconnecting to its own peer;
	// reaching another member leaves it for a later attempt or for
	// PeerConnected.
	if errors.Is(err, ErrReachedOther) {
		m.logger.Info("reached the mesh through another member",
			"peer", c.peer,
			"attempt", attempt,
			"error", err,
		)
	} else {
		m.logger.Warn("reconnection attempt failed",
			"peer", c.peer,
			"attempt", attempt,
			"max_attempts", m.policy.MaxAttempts,
			"error", err,
		)
	}
	if attempt < m.policy.MaxAttempts {
		m.schedule(c)
		return
	}
	if !m.finish(c) {
		return
	}
	m.failed.Add(1)
	failure := fmt.Errorf("%s after %d attempts: %w: %w", c.peer, attempt, ErrExhausted, err)
	m.logger.Error("reconnection gave up", "peer", c.peer, "error", failure)
	m.observer.Failed(c.peer, failure)
}

// finish removes c if it is still peer's chain. False means someone
// else already ended it.
func (m *Manager) finish(c *chain) bool {
	m.mu.Lock()
	current := m.chains[c.peer] == c
	if current {
		delete(m.chains, c.peer)
	}
	m.mu.Unlock()
	if current {
		c.cancel()
	}
	return current
}

func (c *chain) stop() {
	c.cancel()
	if c.timer != nil {
		c.timer.Stop()
	}
}

type nopObserver struct{}

func (nopObserver) AttemptStarted(string, int, time.Duration) {}
func (nopObserver) Recovered(string, *Session)                {}
func (nopObserver) Failed(string, error)                      {}
func (nopObserver) BootstrapRequired(string, rendezvous.Code) {}
