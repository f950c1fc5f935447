// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/persist"
)

const (
	// sessionsBlob is the persisted blob name under the mesh directory.
	sessionsBlob = "recovery"

	sessionsVersion byte = 1
)

// Progress is the resumable state of one transfer.
type Progress struct {
	BytesTransferred int64 `cbor:"bytes_transferred"`
	BytesTotal       int64 `cbor:"bytes_total"`

	// Completed is the sorted set of finished item names.
	Completed []string `cbor:"completed,omitempty"`

	// Hashes maps completed item names to their content hash.
	Hashes map[string]string `cbor:"hashes,omitempty"`
}

// Complete records item as finished. Completing an item twice only
// updates its hash.
func (p *Progress) Complete(item, hash string, size int64) {
	index := sort.SearchStrings(p.Completed, item)
	if index == len(p.Completed) || p.Completed[index] != item {
		p.Completed = append(p.Completed, "")
		copy(p.Completed[index+1:], p.Completed[index:])
		p.Completed[index] = item
		p.BytesTransferred += size
	}
	if hash != "" {
		if p.Hashes == nil {
			p.Hashes = make(map[string]string)
		}
		p.Hashes[item] = hash
	}
}

// IsCompleted reports whether item has been recorded as finished.
func (p *Progress) IsCompleted(item string) bool {
	if p == nil {
		return false
	}
	index := sort.SearchStrings(p.Completed, item)
	return index < len(p.Completed) && p.Completed[index] == item
}

// Remaining returns the items not yet completed, in input order.
func (p *Progress) Remaining(items []string) []string {
	var remaining []string
	for _, item := range items {
		if !p.IsCompleted(item) {
			remaining = append(remaining, item)
		}
	}
	return remaining
}

// Clone returns a deep copy. Clone of nil is nil.
func (p *Progress) Clone() *Progress {
	if p == nil {
		return nil
	}
	clone := &Progress{
		BytesTransferred: p.BytesTransferred,
		BytesTotal:       p.BytesTotal,
		Completed:        append([]string(nil), p.Completed...),
	}
	if p.Hashes != nil {
		clone.Hashes = make(map[string]string, len(p.Hashes))
		for item, hash := range p.Hashes {
			clone.Hashes[item] = hash
		}
	}
	return clone
}

// Session is what is remembered about a dropped peer.
type Session struct {
	Peer   string `cbor:"peer"`
	MeshID string `cbor:"mesh_id"`

	// Hints are transport routing hints (last known addresses).
	Hints []string `cbor:"hints,omitempty"`

	DisconnectedAt time.Time `cbor:"disconnected_at"`
	Attempts       int       `cbor:"attempts"`
	Progress       *Progress `cbor:"progress,omitempty"`
}

func (s *Session) clone() *Session {
	clone := *s
	clone.Hints = append([]string(nil), s.Hints...)
	clone.Progress = s.Progress.Clone()
	return &clone
}

// Store keeps at most one Session per peer. Sessions older than the
// TTL (measured from DisconnectedAt) are invisible and pruned lazily.
// With a persist root every change is written through, so sessions
// survive a restart.
type Store struct {
	meshID string
	ttl    time.Duration
	clock  clock.Clock
	root   *persist.Root
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// StoreOptions configure a Store.
type StoreOptions struct {
	MeshID string
	TTL    time.Duration
	Clock  clock.Clock
	Logger *slog.Logger

	// Root persists sessions. Nil keeps them in memory only.
	Root *persist.Root
}

type storedSessions struct {
	Sessions []*Session `cbor:"sessions"`
}

// NewStore returns a Store, loading any sessions persisted under
// options.Root. A blob that cannot be decoded is reported wrapping
// [persist.ErrCorrupt]; the caller decides whether to discard it.
func NewStore(options StoreOptions) (*Store, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.TTL <= 0 {
		options.TTL = DefaultPolicy().SessionTTL
	}
	store := &Store{
		meshID:   options.MeshID,
		ttl:      options.TTL,
		clock:    options.Clock,
		root:     options.Root,
		logger:   options.Logger,
		sessions: make(map[string]*Session),
	}
	if store.root == nil {
		return store, nil
	}

	var stored storedSessions
	_, err := store.root.Read(store.meshID, sessionsBlob, persist.KindRecovery, &stored)
	if errors.Is(err, fs.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading recovery sessions: %w", err)
	}
	now := store.clock.Now()
	for _, session := range stored.Sessions {
		if session == nil || session.Peer == "" || store.expired(session, now) {
			continue
		}
		store.sessions[session.Peer] = session
	}
	return store, nil
}

// Put stores session, replacing any previous session for the same
// peer. The store keeps its own copy.
func (s *Store) Put(session *Session) error {
	if session == nil || session.Peer == "" {
		return errors.New("recovery session needs a peer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Peer] = session.clone()
	return s.saveLocked()
}

// Get returns a copy of the live session for peer.
func (s *Store) Get(peer string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.liveLocked(peer)
	if !ok {
		return nil, false
	}
	return session.clone(), true
}

// Take removes and returns the live session for peer.
func (s *Store) Take(peer string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.liveLocked(peer)
	if !ok {
		return nil, false
	}
	delete(s.sessions, peer)
	s.saveOrLogLocked()
	return session, true
}

// Remove deletes the session for peer, if any.
func (s *Store) Remove(peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[peer]; !ok {
		return nil
	}
	delete(s.sessions, peer)
	return s.saveLocked()
}

// RecordAttempt updates the attempt count of peer's session. Without
// a session it does nothing.
func (s *Store) RecordAttempt(peer string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.liveLocked(peer)
	if !ok {
		return
	}
	session.Attempts = attempt
	s.saveOrLogLocked()
}

// Sessions returns copies of every live session, sorted by peer.
func (s *Store) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if !s.expired(session, now) {
			sessions = append(sessions, session.clone())
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Peer < sessions[j].Peer })
	return sessions
}

// Prune drops expired sessions and returns how many were dropped.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	pruned := 0
	for peer, session := range s.sessions {
		if s.expired(session, now) {
			delete(s.sessions, peer)
			pruned++
		}
	}
	if pruned > 0 {
		s.saveOrLogLocked()
	}
	return pruned
}

func (s *Store) liveLocked(peer string) (*Session, bool) {
	session, ok := s.sessions[peer]
	if !ok {
		return nil, false
	}
	if s.expired(session, s.clock.Now()) {
		delete(s.sessions, peer)
		s.saveOrLogLocked()
		return nil, false
	}
	return session, true
}

func (s *Store) expired(session *Session, now time.Time) bool {
	return now.Sub(session.DisconnectedAt) >= s.ttl
}

func (s *Store) saveLocked() error {
	if s.root == nil {
		return nil
	}
	if len(s.sessions) == 0 {
		return s.root.Remove(s.meshID, sessionsBlob)
	}
	stored := storedSessions{Sessions: make([]*Session, 0, len(s.sessions))}
	for _, session := range s.sessions {
		stored.Sessions = append(stored.Sessions, session)
	}
	sort.Slice(stored.Sessions, func(i, j int) bool {
		return stored.Sessions[i].Peer < stored.Sessions[j].Peer
	})
	return s.root.Write(s.meshID, sessionsBlob, persist.KindRecovery, sessionsVersion, stored)
}

func (s *Store) saveOrLogLocked() {
	if err := s.saveLocked(); err != nil {
		s.logger.Warn("persisting recovery sessions failed", "mesh", s.meshID, "error", err)
	}
}
