// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/persist"
)

const (
	// SnapshotVersion is the snapshot format written by this package.
	// Newer versions are still decoded; unknown fields are ignored.
	SnapshotVersion byte = 1

	ledgerBlob = "ledger"
)

// ErrCorrupt is returned when a snapshot cannot be decoded. A mesh
// must not start on a ledger it cannot read.
var ErrCorrupt = errors.New("corrupt ledger snapshot")

// Snapshot is the serialized form of a ledger, exchanged between peers
// and written to disk. Members and tombstones are in a fixed order so
// equal ledgers encode to equal bytes.
type Snapshot struct {
	MeshName   string         `cbor:"mesh"`
	SecretHash []byte         `cbor:"secret_hash"`
	Sequence   uint64         `cbor:"sequence"`
	Members    []MemberRecord `cbor:"members"`
	Tombstones []Tombstone    `cbor:"tombstones"`
}

// Snapshot returns a deep copy of the ledger's state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		MeshName:   l.meshName,
		SecretHash: append([]byte(nil), l.secretHash...),
		Sequence:   l.sequence,
		Members:    l.membersLocked(),
		Tombstones: l.tombstonesLocked(),
	}
}

// Restore rebuilds a ledger from a snapshot. secret must hash to the
// snapshot's secret hash.
func Restore(snapshot Snapshot, secret string, options ...Option) (*Ledger, error) {
	ledger := newLedger(snapshot.MeshName, HashSecret(snapshot.MeshName, secret), options)
	if !ledger.sameMesh(snapshot.MeshName, snapshot.SecretHash) {
		return nil, ErrForeignLedger
	}
	if err := validate(snapshot); err != nil {
		return nil, err
	}
	for _, member := range snapshot.Members {
		stored := member.clone()
		ledger.members[stored.ID()] = &stored
	}
	for _, tombstone := range snapshot.Tombstones {
		stored := tombstone.clone()
		ledger.tombstones[memberID(stored.Key)] = &stored
	}
	ledger.applyPrecedenceLocked()
	ledger.advanceSequenceLocked(snapshot.Sequence)
	return ledger, nil
}

// EncodeSnapshot returns the framed, compressed encoding of snapshot.
func EncodeSnapshot(snapshot Snapshot) ([]byte, error) {
	body, err := codec.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encoding ledger snapshot: %w", err)
	}
	return persist.EncodeFrame(persist.KindLedger, SnapshotVersion, body)
}

// DecodeSnapshot reverses EncodeSnapshot. Every failure wraps
// ErrCorrupt.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snapshot Snapshot
	_, body, err := persist.DecodeFrame(persist.KindLedger, data)
	if err != nil {
		return snapshot, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := codec.Unmarshal(body, &snapshot); err != nil {
		return snapshot, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := validate(snapshot); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

func validate(snapshot Snapshot) error {
	if snapshot.MeshName == "" {
		return fmt.Errorf("%w: missing mesh name", ErrCorrupt)
	}
	for _, member := range snapshot.Members {
		if err := checkKey(member.Key); err != nil {
			return fmt.Errorf("%w: member: %w", ErrCorrupt, err)
		}
	}
	for _, tombstone := range snapshot.Tombstones {
		if err := checkKey(tombstone.Key); err != nil {
			return fmt.Errorf("%w: tombstone: %w", ErrCorrupt, err)
		}
	}
	return nil
}

// Store persists one mesh's ledger under a storage root.
type Store struct {
	root   *persist.Root
	meshID string
}

// NewStore returns a Store for meshID under root.
func NewStore(root *persist.Root, meshID string) *Store {
	return &Store{root: root, meshID: meshID}
}

// Load reads the persisted ledger. It returns (nil, false, nil) when
// none has been saved, ErrCorrupt when the blob cannot be decoded, and
// ErrForeignLedger when it belongs to another mesh or secret.
func (s *Store) Load(meshName, secret string, options ...Option) (*Ledger, bool, error) {
	var snapshot Snapshot
	_, err := s.root.Read(s.meshID, ledgerBlob, persist.KindLedger, &snapshot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if errors.Is(err, persist.ErrCorrupt) {
		return nil, false, fmt.Errorf("loading ledger for %s: %w: %w", s.meshID, ErrCorrupt, err)
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading ledger for %s: %w", s.meshID, err)
	}
	if snapshot.MeshName != meshName {
		return nil, false, fmt.Errorf("ledger for %s is for mesh %q: %w", s.meshID, snapshot.MeshName, ErrForeignLedger)
	}
	ledger, err := Restore(snapshot, secret, options...)
	if err != nil {
		return nil, false, fmt.Errorf("loading ledger for %s: %w", s.meshID, err)
	}
	return ledger, true, nil
}

// Open loads the persisted ledger or, when none exists, returns a new
// empty one.
func (s *Store) Open(meshName, secret string, options ...Option) (*Ledger, error) {
	ledger, found, err := s.Load(meshName, secret, options...)
	if err != nil {
		return nil, err
	}
	if !found {
		ledger = New(meshName, secret, options...)
	}
	return ledger, nil
}

// Save writes the ledger atomically.
func (s *Store) Save(ledger *Ledger) error {
	snapshot := ledger.Snapshot()
	if err := s.root.Write(s.meshID, ledgerBlob, persist.KindLedger, SnapshotVersion, snapshot); err != nil {
		return fmt.Errorf("saving ledger for %s: %w", s.meshID, err)
	}
	return nil
}
