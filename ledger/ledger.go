// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/lib/clock"
)

// NameTagPrefix marks the capability tag that carries a member's
// display name.
const NameTagPrefix = "name:"

// Argon2id parameters for the secret hash. The salt is the mesh name,
// so the hash is identical on every peer of a mesh.
const (
	secretHashTime    = 2
	secretHashMemory  = 19 * 1024
	secretHashThreads = 1
	secretHashLength  = 32
	secretHashDomain  = "syncshell ledger v1"
)

var (
	// ErrRemoved is returned when adding a member whose key is
	// tombstoned. Use Readmit to bring it back.
	ErrRemoved = errors.New("member has been removed")

	// ErrForeignLedger is returned when merging or loading a snapshot
	// of another mesh, or of the same mesh name with another secret.
	ErrForeignLedger = errors.New("snapshot belongs to a different mesh")

	// ErrNotMember is returned for operations on unknown keys.
	ErrNotMember = errors.New("not a member")

	// ErrInvalidKey is returned for keys that are not Ed25519 public
	// keys.
	ErrInvalidKey = errors.New("invalid member key")
)

// MemberRecord is one live member.
type MemberRecord struct {
	Key           []byte    `cbor:"key"`
	Address       string    `cbor:"address,omitempty"`
	EntrySequence uint64    `cbor:"entry_seq"`
	LastSeen      time.Time `cbor:"last_seen"`
	Tags          []string  `cbor:"tags,omitempty"`
}

// ID returns the member's peer id.
func (r MemberRecord) ID() string { return memberID(r.Key) }

// DisplayName returns the value of the member's name tag, or "".
func (r MemberRecord) DisplayName() string {
	for _, tag := range r.Tags {
		if name, ok := strings.CutPrefix(tag, NameTagPrefix); ok {
			return name
		}
	}
	return ""
}

func (r MemberRecord) clone() MemberRecord {
	r.Key = append([]byte(nil), r.Key...)
	r.Tags = append([]string(nil), r.Tags...)
	return r
}

// NameTag returns the capability tag carrying a display name.
func NameTag(name string) string { return NameTagPrefix + name }

// Tombstone records a removal.
type Tombstone struct {
	Key             []byte          `cbor:"key"`
	RemovalSequence uint64          `cbor:"removal_seq"`
	Authorizations  []Authorization `cbor:"authorizations"`
	RemovedAt       time.Time       `cbor:"removed_at"`
}

func (t Tombstone) clone() Tombstone {
	t.Key = append([]byte(nil), t.Key...)
	authorizations := make([]Authorization, len(t.Authorizations))
	for i, authorization := range t.Authorizations {
		authorizations[i] = cloneAuthorization(authorization)
	}
	t.Authorizations = authorizations
	return t
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for removal timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// Ledger is the membership roster of one mesh. It is safe for
// concurrent use; all mutation goes through its methods.
type Ledger struct {
	meshName   string
	secretHash []byte
	clock      clock.Clock

	mu         sync.RWMutex
	sequence   uint64
	members    map[string]*MemberRecord
	tombstones map[string]*Tombstone
}

// New returns an empty ledger for meshName, bound to secret.
func New(meshName, secret string, options ...Option) *Ledger {
	return newLedger(meshName, HashSecret(meshName, secret), options)
}

func newLedger(meshName string, secretHash []byte, options []Option) *Ledger {
	ledger := &Ledger{
		meshName:   meshName,
		secretHash: secretHash,
		clock:      clock.Real(),
		members:    make(map[string]*MemberRecord),
		tombstones: make(map[string]*Tombstone),
	}
	for _, option := range options {
		option(ledger)
	}
	return ledger
}

// HashSecret returns the Argon2id hash of secret salted with meshName.
func HashSecret(meshName, secret string) []byte {
	salt := append([]byte(secretHashDomain+"\x00"), meshName...)
	return argon2.IDKey([]byte(secret), salt, secretHashTime, secretHashMemory, secretHashThreads, secretHashLength)
}

// MeshName returns the mesh this ledger belongs to.
func (l *Ledger) MeshName() string { return l.meshName }

// Sequence returns the current sequence counter.
func (l *Ledger) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// AddMember inserts record at the next sequence and returns the stored
// copy. The record's EntrySequence is ignored. Adding an existing
// member refreshes its address, tags, and last-seen time when record
// is newer, keeping the original entry sequence. A tombstoned key is
// refused with ErrRemoved.
func (l *Ledger) AddMember(record MemberRecord) (MemberRecord, error) {
	if err := checkKey(record.Key); err != nil {
		return MemberRecord{}, err
	}
	id := record.ID()

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.members[id]; ok {
		if record.LastSeen.After(existing.LastSeen) {
			existing.Address = record.Address
			existing.LastSeen = record.LastSeen
			if record.Tags != nil {
				existing.Tags = append([]string(nil), record.Tags...)
			}
		}
		return existing.clone(), nil
	}
	if _, removed := l.tombstones[id]; removed {
		return MemberRecord{}, fmt.Errorf("%s: %w", id, ErrRemoved)
	}
	return l.insertLocked(record), nil
}

// Readmit brings back a removed member at a sequence above its
// tombstone. The tombstone stays, so stale snapshots that still carry
// the removal cannot undo the readmission.
func (l *Ledger) Readmit(record MemberRecord) (MemberRecord, error) {
	if err := checkKey(record.Key); err != nil {
		return MemberRecord{}, err
	}
	id := record.ID()

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.members[id]; ok {
		return existing.clone(), nil
	}
	return l.insertLocked(record), nil
}

func (l *Ledger) insertLocked(record MemberRecord) MemberRecord {
	l.sequence++
	stored := record.clone()
	stored.EntrySequence = l.sequence
	l.members[stored.ID()] = &stored
	return stored.clone()
}

// RemoveMember removes key, recording a tombstone at the next
// sequence. authorizations must be non-empty and all valid. Removing a
// key that is not a member still records the tombstone, so a later
// merge cannot introduce it.
func (l *Ledger) RemoveMember(key []byte, authorizations []Authorization) (Tombstone, error) {
	if err := checkKey(key); err != nil {
		return Tombstone{}, err
	}
	tombstone := Tombstone{
		Key:            append([]byte(nil), key...),
		Authorizations: mergeAuthorizations(authorizations, nil),
	}
	if err := tombstone.Verify(l.meshName); err != nil {
		return Tombstone{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sequence++
	tombstone.RemovalSequence = l.sequence
	tombstone.RemovedAt = l.clock.Now().UTC()
	id := memberID(key)
	delete(l.members, id)
	l.tombstones[id] = &tombstone
	return tombstone.clone(), nil
}

// UpdateAddress sets key's address if seenAt is later than the
// member's LastSeen. It reports whether the update was applied.
func (l *Ledger) UpdateAddress(key []byte, address string, seenAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	member, ok := l.members[memberID(key)]
	if !ok {
		return false, fmt.Errorf("%s: %w", memberID(key), ErrNotMember)
	}
	if !seenAt.After(member.LastSeen) {
		return false, nil
	}
	member.Address = address
	member.LastSeen = seenAt
	return true, nil
}

// Touch advances key's LastSeen to seenAt if it is later.
func (l *Ledger) Touch(key []byte, seenAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	member, ok := l.members[memberID(key)]
	if !ok {
		return fmt.Errorf("%s: %w", memberID(key), ErrNotMember)
	}
	if seenAt.After(member.LastSeen) {
		member.LastSeen = seenAt
	}
	return nil
}

// IsRemoved reports whether key is tombstoned and not live.
func (l *Ledger) IsRemoved(key []byte) bool {
	id := memberID(key)
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, tombstoned := l.tombstones[id]
	_, live := l.members[id]
	return tombstoned && !live
}

// Member returns the record for key.
func (l *Ledger) Member(key []byte) (MemberRecord, bool) {
	return l.MemberByID(memberID(key))
}

// MemberByID returns the record for a peer id.
func (l *Ledger) MemberByID(id string) (MemberRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	member, ok := l.members[id]
	if !ok {
		return MemberRecord{}, false
	}
	return member.clone(), true
}

// LookupByDisplayTag returns the member whose display name is name.
// When several match, the longest-known member (lowest entry sequence)
// wins.
func (l *Ledger) LookupByDisplayTag(name string) (MemberRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var found *MemberRecord
	for _, member := range l.members {
		if member.DisplayName() != name {
			continue
		}
		if found == nil || lessMember(member, found) {
			found = member
		}
	}
	if found == nil {
		return MemberRecord{}, false
	}
	return found.clone(), true
}

// AllMembers returns every live member, longest-known first.
func (l *Ledger) AllMembers() []MemberRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.membersLocked()
}

// Tombstones returns every tombstone, ordered by removal sequence.
func (l *Ledger) Tombstones() []Tombstone {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tombstonesLocked()
}

func (l *Ledger) membersLocked() []MemberRecord {
	sorted := make([]*MemberRecord, 0, len(l.members))
	for _, member := range l.members {
		sorted = append(sorted, member)
	}
	sort.Slice(sorted, func(i, j int) bool { return lessMember(sorted[i], sorted[j]) })
	members := make([]MemberRecord, len(sorted))
	for i, member := range sorted {
		members[i] = member.clone()
	}
	return members
}

func (l *Ledger) tombstonesLocked() []Tombstone {
	tombstones := make([]Tombstone, 0, len(l.tombstones))
	for _, tombstone := range l.tombstones {
		tombstones = append(tombstones, tombstone.clone())
	}
	sort.Slice(tombstones, func(i, j int) bool {
		if tombstones[i].RemovalSequence != tombstones[j].RemovalSequence {
			return tombstones[i].RemovalSequence < tombstones[j].RemovalSequence
		}
		return bytes.Compare(tombstones[i].Key, tombstones[j].Key) < 0
	})
	return tombstones
}

func lessMember(a, b *MemberRecord) bool {
	if a.EntrySequence != b.EntrySequence {
		return a.EntrySequence < b.EntrySequence
	}
	return bytes.Compare(a.Key, b.Key) < 0
}

func (l *Ledger) sameMesh(meshName string, secretHash []byte) bool {
	return meshName == l.meshName && subtle.ConstantTimeCompare(secretHash, l.secretHash) == 1
}

func checkKey(key []byte) error {
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key))
	}
	return nil
}

func memberID(key []byte) string {
	return identity.PeerID(ed25519.PublicKey(key))
}

func sortAuthorizations(authorizations []Authorization) {
	sort.Slice(authorizations, func(i, j int) bool {
		return bytes.Compare(authorizations[i].Signer, authorizations[j].Signer) < 0
	})
}
