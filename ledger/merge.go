// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"slices"
	"sort"
	"strings"
)

// MergeResult describes what a merge changed, by peer id.
type MergeResult struct {
	Added   []string
	Updated []string
	Removed []string

	// RejectedTombstones counts remote tombstones dropped because their
	// authorizations did not verify.
	RejectedTombstones int
}

// Changed reports whether the live roster changed.
func (r MergeResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Updated) > 0 || len(r.Removed) > 0
}

// Merge folds a remote snapshot into the ledger: the union of members
// (address, last-seen and tags from the most recently seen copy, entry
// sequence the higher of the two), the union of tombstones (higher
// removal sequence wins, authorizations combined), then tombstone
// precedence: a member is dropped when its tombstone's removal sequence
// is at least its entry sequence. The sequence counter advances past
// every sequence seen.
func (l *Ledger) Merge(snapshot Snapshot) (MergeResult, error) {
	var result MergeResult
	if !l.sameMesh(snapshot.MeshName, snapshot.SecretHash) {
		return result, ErrForeignLedger
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	before := make(map[string]MemberRecord, len(l.members))
	for id, member := range l.members {
		before[id] = *member
	}

	for _, remote := range snapshot.Members {
		if checkKey(remote.Key) != nil {
			continue
		}
		id := remote.ID()
		if local, ok := l.members[id]; ok {
			merged := mergeRecords(*local, remote)
			l.members[id] = &merged
		} else {
			stored := remote.clone()
			l.members[id] = &stored
		}
	}

	for _, remote := range snapshot.Tombstones {
		if checkKey(remote.Key) != nil {
			continue
		}
		if remote.Verify(l.meshName) != nil {
			result.RejectedTombstones++
			continue
		}
		id := memberID(remote.Key)
		if local, ok := l.tombstones[id]; ok {
			merged := mergeTombstones(*local, remote)
			l.tombstones[id] = &merged
		} else {
			stored := remote.clone()
			l.tombstones[id] = &stored
		}
	}

	l.applyPrecedenceLocked()
	l.advanceSequenceLocked(snapshot.Sequence)

	for id, member := range l.members {
		previous, existed := before[id]
		switch {
		case !existed:
			result.Added = append(result.Added, id)
		case !sameRecord(previous, *member):
			result.Updated = append(result.Updated, id)
		}
	}
	for id := range before {
		if _, live := l.members[id]; !live {
			result.Removed = append(result.Removed, id)
		}
	}
	sort.Strings(result.Added)
	sort.Strings(result.Updated)
	sort.Strings(result.Removed)
	return result, nil
}

// applyPrecedenceLocked drops members whose tombstone is at least as
// recent as their insertion.
func (l *Ledger) applyPrecedenceLocked() {
	for id, tombstone := range l.tombstones {
		if member, ok := l.members[id]; ok && tombstone.RemovalSequence >= member.EntrySequence {
			delete(l.members, id)
		}
	}
}

func (l *Ledger) advanceSequenceLocked(remote uint64) {
	sequence := max(l.sequence, remote)
	for _, member := range l.members {
		sequence = max(sequence, member.EntrySequence)
	}
	for _, tombstone := range l.tombstones {
		sequence = max(sequence, tombstone.RemovalSequence)
	}
	l.sequence = sequence
}

// mergeRecords combines two copies of one member. The result does not
// depend on argument order.
func mergeRecords(a, b MemberRecord) MemberRecord {
	winner := a
	if newerRecord(b, a) {
		winner = b
	}
	merged := winner.clone()
	merged.EntrySequence = max(a.EntrySequence, b.EntrySequence)
	return merged
}

// newerRecord orders copies by LastSeen, then address, then tags, so
// ties resolve the same way on every peer.
func newerRecord(a, b MemberRecord) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	if a.Address != b.Address {
		return a.Address > b.Address
	}
	return strings.Join(a.Tags, "\x00") > strings.Join(b.Tags, "\x00")
}

func mergeTombstones(a, b Tombstone) Tombstone {
	if a.RemovalSequence != b.RemovalSequence {
		if b.RemovalSequence > a.RemovalSequence {
			return b.clone()
		}
		return a.clone()
	}
	merged := a.clone()
	merged.Authorizations = mergeAuthorizations(a.Authorizations, b.Authorizations)
	if b.RemovedAt.After(a.RemovedAt) {
		merged.RemovedAt = b.RemovedAt
	}
	return merged
}

func sameRecord(a, b MemberRecord) bool {
	return a.Address == b.Address &&
		a.EntrySequence == b.EntrySequence &&
		a.LastSeen.Equal(b.LastSeen) &&
		slices.Equal(a.Tags, b.Tags)
}
