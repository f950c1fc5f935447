// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
)

// cloneLedger returns an independent copy through a snapshot.
func cloneLedger(t *testing.T, ledger *Ledger) *Ledger {
	t.Helper()
	clone, err := Restore(ledger.Snapshot(), testSecret, WithClock(clock.Fake(testEpoch)))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	return clone
}

func merge(t *testing.T, into, from *Ledger) MergeResult {
	t.Helper()
	result, err := into.Merge(from.Snapshot())
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	return result
}

func encoded(t *testing.T, ledger *Ledger) []byte {
	t.Helper()
	data, err := EncodeSnapshot(ledger.Snapshot())
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	return data
}

// Peer X knows k1 at entry sequence 3; peer Y removed k1 at removal
// sequence 5. Whichever way the ledgers are merged, k1 stays removed
// and both sides end with the same roster.
func TestMergeTombstoneWinsInEitherOrder(t *testing.T) {
	a, b, c, k1 := testIdentity(t, 1), testIdentity(t, 2), testIdentity(t, 3), testIdentity(t, 4)

	x := newTestLedger(t)
	addMember(t, x, a, "a")
	addMember(t, x, b, "b")
	if record := addMember(t, x, k1, "k1"); record.EntrySequence != 3 {
		t.Fatalf("k1 entry sequence = %d, want 3", record.EntrySequence)
	}

	y := newTestLedger(t)
	addMember(t, y, a, "a")
	addMember(t, y, b, "b")
	addMember(t, y, c, "c")
	addMember(t, y, k1, "k1")
	if tombstone := removeMember(t, y, k1, a); tombstone.RemovalSequence != 5 {
		t.Fatalf("k1 removal sequence = %d, want 5", tombstone.RemovalSequence)
	}

	xy := cloneLedger(t, x)
	merge(t, xy, y)
	yx := cloneLedger(t, y)
	merge(t, yx, x)

	for name, merged := range map[string]*Ledger{"x+y": xy, "y+x": yx} {
		if _, ok := merged.Member(k1.PublicKey()); ok {
			t.Errorf("%s: k1 resurrected", name)
		}
		if !merged.IsRemoved(k1.PublicKey()) {
			t.Errorf("%s: k1 not reported removed", name)
		}
		if len(merged.AllMembers()) != 3 {
			t.Errorf("%s: %d members, want a, b, c", name, len(merged.AllMembers()))
		}
		if merged.Sequence() != 5 {
			t.Errorf("%s: Sequence = %d, want 5", name, merged.Sequence())
		}
	}
	if !bytes.Equal(encoded(t, xy), encoded(t, yx)) {
		t.Error("merge is not commutative: snapshots differ")
	}
}

func TestMergeDoesNotResurrectFromStaleSnapshot(t *testing.T) {
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)
	ledger := newTestLedger(t)
	addMember(t, ledger, alice, "alice")
	addMember(t, ledger, bob, "bob")
	stale := ledger.Snapshot()

	removeMember(t, ledger, bob, alice)
	result, err := ledger.Merge(stale)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, ok := ledger.Member(bob.PublicKey()); ok {
		t.Fatal("stale snapshot resurrected bob")
	}
	if result.Changed() {
		t.Errorf("merging a stale snapshot changed the roster: %+v", result)
	}
}

func TestMergeKeepsReadmittedMember(t *testing.T) {
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)
	origin := newTestLedger(t)
	addMember(t, origin, alice, "alice")
	addMember(t, origin, bob, "bob")
	removeMember(t, origin, bob, alice)
	withTombstone := cloneLedger(t, origin)

	if _, err := origin.Readmit(MemberRecord{Key: bob.PublicKey(), LastSeen: testEpoch.Add(time.Hour)}); err != nil {
		t.Fatalf("Readmit: %v", err)
	}

	result := merge(t, withTombstone, origin)
	if _, ok := withTombstone.Member(bob.PublicKey()); !ok {
		t.Fatal("readmission lost in merge")
	}
	if len(result.Added) != 1 || result.Added[0] != bob.ID() {
		t.Errorf("Added = %v, want [%s]", result.Added, bob.ID())
	}

	// The other direction keeps bob too.
	merge(t, origin, withTombstone)
	if _, ok := origin.Member(bob.PublicKey()); !ok {
		t.Fatal("old tombstone removed a readmitted member")
	}
}

func TestMergeAddressLastWriterWins(t *testing.T) {
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)
	x := newTestLedger(t)
	addMember(t, x, alice, "alice")
	y := cloneLedger(t, x)

	if _, err := x.UpdateAddress(alice.PublicKey(), "192.0.2.1:1", testEpoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := y.UpdateAddress(alice.PublicKey(), "192.0.2.2:2", testEpoch.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	addMember(t, y, bob, "bob")

	result := merge(t, x, y)
	record, _ := x.Member(alice.PublicKey())
	if record.Address != "192.0.2.2:2" {
		t.Errorf("Address = %q, want the later 192.0.2.2:2", record.Address)
	}
	if len(result.Updated) != 1 || result.Updated[0] != alice.ID() {
		t.Errorf("Updated = %v", result.Updated)
	}
	if len(result.Added) != 1 || result.Added[0] != bob.ID() {
		t.Errorf("Added = %v", result.Added)
	}

	// Merging back changes nothing on y.
	if again := merge(t, y, x); again.Changed() {
		t.Errorf("second merge changed y: %+v", again)
	}
	if !bytes.Equal(encoded(t, x), encoded(t, y)) {
		t.Error("ledgers differ after exchanging snapshots")
	}
}

func TestMergeReportsRemovals(t *testing.T) {
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)
	x := newTestLedger(t)
	addMember(t, x, alice, "alice")
	addMember(t, x, bob, "bob")
	y := cloneLedger(t, x)
	removeMember(t, y, bob, alice)

	result := merge(t, x, y)
	if len(result.Removed) != 1 || result.Removed[0] != bob.ID() {
		t.Errorf("Removed = %v, want [%s]", result.Removed, bob.ID())
	}
}

func TestMergeRejectsForeignLedger(t *testing.T) {
	ledger := newTestLedger(t)
	tests := []struct {
		name  string
		other *Ledger
	}{
		{"other mesh name", New("other-mesh", testSecret)},
		{"other secret", New(testMesh, "wrong secret")},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			addMember(t, test.other, testIdentity(t, 7), "intruder")
			if _, err := ledger.Merge(test.other.Snapshot()); !errors.Is(err, ErrForeignLedger) {
				t.Fatalf("Merge = %v, want ErrForeignLedger", err)
			}
			if len(ledger.AllMembers()) != 0 {
				t.Error("foreign members merged")
			}
		})
	}
}

func TestMergeDropsUnauthorizedTombstones(t *testing.T) {
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)
	ledger := newTestLedger(t)
	addMember(t, ledger, alice, "alice")
	addMember(t, ledger, bob, "bob")

	forged := ledger.Snapshot()
	forged.Tombstones = []Tombstone{{
		Key:             bob.PublicKey(),
		RemovalSequence: 100,
		Authorizations:  []Authorization{Authorize(alice, "other-mesh", bob.PublicKey())},
	}, {
		Key:             alice.PublicKey(),
		RemovalSequence: 100,
	}}

	result, err := ledger.Merge(forged)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if result.RejectedTombstones != 2 {
		t.Errorf("RejectedTombstones = %d, want 2", result.RejectedTombstones)
	}
	if len(ledger.AllMembers()) != 2 || len(ledger.Tombstones()) != 0 {
		t.Errorf("forged tombstones took effect: %d members, %d tombstones",
			len(ledger.AllMembers()), len(ledger.Tombstones()))
	}
}

func TestMergeCombinesAuthorizations(t *testing.T) {
	alice, bob, carol := testIdentity(t, 1), testIdentity(t, 2), testIdentity(t, 3)
	base := newTestLedger(t)
	addMember(t, base, alice, "alice")
	addMember(t, base, bob, "bob")
	addMember(t, base, carol, "carol")
	x := cloneLedger(t, base)
	y := cloneLedger(t, base)

	removeMember(t, x, bob, alice)
	removeMember(t, y, bob, carol)
	merge(t, x, y)

	tombstones := x.Tombstones()
	if len(tombstones) != 1 {
		t.Fatalf("%d tombstones, want 1", len(tombstones))
	}
	if got := len(tombstones[0].Authorizations); got != 2 {
		t.Errorf("%d authorizations, want both alice's and carol's", got)
	}
	if err := tombstones[0].Verify(testMesh); err != nil {
		t.Errorf("merged tombstone does not verify: %v", err)
	}
}
