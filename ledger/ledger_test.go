// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/identity"
	"github.com/bureau-foundation/syncshell/lib/clock"
)

const (
	testMesh   = "book-club"
	testSecret = "correct horse battery staple"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testIdentity returns a deterministic identity; different seeds give
// different keys.
func testIdentity(t *testing.T, seed byte) *identity.Identity {
	t.Helper()
	id, err := identity.FromSeed(bytes.Repeat([]byte{seed}, 32))
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	return id
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(testMesh, testSecret, WithClock(clock.Fake(testEpoch)))
}

func addMember(t *testing.T, ledger *Ledger, id *identity.Identity, name string) MemberRecord {
	t.Helper()
	record, err := ledger.AddMember(MemberRecord{
		Key:      id.PublicKey(),
		LastSeen: testEpoch,
		Tags:     []string{NameTag(name)},
	})
	if err != nil {
		t.Fatalf("AddMember(%s): %v", name, err)
	}
	return record
}

func removeMember(t *testing.T, ledger *Ledger, id *identity.Identity, by *identity.Identity) Tombstone {
	t.Helper()
	tombstone, err := ledger.RemoveMember(id.PublicKey(), []Authorization{Authorize(by, testMesh, id.PublicKey())})
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	return tombstone
}

func TestAddMemberAssignsSequence(t *testing.T) {
	ledger := newTestLedger(t)
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)

	first := addMember(t, ledger, alice, "alice")
	second := addMember(t, ledger, bob, "bob")
	if first.EntrySequence != 1 || second.EntrySequence != 2 {
		t.Errorf("entry sequences = %d, %d, want 1, 2", first.EntrySequence, second.EntrySequence)
	}
	if ledger.Sequence() != 2 {
		t.Errorf("Sequence = %d, want 2", ledger.Sequence())
	}
	if first.ID() != alice.ID() {
		t.Errorf("ID = %s, want %s", first.ID(), alice.ID())
	}

	// Re-adding refreshes newer fields but keeps the entry sequence.
	again, err := ledger.AddMember(MemberRecord{
		Key:           alice.PublicKey(),
		Address:       "192.0.2.1:4000",
		EntrySequence: 99,
		LastSeen:      testEpoch.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("AddMember again: %v", err)
	}
	if again.EntrySequence != 1 || again.Address != "192.0.2.1:4000" {
		t.Errorf("re-added record = %+v", again)
	}
	if again.DisplayName() != "alice" {
		t.Errorf("tags lost on refresh: %v", again.Tags)
	}
	if ledger.Sequence() != 2 {
		t.Errorf("Sequence = %d after refresh, want 2", ledger.Sequence())
	}

	if _, err := ledger.AddMember(MemberRecord{Key: []byte("short")}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("AddMember(short key) = %v, want ErrInvalidKey", err)
	}
}

func TestRemoveMember(t *testing.T) {
	ledger := newTestLedger(t)
	alice, bob := testIdentity(t, 1), testIdentity(t, 2)
	addMember(t, ledger, alice, "alice")
	addMember(t, ledger, bob, "bob")

	tombstone := removeMember(t, ledger, bob, alice)
	if tombstone.RemovalSequence != 3 {
		t.Errorf("RemovalSequence = %d, want 3", tombstone.RemovalSequence)
	}
	if !tombstone.RemovedAt.Equal(testEpoch) {
		t.Errorf("RemovedAt = %v, want %v", tombstone.RemovedAt, testEpoch)
	}
	if !ledger.IsRemoved(bob.PublicKey()) || ledger.IsRemoved(alice.PublicKey()) {
		t.Error("IsRemoved wrong after removal")
	}
	if _, ok := ledger.Member(bob.PublicKey()); ok {
		t.Error("removed member still live")
	}

	_, err := ledger.AddMember(MemberRecord{Key: bob.PublicKey(), LastSeen: testEpoch.Add(time.Hour)})
	if !errors.Is(err, ErrRemoved) {
		t.Fatalf("AddMember(removed) = %v, want ErrRemoved", err)
	}

	readmitted, err := ledger.Readmit(MemberRecord{Key: bob.PublicKey(), LastSeen: testEpoch.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Readmit: %v", err)
	}
	if readmitted.EntrySequence <= tombstone.RemovalSequence {
		t.Errorf("readmitted at %d, not above removal %d", readmitted.EntrySequence, tombstone.RemovalSequence)
	}
	if ledger.IsRemoved(bob.PublicKey()) {
		t.Error("readmitted member reported removed")
	}
	if len(ledger.Tombstones()) != 1 {
		t.Error("tombstone dropped by readmission")
	}
}

func TestRemoveMemberRequiresAuthorization(t *testing.T) {
	ledger := newTestLedger(t)
	alice, bob, carol := testIdentity(t, 1), testIdentity(t, 2), testIdentity(t, 3)
	addMember(t, ledger, bob, "bob")

	forged := Authorize(alice, testMesh, bob.PublicKey())
	forged.Signature[0] ^= 0xff

	tests := []struct {
		name           string
		authorizations []Authorization
	}{
		{"none", nil},
		{"forged", []Authorization{forged}},
		{"other mesh", []Authorization{Authorize(alice, "other-mesh", bob.PublicKey())}},
		{"other key", []Authorization{Authorize(alice, testMesh, alice.PublicKey())}},
		{"one bad of two", []Authorization{Authorize(carol, testMesh, bob.PublicKey()), forged}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ledger.RemoveMember(bob.PublicKey(), test.authorizations)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("RemoveMember = %v, want ErrUnauthorized", err)
			}
		})
	}
	if _, ok := ledger.Member(bob.PublicKey()); !ok {
		t.Fatal("unauthorized removal took effect")
	}
	if ledger.Sequence() != 1 {
		t.Errorf("Sequence = %d, want 1", ledger.Sequence())
	}
}

func TestUpdateAddressLastWriterWins(t *testing.T) {
	ledger := newTestLedger(t)
	alice := testIdentity(t, 1)
	addMember(t, ledger, alice, "alice")

	applied, err := ledger.UpdateAddress(alice.PublicKey(), "192.0.2.1:1", testEpoch.Add(2*time.Minute))
	if err != nil || !applied {
		t.Fatalf("UpdateAddress = %v, %v", applied, err)
	}
	applied, err = ledger.UpdateAddress(alice.PublicKey(), "192.0.2.2:2", testEpoch.Add(time.Minute))
	if err != nil || applied {
		t.Fatalf("older UpdateAddress = %v, %v, want ignored", applied, err)
	}
	record, _ := ledger.Member(alice.PublicKey())
	if record.Address != "192.0.2.1:1" {
		t.Errorf("Address = %q", record.Address)
	}

	if err := ledger.Touch(alice.PublicKey(), testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := ledger.Touch(alice.PublicKey(), testEpoch); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	record, _ = ledger.Member(alice.PublicKey())
	if !record.LastSeen.Equal(testEpoch.Add(time.Hour)) {
		t.Errorf("LastSeen = %v, Touch moved it backwards", record.LastSeen)
	}

	stranger := testIdentity(t, 9)
	if _, err := ledger.UpdateAddress(stranger.PublicKey(), "x", testEpoch); !errors.Is(err, ErrNotMember) {
		t.Errorf("UpdateAddress(stranger) = %v, want ErrNotMember", err)
	}
	if err := ledger.Touch(stranger.PublicKey(), testEpoch); !errors.Is(err, ErrNotMember) {
		t.Errorf("Touch(stranger) = %v, want ErrNotMember", err)
	}
}

func TestLookupByDisplayTag(t *testing.T) {
	ledger := newTestLedger(t)
	first := addMember(t, ledger, testIdentity(t, 1), "sam")
	addMember(t, ledger, testIdentity(t, 2), "sam")
	addMember(t, ledger, testIdentity(t, 3), "robin")

	found, ok := ledger.LookupByDisplayTag("sam")
	if !ok || found.ID() != first.ID() {
		t.Errorf("LookupByDisplayTag(sam) = %s, %v, want the longest-known %s", found.ID(), ok, first.ID())
	}
	if _, ok := ledger.LookupByDisplayTag("nobody"); ok {
		t.Error("LookupByDisplayTag(nobody) found a member")
	}

	members := ledger.AllMembers()
	if len(members) != 3 {
		t.Fatalf("AllMembers = %d members", len(members))
	}
	for i := 1; i < len(members); i++ {
		if members[i-1].EntrySequence >= members[i].EntrySequence {
			t.Errorf("AllMembers not ordered by entry sequence: %d before %d",
				members[i-1].EntrySequence, members[i].EntrySequence)
		}
	}
	if members[2].DisplayName() != "robin" {
		t.Errorf("last member = %q", members[2].DisplayName())
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ledger := newTestLedger(t)
	alice := testIdentity(t, 1)
	record := addMember(t, ledger, alice, "alice")
	record.Tags[0] = NameTag("mallory")
	record.Key[0] ^= 0xff

	stored, ok := ledger.Member(alice.PublicKey())
	if !ok || stored.DisplayName() != "alice" {
		t.Errorf("stored record changed through a returned copy: %+v", stored)
	}
}
