// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/persist"
)

func populatedLedger(t *testing.T) *Ledger {
	t.Helper()
	alice, bob, carol := testIdentity(t, 1), testIdentity(t, 2), testIdentity(t, 3)
	ledger := newTestLedger(t)
	addMember(t, ledger, alice, "alice")
	addMember(t, ledger, bob, "bob")
	addMember(t, ledger, carol, "carol")
	if _, err := ledger.UpdateAddress(bob.PublicKey(), "198.51.100.4:7000", testEpoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	removeMember(t, ledger, carol, alice)
	return ledger
}

func TestSnapshotEncodingIsStable(t *testing.T) {
	ledger := populatedLedger(t)
	first := encoded(t, ledger)
	if !bytes.Equal(first, encoded(t, ledger)) {
		t.Fatal("encoding the same ledger twice gave different bytes")
	}

	decoded, err := DecodeSnapshot(first)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	restored, err := Restore(decoded, testSecret, WithClock(clock.Fake(testEpoch)))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Equal(first, encoded(t, restored)) {
		t.Error("restored ledger encodes differently")
	}
	if restored.Sequence() != 4 {
		t.Errorf("restored Sequence = %d, want 4", restored.Sequence())
	}
	if !restored.IsRemoved(testIdentity(t, 3).PublicKey()) {
		t.Error("tombstone lost in round trip")
	}
}

func TestDecodeSnapshotIgnoresUnknownFields(t *testing.T) {
	ledger := populatedLedger(t)
	snapshot := ledger.Snapshot()

	// A newer peer's snapshot with an extra top-level field.
	extended := struct {
		Snapshot
		Flavor string `cbor:"flavor"`
	}{Snapshot: snapshot, Flavor: "future"}
	body, err := codec.Marshal(extended)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	frame, err := persist.EncodeFrame(persist.KindLedger, SnapshotVersion+1, body)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	decoded, err := DecodeSnapshot(frame)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if len(decoded.Members) != 2 || decoded.Sequence != snapshot.Sequence {
		t.Errorf("decoded = %d members, sequence %d", len(decoded.Members), decoded.Sequence)
	}
}

func TestDecodeSnapshotRejectsCorruptInput(t *testing.T) {
	valid := encoded(t, populatedLedger(t))

	badKey, err := codec.Marshal(Snapshot{
		MeshName: testMesh,
		Members:  []MemberRecord{{Key: []byte{1, 2, 3}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	badKeyFrame, err := persist.EncodeFrame(persist.KindLedger, SnapshotVersion, badKey)
	if err != nil {
		t.Fatal(err)
	}
	wrongKind, err := persist.EncodeFrame(persist.KindRecovery, SnapshotVersion, []byte{0xa0})
	if err != nil {
		t.Fatal(err)
	}
	notCBOR, err := persist.EncodeFrame(persist.KindLedger, SnapshotVersion, []byte{0xff, 0xff})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("definitely not a ledger")},
		{"truncated", valid[:len(valid)/2]},
		{"wrong kind", wrongKind},
		{"not cbor", notCBOR},
		{"bad member key", badKeyFrame},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := DecodeSnapshot(test.data); !errors.Is(err, ErrCorrupt) {
				t.Fatalf("DecodeSnapshot = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestRestoreRejectsWrongSecret(t *testing.T) {
	snapshot := populatedLedger(t).Snapshot()
	if _, err := Restore(snapshot, "not the secret"); !errors.Is(err, ErrForeignLedger) {
		t.Fatalf("Restore = %v, want ErrForeignLedger", err)
	}
}

func TestStore(t *testing.T) {
	root, err := persist.Open(t.TempDir())
	if err != nil {
		t.Fatalf("persist.Open: %v", err)
	}
	t.Cleanup(func() { root.Close() })
	store := NewStore(root, "mesh-1")

	fresh, err := store.Open(testMesh, testSecret)
	if err != nil {
		t.Fatalf("Open on empty root: %v", err)
	}
	if len(fresh.AllMembers()) != 0 {
		t.Fatal("fresh ledger has members")
	}

	ledger := populatedLedger(t)
	if err := store.Save(ledger); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, found, err := store.Load(testMesh, testSecret)
	if err != nil || !found {
		t.Fatalf("Load = %v, %v", found, err)
	}
	if !bytes.Equal(encoded(t, ledger), encoded(t, loaded)) {
		t.Error("loaded ledger differs from saved")
	}

	if _, _, err := store.Load("other-mesh", testSecret); !errors.Is(err, ErrForeignLedger) {
		t.Errorf("Load(other mesh) = %v, want ErrForeignLedger", err)
	}
	if _, _, err := store.Load(testMesh, "wrong"); !errors.Is(err, ErrForeignLedger) {
		t.Errorf("Load(wrong secret) = %v, want ErrForeignLedger", err)
	}

	if err := os.WriteFile(root.BlobPath("mesh-1", ledgerBlob), []byte("scribble"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(testMesh, testSecret); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Open over a corrupt blob = %v, want ErrCorrupt", err)
	}
}
