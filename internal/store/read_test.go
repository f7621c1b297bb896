package store

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/proof"
	"github.com/roach88/secsync/internal/snapshot"
	"github.com/roach88/secsync/internal/testutil"
)

func TestLatestSnapshot_Empty(t *testing.T) {
	s := createTestStore(t)
	createTestDocument(t, s)

	snap, err := s.LatestSnapshot(context.Background(), testDocID)
	if err != nil {
		t.Fatalf("LatestSnapshot() failed: %v", err)
	}
	if snap != nil {
		t.Errorf("LatestSnapshot() = %+v, want nil", snap)
	}
}

func TestReadSnapshot_RoundTripVerifies(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestDocument(t, s)

	snap1 := createTestSnapshot(t, "snap-1", nil)
	snap2 := createTestSnapshot(t, "snap-2", &snap1)
	for _, snap := range []ir.Snapshot{snap1, snap2} {
		if _, err := s.WriteSnapshot(ctx, snap); err != nil {
			t.Fatalf("WriteSnapshot() failed: %v", err)
		}
	}

	latest, err := s.LatestSnapshot(ctx, testDocID)
	if err != nil {
		t.Fatalf("LatestSnapshot() failed: %v", err)
	}
	if latest.PublicData.SnapshotID != "snap-2" {
		t.Fatalf("LatestSnapshot() id = %q, want snap-2", latest.PublicData.SnapshotID)
	}
	if latest.ServerData == nil || latest.ServerData.LatestVersion != 2 {
		t.Errorf("ServerData = %+v, want version 2", latest.ServerData)
	}

	// The stored public data must still verify against the signature.
	parent := proof.EntryFor(snap1)
	content, err := snapshot.Verify(*latest, snapshot.VerifyParams{
		Key:    testutil.DocumentKey(1),
		DocID:  testDocID,
		Parent: &parent,
	})
	if err != nil {
		t.Fatalf("Verify() of stored snapshot failed: %v", err)
	}
	if string(content) != "content of snap-2" {
		t.Errorf("content = %q", content)
	}

	_, err = s.ReadSnapshot(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadSnapshot(missing) error = %v, want ErrNotFound", err)
	}
}

func TestProofChainSince(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestDocument(t, s)

	snap1 := createTestSnapshot(t, "snap-1", nil)
	snap2 := createTestSnapshot(t, "snap-2", &snap1)
	snap3 := createTestSnapshot(t, "snap-3", &snap2)
	for _, snap := range []ir.Snapshot{snap1, snap2, snap3} {
		if _, err := s.WriteSnapshot(ctx, snap); err != nil {
			t.Fatalf("WriteSnapshot() failed: %v", err)
		}
	}

	chain, err := s.ProofChainSince(ctx, testDocID, "snap-1")
	if err != nil {
		t.Fatalf("ProofChainSince() failed: %v", err)
	}
	want := []ir.SnapshotProofChainEntry{proof.EntryFor(snap2), proof.EntryFor(snap3)}
	if !reflect.DeepEqual(chain, want) {
		t.Errorf("ProofChainSince() = %+v, want %+v", chain, want)
	}
	if !proof.IsValidAncestor(proof.EntryFor(snap1), chain, proof.EntryFor(snap3)) {
		t.Error("stored chain does not verify")
	}
	if chain[0].SnapshotCiphertextHash != crypto.HashString(snap2.Ciphertext) {
		t.Error("ciphertext hash mismatch")
	}

	latest, err := s.ProofChainSince(ctx, testDocID, "snap-3")
	if err != nil {
		t.Fatalf("ProofChainSince(latest) failed: %v", err)
	}
	if len(latest) != 0 {
		t.Errorf("ProofChainSince(latest) = %+v, want empty", latest)
	}

	_, err = s.ProofChainSince(ctx, testDocID, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ProofChainSince(missing) error = %v, want ErrNotFound", err)
	}
}

func TestReadUpdates_FiltersByClock(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestDocument(t, s)
	if _, err := s.WriteSnapshot(ctx, createTestSnapshot(t, "snap-1", nil)); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	writes := []ir.Update{
		createTestUpdate(t, "snap-1", 1, 0),
		createTestUpdate(t, "snap-1", 2, 0),
		createTestUpdate(t, "snap-1", 1, 1),
		createTestUpdate(t, "snap-1", 2, 1),
	}
	for _, u := range writes {
		if _, err := s.WriteUpdate(ctx, u); err != nil {
			t.Fatalf("WriteUpdate() failed: %v", err)
		}
	}

	all, err := s.ReadUpdates(ctx, "snap-1", nil)
	if err != nil {
		t.Fatalf("ReadUpdates() failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("ReadUpdates() returned %d updates, want 4", len(all))
	}
	for i, u := range all {
		if u.ServerData.LatestVersion != int64(i+2) {
			t.Errorf("update %d version = %d, want %d", i, u.ServerData.LatestVersion, i+2)
		}
	}

	author1 := testutil.SigningKey(t, 1).PublicKeyString()
	author2 := testutil.SigningKey(t, 2).PublicKeyString()
	missing, err := s.ReadUpdates(ctx, "snap-1", map[string]int64{author1: 1, author2: 0})
	if err != nil {
		t.Fatalf("ReadUpdates() failed: %v", err)
	}
	if len(missing) != 1 || missing[0].PublicData.PubKey != author2 || missing[0].PublicData.Clock != 1 {
		t.Errorf("ReadUpdates(after) = %+v, want author2 clock 1", missing)
	}

	clocks, err := s.UpdateClocks(ctx, "snap-1")
	if err != nil {
		t.Fatalf("UpdateClocks() failed: %v", err)
	}
	if want := map[string]int64{author1: 1, author2: 1}; !reflect.DeepEqual(clocks, want) {
		t.Errorf("UpdateClocks() = %v, want %v", clocks, want)
	}
}
