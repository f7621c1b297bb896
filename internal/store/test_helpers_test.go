package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
	"github.com/roach88/secsync/internal/snapshot"
	"github.com/roach88/secsync/internal/testutil"
	"github.com/roach88/secsync/internal/update"
)

const testDocID = "doc-1"

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestDocument creates testDocID in s.
func createTestDocument(t *testing.T, s *Store) {
	t.Helper()
	if _, err := s.CreateDocument(context.Background(), testDocID); err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}
}

// createTestSnapshot creates a signed snapshot of testDocID on top of parent.
func createTestSnapshot(t *testing.T, id string, parent *ir.Snapshot) ir.Snapshot {
	t.Helper()
	params := snapshot.CreateParams{
		Content:    []byte("content of " + id),
		PublicData: ir.SnapshotPublicData{DocID: testDocID, SnapshotID: id},
		Key:        testutil.DocumentKey(1),
		SigningKey: testutil.SigningKey(t, 1),
	}
	if parent != nil {
		params.PublicData.ParentSnapshotID = parent.PublicData.SnapshotID
		params.ParentSnapshotCiphertextHash = crypto.HashString(parent.Ciphertext)
		params.GrandParentSnapshotProof = parent.PublicData.ParentSnapshotProof
	}
	snap, err := snapshot.Create(params)
	if err != nil {
		t.Fatalf("snapshot.Create() failed: %v", err)
	}
	return snap
}

// createTestUpdate creates a signed update by the author seeded with seed.
func createTestUpdate(t *testing.T, refSnapshotID string, seed byte, clock int64) ir.Update {
	t.Helper()
	content, _ := json.Marshal([]string{"change"})
	u, err := update.Create(update.CreateParams{
		Content:       content,
		DocID:         testDocID,
		RefSnapshotID: refSnapshotID,
		Clock:         clock,
		Key:           testutil.DocumentKey(1),
		SigningKey:    testutil.SigningKey(t, seed),
	})
	if err != nil {
		t.Fatalf("update.Create() failed: %v", err)
	}
	return u
}
