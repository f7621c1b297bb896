package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/secsync/internal/ir"
)

// DocumentExists reports whether docID has been created.
func (s *Store) DocumentExists(ctx context.Context, docID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, docID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("document exists: %w", err)
	}
	return n > 0, nil
}

// LatestVersion returns the document's server version.
// Returns ErrNotFound if the document does not exist.
func (s *Store) LatestVersion(ctx context.Context, docID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT latest_version FROM documents WHERE id = ?`, docID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("latest version of %s: %w", docID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

const snapshotColumns = `id, version, ciphertext, nonce, signature, public_data`

// LatestSnapshot returns the newest snapshot of the document, or nil if it
// has none.
func (s *Store) LatestSnapshot(ctx context.Context, docID string) (*ir.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE document_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, docID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ReadSnapshot retrieves a single snapshot by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadSnapshot(ctx context.Context, snapshotID string) (ir.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE id = ?
	`, snapshotID)
	return scanSnapshot(row)
}

// ReadSnapshots returns every snapshot of the document, oldest first.
// Returns an empty slice (not nil) if the document has none.
func (s *Store) ReadSnapshots(ctx context.Context, docID string) ([]ir.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE document_id = ?
		ORDER BY seq ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := []ir.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// ProofChainSince returns the proof chain entries of the snapshots stored
// after fromSnapshotID, oldest first, ending with the latest snapshot.
// Returns ErrNotFound if fromSnapshotID is not a snapshot of the document.
func (s *Store) ProofChainSince(ctx context.Context, docID, fromSnapshotID string) ([]ir.SnapshotProofChainEntry, error) {
	var fromSeq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT seq FROM snapshots WHERE id = ? AND document_id = ?
	`, fromSnapshotID, docID).Scan(&fromSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proof chain from %s: %w", fromSnapshotID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("proof chain: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ciphertext_hash, public_data
		FROM snapshots
		WHERE document_id = ? AND seq > ?
		ORDER BY seq ASC
	`, docID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("query proof chain: %w", err)
	}
	defer rows.Close()

	chain := []ir.SnapshotProofChainEntry{}
	for rows.Next() {
		var entry ir.SnapshotProofChainEntry
		var pubJSON string
		if err := rows.Scan(&entry.SnapshotID, &entry.SnapshotCiphertextHash, &pubJSON); err != nil {
			return nil, fmt.Errorf("scan proof chain: %w", err)
		}
		pub, err := unmarshalSnapshotPublicData(pubJSON)
		if err != nil {
			return nil, err
		}
		entry.ParentSnapshotProof = pub.ParentSnapshotProof
		chain = append(chain, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proof chain: %w", err)
	}
	return chain, nil
}

// ReadUpdates returns the updates on snapshotID in server version order,
// skipping every update whose clock is at or below after[author].
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadUpdates(ctx context.Context, snapshotID string, after map[string]int64) ([]ir.Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, ciphertext, nonce, signature, public_data
		FROM updates
		WHERE snapshot_id = ?
		ORDER BY version ASC
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	updates := []ir.Update{}
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		if c, ok := after[u.PublicData.PubKey]; ok && u.PublicData.Clock <= c {
			continue
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return updates, nil
}

// UpdateClocks returns the highest stored clock per author on snapshotID.
// Never nil.
func (s *Store) UpdateClocks(ctx context.Context, snapshotID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pub_key, MAX(clock)
		FROM updates
		WHERE snapshot_id = ?
		GROUP BY pub_key
		ORDER BY pub_key COLLATE BINARY ASC
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query update clocks: %w", err)
	}
	defer rows.Close()

	clocks := make(map[string]int64)
	for rows.Next() {
		var author string
		var clock int64
		if err := rows.Scan(&author, &clock); err != nil {
			return nil, fmt.Errorf("scan update clock: %w", err)
		}
		clocks[author] = clock
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate update clocks: %w", err)
	}
	return clocks, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (ir.Snapshot, error) {
	var snap ir.Snapshot
	var id, pubJSON string
	var version int64
	err := sc.Scan(&id, &version, &snap.Ciphertext, &snap.Nonce, &snap.Signature, &pubJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}

	pub, err := unmarshalSnapshotPublicData(pubJSON)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, err)
	}
	snap.PublicData = pub
	snap.ServerData = &ir.ServerData{LatestVersion: version}
	return snap, nil
}

func scanUpdate(sc scanner) (ir.Update, error) {
	var u ir.Update
	var pubJSON string
	var version int64
	if err := sc.Scan(&version, &u.Ciphertext, &u.Nonce, &u.Signature, &pubJSON); err != nil {
		return ir.Update{}, fmt.Errorf("scan update: %w", err)
	}

	pub, err := unmarshalUpdatePublicData(pubJSON)
	if err != nil {
		return ir.Update{}, err
	}
	u.PublicData = pub
	u.ServerData = &ir.ServerData{LatestVersion: version}
	return u, nil
}
