package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/secsync/internal/crypto"
	"github.com/roach88/secsync/internal/ir"
)

// CreateDocument creates an empty document.
// Uses ON CONFLICT(id) DO NOTHING for idempotency and reports whether the
// document was newly created.
func (s *Store) CreateDocument(ctx context.Context, docID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, latest_version)
		VALUES (?, 0)
		ON CONFLICT(id) DO NOTHING
	`, docID)
	if err != nil {
		return false, fmt.Errorf("create document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create document: %w", err)
	}
	return n == 1, nil
}

// bumpVersion increments the document's server version inside tx and
// returns the new value.
func bumpVersion(ctx context.Context, tx *sql.Tx, docID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET latest_version = latest_version + 1 WHERE id = ?
	`, docID)
	if err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("bump version for %s: %w", docID, ErrNotFound)
	}

	var v int64
	if err := tx.QueryRowContext(ctx, `SELECT latest_version FROM documents WHERE id = ?`, docID).Scan(&v); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// WriteSnapshot stores snap as the latest snapshot of its document and
// returns the server version assigned to it.
//
// Note: The document must exist. A snapshot id that already exists returns
// ErrConflict.
func (s *Store) WriteSnapshot(ctx context.Context, snap ir.Snapshot) (int64, error) {
	pub := snap.PublicData
	pubJSON, err := marshalPublicData(pub.ToIR())
	if err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}

	var version int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		v, err := bumpVersion(ctx, tx, pub.DocID)
		if err != nil {
			return err
		}
		var seq int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0) + 1 FROM snapshots WHERE document_id = ?
		`, pub.DocID).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots
			(id, document_id, seq, version, parent_snapshot_id, ciphertext, ciphertext_hash, nonce, signature, public_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			pub.SnapshotID, pub.DocID, seq, v, pub.ParentSnapshotID,
			snap.Ciphertext, crypto.HashString(snap.Ciphertext),
			snap.Nonce, snap.Signature, pubJSON,
		)
		if isConstraint(err) {
			return fmt.Errorf("snapshot %s: %w", pub.SnapshotID, ErrConflict)
		}
		version = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	return version, nil
}

// WriteUpdate stores u and returns the server version assigned to it.
//
// Note: The referenced snapshot must exist (foreign key constraint). A second
// update with the same (snapshot, author, clock) returns ErrConflict.
func (s *Store) WriteUpdate(ctx context.Context, u ir.Update) (int64, error) {
	pub := u.PublicData
	pubJSON, err := marshalPublicData(pub.ToIR())
	if err != nil {
		return 0, fmt.Errorf("write update: %w", err)
	}

	var version int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		v, err := bumpVersion(ctx, tx, pub.DocID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO updates
			(document_id, snapshot_id, pub_key, clock, version, ciphertext, nonce, signature, public_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			pub.DocID, pub.RefSnapshotID, pub.PubKey, pub.Clock, v,
			u.Ciphertext, u.Nonce, u.Signature, pubJSON,
		)
		if isConstraint(err) {
			return fmt.Errorf("update %s/%d: %w", pub.RefSnapshotID, pub.Clock, ErrConflict)
		}
		version = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("write update: %w", err)
	}
	return version, nil
}

// isConstraint reports whether err is a unique or primary key violation.
func isConstraint(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
