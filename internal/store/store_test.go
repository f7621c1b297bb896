package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestOpen_CreatesFileAndTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	for _, table := range []string{"documents", "snapshots", "updates"} {
		if cols := tableColumns(t, s.db, table); len(cols) == 0 {
			t.Errorf("table %q was not created", table)
		}
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.CreateDocument(ctx, testDocID); err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}
	s.Close()

	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("reopen %d failed: %v", i, err)
		}
		created, err := s.CreateDocument(ctx, testDocID)
		if err != nil {
			t.Fatalf("CreateDocument() after reopen failed: %v", err)
		}
		if created {
			t.Errorf("reopen %d: document was created again", i)
		}
		s.Close()
	}
}

func TestOpen_UnwritableDirectory(t *testing.T) {
	if _, err := Open("/nonexistent/dir/relay.db"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestClose(t *testing.T) {
	if err := (&Store{}).Close(); err != nil {
		t.Errorf("Close() on zero Store: %v", err)
	}

	s, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	_ = s.Close()
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	// synchronous NORMAL reads back as 1, foreign_keys ON as 1.
	want := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, value := range want {
		got, err := s.pragma(name)
		if err != nil {
			t.Fatal(err)
		}
		if got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
}

func TestSchema_Columns(t *testing.T) {
	s := createTestStore(t)

	want := map[string][]string{
		"documents": {"id", "latest_version"},
		"snapshots": {
			"id", "document_id", "seq", "version", "parent_snapshot_id",
			"ciphertext", "ciphertext_hash", "nonce", "signature", "public_data",
		},
		"updates": {
			"id", "document_id", "snapshot_id", "pub_key", "clock", "version",
			"ciphertext", "nonce", "signature", "public_data",
		},
	}
	for table, cols := range want {
		have := tableColumns(t, s.db, table)
		for _, col := range cols {
			if !slices.Contains(have, col) {
				t.Errorf("%s missing column %q", table, col)
			}
		}
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)

	if idx := tableIndexes(t, s.db, "snapshots"); !slices.Contains(idx, "idx_snapshots_document") {
		t.Errorf("snapshots indexes = %v, missing idx_snapshots_document", idx)
	}
	if idx := tableIndexes(t, s.db, "updates"); !slices.Contains(idx, "idx_updates_snapshot") {
		t.Errorf("updates indexes = %v, missing idx_updates_snapshot", idx)
	}
}

func TestMigrate_FreshDatabaseIsCurrent(t *testing.T) {
	s := createTestStore(t)

	if v := userVersion(t, s.db); v != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", v, currentSchemaVersion)
	}
}

func TestMigrate_UpgradesUnversionedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	for _, stmt := range []string{schemaSQL, "DROP INDEX idx_updates_snapshot", "PRAGMA user_version = 0"} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	db.Close()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if v := userVersion(t, s.db); v != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", v, currentSchemaVersion)
	}
	if idx := tableIndexes(t, s.db, "updates"); !slices.Contains(idx, "idx_updates_snapshot") {
		t.Errorf("idx_updates_snapshot missing after upgrade: %v", idx)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	createTestDocument(t, s)

	boom := errors.New("boom")
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := bumpVersion(ctx, tx, testDocID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("inTx() error = %v, want boom", err)
	}

	var v int64
	if err := s.db.QueryRow(`SELECT latest_version FROM documents WHERE id = ?`, testDocID).Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("latest_version = %d after rollback, want 0", v)
	}
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		t.Fatalf("table info %q: %v", table, err)
	}
	defer rows.Close()
	return scanNames(t, rows)
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?", table)
	if err != nil {
		t.Fatalf("indexes %q: %v", table, err)
	}
	defer rows.Close()
	return scanNames(t, rows)
}

func scanNames(t *testing.T, rows *sql.Rows) []string {
	t.Helper()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		names = append(names, name)
	}
	return names
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	return v
}
