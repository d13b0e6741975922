package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dir := t.TempDir()
	store, dbPath, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	if dbPath != filepath.Join(dir, DefaultDBFileName) || store.Path() != dbPath {
		t.Fatalf("unexpected db path: got %q, store reports %q", dbPath, store.Path())
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		t.Fatalf("read journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Fatalf("expected journal_mode wal, got %q", journalMode)
	}

	var count int
	if err := store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = 'peers'",
	).Scan(&count); err != nil {
		t.Fatalf("check peers table: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected peers table to exist")
	}
}

func TestReopenKeepsDataAndSkipsAppliedMigrations(t *testing.T) {
	dir := t.TempDir()
	store, _, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustUpsert(t, store, "peer-1", "Alice", "10.0.0.5:6767", time.UnixMilli(1_000))
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, _, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	peer, err := reopened.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer after reopen failed: %v", err)
	}
	if peer.DisplayName != "Alice" {
		t.Fatalf("unexpected display name after reopen: %q", peer.DisplayName)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestOpenUpgradesOlderSchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, DefaultDBFileName)

	legacy, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	for i, stmt := range migrations[:2] {
		if _, err := legacy.Exec(stmt); err != nil {
			t.Fatalf("legacy migration %d: %v", i+1, err)
		}
	}
	if _, err := legacy.Exec("PRAGMA user_version = 2;"); err != nil {
		t.Fatalf("set legacy version: %v", err)
	}
	if _, err := legacy.Exec(
		"INSERT INTO peers (peer_id, display_name, first_seen, last_seen) VALUES ('peer-old', 'Old', 1, 1)",
	); err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}
	_ = legacy.Close()

	store, _, err := Open(dir, Options{CheckpointInterval: -1})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	version, err := store.schemaVersion()
	if err != nil {
		t.Fatalf("schemaVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	peer, err := store.GetPeer("peer-old")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if peer.Sightings != 0 || peer.DisplayName != "Old" {
		t.Fatalf("unexpected upgraded row: %+v", peer)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, DefaultDBFileName)

	future, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := future.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations)+1)); err != nil {
		t.Fatalf("set version: %v", err)
	}
	_ = future.Close()

	if store, _, err := Open(dir, Options{}); err == nil {
		_ = store.Close()
		t.Fatalf("expected Open to reject a newer schema")
	}
}
