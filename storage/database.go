package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the database directory.
	DefaultDBFileName = "peers.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id      TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  address      TEXT NOT NULL DEFAULT '',
  version      INTEGER NOT NULL DEFAULT 0,
  platform     TEXT NOT NULL DEFAULT '',
  status       TEXT NOT NULL CHECK(status IN ('online','offline')) DEFAULT 'online',
  first_seen   INTEGER NOT NULL,
  last_seen    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peers_name
ON peers (display_name, peer_id);
`,
	`
ALTER TABLE peers ADD COLUMN sightings INTEGER NOT NULL DEFAULT 0;
`,
}

// Options tunes a Store. The zero value is usable.
type Options struct {
	// CheckpointInterval is how often the WAL is truncated. Zero uses
	// DefaultWALCheckpointInterval, negative disables the loop.
	CheckpointInterval time.Duration
	Logger             *slog.Logger
}

// Store is the peer directory: every peer this node has ever seen, with its
// last advertised metadata and presence status.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	stopCheckpoints context.CancelFunc
	checkpointWG    sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) peers.db under dir and runs migrations.
func Open(dir string, opts Options) (*Store, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, switches it to WAL and brings
// the schema up to date.
func OpenPath(dbPath string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database %s: %w", dbPath, err)
	}

	store := &Store{
		db:     db,
		path:   dbPath,
		logger: logger.With("component", "storage"),
	}
	for _, step := range []func() error{store.enableWALMode, store.applyMigrations, store.checkpointWAL} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	interval := opts.CheckpointInterval
	if interval == 0 {
		interval = DefaultWALCheckpointInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	store.stopCheckpoints = cancel
	if interval > 0 {
		store.checkpointWG.Add(1)
		go store.checkpointLoop(ctx, interval)
	}

	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close stops the checkpoint loop and closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.stopCheckpoints()
		s.checkpointWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// applyMigrations runs every pending migration in one transaction so a
// failure leaves user_version untouched.
func (s *Store) applyMigrations() error {
	from, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if from > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", from, len(migrations))
	}
	if from == len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, stmt := range migrations[from:] {
		version := from + i + 1
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
			return fmt.Errorf("set schema version %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	s.logger.Info("peer directory migrated", "from", from, "to", len(migrations), "path", s.path)
	return nil
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(ctx context.Context, interval time.Duration) {
	defer s.checkpointWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkpointWAL(); err != nil {
				s.logger.Warn("peer directory checkpoint failed", "error", err)
			}
		}
	}
}
