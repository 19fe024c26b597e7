// Package store persists pipeline state in SQLite: the entity registry, the
// signal processing ledger, deadline watches with their milestone fire log,
// dead letters and the operator queue.
//
// Durability across restarts is the contract that matters here: milestone
// de-duplication and identifier uniqueness are enforced by the schema
// (UNIQUE constraints), not by in-process state.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle shared by all pipeline services.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, tunes the connection pool
// and initializes the schema. The DSN enables WAL journaling and a busy
// timeout so concurrent workers queue on the write lock instead of failing.
// Pragmas use the modernc _pragma=name(value) form; the driver ignores the
// mattn-style _name=value parameters without complaint.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a small pool is all readers need.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	// WAL is load-bearing: milestone fire-once and the ledger run under
	// concurrent workers. In-memory databases report "memory" instead; a
	// rollback-journal answer means the pragma never applied.
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return nil, fmt.Errorf("failed to check journal mode: %w", err)
	}
	if journalMode != "wal" && journalMode != "memory" {
		return nil, fmt.Errorf("unexpected journal mode: got %s", journalMode)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries a write if it fails with SQLITE_BUSY; a safety net on
// top of the busy_timeout pragma for long checkpoint pauses.
func (s *Store) retryOnBusy(operation func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "SQLITE_BUSY") {
			backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
			time.Sleep(backoff)
			continue
		}
		return err
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		entity_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		canonical_name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		provisional INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type, active);

	CREATE TABLE IF NOT EXISTS entity_identifiers (
		scheme TEXT NOT NULL,
		value TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (scheme, value),
		FOREIGN KEY (entity_id) REFERENCES entities(entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_entity_identifiers_entity ON entity_identifiers(entity_id);

	CREATE TABLE IF NOT EXISTS entity_aliases (
		entity_id TEXT NOT NULL,
		alias TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (entity_id, alias),
		FOREIGN KEY (entity_id) REFERENCES entities(entity_id)
	);

	CREATE TABLE IF NOT EXISTS signal_ledger (
		signal_id TEXT PRIMARY KEY,
		signal_type TEXT NOT NULL,
		source TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		entity_id TEXT,
		score REAL,
		priority_tier TEXT,
		playbook TEXT,
		received_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_status ON signal_ledger(status);
	CREATE INDEX IF NOT EXISTS idx_ledger_entity ON signal_ledger(entity_id);

	CREATE TABLE IF NOT EXISTS deadline_watches (
		signal_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		deadline_at DATETIME NOT NULL,
		expired INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_watches_deadline ON deadline_watches(expired, deadline_at);

	CREATE TABLE IF NOT EXISTS milestone_fires (
		signal_id TEXT NOT NULL,
		milestone_days INTEGER NOT NULL,
		days_remaining REAL NOT NULL,
		fired_at DATETIME NOT NULL,
		PRIMARY KEY (signal_id, milestone_days)
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		requeued_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_dead_letters_signal ON dead_letters(signal_id);

	CREATE TABLE IF NOT EXISTS operator_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		signal_id TEXT NOT NULL,
		detail TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
