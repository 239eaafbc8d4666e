// Package store persists nodes, tracked VMs, sessions, and rentals in
// SQLite, and enforces the one-open-session-per-VM rule with a partial
// unique index.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrSessionAlreadyOpen is returned by OpenSession when the VM already
	// has an open session. Callers treat it as "no-op, use the existing one".
	ErrSessionAlreadyOpen = errors.New("session already open")

	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("not found")
)

// Timestamps are stored as fixed-width UTC text so that string comparison
// orders them correctly. Second precision; durations are floored to whole
// seconds everywhere.
const timeLayout = "2006-01-02T15:04:05Z"

// Config holds configuration for the store.
type Config struct {
	DBPath        string
	BusyTimeoutMS int
}

// Store provides persistent session storage.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at cfg.DBPath and initializes the
// schema.
func New(cfg Config) (*Store, error) {
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busyTimeout := cfg.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = 30000
	}

	// Pragmas go in the DSN so every pool connection is configured
	dsn := cfg.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(" + strconv.Itoa(busyTimeout) + ")",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", cfg.DBPath).Msg("Session store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			hostname TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_seen TEXT,
			last_event_time TEXT,
			total_events INTEGER NOT NULL DEFAULT 0,
			total_vms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tracked_vms (
			node TEXT NOT NULL,
			vm_id TEXT NOT NULL,
			name TEXT,
			kind TEXT NOT NULL,
			current_status TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			PRIMARY KEY (node, vm_id)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			node TEXT NOT NULL,
			vm_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			duration_seconds INTEGER,
			is_running INTEGER NOT NULL DEFAULT 1,
			start_correlator TEXT,
			stop_correlator TEXT,
			user_name TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		-- The single-open-session invariant lives here.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open
			ON sessions(node, vm_id) WHERE is_running = 1;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_start_correlator
			ON sessions(start_correlator) WHERE start_correlator IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_sessions_vm_start
			ON sessions(vm_id, start_time);
		CREATE INDEX IF NOT EXISTS idx_sessions_node_vm
			ON sessions(node, vm_id);

		CREATE TABLE IF NOT EXISTS rentals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vm_id TEXT NOT NULL,
			node TEXT,
			customer_name TEXT,
			customer_email TEXT,
			rental_start TEXT NOT NULL,
			rental_end TEXT,
			billing_cycle TEXT NOT NULL DEFAULT 'monthly',
			rate REAL,
			is_active INTEGER NOT NULL DEFAULT 1,
			notes TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rentals_active
			ON rentals(vm_id, is_active);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports store availability; the health endpoint uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the row helpers can be
// shared between autocommit calls and snapshot transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx exposes the session and tracked-VM operations inside a transaction.
// Snapshot reconciliation must apply all of its mutations atomically.
type Tx struct {
	tx *sql.Tx
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("Transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows may carry full RFC 3339 text.
		t, err = time.Parse(time.RFC3339, s)
	}
	return t.UTC(), err
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
