// Package store implements the persistent store: the SQLite database holding
// queue rows, message rows, agent state, context snapshots, check-in tasks,
// and the sequence counter. Transactions are the only synchronization
// primitive between daemons; every other component mutates rows only through
// the repositories defined here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steward-sh/steward/internal/log"
)

// Sentinel errors surfaced by repository operations. The CLI maps these to
// stable exit codes.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition indicates a status update that the project state
	// machine forbids.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrDependencyCycle indicates a message enqueue whose dependency chain
	// loops back on itself.
	ErrDependencyCycle = errors.New("message dependency cycle")
	// ErrAgentUnknown indicates a pull for an agent that has never registered.
	ErrAgentUnknown = errors.New("agent unknown")
)

// schemaVersion is the current PRAGMA user_version. Bumping it requires a
// migration step in migrate below.
const schemaVersion = 1

// Store wraps the database handle and exposes one repository per aggregate.
type Store struct {
	db *sql.DB

	Projects *ProjectRepo
	Messages *MessageRepo
	Agents   *AgentRepo
	Tasks    *TaskRepo
}

// Open opens (creating if necessary) the database at path and brings the
// schema up to date. The parent directory is created with owner-only
// permissions. Before migrating an existing database a .bak copy is taken.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	existing := false
	if _, err := os.Stat(path); err == nil {
		existing = true
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s, err := prepare(db, path, existing)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a fresh in-memory database. Used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory database: %w", err)
	}
	// A single connection keeps every statement on the same memory database.
	db.SetMaxOpenConns(1)
	s, err := prepare(db, "", false)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func prepare(db *sql.DB, path string, existing bool) (*Store, error) {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return nil, fmt.Errorf("reading schema version: %w", err)
	}
	if version > schemaVersion {
		return nil, fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	if version < schemaVersion {
		if existing && path != "" {
			if err := backupFile(path); err != nil {
				return nil, fmt.Errorf("backing up database before migration: %w", err)
			}
		}
		if err := migrate(db, version); err != nil {
			return nil, fmt.Errorf("migrating schema from version %d: %w", version, err)
		}
		log.Info(log.CatStore, "schema migrated", "from", version, "to", schemaVersion)
	}

	s := &Store{db: db}
	s.Projects = &ProjectRepo{store: s}
	s.Messages = &MessageRepo{store: s}
	s.Agents = &AgentRepo{store: s}
	s.Tasks = &TaskRepo{store: s}
	return s, nil
}

// backupFile copies path to path.bak, overwriting any previous backup.
func backupFile(path string) error {
	src, err := os.Open(path) //nolint:gosec // G304: operator-controlled database path
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

func migrate(db *sql.DB, from int) error {
	if from < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	return err
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for diagnostics queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, retrying a bounded number of times
// with jitter when the database reports contention. Any error rolls back.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond) //nolint:gosec // jitter only
		}
		err = s.runTx(fn)
		if err == nil || !isBusy(err) {
			return err
		}
		log.Warn(log.CatStore, "transaction retry", "attempt", attempt+1, "error", err)
	}
	return err
}

func (s *Store) runTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
