// Package store owns Tomo's SQLite database: it opens the file with the
// pragmas the intent workload needs, brings the schema up to date from the
// embedded migrations, and appends to the audit log.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the shared database handle. One Store serves the whole
// process: intents, the audit log and the Matrix sync state live in the
// same file.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and migrates it.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single shared connection serializes writers inside database/sql
	// rather than in SQLite's lock queue. The turn loop, the confirmation
	// flow and the maintenance sweeps all write; none is throughput-bound.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		// WAL keeps the per-turn pending-intent reads from blocking behind
		// the sweep transactions.
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		// Claim updates and sweeps contend on the intents table; wait for
		// the lock instead of surfacing SQLITE_BUSY to the turn loop.
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that own their own tables
// (intents, Matrix sync state).
func (s *Store) DB() *sql.DB {
	return s.db
}

// migration is one embedded schema step, parsed from its filename
// ("0002_matrix_sync_state.sql" is version 2).
type migration struct {
	version     int
	name        string
	description string
}

// migrate applies every embedded migration newer than the recorded schema
// version, each inside its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	all, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range all {
		if m.version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return err
		}
		slog.Info("applied migration",
			"version", fmt.Sprintf("%04d", m.version), "description", m.description)
	}
	return nil
}

// loadMigrations parses the embedded migration files into version order,
// rejecting duplicate version numbers.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	seen := make(map[int]string, len(entries))
	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}
		if prev, dup := seen[m.version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %q and %q", m.version, prev, m.name)
		}
		seen[m.version] = m.name
		migrations = append(migrations, m)
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// parseMigrationName splits "0001_init.sql" into version and description.
// Files that do not follow the pattern are skipped.
func parseMigrationName(name string) (migration, bool) {
	if !strings.HasSuffix(name, ".sql") {
		return migration{}, false
	}
	prefix, rest, found := strings.Cut(name, "_")
	if !found {
		return migration{}, false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil {
		return migration{}, false
	}
	return migration{
		version:     version,
		name:        name,
		description: strings.TrimSuffix(rest, ".sql"),
	}, true
}

// apply runs one migration in a transaction and records it as applied.
func (s *Store) apply(m migration) error {
	content, err := migrationsFS.ReadFile("migrations/" + m.name)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", m.name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute migration %d: %w", m.version, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.version, time.Now(), m.description,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
	}
	return nil
}
