// Package journal keeps an append-only local record of operational
// events (channel opens, appends, failures, shutdowns) in a sqlite
// file, so a run can be reconstructed after the fact without the
// remote service.
package journal

import (
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Event kinds written by the stream command and ingestion loop.
const (
	EventChannelOpened   = "channel_opened"
	EventBatchAppended   = "batch_appended"
	EventAppendFailed    = "append_failed"
	EventCommitConfirmed = "commit_confirmed"
	EventShutdown        = "shutdown"
)

// Journal is an append-only event log. Mid-run write failures are
// logged and swallowed; the journal must never take down ingestion.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the journal database at path and applies any
// pending migrations.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one event. Failures are logged, never returned.
func (j *Journal) Record(channel, kind, detail string) {
	_, err := j.db.Exec(
		"INSERT INTO events (at, channel, kind, detail) VALUES (?, ?, ?, ?)",
		time.Now().Unix(), channel, kind, detail,
	)
	if err != nil {
		j.logger.Warn("journal write failed", zap.String("kind", kind), zap.Error(err))
	}
}

// Event is one journaled operational event.
type Event struct {
	ID      int64
	At      time.Time
	Channel string
	Kind    string
	Detail  string
}

// Tail returns the most recent n events, newest first.
func (j *Journal) Tail(n int) ([]Event, error) {
	rows, err := j.db.Query(
		"SELECT id, at, channel, kind, detail FROM events ORDER BY id DESC LIMIT ?", n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Channel, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		events = append(events, e)
	}
	return events, rows.Err()
}

func applyMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var migrations []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			migrations = append(migrations, e.Name())
		}
	}
	sort.Strings(migrations)

	for _, name := range migrations {
		version, err := parseVersion(name)
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", name, err)
		}

		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}

		if _, err := db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().Unix()); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}

	return nil
}

func parseVersion(filename string) (int, error) {
	parts := strings.SplitN(filename, "_", 2)
	if len(parts) == 0 {
		return 0, fmt.Errorf("invalid migration filename: %s", filename)
	}
	return strconv.Atoi(parts[0])
}
