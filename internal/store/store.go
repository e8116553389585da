package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migrations upgrade a journal one user_version at a time. A journal at
// version 0 was created from schema.sql before any migration ran.
var migrations = []struct {
	name string
	stmt string
}{
	{"kind index", `CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind, seq)`},
}

// SchemaVersion is the user_version of a fully migrated journal.
var SchemaVersion = len(migrations)

// ErrNotJournal is returned when a read-only open finds a database without
// the journal tables.
var ErrNotJournal = errors.New("database is not a jibbr journal")

// Store is the SQLite-backed execution journal.
type Store struct {
	db       *sql.DB
	readOnly bool
}

// OpenOption configures Open.
type OpenOption func(*openConfig)

type openConfig struct {
	readOnly bool
}

// ReadOnly opens an existing journal for reading. Nothing is created or
// migrated, and a journal from a newer schema is rejected.
func ReadOnly() OpenOption {
	return func(c *openConfig) { c.readOnly = true }
}

// Open opens the journal at path, creating and migrating it unless
// ReadOnly is given. ":memory:" gives a private in-memory journal.
//
// Writable journals run in WAL mode with NORMAL sync; every connection gets
// a 5 second busy timeout and foreign keys.
func Open(path string, opts ...OpenOption) (*Store, error) {
	var cfg openConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite3", dataSource(path, cfg.readOnly))
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	// One writer, and ":memory:" must not split across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	if cfg.readOnly {
		err = checkReadable(db)
	} else {
		err = migrate(db)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Store{db: db, readOnly: cfg.readOnly}, nil
}

// dataSource carries the connection settings in the DSN so go-sqlite3
// applies them to every connection it opens, not only the first.
func dataSource(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	if path == ":memory:" {
		return "file::memory:?" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ReadOnly reports whether the journal was opened with ReadOnly.
func (s *Store) ReadOnly() bool { return s.readOnly }

// migrate creates missing tables, then applies each migration past the
// journal's user_version in its own transaction.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	version, err := userVersion(db)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than %d", version, SchemaVersion)
	}

	for v := version; v < SchemaVersion; v++ {
		m := migrations[v]
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): %w", v+1, m.name, err)
		}
	}
	return nil
}

// checkReadable accepts any journal this build can query: the tables must
// exist and the schema must not be newer. Older journals miss only indexes.
func checkReadable(db *sql.DB) error {
	var tables int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('runs', 'events')
	`).Scan(&tables)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if tables != 2 {
		return ErrNotJournal
	}

	version, err := userVersion(db)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than %d", version, SchemaVersion)
	}
	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// pragma reads one pragma value. Tests use it to check connection settings.
func (s *Store) pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return value, nil
}
