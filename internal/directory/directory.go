// Package directory provides the meeting directory shared between the
// signaling, ICE, and TURN services, backed by an embedded SQLite database.
//
// The contract is a key→hash store: each key holds the meeting password and
// the JSON-encoded list of participant IP addresses. Signaling is the only
// writer; ICE and TURN open the same database file read-only in practice.
// WAL mode plus a busy timeout makes the single-writer/multi-reader pattern
// safe across processes.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package directory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrUnavailable wraps any failure to reach the directory database.
var ErrUnavailable = errors.New("directory unavailable")

// Defaults shared by the service mains.
const (
	DefaultPath   = "huddle.db"
	DefaultPrefix = "meetings"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — key/hash store for meeting records
	`CREATE TABLE IF NOT EXISTS directory (
		key          TEXT PRIMARY KEY,
		password     TEXT NOT NULL,
		participants TEXT NOT NULL
	)`,
}

// Record is the public mirror of one meeting: the password verbatim plus
// the IP addresses (ports discarded) of the joined participants.
type Record struct {
	Password     string
	Participants []string
}

// Store is a handle on the shared directory database.
type Store struct {
	db     *sql.DB
	prefix string
}

// Open opens (or creates) the directory database and runs migrations.
// Keys are namespaced under prefix as "<prefix>:<id>".
func Open(path, prefix string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, path, err)
	}

	st := &Store{db: db, prefix: prefix}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", ErrUnavailable, err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("%w: read schema version: %v", ErrUnavailable, err)
	}

	for i := current; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("%w: apply migration %d: %v", ErrUnavailable, i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("%w: record migration %d: %v", ErrUnavailable, i+1, err)
		}
	}
	return nil
}

func (s *Store) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return s.prefix + ":" + id
}

// Get looks a meeting up by ID. ok is false when the key is absent.
func (s *Store) Get(id string) (Record, bool, error) {
	var password, participants string
	err := s.db.QueryRow(
		`SELECT password, participants FROM directory WHERE key = ?`, s.key(id),
	).Scan(&password, &participants)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, id, err)
	}

	rec := Record{Password: password}
	if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
		return Record{}, false, fmt.Errorf("decode participants for %s: %w", id, err)
	}
	return rec, true, nil
}

// Set writes (or overwrites) a meeting record.
func (s *Store) Set(id string, rec Record) error {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return fmt.Errorf("encode participants for %s: %w", id, err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO directory (key, password, participants) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET password = excluded.password, participants = excluded.participants`,
		s.key(id), rec.Password, string(participants),
	); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// Delete removes a meeting record. Deleting an absent key is a no-op.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM directory WHERE key = ?`, s.key(id)); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// FlushAll removes every key under the store's namespace. Signaling calls
// this on startup and on clean shutdown.
func (s *Store) FlushAll() error {
	var err error
	if s.prefix == "" {
		_, err = s.db.Exec(`DELETE FROM directory`)
	} else {
		_, err = s.db.Exec(`DELETE FROM directory WHERE key LIKE ?`, s.prefix+":%")
	}
	if err != nil {
		return fmt.Errorf("%w: flush: %v", ErrUnavailable, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
