package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/xynoxa/xynoxa-desktop/internal/db"
)

var (
	ErrIndexCorrupt     = errors.New("index corrupt")
	ErrCursorRegression = errors.New("cursor regression")
	ErrNotFound         = errors.New("index entry not found")
	ErrClosed           = errors.New("index closed")
)

const MemoryPath = ":memory:"

var migrations = []db.Migration{
	{
		Version: 1,
		Name:    "base",
		SQL: `
CREATE TABLE IF NOT EXISTS entries (
    path        TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    size        INTEGER NOT NULL DEFAULT 0,
    mod_time    TEXT NOT NULL,
    remote_id   TEXT NOT NULL DEFAULT '',
    remote_rev  INTEGER NOT NULL DEFAULT 0,
    state       TEXT NOT NULL DEFAULT 'clean'
);
CREATE INDEX IF NOT EXISTS idx_entries_remote_id ON entries(remote_id) WHERE remote_id != '';
CREATE INDEX IF NOT EXISTS idx_entries_state ON entries(state);

CREATE TABLE IF NOT EXISTS cursor (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    value      INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);
INSERT OR IGNORE INTO cursor (id, value, updated_at) VALUES (1, 0, '');

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`,
	},
	{
		Version: 2,
		Name:    "conflict side",
		SQL:     `ALTER TABLE entries ADD COLUMN conflict_side TEXT NOT NULL DEFAULT '';`,
	},
	{
		Version: 3,
		Name:    "retries",
		SQL: `
CREATE TABLE IF NOT EXISTS retries (
    path        TEXT PRIMARY KEY,
    side        TEXT NOT NULL,
    from_path   TEXT NOT NULL DEFAULT '',
    deleted     INTEGER NOT NULL DEFAULT 0,
    remote_id   TEXT NOT NULL DEFAULT '',
    remote_rev  INTEGER NOT NULL DEFAULT 0,
    fingerprint TEXT NOT NULL DEFAULT '',
    size        INTEGER NOT NULL DEFAULT 0,
    attempts    INTEGER NOT NULL DEFAULT 1,
    last_error  TEXT NOT NULL DEFAULT '',
    updated_at  TEXT NOT NULL
);`,
	},
}

const entryColumns = "path, fingerprint, size, mod_time, remote_id, remote_rev, state, conflict_side"

const upsertEntry = `INSERT INTO entries (` + entryColumns + `)
VALUES (:path, :fingerprint, :size, :mod_time, :remote_id, :remote_rev, :state, :conflict_side)
ON CONFLICT(path) DO UPDATE SET
    fingerprint = excluded.fingerprint,
    size = excluded.size,
    mod_time = excluded.mod_time,
    remote_id = excluded.remote_id,
    remote_rev = excluded.remote_rev,
    state = excluded.state,
    conflict_side = excluded.conflict_side`

// Store is the Local Index and Cursor Store of one group folder. Reads go
// through the connection pool and see the last committed state; writes are
// serialized by writeMu and always run in a single transaction. Every call
// made after Close returns ErrClosed.
type Store struct {
	groupID string
	path    string

	// mu guards db itself, not the data behind it
	mu      sync.RWMutex
	db      *sqlx.DB
	writeMu sync.Mutex
}

// Open opens (or creates) the index at path for groupID.
func Open(path, groupID string) (*Store, error) {
	if path == "" {
		path = MemoryPath
	}
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(4))
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, asCorrupt(err))
	}

	s := &Store{groupID: groupID, path: path, db: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	slog.Debug("index open", "group", groupID, "path", path)
	return s, nil
}

func (s *Store) init() error {
	var check string
	if err := s.db.Get(&check, "PRAGMA quick_check"); err != nil {
		return fmt.Errorf("index integrity check: %w", asCorrupt(err))
	}
	if check != "ok" {
		return fmt.Errorf("%w: quick_check: %s", ErrIndexCorrupt, check)
	}

	if err := db.Migrate(s.db, migrations); err != nil {
		if errors.Is(err, db.ErrSchemaTooNew) {
			return fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
		}
		return fmt.Errorf("index migrate: %w", asCorrupt(err))
	}

	var owner string
	err := s.db.Get(&owner, "SELECT value FROM meta WHERE key = 'group_id'")
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec("INSERT INTO meta (key, value) VALUES ('group_id', ?)", s.groupID); err != nil {
			return fmt.Errorf("index meta: %w", asCorrupt(err))
		}
	case err != nil:
		return fmt.Errorf("index meta: %w", asCorrupt(err))
	case owner != s.groupID:
		return fmt.Errorf("%w: index belongs to group %q, not %q", ErrIndexCorrupt, owner, s.groupID)
	}
	return nil
}

func (s *Store) GroupID() string {
	return s.groupID
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Closed reports whether Close or Destroy has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db == nil
}

// read runs fn against the open connection pool.
func (s *Store) read(fn func(conn *sqlx.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return fn(s.db)
}

// Destroy closes the store and moves its files aside with a .bak suffix so a
// fresh index can be built in their place.
func (s *Store) Destroy() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.mu.Unlock()
	if s.path == MemoryPath {
		return nil
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		src := s.path + suffix
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, src+".bak"); err != nil {
			return fmt.Errorf("index destroy: %w", err)
		}
	}
	slog.Warn("index moved aside", "group", s.groupID, "path", s.path+".bak")
	return nil
}

func (s *Store) Lookup(ctx context.Context, path string) (*Entry, error) {
	var row dbEntry
	err := s.read(func(conn *sqlx.DB) error {
		return conn.GetContext(ctx, &row, "SELECT "+entryColumns+" FROM entries WHERE path = ?", path)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("index lookup %s: %w", path, asCorrupt(err))
	}
	return fromRow(&row)
}

func (s *Store) LookupByRemoteID(ctx context.Context, remoteID string) (*Entry, error) {
	var row dbEntry
	err := s.read(func(conn *sqlx.DB) error {
		return conn.GetContext(ctx, &row, "SELECT "+entryColumns+" FROM entries WHERE remote_id = ? AND remote_id != '' LIMIT 1", remoteID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("index lookup remote %s: %w", remoteID, asCorrupt(err))
	}
	return fromRow(&row)
}

// ListAll returns every entry ordered by path.
func (s *Store) ListAll(ctx context.Context) ([]*Entry, error) {
	return s.list(ctx, "SELECT "+entryColumns+" FROM entries ORDER BY path")
}

func (s *Store) ListByState(ctx context.Context, state State) ([]*Entry, error) {
	return s.list(ctx, "SELECT "+entryColumns+" FROM entries WHERE state = ? ORDER BY path", string(state))
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	var rows []dbEntry
	err := s.read(func(conn *sqlx.DB) error {
		return conn.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("index list: %w", asCorrupt(err))
	}
	out := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	entries, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(entries), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.read(func(conn *sqlx.DB) error {
		return conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM entries")
	})
	if err != nil {
		return 0, fmt.Errorf("index count: %w", asCorrupt(err))
	}
	return n, nil
}

// Cursor returns the remote feed position the index reflects.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	var v int64
	err := s.read(func(conn *sqlx.DB) error {
		return conn.GetContext(ctx, &v, "SELECT value FROM cursor WHERE id = 1")
	})
	if err != nil {
		return 0, fmt.Errorf("index cursor: %w", asCorrupt(err))
	}
	return v, nil
}

func (s *Store) Upsert(ctx context.Context, e *Entry) error {
	return s.Apply(ctx, &Mutation{Upserts: []*Entry{e}})
}

func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Apply(ctx, &Mutation{Removes: []string{path}})
}

// Apply commits m without touching the cursor.
func (s *Store) Apply(ctx context.Context, m *Mutation) error {
	return s.write(ctx, func(tx *sqlx.Tx) error {
		return applyMutation(ctx, tx, m)
	})
}

// ApplyAndAdvanceCursor commits m and moves the cursor to next in one
// transaction. A cursor lower than the stored one is rejected.
func (s *Store) ApplyAndAdvanceCursor(ctx context.Context, m *Mutation, next int64) error {
	return s.write(ctx, func(tx *sqlx.Tx) error {
		var current int64
		if err := tx.GetContext(ctx, &current, "SELECT value FROM cursor WHERE id = 1"); err != nil {
			return err
		}
		if next < current {
			return fmt.Errorf("%w: %d < %d", ErrCursorRegression, next, current)
		}
		if err := applyMutation(ctx, tx, m); err != nil {
			return err
		}
		return setCursor(ctx, tx, next)
	})
}

// CommitAck commits m and advances the cursor to rev only when rev directly
// follows the stored cursor, so no unseen remote change is skipped.
func (s *Store) CommitAck(ctx context.Context, m *Mutation, rev int64) (bool, error) {
	advanced := false
	err := s.write(ctx, func(tx *sqlx.Tx) error {
		var current int64
		if err := tx.GetContext(ctx, &current, "SELECT value FROM cursor WHERE id = 1"); err != nil {
			return err
		}
		if err := applyMutation(ctx, tx, m); err != nil {
			return err
		}
		if rev == current+1 {
			advanced = true
			return setCursor(ctx, tx, rev)
		}
		return nil
	})
	return advanced, err
}

func (s *Store) write(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index begin: %w", asCorrupt(err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if errors.Is(err, ErrCursorRegression) {
			return err
		}
		return fmt.Errorf("index write: %w", asCorrupt(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index commit: %w", asCorrupt(err))
	}
	return nil
}

func applyMutation(ctx context.Context, tx *sqlx.Tx, m *Mutation) error {
	if m.Empty() {
		return nil
	}
	for _, path := range m.Removes {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE path = ?", path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	for _, e := range m.Upserts {
		if e.Path == "" {
			return errors.New("upsert with empty path")
		}
		if _, err := tx.NamedExecContext(ctx, upsertEntry, toRow(e)); err != nil {
			return fmt.Errorf("upsert %s: %w", e.Path, err)
		}
	}
	return applyRetries(ctx, tx, m)
}

func setCursor(ctx context.Context, tx *sqlx.Tx, v int64) error {
	_, err := tx.ExecContext(ctx, "UPDATE cursor SET value = ?, updated_at = ? WHERE id = 1", v, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// asCorrupt tags SQLite errors that indicate a damaged database file.
func asCorrupt(err error) error {
	if err == nil || errors.Is(err, ErrIndexCorrupt) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") || strings.Contains(msg, "corrupt") {
		return fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	return err
}
