package db

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// ErrSchemaTooNew is returned when the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than supported")

// Migration moves a schema from Version-1 to Version.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// SchemaVersion reads PRAGMA user_version.
func SchemaVersion(db *sqlx.DB) (int, error) {
	var v int
	if err := db.Get(&v, "PRAGMA user_version"); err != nil {
		return 0, err
	}
	return v, nil
}

// Migrate applies every migration newer than the stored schema version, each in
// its own transaction together with the version bump. Migrations must be sorted.
func Migrate(db *sqlx.DB, migrations []Migration) error {
	current, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	latest := 0
	if n := len(migrations); n > 0 {
		latest = migrations[n-1].Version
	}
	if current > latest {
		return fmt.Errorf("%w: have %d, support %d", ErrSchemaTooNew, current, latest)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.Version, err)
		}
		slog.Debug("db migrated", "version", m.Version, "name", m.Name)
		current = m.Version
	}
	return nil
}
