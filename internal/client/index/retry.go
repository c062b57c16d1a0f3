package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RetrySide says which direction a failed unit was travelling.
type RetrySide string

const (
	// RetryRemote is a remote change that could not be applied locally.
	RetryRemote RetrySide = "remote"
	// RetryLocal is a local change that could not be pushed.
	RetryLocal RetrySide = "local"
)

// Retry is a failed unit kept across cycles and restarts until it succeeds.
// Committing a clean or conflict entry at Path, or removing Path, clears it.
type Retry struct {
	Path        string
	Side        RetrySide
	FromPath    string
	Deleted     bool
	RemoteID    string
	RemoteRev   int64
	Fingerprint string
	Size        int64
	Attempts    int
	LastError   string
	UpdatedAt   time.Time
}

// Paths returns the paths the retry touches.
func (r *Retry) Paths() []string {
	if r.FromPath != "" {
		return []string{r.FromPath, r.Path}
	}
	return []string{r.Path}
}

func (r *Retry) String() string {
	return fmt.Sprintf("%s [%s] rid=%s rev=%d attempts=%d", r.Path, r.Side, r.RemoteID, r.RemoteRev, r.Attempts)
}

type dbRetry struct {
	Path        string `db:"path"`
	Side        string `db:"side"`
	FromPath    string `db:"from_path"`
	Deleted     bool   `db:"deleted"`
	RemoteID    string `db:"remote_id"`
	RemoteRev   int64  `db:"remote_rev"`
	Fingerprint string `db:"fingerprint"`
	Size        int64  `db:"size"`
	Attempts    int    `db:"attempts"`
	LastError   string `db:"last_error"`
	UpdatedAt   string `db:"updated_at"`
}

const retryColumns = "path, side, from_path, deleted, remote_id, remote_rev, fingerprint, size, attempts, last_error, updated_at"

// attempts counts up while the same path keeps failing
const upsertRetry = `INSERT INTO retries (` + retryColumns + `)
VALUES (:path, :side, :from_path, :deleted, :remote_id, :remote_rev, :fingerprint, :size, 1, :last_error, :updated_at)
ON CONFLICT(path) DO UPDATE SET
    side = excluded.side,
    from_path = excluded.from_path,
    deleted = excluded.deleted,
    remote_id = excluded.remote_id,
    remote_rev = excluded.remote_rev,
    fingerprint = excluded.fingerprint,
    size = excluded.size,
    attempts = retries.attempts + 1,
    last_error = excluded.last_error,
    updated_at = excluded.updated_at`

// ListRetries returns the recorded failures ordered by path.
func (s *Store) ListRetries(ctx context.Context) ([]*Retry, error) {
	var rows []dbRetry
	err := s.read(func(conn *sqlx.DB) error {
		return conn.SelectContext(ctx, &rows, "SELECT "+retryColumns+" FROM retries ORDER BY path")
	})
	if err != nil {
		return nil, fmt.Errorf("index list retries: %w", asCorrupt(err))
	}
	out := make([]*Retry, 0, len(rows))
	for _, r := range rows {
		side := RetrySide(r.Side)
		if side != RetryRemote && side != RetryLocal {
			return nil, fmt.Errorf("%w: retry %q has unknown side %q", ErrIndexCorrupt, r.Path, r.Side)
		}
		updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)
		out = append(out, &Retry{
			Path:        r.Path,
			Side:        side,
			FromPath:    r.FromPath,
			Deleted:     r.Deleted,
			RemoteID:    r.RemoteID,
			RemoteRev:   r.RemoteRev,
			Fingerprint: r.Fingerprint,
			Size:        r.Size,
			Attempts:    r.Attempts,
			LastError:   r.LastError,
			UpdatedAt:   updated,
		})
	}
	return out, nil
}

// DropRetries forgets the retries recorded for paths.
func (s *Store) DropRetries(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sqlx.Tx) error {
		for _, p := range paths {
			if _, err := tx.ExecContext(ctx, "DELETE FROM retries WHERE path = ?", p); err != nil {
				return fmt.Errorf("drop retry %s: %w", p, err)
			}
		}
		return nil
	})
}

func applyRetries(ctx context.Context, tx *sqlx.Tx, m *Mutation) error {
	for _, p := range m.Removes {
		if _, err := tx.ExecContext(ctx, "DELETE FROM retries WHERE path = ?", p); err != nil {
			return fmt.Errorf("clear retry %s: %w", p, err)
		}
	}
	for _, e := range m.Upserts {
		if e.State == StatePendingLocal || e.State == StatePendingRemote {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM retries WHERE path = ?", e.Path); err != nil {
			return fmt.Errorf("clear retry %s: %w", e.Path, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range m.Retries {
		if r.Path == "" {
			return errors.New("retry with empty path")
		}
		if _, err := tx.NamedExecContext(ctx, upsertRetry, dbRetry{
			Path:        r.Path,
			Side:        string(r.Side),
			FromPath:    r.FromPath,
			Deleted:     r.Deleted,
			RemoteID:    r.RemoteID,
			RemoteRev:   r.RemoteRev,
			Fingerprint: r.Fingerprint,
			Size:        r.Size,
			LastError:   r.LastError,
			UpdatedAt:   now,
		}); err != nil {
			return fmt.Errorf("record retry %s: %w", r.Path, err)
		}
	}
	return nil
}
