package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"), "g1")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(path, fp, rid string) *Entry {
	return &Entry{
		Path:        path,
		Fingerprint: fp,
		Size:        int64(len(fp)),
		ModTime:     time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		RemoteID:    rid,
		RemoteRev:   1,
		State:       StateClean,
	}
}

func TestStore_UpsertLookupRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Lookup(ctx, "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Upsert(ctx, entry("a.txt", "fp1", "r1")))
	got, err := s.Lookup(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "fp1", got.Fingerprint)
	assert.Equal(t, "r1", got.RemoteID)
	assert.True(t, got.ModTime.Equal(time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)))

	updated := entry("a.txt", "fp2", "r1")
	updated.State = StateConflict
	updated.ConflictSide = SideLocal
	require.NoError(t, s.Upsert(ctx, updated))

	got, err = s.LookupByRemoteID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "fp2", got.Fingerprint)
	assert.Equal(t, StateConflict, got.State)
	assert.Equal(t, SideLocal, got.ConflictSide)

	require.NoError(t, s.Remove(ctx, "a.txt"))
	_, err = s.Lookup(ctx, "a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.LookupByRemoteID(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListAllOrdered(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	m := &Mutation{}
	m.Upsert(entry("c.txt", "3", "r3")).Upsert(entry("a.txt", "1", "r1")).Upsert(entry("b/x.txt", "2", ""))
	require.NoError(t, s.Apply(ctx, m))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a.txt", all[0].Path)
	assert.Equal(t, "b/x.txt", all[1].Path)
	assert.Equal(t, "c.txt", all[2].Path)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending := entry("c.txt", "3", "r3")
	pending.State = StatePendingRemote
	require.NoError(t, s.Upsert(ctx, pending))
	byState, err := s.ListByState(ctx, StatePendingRemote)
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "c.txt", byState[0].Path)
}

func TestStore_CursorAdvance(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c)

	m := (&Mutation{}).Upsert(entry("a.txt", "fp", "r1"))
	require.NoError(t, s.ApplyAndAdvanceCursor(ctx, m, 5))
	c, _ = s.Cursor(ctx)
	assert.Equal(t, int64(5), c)

	// same cursor is allowed, regression is not and leaves the index untouched
	require.NoError(t, s.ApplyAndAdvanceCursor(ctx, &Mutation{}, 5))
	err = s.ApplyAndAdvanceCursor(ctx, (&Mutation{}).Remove("a.txt"), 4)
	assert.ErrorIs(t, err, ErrCursorRegression)

	_, err = s.Lookup(ctx, "a.txt")
	assert.NoError(t, err)
	c, _ = s.Cursor(ctx)
	assert.Equal(t, int64(5), c)
}

func TestStore_CommitAckContiguity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.ApplyAndAdvanceCursor(ctx, nil, 10))

	advanced, err := s.CommitAck(ctx, (&Mutation{}).Upsert(entry("gap.txt", "g", "r2")), 12)
	require.NoError(t, err)
	assert.False(t, advanced)
	c, _ := s.Cursor(ctx)
	assert.Equal(t, int64(10), c)
	_, err = s.Lookup(ctx, "gap.txt")
	assert.NoError(t, err, "mutation commits even when the cursor stays")

	advanced, err = s.CommitAck(ctx, (&Mutation{}).Upsert(entry("next.txt", "n", "r3")), 11)
	require.NoError(t, err)
	assert.True(t, advanced)
	c, _ = s.Cursor(ctx)
	assert.Equal(t, int64(11), c)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := Open(path, "g1")
	require.NoError(t, err)
	require.NoError(t, s.ApplyAndAdvanceCursor(ctx, (&Mutation{}).Upsert(entry("a.txt", "fp", "r1")), 3))
	require.NoError(t, s.Close())

	s, err = Open(path, "g1")
	require.NoError(t, err)
	defer s.Close()
	c, _ := s.Cursor(ctx)
	assert.Equal(t, int64(3), c)
	_, err = s.Lookup(ctx, "a.txt")
	assert.NoError(t, err)
}

func TestStore_RejectsForeignGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path, "g1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path, "g2")
	assert.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestStore_GarbageFileIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o644))

	_, err := Open(path, "g1")
	assert.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestStore_UnknownStateIsCorrupt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.db.Exec(`INSERT INTO entries (path, fingerprint, size, mod_time, state) VALUES ('x', 'f', 1, '2026-01-01T00:00:00Z', 'bogus')`)
	require.NoError(t, err)

	_, err = s.ListAll(ctx)
	assert.ErrorIs(t, err, ErrIndexCorrupt)
}

func TestStore_DestroyMovesAside(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path, "g1")
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, entry("a.txt", "fp", "r1")))

	require.NoError(t, s.Destroy())
	assert.FileExists(t, path+".bak")
	assert.NoFileExists(t, path)

	fresh, err := Open(path, "g1")
	require.NoError(t, err)
	defer fresh.Close()
	n, _ := fresh.Count(ctx)
	assert.Equal(t, 0, n)
}

func TestStore_ConcurrentReadsDuringWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Upsert(ctx, entry("stable.txt", "fp", "r0")))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				p := fmt.Sprintf("w%d/%d.txt", w, i)
				assert.NoError(t, s.Upsert(ctx, entry(p, "fp", "")))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				e, err := s.Lookup(ctx, "stable.txt")
				if assert.NoError(t, err) {
					assert.Equal(t, "fp", e.Fingerprint)
				}
			}
		}()
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 101, n)
}

func TestSnapshot(t *testing.T) {
	snap := NewSnapshot([]*Entry{
		entry("docs/b.txt", "2", "r2"),
		entry("docs/a.txt", "1", "r1"),
		entry("docs-other.txt", "3", ""),
		entry("top.txt", "4", "r4"),
	})

	assert.Equal(t, 4, snap.Len())
	assert.Equal(t, []string{"docs-other.txt", "docs/a.txt", "docs/b.txt", "top.txt"}, snap.Paths())
	assert.Equal(t, []string{"docs/a.txt", "docs/b.txt"}, snap.Under("docs"))
	assert.Equal(t, []string{"top.txt"}, snap.Under("top.txt"))

	e, ok := snap.ByRemoteID("r2")
	require.True(t, ok)
	assert.Equal(t, "docs/b.txt", e.Path)
	_, ok = snap.ByRemoteID("")
	assert.False(t, ok)
}

func TestStore_CallsAfterCloseFail(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"), "g1")
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, entry("a.txt", "fp1", "r1")))
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())

	_, err = s.Lookup(ctx, "a.txt")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.LookupByRemoteID(ctx, "r1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ListAll(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Count(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Cursor(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.ListRetries(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Upsert(ctx, entry("b.txt", "fp2", "r2")), ErrClosed)
	assert.ErrorIs(t, s.Close(), ErrClosed)
}

func TestStore_CloseWhileReading(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"), "g1")
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, entry("a.txt", "fp1", "r1")))

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if _, err := s.Count(ctx); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}()
	}
	require.NoError(t, s.Close())
	wg.Wait()
}

func TestStore_Retries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	pending := entry("a.txt", "fp1", "r1")
	pending.State = StatePendingRemote
	m := (&Mutation{}).Upsert(pending).Retry(&Retry{
		Path:        "a.txt",
		Side:        RetryRemote,
		RemoteID:    "r1",
		RemoteRev:   7,
		Fingerprint: "fp2",
		LastError:   "boom",
	})
	require.NoError(t, s.Apply(ctx, m))
	require.NoError(t, s.Apply(ctx, (&Mutation{}).Retry(&Retry{Path: "a.txt", Side: RetryRemote, RemoteID: "r1", RemoteRev: 7, LastError: "boom again"})))
	require.NoError(t, s.Apply(ctx, (&Mutation{}).Retry(&Retry{Path: "new.txt", Side: RetryLocal, Fingerprint: "fp3", LastError: "rejected"})))

	retries, err := s.ListRetries(ctx)
	require.NoError(t, err)
	require.Len(t, retries, 2)
	assert.Equal(t, "a.txt", retries[0].Path)
	assert.Equal(t, 2, retries[0].Attempts)
	assert.Equal(t, "boom again", retries[0].LastError)
	assert.Equal(t, int64(7), retries[0].RemoteRev)
	assert.Equal(t, RetryLocal, retries[1].Side)
	assert.False(t, retries[1].UpdatedAt.IsZero())

	// a pending re-tag keeps the record, a clean commit settles it
	require.NoError(t, s.Upsert(ctx, pending))
	retries, err = s.ListRetries(ctx)
	require.NoError(t, err)
	assert.Len(t, retries, 2)

	require.NoError(t, s.Upsert(ctx, entry("a.txt", "fp2", "r1")))
	require.NoError(t, s.Remove(ctx, "new.txt"))
	retries, err = s.ListRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, retries)

	require.NoError(t, s.Apply(ctx, (&Mutation{}).Retry(&Retry{Path: "b.txt", Side: RetryLocal})))
	require.NoError(t, s.DropRetries(ctx, "b.txt"))
	retries, err = s.ListRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, retries)
}
