package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func newScanner(root string, include ...string) *LocalScanner {
	ignore := NewSyncIgnoreList(root, include)
	ignore.Load()
	return NewLocalScanner(root, ignore, nil)
}

func TestLocalScanner_Scan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "dir/b.txt", "beta")
	writeFile(t, root, ".xynoxa/tmp/partial", "junk")
	writeFile(t, root, ".git/HEAD", "ref")
	writeFile(t, root, ".DS_Store", "junk")

	snap := index.NewSnapshot([]*index.Entry{
		entry("gone.txt", "h", "r1"),
		entry("a.txt", HashBytes([]byte("alpha")), "r2"),
	})
	res, err := newScanner(root).Scan(context.Background(), snap)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	assert.Equal(t, []string{"a.txt", "dir/b.txt", "gone.txt"}, res.Paths())
	assert.True(t, res.Observations["a.txt"].Exists)
	assert.Equal(t, HashBytes([]byte("alpha")), res.Observations["a.txt"].Fingerprint)
	assert.Equal(t, int64(4), res.Observations["dir/b.txt"].Size)
	assert.False(t, res.Observations["gone.txt"].Exists)
}

func TestLocalScanner_IncludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/a.md", "a")
	writeFile(t, root, "docs/deep/b.md", "b")
	writeFile(t, root, "src/main.go", "package main")

	res, err := newScanner(root, "docs/**/*.md").Scan(context.Background(), index.NewSnapshot(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a.md", "docs/deep/b.md"}, res.Paths())
}

func TestLocalScanner_ObserveExpandsDirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "photos/1.jpg", "one")
	writeFile(t, root, "photos/new/2.jpg", "two")

	snap := index.NewSnapshot([]*index.Entry{
		entry("photos/1.jpg", HashBytes([]byte("one")), "r1"),
		entry("photos/deleted.jpg", "h", "r2"),
		entry("other.txt", "h", "r3"),
	})
	res, err := newScanner(root).Observe(context.Background(), []string{"photos"}, snap)
	require.NoError(t, err)

	assert.Equal(t, []string{"photos/1.jpg", "photos/deleted.jpg", "photos/new/2.jpg"}, res.Paths())
	assert.False(t, res.Observations["photos/deleted.jpg"].Exists)
	assert.True(t, res.Observations["photos/new/2.jpg"].Exists)
}

func TestLocalScanner_ObserveRemovedDirectory(t *testing.T) {
	root := t.TempDir()
	snap := index.NewSnapshot([]*index.Entry{
		entry("old/a.txt", "h1", "r1"),
		entry("old/sub/b.txt", "h2", "r2"),
	})
	res, err := newScanner(root).Observe(context.Background(), []string{"old"}, snap)
	require.NoError(t, err)

	assert.Equal(t, []string{"old/a.txt", "old/sub/b.txt"}, res.Paths())
	for _, o := range res.Observations {
		assert.False(t, o.Exists)
	}
}

func TestLocalScanner_ObserveSkipsIgnored(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.swp", "x")
	writeFile(t, root, "node_modules/pkg/index.js", "x")

	res, err := newScanner(root).Observe(context.Background(), []string{"a.swp", "node_modules", "missing.txt"}, index.NewSnapshot(nil))
	require.NoError(t, err)
	assert.Empty(t, res.Paths())
}

func TestLocalScanner_CacheDoesNotSurviveProcess(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "a.txt", "first")
	info, err := os.Stat(abs)
	require.NoError(t, err)

	// a scanner seeded with a stale hash trusts its cache
	s := newScanner(root)
	s.Remember("a.txt", info, "stale")
	res, err := s.Scan(context.Background(), index.NewSnapshot(nil))
	require.NoError(t, err)
	assert.Equal(t, "stale", res.Observations["a.txt"].Fingerprint)

	// a fresh one always reads the file
	res, err = newScanner(root).Scan(context.Background(), index.NewSnapshot(nil))
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("first")), res.Observations["a.txt"].Fingerprint)
}

func TestLocalScanner_CanceledScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newScanner(root).Scan(ctx, index.NewSnapshot(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalScanner_HashesWithinPoolCaps(t *testing.T) {
	root := t.TempDir()
	for i := range 24 {
		writeFile(t, root, fmt.Sprintf("dir%d/f%02d.txt", i%3, i), fmt.Sprintf("content %d", i))
	}
	pool := NewPool(1).ForRoot(1)
	ignore := NewSyncIgnoreList(root, nil)
	ignore.Load()
	s := NewLocalScanner(root, ignore, pool)

	// with every slot taken nothing can be hashed
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = s.Scan(ctx, index.NewSnapshot(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	release()

	res, err := NewLocalScanner(root, ignore, NewPool(4).ForRoot(3)).Scan(context.Background(), index.NewSnapshot(nil))
	require.NoError(t, err)
	require.Len(t, res.Paths(), 24)
	for i := range 24 {
		rel := fmt.Sprintf("dir%d/f%02d.txt", i%3, i)
		assert.Equal(t, HashBytes([]byte(fmt.Sprintf("content %d", i))), res.Observations[rel].Fingerprint, rel)
	}
}
