package groupmgr

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
)

func testConfig(t *testing.T, folders ...config.GroupFolder) *config.Config {
	t.Helper()
	cfg := config.Default(filepath.Join(t.TempDir(), "server.conf"))
	cfg.DataDir = t.TempDir()
	cfg.GroupFolders = folders
	return cfg
}

func folder(t *testing.T, id string, enabled bool) config.GroupFolder {
	t.Helper()
	return config.GroupFolder{ID: id, LocalRoot: filepath.Join(t.TempDir(), id), Enabled: enabled}
}

func startManager(t *testing.T, cfg *config.Config, mem *remote.Memory) *Manager {
	t.Helper()
	m := New(cfg, WithWatch(false))
	require.NoError(t, m.Start(context.Background(), mem))
	t.Cleanup(m.Stop)
	return m
}

func statusOf(t *testing.T, m *Manager, id string) FolderStatus {
	t.Helper()
	for _, st := range m.Status(context.Background()) {
		if st.ID == id {
			return st
		}
	}
	t.Fatalf("no status for %s", id)
	return FolderStatus{}
}

func TestManager_StartsEnabledFolders(t *testing.T) {
	a, b := folder(t, "a", true), folder(t, "b", false)
	require.NoError(t, os.MkdirAll(a.LocalRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a.LocalRoot, "hello.txt"), []byte("hi"), 0o644))

	mem := remote.NewMemory()
	m := startManager(t, testConfig(t, a, b), mem)

	assert.Eventually(t, func() bool {
		_, ok := mem.Read("a", "hello.txt")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	stA := statusOf(t, m, "a")
	assert.True(t, stA.Running)
	require.NotNil(t, stA.Sync)
	assert.Equal(t, a.LocalRoot, stA.Sync.Root)

	stB := statusOf(t, m, "b")
	assert.False(t, stB.Running)
	assert.Nil(t, stB.Sync)
	assert.NoDirExists(t, b.LocalRoot)
}

func TestManager_RemoteFolderDefaultsToID(t *testing.T) {
	a := folder(t, "a", true)
	a.RemoteID = "team-docs"
	mem := remote.NewMemory()
	mem.Put("team-docs", "readme.md", []byte("# docs"))

	startManager(t, testConfig(t, a), mem)
	assert.Eventually(t, func() bool {
		b, err := os.ReadFile(filepath.Join(a.LocalRoot, "readme.md"))
		return err == nil && string(b) == "# docs"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_FailingFolderIsIsolated(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	bad := config.GroupFolder{ID: "bad", LocalRoot: filepath.Join(blocker, "root"), Enabled: true}
	good := folder(t, "good", true)

	m := startManager(t, testConfig(t, bad, good), remote.NewMemory())

	stBad := statusOf(t, m, "bad")
	assert.False(t, stBad.Running)
	assert.NotEmpty(t, stBad.Error)
	assert.True(t, statusOf(t, m, "good").Running)
}

func TestManager_DisableAndEnable(t *testing.T) {
	a := folder(t, "a", true)
	m := startManager(t, testConfig(t, a), remote.NewMemory())

	require.NoError(t, m.Disable("a"))
	st := statusOf(t, m, "a")
	assert.False(t, st.Running)
	assert.False(t, st.Enabled)

	_, err := m.Files(context.Background(), "a")
	assert.ErrorIs(t, err, ErrFolderNotRunning)
	assert.ErrorIs(t, m.Trigger("a"), ErrFolderNotRunning)

	require.NoError(t, m.Enable(a))
	assert.True(t, statusOf(t, m, "a").Running)
	_, err = m.Files(context.Background(), "a")
	assert.NoError(t, err)

	assert.ErrorIs(t, m.Disable("missing"), config.ErrFolderNotFound)
}

func TestManager_RunOnce(t *testing.T) {
	a, b := folder(t, "a", true), folder(t, "b", true)
	mem := remote.NewMemory()
	mem.Put("a", "one.txt", []byte("1"))
	mem.Put("b", "two.txt", []byte("2"))
	m := startManager(t, testConfig(t, a, b), mem)

	results := m.RunOnce(context.Background())
	assert.Equal(t, map[string]error{"a": nil, "b": nil}, results)

	files, err := m.Files(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "one.txt", files[0].Path)
	assert.FileExists(t, filepath.Join(b.LocalRoot, "two.txt"))
}

func TestManager_RunOnceReportsFailures(t *testing.T) {
	a, b := folder(t, "a", true), folder(t, "b", true)
	mem := remote.NewMemory()
	m := startManager(t, testConfig(t, a, b), mem)
	require.NoError(t, m.Disable("b"))

	mem.RejectAuth(true)
	results := m.RunOnce(context.Background())
	require.Len(t, results, 1)
	require.Contains(t, results, "a")
	assert.Error(t, results["a"])
}

func TestManager_StatusDuringDisable(t *testing.T) {
	a := folder(t, "a", true)
	m := startManager(t, testConfig(t, a), remote.NewMemory())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			m.Status(context.Background())
			m.Files(context.Background(), "a")
		}
	}()
	require.NoError(t, m.Disable("a"))
	<-done
	assert.False(t, statusOf(t, m, "a").Running)
}

func TestManager_Lifecycle(t *testing.T) {
	cfg := testConfig(t, folder(t, "a", true))
	m := New(cfg, WithWatch(false))

	assert.False(t, m.Started())
	assert.ErrorIs(t, m.Trigger("a"), ErrNotStarted)

	// enabling before start only records the folder
	require.NoError(t, m.Enable(folder(t, "b", true)))
	assert.Len(t, m.Status(context.Background()), 2)

	mem := remote.NewMemory()
	require.NoError(t, m.Start(context.Background(), mem))
	assert.ErrorIs(t, m.Start(context.Background(), mem), ErrAlreadyStarted)
	assert.True(t, m.Started())
	assert.NoError(t, m.Trigger("a"))

	m.Stop()
	assert.False(t, m.Started())
	for _, st := range m.Status(context.Background()) {
		assert.False(t, st.Running, st.ID)
	}
}

func TestManager_HaltAndResume(t *testing.T) {
	m := startManager(t, testConfig(t, folder(t, "a", true)), remote.NewMemory())

	m.Halt(true)
	st := statusOf(t, m, "a")
	require.NotNil(t, st.Sync)
	assert.True(t, st.Sync.NeedsReauth)

	m.Resume()
	st = statusOf(t, m, "a")
	assert.False(t, st.Sync.NeedsReauth)
}
