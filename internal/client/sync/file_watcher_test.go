package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManualWatcher(t *testing.T, debounce time.Duration, buffer int) *FileWatcher {
	t.Helper()
	fw := NewFileWatcher(t.TempDir())
	fw.SetDebounceTimeout(debounce)
	fw.SetBufferSize(buffer)
	fw.init()
	return fw
}

func drain(fw *FileWatcher, wait time.Duration) []SettledEvent {
	var out []SettledEvent
	deadline := time.After(wait)
	for {
		select {
		case ev := <-fw.Events():
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestFileWatcher_DebounceCoalescesBurst(t *testing.T) {
	fw := newManualWatcher(t, 30*time.Millisecond, 16)

	for i := 0; i < 50; i++ {
		fw.debounce("notes.txt", notify.Write)
	}
	fw.debounce("other.txt", notify.Create)

	events := drain(fw, 200*time.Millisecond)
	require.Len(t, events, 2)

	byPath := map[string]SettledEvent{}
	for _, ev := range events {
		byPath[ev.Path] = ev
	}
	assert.Contains(t, byPath, "notes.txt")
	assert.Contains(t, byPath, "other.txt")
	assert.Equal(t, notify.Write, byPath["notes.txt"].Event)
}

func TestFileWatcher_QuietPeriodRestarts(t *testing.T) {
	fw := newManualWatcher(t, 60*time.Millisecond, 16)

	// keep touching the path more often than the debounce period
	for i := 0; i < 5; i++ {
		fw.debounce("busy.txt", notify.Write)
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case ev := <-fw.Events():
		t.Fatalf("settled too early: %v", ev)
	default:
	}

	events := drain(fw, 200*time.Millisecond)
	assert.Len(t, events, 1)
}

func TestFileWatcher_IgnoreOnce(t *testing.T) {
	fw := newManualWatcher(t, 10*time.Millisecond, 16)

	fw.IgnoreOnce("echo.txt")
	fw.debounce("echo.txt", notify.Write)
	assert.Empty(t, drain(fw, 80*time.Millisecond))

	// only once
	fw.debounce("echo.txt", notify.Write)
	assert.Len(t, drain(fw, 80*time.Millisecond), 1)
}

func TestFileWatcher_OverflowRaisesFlag(t *testing.T) {
	fw := newManualWatcher(t, 5*time.Millisecond, 2)

	for i := 0; i < 10; i++ {
		fw.debounce(fmt.Sprintf("f%d.txt", i), notify.Create)
	}
	time.Sleep(100 * time.Millisecond)

	select {
	case <-fw.Overflowed():
	default:
		t.Fatal("expected overflow signal")
	}
	assert.True(t, fw.TakeOverflow())
	assert.False(t, fw.TakeOverflow())
	assert.Len(t, drain(fw, 20*time.Millisecond), 2)
}

func TestFileWatcher_RealFilesystem(t *testing.T) {
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	fw := NewFileWatcher(root)
	fw.SetDebounceTimeout(50 * time.Millisecond)
	fw.FilterPaths(func(rel string) bool { return rel == "skip.txt" })
	require.NoError(t, fw.Start(t.Context()))
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("hello"), 0o644))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-fw.Events():
			assert.NotEqual(t, "skip.txt", ev.Path)
			if ev.Path == "docs/a.txt" {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for docs/a.txt")
		}
	}
}
