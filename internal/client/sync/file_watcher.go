package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjeczalik/notify"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

const (
	DefaultDebounceTimeout = 500 * time.Millisecond
	DefaultIgnoreTimeout   = 5 * time.Second
	defaultCleanupInterval = 15 * time.Second
	defaultEventBuffer     = 1024
	rawEventBuffer         = 4096
)

// FilterCallback returns true for relative paths whose events are dropped
// before debouncing.
type FilterCallback func(rel string) bool

// SettledEvent is emitted once a path has been quiet for the debounce period.
type SettledEvent struct {
	Path  string
	Event notify.Event
	At    time.Time
}

// FileWatcher turns raw filesystem notifications under a root into settled,
// per-path events. When the consumer falls behind, events are dropped and the
// overflow flag is raised so the owner can fall back to a full scan.
type FileWatcher struct {
	root         string
	resolvedRoot string

	rawEvents chan notify.EventInfo
	events    chan SettledEvent
	overflow  atomic.Bool
	overflowC chan struct{}

	ignore          map[string]time.Time
	ignoreMu        sync.Mutex
	cleanupInterval time.Duration

	pending         map[string]notify.Event
	timers          map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	bufferSize      int

	filter   FilterCallback
	filterMu sync.RWMutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewFileWatcher(root string) *FileWatcher {
	return &FileWatcher{
		root:            root,
		resolvedRoot:    root,
		overflowC:       make(chan struct{}, 1),
		ignore:          make(map[string]time.Time),
		cleanupInterval: defaultCleanupInterval,
		pending:         make(map[string]notify.Event),
		timers:          make(map[string]*time.Timer),
		debounceTimeout: DefaultDebounceTimeout,
		bufferSize:      defaultEventBuffer,
		done:            make(chan struct{}),
	}
}

func (fw *FileWatcher) SetDebounceTimeout(d time.Duration) {
	fw.debounceTimeout = d
}

// SetBufferSize sets the capacity of the settled event channel. Call before Start.
func (fw *FileWatcher) SetBufferSize(n int) {
	fw.bufferSize = n
}

func (fw *FileWatcher) FilterPaths(cb FilterCallback) {
	fw.filterMu.Lock()
	defer fw.filterMu.Unlock()
	fw.filter = cb
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	if resolved, err := filepath.EvalSymlinks(fw.root); err == nil {
		// macOS temp dirs live behind /var -> /private/var
		fw.resolvedRoot = resolved
	}
	fw.init()

	if err := notify.Watch(filepath.Join(fw.root, "..."), fw.rawEvents, notify.All); err != nil {
		return err
	}
	slog.Info("watcher start", "root", fw.root, "debounce", fw.debounceTimeout)

	fw.wg.Add(2)
	go fw.filterEvents(ctx)
	go fw.cleanupExpired(ctx)
	return nil
}

func (fw *FileWatcher) init() {
	fw.rawEvents = make(chan notify.EventInfo, rawEventBuffer)
	fw.events = make(chan SettledEvent, fw.bufferSize)
}

func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.done)
		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()

		fw.debounceMu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
			delete(fw.pending, path)
		}
		fw.debounceMu.Unlock()
		slog.Debug("watcher stopped", "root", fw.root)
	})
}

func (fw *FileWatcher) Events() <-chan SettledEvent {
	return fw.events
}

// Overflowed fires (at most once per TakeOverflow) after an event was dropped.
func (fw *FileWatcher) Overflowed() <-chan struct{} {
	return fw.overflowC
}

// TakeOverflow reports and clears the overflow flag.
func (fw *FileWatcher) TakeOverflow() bool {
	return fw.overflow.Swap(false)
}

// IgnoreOnce suppresses the next settled event for rel, typically the echo of
// a write made by the engine itself.
func (fw *FileWatcher) IgnoreOnce(rel string) {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()
	fw.ignore[rel] = time.Now().Add(DefaultIgnoreTimeout)
}

// Unignore withdraws an IgnoreOnce whose write never happened.
func (fw *FileWatcher) Unignore(rel string) {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()
	delete(fw.ignore, rel)
}

func (fw *FileWatcher) consumeIgnore(rel string) bool {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()
	expiry, ok := fw.ignore[rel]
	if !ok {
		return false
	}
	delete(fw.ignore, rel)
	return time.Now().Before(expiry)
}

func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer fw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case ev, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			rel, ok := fw.relPath(ev.Path())
			if !ok {
				continue
			}
			fw.filterMu.RLock()
			filter := fw.filter
			fw.filterMu.RUnlock()
			if filter != nil && filter(rel) {
				continue
			}
			fw.debounce(rel, ev.Event())
		}
	}
}

func (fw *FileWatcher) relPath(abs string) (string, bool) {
	for _, root := range []string{fw.resolvedRoot, fw.root} {
		if rel, err := utils.ToRelPath(root, abs); err == nil && rel != "." {
			return rel, true
		}
	}
	return "", false
}

// debounce restarts the quiet timer of rel. Bursts of writes while a file is
// being saved collapse into a single settled event.
func (fw *FileWatcher) debounce(rel string, ev notify.Event) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, ok := fw.timers[rel]; ok {
		timer.Stop()
	}
	fw.pending[rel] |= ev
	fw.timers[rel] = time.AfterFunc(fw.debounceTimeout, func() {
		fw.flush(rel)
	})
}

func (fw *FileWatcher) flush(rel string) {
	fw.debounceMu.Lock()
	ev, ok := fw.pending[rel]
	delete(fw.pending, rel)
	delete(fw.timers, rel)
	fw.debounceMu.Unlock()

	if !ok || fw.consumeIgnore(rel) {
		return
	}

	select {
	case fw.events <- SettledEvent{Path: rel, Event: ev, At: time.Now()}:
	default:
		slog.Warn("watcher overflow", "root", fw.root, "path", rel)
		fw.overflow.Store(true)
		select {
		case fw.overflowC <- struct{}{}:
		default:
		}
	}
}

func (fw *FileWatcher) cleanupExpired(ctx context.Context) {
	defer fw.wg.Done()
	ticker := time.NewTicker(fw.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case <-ticker.C:
			now := time.Now()
			fw.ignoreMu.Lock()
			for path, expiry := range fw.ignore {
				if now.After(expiry) {
					delete(fw.ignore, path)
				}
			}
			fw.ignoreMu.Unlock()
		}
	}
}
