package groupmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
	xsync "github.com/xynoxa/xynoxa-desktop/internal/client/sync"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

const (
	indexFileName   = "index.db"
	cycleRetryDelay = 50 * time.Millisecond
)

var (
	ErrAlreadyStarted   = errors.New("group manager already started")
	ErrNotStarted       = errors.New("group manager not started")
	ErrFolderNotRunning = errors.New("group folder not running")
)

type Option func(*Manager)

// WithWatch turns the filesystem watcher on or off for every folder. Without
// it folders only sync on the poll timer and explicit triggers.
func WithWatch(watch bool) Option {
	return func(m *Manager) {
		m.watch = watch
	}
}

// WithClock overrides the clock handed to the orchestrators.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager runs one orchestrator per enabled group folder. Folders share a
// global transfer cap and each gets its own per-root cap. A folder that fails
// to start is recorded and never keeps its siblings from running.
type Manager struct {
	mu       sync.RWMutex
	dataDir  string
	perRoot  int
	debounce time.Duration
	poll     time.Duration
	watch    bool
	now      func() time.Time

	folders  map[string]config.GroupFolder
	running  map[string]*xsync.Orchestrator
	startErr map[string]error

	pool   *xsync.Pool
	client remote.Client
	ctx    context.Context
}

func New(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{
		dataDir:  cfg.DataDir,
		perRoot:  cfg.Concurrency.PerRoot,
		debounce: cfg.Debounce(),
		poll:     cfg.PollInterval(),
		watch:    true,
		folders:  make(map[string]config.GroupFolder, len(cfg.GroupFolders)),
		running:  make(map[string]*xsync.Orchestrator),
		startErr: make(map[string]error),
		pool:     xsync.NewPool(cfg.Concurrency.Global),
	}
	for _, gf := range cfg.GroupFolders {
		m.folders[gf.ID] = gf
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches every enabled folder against client.
func (m *Manager) Start(ctx context.Context, client remote.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		return ErrAlreadyStarted
	}
	m.client = client
	m.ctx = ctx

	for _, id := range m.sortedIDs() {
		gf := m.folders[id]
		if !gf.Enabled {
			continue
		}
		m.startFolder(gf)
	}
	slog.Info("group manager start", "folders", len(m.folders), "running", len(m.running))
	return nil
}

// Stop drains every running folder.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wg sync.WaitGroup
	for id, o := range m.running {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.Stop(); err != nil {
				slog.Error("group folder stop", "group", id, "error", err)
			}
		}()
	}
	wg.Wait()

	clear(m.running)
	m.client = nil
	m.ctx = nil
	slog.Info("group manager stopped")
}

func (m *Manager) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Trigger requests a cycle of one folder.
func (m *Manager) Trigger(id string) error {
	o, err := m.get(id)
	if err != nil {
		return err
	}
	o.Trigger(xsync.TriggerManual)
	return nil
}

func (m *Manager) TriggerAll() {
	for _, o := range m.orchestrators() {
		o.Trigger(xsync.TriggerManual)
	}
}

// RunOnce runs one full cycle of every running folder concurrently and waits
// for all of them. A folder busy with a cycle is retried once that cycle is
// over. The result has an entry for every folder that ran, nil on success.
func (m *Manager) RunOnce(ctx context.Context) map[string]error {
	orchs := m.orchestrators()

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs = make(map[string]error)
	)
	for _, o := range orchs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := runCycle(ctx, o)
			mu.Lock()
			errs[o.GroupID()] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return errs
}

func runCycle(ctx context.Context, o *xsync.Orchestrator) error {
	for {
		_, err := o.RunCycle(ctx)
		if !errors.Is(err, xsync.ErrCycleActive) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cycleRetryDelay):
		}
	}
}

// Halt pauses every folder, e.g. after logout.
func (m *Manager) Halt(needsReauth bool) {
	for _, o := range m.orchestrators() {
		o.Halt(needsReauth)
	}
}

// Resume clears the halt of every folder.
func (m *Manager) Resume() {
	for _, o := range m.orchestrators() {
		o.Resume()
	}
}

// Enable registers gf as enabled and starts it when the manager runs. The
// caller persists the config.
func (m *Manager) Enable(gf config.GroupFolder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gf.Enabled = true
	m.folders[gf.ID] = gf
	if m.client == nil {
		return nil
	}
	if _, ok := m.running[gf.ID]; ok {
		return nil
	}
	m.startFolder(gf)
	return m.startErr[gf.ID]
}

// Disable stops the folder. Its index stays on disk for a later Enable.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	gf, ok := m.folders[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", config.ErrFolderNotFound, id)
	}
	gf.Enabled = false
	m.folders[id] = gf
	o := m.running[id]
	delete(m.running, id)
	delete(m.startErr, id)
	m.mu.Unlock()

	if o == nil {
		return nil
	}
	return o.Stop()
}

// Status reports every known folder in id order.
func (m *Manager) Status(ctx context.Context) []FolderStatus {
	m.mu.RLock()
	ids := m.sortedIDs()
	out := make([]FolderStatus, 0, len(ids))
	orchs := make([]*xsync.Orchestrator, 0, len(ids))
	for _, id := range ids {
		gf := m.folders[id]
		fs := FolderStatus{
			ID:        gf.ID,
			Name:      gf.Name,
			LocalRoot: gf.LocalRoot,
			Enabled:   gf.Enabled,
		}
		if err := m.startErr[id]; err != nil {
			fs.Error = err.Error()
		}
		out = append(out, fs)
		orchs = append(orchs, m.running[id])
	}
	m.mu.RUnlock()

	for i, o := range orchs {
		if o == nil {
			continue
		}
		st := o.Status(ctx)
		// stopped by a concurrent Disable or Stop
		out[i].Running = st.State != xsync.StateStopping
		out[i].Sync = &st
	}
	return out
}

// Files lists the index of a running folder.
func (m *Manager) Files(ctx context.Context, id string) ([]*index.Entry, error) {
	o, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return o.Files(ctx)
}

func (m *Manager) get(id string) (*xsync.Orchestrator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, ErrNotStarted
	}
	o, ok := m.running[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFolderNotRunning, id)
	}
	return o, nil
}

func (m *Manager) orchestrators() []*xsync.Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*xsync.Orchestrator, 0, len(m.running))
	for _, id := range m.sortedIDs() {
		if o, ok := m.running[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// startFolder must be called with mu held.
func (m *Manager) startFolder(gf config.GroupFolder) {
	delete(m.startErr, gf.ID)
	o, err := m.newOrchestrator(gf)
	if err == nil {
		if err = o.Start(m.ctx); err != nil {
			o.Stop()
		}
	}
	if err != nil {
		slog.Error("group folder start", "group", gf.ID, "root", gf.LocalRoot, "error", err)
		m.startErr[gf.ID] = err
		return
	}
	m.running[gf.ID] = o
}

func (m *Manager) newOrchestrator(gf config.GroupFolder) (*xsync.Orchestrator, error) {
	if err := utils.EnsureDir(gf.LocalRoot); err != nil {
		return nil, fmt.Errorf("create local root: %w", err)
	}

	perRoot := m.perRoot
	if gf.Concurrency > 0 {
		perRoot = gf.Concurrency
	}
	remoteFolder := gf.RemoteID
	if remoteFolder == "" {
		remoteFolder = gf.ID
	}

	return xsync.NewOrchestrator(xsync.Options{
		GroupID:      gf.ID,
		Root:         gf.LocalRoot,
		RemoteFolder: remoteFolder,
		IndexPath:    IndexPath(m.dataDir, gf.ID),
		Include:      gf.Include,
		Debounce:     m.debounce,
		PollInterval: m.poll,
		Pool:         m.pool.ForRoot(perRoot),
		Watch:        m.watch,
		Now:          m.now,
	}, m.client)
}

// IndexPath is where the index of group folder id lives under dataDir.
func IndexPath(dataDir, id string) string {
	return filepath.Join(dataDir, "groups", id, indexFileName)
}

func (m *Manager) sortedIDs() []string {
	ids := make([]string, 0, len(m.folders))
	for id := range m.folders {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
