package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
)

const (
	DefaultPollInterval = 20 * time.Second
	minReconnectBackoff = time.Second
	maxReconnectBackoff = 60 * time.Second
)

// State is the position of an orchestrator in its cycle.
type State string

const (
	StateIdle        State = "idle"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
	StateApplying    State = "applying"
	StatePushing     State = "pushing"
	StateHalted      State = "halted"
	StateStopping    State = "stopping"
)

// Trigger is the reason a cycle was requested.
type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerLocalChange
	TriggerTimer
	TriggerReconnect
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerLocalChange:
		return "local-change"
	case TriggerTimer:
		return "timer"
	case TriggerReconnect:
		return "reconnect"
	case TriggerManual:
		return "manual"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// Options configures one group folder's orchestrator.
type Options struct {
	GroupID string
	// Root is the absolute local directory of the group folder.
	Root string
	// RemoteFolder is the folder identifier sent to the remote.
	RemoteFolder string
	IndexPath    string
	Include      []string
	Debounce     time.Duration
	PollInterval time.Duration
	Pool         *RootPool
	// Watch enables the filesystem watcher. Without it only explicit, timer
	// and reconnect triggers start cycles and every cycle scans the root.
	Watch bool
	// Upload bounds file size and picks chunked transfer for large files.
	Upload remote.UploadPolicy
	// Now overrides the clock used for conflict names.
	Now func() time.Time
}

// Status is a point-in-time view of an orchestrator.
type Status struct {
	GroupID     string        `json:"group_id"`
	Root        string        `json:"root"`
	State       State         `json:"state"`
	Degraded    bool          `json:"degraded"`
	NeedsReauth bool          `json:"needs_reauth"`
	Cursor      int64         `json:"cursor"`
	Files       int           `json:"files"`
	Pending     int           `json:"pending"`
	Syncing     int           `json:"syncing"`
	Failed      int           `json:"failed"`
	Conflicts   int           `json:"conflicts"`
	LastSync    time.Time     `json:"last_sync,omitzero"`
	LastError   string        `json:"last_error,omitempty"`
	LastCycle   *CycleReport  `json:"last_cycle,omitempty"`
	Backoff     time.Duration `json:"backoff,omitempty"`
}

// Orchestrator drives pull, reconcile, apply and push cycles for one group
// folder. At most one cycle runs at a time; triggers that arrive meanwhile
// collapse into a single follow-up cycle.
type Orchestrator struct {
	opts   Options
	client remote.Client

	storeMu sync.RWMutex
	store   *index.Store

	ignore  *SyncIgnoreList
	scanner *LocalScanner
	watcher *FileWatcher
	locks   *PathLocks
	status  *SyncStatus
	pool    *RootPool
	tmpDir  string

	triggers chan Trigger
	cycleMu  sync.Mutex

	// settled local paths awaiting the next cycle
	pending  mapset.Set[string]
	fullScan atomic.Bool

	stateMu     sync.RWMutex
	state       State
	degraded    bool
	needsReauth bool
	lastErr     error
	lastSync    time.Time
	lastCycle   *CycleReport
	backoff     time.Duration

	reconnect *time.Timer
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

func NewOrchestrator(opts Options, client remote.Client) (*Orchestrator, error) {
	if opts.Root == "" {
		return nil, errors.New("orchestrator: root is required")
	}
	if opts.IndexPath == "" {
		return nil, errors.New("orchestrator: index path is required")
	}
	if opts.GroupID == "" {
		opts.GroupID = filepath.Base(opts.Root)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounceTimeout
	}
	if opts.Pool == nil {
		opts.Pool = NewPool(DefaultGlobalConcurrency).ForRoot(DefaultPerRootConcurrency)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	store, err := index.Open(opts.IndexPath, opts.GroupID)
	if err != nil {
		return nil, fmt.Errorf("open index for %s: %w", opts.GroupID, err)
	}

	ignore := NewSyncIgnoreList(opts.Root, opts.Include)
	ignore.Load()

	watcher := NewFileWatcher(opts.Root)
	watcher.SetDebounceTimeout(opts.Debounce)
	watcher.FilterPaths(func(rel string) bool {
		return ignore.ShouldIgnore(rel) || ignore.ShouldIgnoreDir(rel)
	})

	o := &Orchestrator{
		opts:     opts,
		client:   client,
		store:    store,
		ignore:   ignore,
		scanner:  NewLocalScanner(opts.Root, ignore, opts.Pool),
		watcher:  watcher,
		locks:    NewPathLocks(),
		status:   NewSyncStatus(),
		pool:     opts.Pool,
		tmpDir:   filepath.Join(opts.Root, InternalDir, tmpDirName),
		triggers: make(chan Trigger, 1),
		pending:  mapset.NewSet[string](),
		state:    StateIdle,
		done:     make(chan struct{}),
	}
	// the engine may have been offline, so the first cycle always scans
	o.fullScan.Store(true)
	return o, nil
}

func (o *Orchestrator) GroupID() string {
	return o.opts.GroupID
}

func (o *Orchestrator) Root() string {
	return o.opts.Root
}

// SyncStatus exposes per-path transfer status.
func (o *Orchestrator) SyncStatus() *SyncStatus {
	return o.status
}

func (o *Orchestrator) index() *index.Store {
	o.storeMu.RLock()
	defer o.storeMu.RUnlock()
	return o.store
}

// Start launches the watcher and the trigger loop. It returns once both are
// running; the first cycle is queued immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := cleanTmpDir(o.tmpDir); err != nil {
		slog.Warn("clean temp dir", "group", o.opts.GroupID, "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if o.opts.Watch {
		if err := o.watcher.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start watcher for %s: %w", o.opts.GroupID, err)
		}
	}

	go o.run(ctx)
	o.Trigger(TriggerStart)
	slog.Info("sync started", "group", o.opts.GroupID, "root", o.opts.Root, "watch", o.opts.Watch)
	return nil
}

// Stop drains the orchestrator: the running unit finishes, nothing new
// starts, then the index is closed.
func (o *Orchestrator) Stop() error {
	var err error
	o.stopOnce.Do(func() {
		o.setState(StateStopping)
		if o.cancel != nil {
			o.cancel()
			<-o.done
		}
		o.watcher.Stop()
		o.stopReconnect()

		// wait out a cycle started through RunCycle
		o.cycleMu.Lock()
		defer o.cycleMu.Unlock()
		o.status.Close()

		o.storeMu.Lock()
		defer o.storeMu.Unlock()
		err = o.store.Close()
		slog.Info("sync stopped", "group", o.opts.GroupID)
	})
	return err
}

// Trigger requests a cycle. It never blocks; a request made while one is
// already queued is folded into it.
func (o *Orchestrator) Trigger(t Trigger) {
	select {
	case o.triggers <- t:
	default:
	}
}

// Resume clears a halt, typically after the user re-authenticated.
func (o *Orchestrator) Resume() {
	o.stateMu.Lock()
	if o.state == StateHalted {
		o.state = StateIdle
	}
	o.needsReauth = false
	o.stateMu.Unlock()
	o.Trigger(TriggerManual)
}

// Halt stops cycles until Resume is called.
func (o *Orchestrator) Halt(needsReauth bool) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.state == StateStopping {
		return
	}
	o.state = StateHalted
	if needsReauth {
		o.needsReauth = true
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)

	poll := time.NewTimer(o.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-o.watcher.Events():
			o.pending.Add(ev.Path)
			o.Trigger(TriggerLocalChange)

		case <-o.watcher.Overflowed():
			o.fullScan.Store(true)
			o.Trigger(TriggerLocalChange)

		case <-poll.C:
			o.Trigger(TriggerTimer)
			poll.Reset(o.opts.PollInterval)

		case t := <-o.triggers:
			if o.State() == StateHalted {
				slog.Debug("sync halted, trigger dropped", "group", o.opts.GroupID, "trigger", t)
				continue
			}
			if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleActive) && !errors.Is(err, ErrHalted) {
				if ctx.Err() == nil {
					slog.Error("sync cycle failed", "group", o.opts.GroupID, "trigger", t, "error", err)
				}
			}
			poll.Reset(o.opts.PollInterval)
		}
	}
}

func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	// halted and stopping are only left explicitly
	if o.state == StateStopping || (o.state == StateHalted && s != StateStopping) {
		return
	}
	o.state = s
}

func (o *Orchestrator) Status(ctx context.Context) Status {
	syncing, failed, conflicted := o.status.Counts()
	st := Status{
		GroupID:   o.opts.GroupID,
		Root:      o.opts.Root,
		Pending:   o.pending.Cardinality(),
		Syncing:   syncing,
		Failed:    failed,
		Conflicts: conflicted,
	}

	if o.State() != StateStopping {
		o.storeMu.RLock()
		if cursor, err := o.store.Cursor(ctx); err == nil {
			st.Cursor = cursor
		}
		if n, err := o.store.Count(ctx); err == nil {
			st.Files = n
		}
		o.storeMu.RUnlock()
	}

	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	st.State = o.state
	st.Degraded = o.degraded
	st.NeedsReauth = o.needsReauth
	st.LastSync = o.lastSync
	st.LastCycle = o.lastCycle
	st.Backoff = o.backoff
	if o.lastErr != nil {
		st.LastError = o.lastErr.Error()
	}
	return st
}

// Files lists the index entries of the folder in path order.
func (o *Orchestrator) Files(ctx context.Context) ([]*index.Entry, error) {
	if o.State() == StateStopping {
		return nil, ErrStopped
	}
	o.storeMu.RLock()
	defer o.storeMu.RUnlock()
	return o.store.ListAll(ctx)
}

// MarkDirty queues paths for observation in the next cycle.
func (o *Orchestrator) MarkDirty(paths ...string) {
	for _, p := range paths {
		o.pending.Add(p)
	}
}

// RequestFullScan makes the next cycle walk the whole root.
func (o *Orchestrator) RequestFullScan() {
	o.fullScan.Store(true)
}
