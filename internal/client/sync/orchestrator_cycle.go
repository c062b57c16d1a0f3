package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

// CycleReport summarises one cycle.
type CycleReport struct {
	ID         string        `json:"id"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	FullScan   bool          `json:"full_scan"`
	Pulled     int           `json:"pulled"`
	Applied    int           `json:"applied"`
	Pushed     int           `json:"pushed"`
	Failed     int           `json:"failed"`
	Conflicts  int           `json:"conflicts"`
	Discharged int           `json:"discharged"`
	Cursor     int64         `json:"cursor"`
}

func (r *CycleReport) changed() bool {
	return r.Applied > 0 || r.Pushed > 0 || r.Failed > 0 || r.Conflicts > 0
}

// RunCycle runs one pull, reconcile, apply and push cycle. It returns
// ErrCycleActive when another cycle of the same folder is running.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	switch o.State() {
	case StateHalted:
		return nil, ErrHalted
	case StateStopping:
		return nil, ErrStopped
	}
	if !o.cycleMu.TryLock() {
		return nil, ErrCycleActive
	}
	defer o.cycleMu.Unlock()

	report, err := o.cycle(ctx)
	report.Duration = time.Since(report.Started)
	o.finish(ctx, report, err)
	return report, err
}

func (o *Orchestrator) cycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{ID: uuid.NewString(), Started: time.Now()}
	store := o.index()

	snap, err := store.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("snapshot: %w", err)
	}
	cursor, err := store.Cursor(ctx)
	if err != nil {
		return report, fmt.Errorf("cursor: %w", err)
	}
	report.Cursor = cursor
	retries, err := store.ListRetries(ctx)
	if err != nil {
		return report, fmt.Errorf("retries: %w", err)
	}
	o.requeue(snap, retries)

	o.setState(StatePulling)
	changes, next, err := o.pull(ctx, cursor)
	if err != nil {
		return report, fmt.Errorf("pull: %w", err)
	}
	report.Pulled = len(changes)

	o.setState(StateReconciling)
	scan, err := o.observe(ctx, snap, report)
	if err != nil {
		return report, fmt.Errorf("observe: %w", err)
	}
	localOps := ComputeLocalDelta(scan, snap)
	remoteOps := ComputeRemoteDelta(changes, snap, o.ignore.Syncable)
	replayed, stale := o.replayRemote(snap, retries, remoteOps)
	if len(replayed) > 0 {
		remoteOps = append(remoteOps, replayed...)
		sortOps(remoteOps)
	}
	stale = append(stale, o.settleLocal(ctx, snap, retries, scan, localOps)...)
	o.dropRetries(ctx, stale)
	res := ResolveConflicts(localOps, remoteOps, o.opts.Now(), o.taken(snap))
	report.Conflicts = len(res.Conflicts)
	report.Discharged = len(res.Discharged)
	for _, c := range res.Conflicts {
		o.status.SetConflicted(c.Path)
		if c.CopyPath != "" {
			o.status.SetConflicted(c.CopyPath)
		}
	}
	if len(localOps) > 0 || len(remoteOps) > 0 {
		slog.Debug("sync reconcile", "group", o.opts.GroupID, "local", localOps, "remote", remoteOps, "conflicts", res.Conflicts)
	}

	errs := &unitErrors{}

	o.setState(StateApplying)
	batch := &remoteBatch{
		hasRecords: len(changes) > 0 || next != cursor,
		next:       next,
	}
	pushAfter := o.apply(ctx, res, batch, report, errs)

	o.setState(StatePushing)
	o.push(ctx, append(res.Push, pushAfter...), report, errs)

	if c, err := store.Cursor(context.WithoutCancel(ctx)); err == nil {
		report.Cursor = c
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, errs.Err()
}

// pull reads the change feed from cursor until the remote reports no more
// pages and returns the records with the cursor to resume from.
func (o *Orchestrator) pull(ctx context.Context, cursor int64) ([]remote.Change, int64, error) {
	var changes []remote.Change
	next := cursor
	for {
		page, err := o.client.ListChanges(ctx, o.opts.RemoteFolder, next)
		if err != nil {
			return nil, cursor, err
		}
		if page.Cursor < next {
			return nil, cursor, fmt.Errorf("%w: remote returned %d after %d", index.ErrCursorRegression, page.Cursor, next)
		}
		changes = append(changes, page.Changes...)
		progressed := page.Cursor != next
		next = page.Cursor
		if !page.HasMore || !progressed {
			break
		}
	}
	return changes, next, nil
}

// observe collects the local observations for this cycle: the settled paths
// from the watcher, or the whole root when a scan was requested.
func (o *Orchestrator) observe(ctx context.Context, snap *index.Snapshot, report *CycleReport) (*ScanResult, error) {
	var paths []string
	for {
		p, ok := o.pending.Pop()
		if !ok {
			break
		}
		paths = append(paths, p)
	}
	slices.Sort(paths)

	full := o.fullScan.Swap(false)
	if o.watcher.TakeOverflow() || !o.opts.Watch {
		full = true
	}

	var (
		res *ScanResult
		err error
	)
	switch {
	case full:
		report.FullScan = true
		res, err = o.scanner.Scan(ctx, snap)
	case len(paths) > 0:
		res, err = o.scanner.Observe(ctx, paths, snap)
	default:
		return newScanResult(), nil
	}
	if err != nil {
		// nothing was consumed
		o.MarkDirty(paths...)
		if full {
			o.fullScan.Store(true)
		}
		return nil, err
	}

	for p, perr := range res.Errors {
		if o.status.SetError(p, SideLocal, perr) < maxRetryCount {
			o.pending.Add(p)
		}
		slog.Warn("sync observe", "group", o.opts.GroupID, "path", p, "error", perr)
	}
	return res, nil
}

// taken reports whether a conflict copy may not be written at p.
func (o *Orchestrator) taken(snap *index.Snapshot) func(string) bool {
	return func(p string) bool {
		if _, ok := snap.Get(p); ok {
			return true
		}
		abs, err := utils.ToAbsPath(o.opts.Root, p)
		if err != nil {
			return true
		}
		return utils.FileExists(abs) || utils.DirExists(abs)
	}
}

// finish records the outcome of a cycle and reacts to its error class.
func (o *Orchestrator) finish(ctx context.Context, report *CycleReport, err error) {
	class := Classify(err)

	o.stateMu.Lock()
	o.lastCycle = report
	if class == ClassNone {
		o.lastErr = nil
		o.lastSync = time.Now()
		o.degraded = false
		o.backoff = 0
	} else if class != ClassCanceled {
		o.lastErr = err
	}
	if o.state != StateHalted && o.state != StateStopping {
		o.state = StateIdle
	}
	o.stateMu.Unlock()

	switch class {
	case ClassNone:
		if report.changed() {
			slog.Info("sync cycle",
				"group", o.opts.GroupID,
				"pulled", report.Pulled,
				"applied", report.Applied,
				"pushed", report.Pushed,
				"failed", report.Failed,
				"conflicts", report.Conflicts,
				"cursor", report.Cursor,
				"took", report.Duration,
			)
		}
	case ClassCanceled:
	case ClassAuth:
		slog.Error("sync halted, authentication rejected", "group", o.opts.GroupID, "error", err)
		o.Halt(true)
	case ClassTransient:
		d := o.scheduleReconnect()
		slog.Warn("sync degraded, remote unavailable", "group", o.opts.GroupID, "retry", d, "error", err)
	case ClassIndexCorrupt:
		slog.Error("sync index corrupt, rebuilding", "group", o.opts.GroupID, "error", err)
		if rerr := o.rebuild(ctx); rerr != nil {
			slog.Error("sync index rebuild failed", "group", o.opts.GroupID, "error", rerr)
		}
	default:
		slog.Error("sync cycle", "group", o.opts.GroupID, "class", class, "error", err)
	}
}

// scheduleReconnect marks the folder degraded and triggers a retry after an
// exponentially growing delay.
func (o *Orchestrator) scheduleReconnect() time.Duration {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	o.degraded = true
	if o.backoff == 0 {
		o.backoff = minReconnectBackoff
	} else {
		o.backoff = min(o.backoff*2, maxReconnectBackoff)
	}
	if o.reconnect != nil {
		o.reconnect.Stop()
	}
	o.reconnect = time.AfterFunc(o.backoff, func() {
		o.Trigger(TriggerReconnect)
	})
	return o.backoff
}

func (o *Orchestrator) stopReconnect() {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.reconnect != nil {
		o.reconnect.Stop()
		o.reconnect = nil
	}
}

// rebuild moves the corrupt index aside and opens a fresh one. The next
// cycle pulls the feed from the start and scans the root, which rebuilds
// the index without transferring content that already matches.
func (o *Orchestrator) rebuild(ctx context.Context) error {
	o.Halt(false)

	o.storeMu.Lock()
	path, group := o.store.Path(), o.store.GroupID()
	if err := o.store.Destroy(); err != nil {
		o.storeMu.Unlock()
		return err
	}
	store, err := index.Open(path, group)
	if err != nil {
		o.storeMu.Unlock()
		return err
	}
	o.store = store
	o.storeMu.Unlock()

	o.fullScan.Store(true)
	if ctx.Err() != nil {
		return nil
	}
	o.Resume()
	return nil
}

// unitErrors keeps the most severe per-unit failure of a cycle. Path-local
// failures are handled per path and never fail the cycle.
type unitErrors struct {
	mu        sync.Mutex
	auth      error
	corrupt   error
	transient error
}

func (u *unitErrors) record(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch Classify(err) {
	case ClassAuth:
		if u.auth == nil {
			u.auth = err
		}
	case ClassIndexCorrupt:
		if u.corrupt == nil {
			u.corrupt = err
		}
	case ClassTransient:
		if u.transient == nil {
			u.transient = err
		}
	}
}

// fatal reports whether further units would fail the same way.
func (u *unitErrors) fatal() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.auth != nil || u.corrupt != nil
}

func (u *unitErrors) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch {
	case u.auth != nil:
		return u.auth
	case u.corrupt != nil:
		return u.corrupt
	case u.transient != nil:
		return u.transient
	}
	return nil
}

var errSkipped = errors.New("unit skipped")
