package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
	"github.com/xynoxa/xynoxa-desktop/internal/queue"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

// remoteBatch tracks the commit of one pulled batch. Units commit one at a
// time; the last one carries the cursor advance, unless a unit failed and
// still holds the cursor back.
type remoteBatch struct {
	mu         sync.Mutex
	hasRecords bool
	next       int64
	remaining  int
	stalled    bool
}

// applyUnit is one atomic piece of local work: a remote op, or the
// materialisation of a content conflict.
type applyUnit struct {
	op       ChangeOp
	conflict *Conflict
}

func (u *applyUnit) paths() []string {
	if u.conflict != nil {
		return []string{u.conflict.Path, u.conflict.CopyPath}
	}
	return u.op.Paths()
}

func (u *applyUnit) priority() int {
	if u.conflict != nil {
		return u.conflict.Remote.applyPriority()
	}
	return u.op.applyPriority()
}

func (u *applyUnit) String() string {
	if u.conflict != nil {
		return u.conflict.String()
	}
	return u.op.String()
}

// apply carries out the remote side of a resolution, band by band: moves,
// then deletes, then writes. Units within a band run concurrently on the
// pool. It returns the local ops that content conflicts queued for pushing.
func (o *Orchestrator) apply(ctx context.Context, res *Resolution, batch *remoteBatch, report *CycleReport, errs *unitErrors) []ChangeOp {
	pq := queue.NewPriorityQueue[*applyUnit]()
	for _, op := range res.Apply {
		u := &applyUnit{op: op}
		pq.Enqueue(u, u.priority())
	}
	for i := range res.Conflicts {
		if res.Conflicts[i].CopyPath == "" {
			continue
		}
		u := &applyUnit{conflict: &res.Conflicts[i]}
		pq.Enqueue(u, u.priority())
	}

	batch.remaining = pq.Len()
	if batch.remaining == 0 {
		if batch.hasRecords {
			if err := o.index().ApplyAndAdvanceCursor(context.WithoutCancel(ctx), nil, batch.next); err != nil {
				errs.record(err)
				slog.Error("sync cursor commit", "group", o.opts.GroupID, "cursor", batch.next, "error", err)
			}
		}
		return nil
	}

	var (
		pushMu sync.Mutex
		pushes []ChangeOp
	)
	for pq.Len() > 0 {
		band, _ := pq.DequeueBand()
		err := o.pool.Each(ctx, len(band), func(ctx context.Context, i int) {
			u := band[i]
			var (
				m    *index.Mutation
				push []ChangeOp
				err  error
			)
			if errs.fatal() {
				err = errSkipped
			} else {
				m, push, err = o.applyOne(ctx, u)
			}
			o.commitRemote(ctx, batch, u, m, err, report, errs)
			if err == nil && len(push) > 0 {
				pushMu.Lock()
				pushes = append(pushes, push...)
				pushMu.Unlock()
			}
		})
		if err != nil {
			// stopped between units, the cursor stays where it was
			return pushes
		}
	}
	return pushes
}

func (o *Orchestrator) applyOne(ctx context.Context, u *applyUnit) (*index.Mutation, []ChangeOp, error) {
	unlock := o.locks.Lock(u.paths()...)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	for _, p := range u.paths() {
		o.status.SetSyncing(p, SideRemote)
	}

	if u.conflict != nil {
		return o.applyConflict(ctx, u.conflict)
	}

	var (
		m   *index.Mutation
		err error
	)
	switch u.op.Kind {
	case OpCreate, OpUpdate:
		m, err = o.applyWrite(ctx, u.op)
	case OpDelete:
		m, err = o.applyDelete(ctx, u.op)
	case OpMove:
		m, err = o.applyMove(ctx, u.op)
	}
	return m, nil, err
}

// commitRemote writes the outcome of one unit to the index. A failed unit
// marks its entries pending-remote and is recorded as a retry that later
// cycles replay. Until it has exhausted its retries it also keeps the batch
// from advancing the cursor so the next pull delivers it again.
func (o *Orchestrator) commitRemote(ctx context.Context, b *remoteBatch, u *applyUnit, m *index.Mutation, err error, report *CycleReport, errs *unitErrors) {
	ctx = context.WithoutCancel(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining--
	gone := false

	if err != nil {
		errs.record(err)
		report.Failed++
		class := Classify(err)
		switch {
		case errors.Is(err, errSkipped), class == ClassCanceled:
			b.stalled = true
		default:
			exhausted := false
			for _, p := range u.paths() {
				if o.status.SetError(p, SideRemote, err) >= maxRetryCount {
					exhausted = true
				}
			}
			if !exhausted || class == ClassTransient || class == ClassAuth {
				b.stalled = true
			}
			if class == ClassConflict || class == ClassLocalIO {
				// the local side moved under us, look at it again
				o.MarkDirty(u.paths()...)
			}
			if errors.Is(err, remote.ErrNotFound) {
				// the content is gone remotely; the feed reports what replaced it
				gone = true
			} else {
				m = o.pendingMutation(ctx, u.paths(), index.StatePendingRemote)
				m.Retry(u.remoteRetry(err))
			}
			slog.Warn("sync apply", "group", o.opts.GroupID, "unit", u, "class", class, "error", err)
		}
	} else {
		report.Applied++
		side := u.op.Conflict
		if u.conflict != nil {
			side = index.SideLocal
		}
		o.settle(side, u.paths()...)
	}

	var cerr error
	if b.remaining == 0 && !b.stalled && b.hasRecords {
		cerr = o.index().ApplyAndAdvanceCursor(ctx, m, b.next)
	} else if !m.Empty() {
		cerr = o.index().Apply(ctx, m)
	}
	if cerr != nil {
		errs.record(cerr)
		slog.Error("sync index commit", "group", o.opts.GroupID, "unit", u, "error", cerr)
	}
	if gone {
		o.dropRetries(ctx, u.paths())
	}
}

func (o *Orchestrator) settle(side index.ConflictSide, paths ...string) {
	for _, p := range paths {
		if side != index.SideNone {
			o.status.SetConflicted(p)
		} else {
			o.status.SetCompleted(p)
		}
	}
}

// pendingMutation re-tags the existing entries of paths with state.
func (o *Orchestrator) pendingMutation(ctx context.Context, paths []string, state index.State) *index.Mutation {
	m := &index.Mutation{}
	for _, p := range paths {
		e, err := o.index().Lookup(ctx, p)
		if err != nil || e.State == state {
			continue
		}
		e = e.Clone()
		e.State = state
		m.Upsert(e)
	}
	return m
}

func (o *Orchestrator) lookup(ctx context.Context, p string) (*index.Entry, error) {
	e, err := o.index().Lookup(ctx, p)
	if errors.Is(err, index.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (o *Orchestrator) abs(rel string) (string, error) {
	abs, err := utils.ToAbsPath(o.opts.Root, rel)
	if err != nil {
		return "", localErr("resolve", rel, err)
	}
	return abs, nil
}

// applyWrite brings remote content to op.Path. Content already in place is
// only recorded; a local file that differs from the index is never
// overwritten.
func (o *Orchestrator) applyWrite(ctx context.Context, op ChangeOp) (*index.Mutation, error) {
	abs, err := o.abs(op.Path)
	if err != nil {
		return nil, err
	}
	entry, err := o.lookup(ctx, op.Path)
	if err != nil {
		return nil, err
	}
	cur, exists, err := currentFingerprint(ctx, abs)
	if err != nil {
		return nil, localErr("hash", op.Path, err)
	}

	inPlace := exists && op.Fingerprint != "" && cur == op.Fingerprint
	if !inPlace {
		if exists && (entry == nil || cur != entry.Fingerprint) {
			return nil, fmt.Errorf("%w: %s changed locally", ErrConflictDetected, op.Path)
		}
		if err := o.download(ctx, op.RemoteID, op.Path, abs, op.Fingerprint); err != nil {
			return nil, err
		}
	}

	e, err := o.entryAt(ctx, op, abs)
	if err != nil {
		return nil, err
	}
	return (&index.Mutation{}).Upsert(e), nil
}

// applyDelete removes the local file, unless it was edited since the last
// sync.
func (o *Orchestrator) applyDelete(ctx context.Context, op ChangeOp) (*index.Mutation, error) {
	abs, err := o.abs(op.Path)
	if err != nil {
		return nil, err
	}
	entry, err := o.lookup(ctx, op.Path)
	if err != nil {
		return nil, err
	}
	cur, exists, err := currentFingerprint(ctx, abs)
	if err != nil {
		return nil, localErr("hash", op.Path, err)
	}

	if exists {
		if entry == nil || cur != entry.Fingerprint {
			return nil, fmt.Errorf("%w: %s changed locally", ErrConflictDetected, op.Path)
		}
		o.watcher.IgnoreOnce(op.Path)
		if err := removeFile(abs); err != nil {
			o.watcher.Unignore(op.Path)
			return nil, localErr("remove", op.Path, err)
		}
		utils.PruneEmptyParents(o.opts.Root, filepath.Dir(abs))
	}
	slog.Info("sync", "group", o.opts.GroupID, "op", "delete local", "path", op.Path)
	return (&index.Mutation{}).Remove(op.Path), nil
}

// applyMove renames locally and verifies the result, downloading the content
// when the rename could not produce it.
func (o *Orchestrator) applyMove(ctx context.Context, op ChangeOp) (*index.Mutation, error) {
	src, err := o.abs(op.FromPath)
	if err != nil {
		return nil, err
	}
	dst, err := o.abs(op.Path)
	if err != nil {
		return nil, err
	}
	entry, err := o.lookup(ctx, op.FromPath)
	if err != nil {
		return nil, err
	}

	srcFp, srcExists, err := currentFingerprint(ctx, src)
	if err != nil {
		return nil, localErr("hash", op.FromPath, err)
	}
	if srcExists && (entry == nil || srcFp != entry.Fingerprint) {
		return nil, fmt.Errorf("%w: %s changed locally", ErrConflictDetected, op.FromPath)
	}
	dstFp, dstExists, err := currentFingerprint(ctx, dst)
	if err != nil {
		return nil, localErr("hash", op.Path, err)
	}

	switch {
	case dstExists && dstFp == op.Fingerprint:
		// target already holds the content, only the source is left over
		if srcExists {
			o.watcher.IgnoreOnce(op.FromPath)
			if err := removeFile(src); err != nil {
				o.watcher.Unignore(op.FromPath)
				return nil, localErr("remove", op.FromPath, err)
			}
		}
	case dstExists:
		return nil, fmt.Errorf("%w: move target %s exists", ErrConflictDetected, op.Path)
	case srcExists:
		o.watcher.IgnoreOnce(op.FromPath)
		o.watcher.IgnoreOnce(op.Path)
		if err := moveFile(src, dst); err != nil {
			o.watcher.Unignore(op.FromPath)
			o.watcher.Unignore(op.Path)
			return nil, localErr("move", op.Path, err)
		}
		fp, _, err := HashFile(ctx, dst)
		if err != nil {
			return nil, localErr("hash", op.Path, err)
		}
		if op.Fingerprint != "" && fp != op.Fingerprint {
			slog.Debug("sync moved content differs, downloading", "group", o.opts.GroupID, "path", op.Path)
			if err := o.download(ctx, op.RemoteID, op.Path, dst, op.Fingerprint); err != nil {
				return nil, err
			}
		}
	default:
		if err := o.download(ctx, op.RemoteID, op.Path, dst, op.Fingerprint); err != nil {
			return nil, err
		}
	}
	utils.PruneEmptyParents(o.opts.Root, filepath.Dir(src))

	e, err := o.entryAt(ctx, op, dst)
	if err != nil {
		return nil, err
	}
	slog.Info("sync", "group", o.opts.GroupID, "op", "move local", "from", op.FromPath, "to", op.Path)
	return (&index.Mutation{}).Remove(op.FromPath).Upsert(e), nil
}

// applyConflict writes the remote side of a content conflict next to the
// local file. The original path is recorded at the remote content and
// identity so that pushing the local content becomes a plain update.
func (o *Orchestrator) applyConflict(ctx context.Context, c *Conflict) (*index.Mutation, []ChangeOp, error) {
	copyAbs, err := o.abs(c.CopyPath)
	if err != nil {
		return nil, nil, err
	}
	if utils.FileExists(copyAbs) {
		return nil, nil, fmt.Errorf("%w: conflict copy %s exists", ErrConflictDetected, c.CopyPath)
	}
	r, l := c.Remote, c.Local
	if err := o.download(ctx, r.RemoteID, c.CopyPath, copyAbs, r.Fingerprint); err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(copyAbs)
	if err != nil {
		return nil, nil, localErr("stat", c.CopyPath, err)
	}

	entry := &index.Entry{
		Path:         c.Path,
		Fingerprint:  r.Fingerprint,
		Size:         r.Size,
		ModTime:      r.ModTime,
		RemoteID:     r.RemoteID,
		RemoteRev:    r.Revision,
		State:        index.StateConflict,
		ConflictSide: index.SideLocal,
	}
	push := []ChangeOp{
		{
			Kind:        OpUpdate,
			Side:        SideLocal,
			Path:        c.Path,
			Fingerprint: l.Fingerprint,
			Size:        l.Size,
			ModTime:     l.ModTime,
			RemoteID:    r.RemoteID,
			Conflict:    index.SideLocal,
		},
		{
			Kind:        OpCreate,
			Side:        SideLocal,
			Path:        c.CopyPath,
			Fingerprint: r.Fingerprint,
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			Conflict:    index.SideRemote,
		},
	}
	slog.Warn("sync conflict copy written", "group", o.opts.GroupID, "path", c.Path, "copy", c.CopyPath)
	return (&index.Mutation{}).Upsert(entry), push, nil
}

// download fetches remoteID into abs through the temp dir. The watcher is
// told to skip the echo of the final rename.
func (o *Orchestrator) download(ctx context.Context, remoteID, rel, abs, expected string) error {
	if remoteID == "" {
		return fmt.Errorf("download %s: no remote id", rel)
	}
	body, err := o.client.Download(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("download %s: %w", rel, err)
	}
	defer body.Close()

	o.watcher.IgnoreOnce(rel)
	_, size, err := writeFileVerified(ctx, o.tmpDir, abs, body, expected)
	if err != nil {
		// nothing landed at rel, the user's next event must get through
		o.watcher.Unignore(rel)
		return localErr("write", rel, err)
	}
	slog.Info("sync", "group", o.opts.GroupID, "op", "download", "path", rel, "size", humanize.Bytes(uint64(size)))
	return nil
}

// entryAt builds the clean (or conflict-tagged) index entry for the file now
// at abs and seeds the scanner cache with it.
func (o *Orchestrator) entryAt(ctx context.Context, op ChangeOp, abs string) (*index.Entry, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, localErr("stat", op.Path, err)
	}
	fp, _, err := HashFile(ctx, abs)
	if err != nil {
		return nil, localErr("hash", op.Path, err)
	}
	o.scanner.Remember(op.Path, info, fp)

	e := &index.Entry{
		Path:        op.Path,
		Fingerprint: fp,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		RemoteID:    op.RemoteID,
		RemoteRev:   op.Revision,
		State:       index.StateClean,
	}
	if op.Conflict != index.SideNone {
		e.State = index.StateConflict
		e.ConflictSide = op.Conflict
	}
	return e, nil
}
