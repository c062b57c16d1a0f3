package sync

import (
	"context"
	"log/slog"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
)

// requeue marks every path with an outstanding local failure for observation
// in this cycle. Paths of remote failures are observed too, so that a local
// edit made meanwhile meets the replayed change in conflict resolution.
func (o *Orchestrator) requeue(snap *index.Snapshot, retries []*index.Retry) {
	for _, r := range retries {
		o.MarkDirty(r.Paths()...)
	}
	for _, p := range snap.Paths() {
		if e, _ := snap.Get(p); e.State == index.StatePendingLocal {
			o.pending.Add(p)
		}
	}
}

// replayRemote turns recorded remote failures, and pending-remote entries
// without a record, back into remote ops. Failures the feed delivered again
// in this batch are left to the feed. It also returns the records that no
// longer lead anywhere.
func (o *Orchestrator) replayRemote(snap *index.Snapshot, retries []*index.Retry, feed []ChangeOp) ([]ChangeOp, []string) {
	ids := mapset.NewThreadUnsafeSet[string]()
	paths := mapset.NewThreadUnsafeSet[string]()
	for _, op := range feed {
		if op.RemoteID != "" {
			ids.Add(op.RemoteID)
		}
		paths.Append(op.Paths()...)
	}

	var (
		ops  []ChangeOp
		drop []string
	)
	for _, r := range retries {
		if r.Side != index.RetryRemote || ids.Contains(r.RemoteID) || paths.Contains(r.Path) {
			continue
		}
		op, ok := replayOp(snap, r)
		if !ok || !o.ignore.Syncable(op.Path) {
			drop = append(drop, r.Path)
			continue
		}
		ids.Add(op.RemoteID)
		paths.Append(op.Paths()...)
		ops = append(ops, op)
	}

	for _, p := range snap.Paths() {
		e, _ := snap.Get(p)
		if e.State != index.StatePendingRemote || e.RemoteID == "" || ids.Contains(e.RemoteID) || paths.Contains(p) {
			continue
		}
		ops = append(ops, ChangeOp{
			Kind:     OpUpdate,
			Side:     SideRemote,
			Path:     p,
			RemoteID: e.RemoteID,
			Revision: e.RemoteRev,
		})
	}
	if len(ops) > 0 {
		slog.Debug("sync replaying failed remote changes", "group", o.opts.GroupID, "ops", ops)
	}
	return ops, drop
}

// replayOp rebuilds the op for a recorded remote failure against the current
// snapshot.
func replayOp(snap *index.Snapshot, r *index.Retry) (ChangeOp, bool) {
	if r.RemoteID == "" {
		return ChangeOp{}, false
	}
	entry, known := snap.ByRemoteID(r.RemoteID)
	if r.Deleted {
		if !known {
			return ChangeOp{}, false
		}
		return ChangeOp{
			Kind:        OpDelete,
			Side:        SideRemote,
			Path:        entry.Path,
			Fingerprint: entry.Fingerprint,
			RemoteID:    r.RemoteID,
			Revision:    r.RemoteRev,
		}, true
	}

	op := ChangeOp{
		Kind:        OpCreate,
		Side:        SideRemote,
		Path:        r.Path,
		Fingerprint: r.Fingerprint,
		Size:        r.Size,
		RemoteID:    r.RemoteID,
		Revision:    r.RemoteRev,
	}
	switch {
	case known && entry.Path != r.Path:
		op.Kind = OpMove
		op.FromPath = entry.Path
		if op.Fingerprint == "" {
			op.Fingerprint = entry.Fingerprint
			op.Size = entry.Size
		}
	case known:
		op.Kind = OpUpdate
	default:
		// the path may still hold the identity this change replaced
		if _, taken := snap.Get(r.Path); taken {
			op.Kind = OpUpdate
		}
	}
	return op, true
}

// settleLocal closes out local failures that this cycle's observation shows
// to be moot: the file was reverted to its indexed content, or a file that
// never reached the remote is gone again.
func (o *Orchestrator) settleLocal(ctx context.Context, snap *index.Snapshot, retries []*index.Retry, scan *ScanResult, ops []ChangeOp) []string {
	touched := mapset.NewThreadUnsafeSet[string]()
	for _, op := range ops {
		touched.Append(op.Paths()...)
	}
	quiet := func(p string) bool {
		_, failed := scan.Errors[p]
		return !failed && !touched.Contains(p)
	}

	var drop []string
	for _, r := range retries {
		if r.Side != index.RetryLocal {
			continue
		}
		if all(r.Paths(), quiet) {
			drop = append(drop, r.Path)
		}
	}

	remoteFailed := mapset.NewThreadUnsafeSet[string]()
	for _, r := range retries {
		if r.Side == index.RetryRemote {
			remoteFailed.Append(r.Paths()...)
		}
	}
	m := &index.Mutation{}
	for _, p := range snap.Paths() {
		e, _ := snap.Get(p)
		if e.State != index.StatePendingLocal || !quiet(p) || remoteFailed.Contains(p) {
			continue
		}
		if obs, ok := scan.Observations[p]; ok && obs.Exists && obs.Fingerprint == e.Fingerprint {
			e = e.Clone()
			e.State = index.StateClean
			m.Upsert(e)
		}
	}
	if err := o.index().Apply(ctx, m); err != nil {
		slog.Warn("sync settle pending entries", "group", o.opts.GroupID, "error", err)
	}
	return drop
}

func (o *Orchestrator) dropRetries(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	if err := o.index().DropRetries(ctx, paths...); err != nil {
		slog.Warn("sync drop retries", "group", o.opts.GroupID, "paths", paths, "error", err)
		return
	}
	slog.Debug("sync retries settled", "group", o.opts.GroupID, "paths", paths)
}

// remoteRetry records the remote change behind a failed unit.
func (u *applyUnit) remoteRetry(err error) *index.Retry {
	op := u.op
	if u.conflict != nil {
		op = u.conflict.Remote
		op.Path = u.conflict.Path
	}
	return &index.Retry{
		Path:        op.Path,
		Side:        index.RetryRemote,
		FromPath:    op.FromPath,
		Deleted:     op.Kind == OpDelete,
		RemoteID:    op.RemoteID,
		RemoteRev:   op.Revision,
		Fingerprint: op.Fingerprint,
		Size:        op.Size,
		LastError:   err.Error(),
	}
}

// localRetry records a local op that could not be pushed.
func localRetry(op ChangeOp, err error) *index.Retry {
	r := &index.Retry{
		Path:        op.Path,
		Side:        index.RetryLocal,
		Deleted:     op.Kind == OpDelete,
		RemoteID:    op.RemoteID,
		Fingerprint: op.Fingerprint,
		Size:        op.Size,
		LastError:   err.Error(),
	}
	if op.Kind == OpMove {
		r.FromPath = op.FromPath
	}
	return r
}

func all(paths []string, pred func(string) bool) bool {
	for _, p := range paths {
		if !pred(p) {
			return false
		}
	}
	return true
}
