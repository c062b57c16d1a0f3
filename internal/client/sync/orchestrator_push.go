package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
	"github.com/xynoxa/xynoxa-desktop/internal/queue"
)

// push sends local ops to the remote in the same band order as apply. Every
// acknowledgement is committed on its own; a failed op leaves its entry
// pending-local and a retry record that requeues its paths every cycle.
func (o *Orchestrator) push(ctx context.Context, ops []ChangeOp, report *CycleReport, errs *unitErrors) {
	if len(ops) == 0 {
		return
	}
	pq := queue.NewPriorityQueue[ChangeOp]()
	for _, op := range ops {
		pq.Enqueue(op, op.applyPriority())
	}

	var mu sync.Mutex
	for pq.Len() > 0 {
		band, _ := pq.DequeueBand()
		err := o.pool.Each(ctx, len(band), func(ctx context.Context, i int) {
			op := band[i]
			var err error
			if errs.fatal() {
				err = errSkipped
			} else {
				err = o.pushOne(ctx, op)
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				report.Pushed++
				return
			}
			report.Failed++
			o.failPush(ctx, op, err, errs)
		})
		if err != nil {
			// stopped; whatever did not run is observed again next time
			for _, op := range append(band, pq.DequeueAll()...) {
				o.MarkDirty(op.Paths()...)
			}
			return
		}
	}
}

func (o *Orchestrator) pushOne(ctx context.Context, op ChangeOp) error {
	unlock := o.locks.Lock(op.Paths()...)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range op.Paths() {
		o.status.SetSyncing(p, SideLocal)
	}

	var err error
	switch op.Kind {
	case OpCreate, OpUpdate:
		err = o.pushWrite(ctx, op)
	case OpDelete:
		err = o.pushDelete(ctx, op)
	case OpMove:
		err = o.pushMove(ctx, op)
	}
	if err == nil {
		o.settle(op.Conflict, op.Paths()...)
	}
	return err
}

func (o *Orchestrator) pushWrite(ctx context.Context, op ChangeOp) error {
	abs, err := o.abs(op.Path)
	if err != nil {
		return err
	}
	f, err := os.Open(abs)
	if err != nil {
		return localErr("open", op.Path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return localErr("stat", op.Path, err)
	}

	ack, err := o.opts.Upload.Upload(ctx, o.client, &remote.UploadRequest{
		Folder:      o.opts.RemoteFolder,
		Path:        op.Path,
		Body:        f,
		Size:        info.Size(),
		Fingerprint: op.Fingerprint,
		ModTime:     info.ModTime(),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", op.Path, err)
	}

	fp := ack.Fingerprint
	if fp == "" {
		fp = op.Fingerprint
	}
	e := &index.Entry{
		Path:         op.Path,
		Fingerprint:  fp,
		Size:         info.Size(),
		ModTime:      info.ModTime(),
		RemoteID:     ack.RemoteID,
		RemoteRev:    ack.Revision,
		State:        index.StateClean,
		ConflictSide: op.Conflict,
	}
	if op.Conflict != index.SideNone {
		e.State = index.StateConflict
	}
	o.scanner.Remember(op.Path, info, fp)
	slog.Info("sync", "group", o.opts.GroupID, "op", "upload", "path", op.Path, "size", humanize.Bytes(uint64(info.Size())), "revision", ack.Revision)
	return o.commitAck(ctx, (&index.Mutation{}).Upsert(e), ack.Revision)
}

func (o *Orchestrator) pushDelete(ctx context.Context, op ChangeOp) error {
	m := (&index.Mutation{}).Remove(op.Path)
	if op.RemoteID == "" {
		return o.index().Apply(context.WithoutCancel(ctx), m)
	}
	ack, err := o.client.DeleteRemote(ctx, op.RemoteID)
	if errors.Is(err, remote.ErrNotFound) {
		// already gone remotely
		return o.index().Apply(context.WithoutCancel(ctx), m)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", op.Path, err)
	}
	slog.Info("sync", "group", o.opts.GroupID, "op", "delete remote", "path", op.Path, "revision", ack.Revision)
	return o.commitAck(ctx, m, ack.Revision)
}

func (o *Orchestrator) pushMove(ctx context.Context, op ChangeOp) error {
	ack, err := o.client.MoveRemote(ctx, op.RemoteID, op.Path)
	if errors.Is(err, remote.ErrNotFound) {
		// the source disappeared remotely, upload the content as new instead
		create := op
		create.Kind = OpCreate
		create.RemoteID = ""
		create.FromPath = ""
		if err := o.pushWrite(ctx, create); err != nil {
			return err
		}
		return o.index().Apply(context.WithoutCancel(ctx), (&index.Mutation{}).Remove(op.FromPath))
	}
	if err != nil {
		return fmt.Errorf("move %s: %w", op.FromPath, err)
	}

	fp := ack.Fingerprint
	if fp == "" {
		fp = op.Fingerprint
	}
	e := &index.Entry{
		Path:        op.Path,
		Fingerprint: fp,
		Size:        op.Size,
		ModTime:     op.ModTime,
		RemoteID:    op.RemoteID,
		RemoteRev:   ack.Revision,
		State:       index.StateClean,
	}
	slog.Info("sync", "group", o.opts.GroupID, "op", "move remote", "from", op.FromPath, "to", op.Path, "revision", ack.Revision)
	return o.commitAck(ctx, (&index.Mutation{}).Remove(op.FromPath).Upsert(e), ack.Revision)
}

func (o *Orchestrator) commitAck(ctx context.Context, m *index.Mutation, rev int64) error {
	advanced, err := o.index().CommitAck(context.WithoutCancel(ctx), m, rev)
	if err != nil {
		return err
	}
	if !advanced {
		slog.Debug("sync ack out of order, cursor held", "group", o.opts.GroupID, "revision", rev)
	}
	return nil
}

func (o *Orchestrator) failPush(ctx context.Context, op ChangeOp, err error, errs *unitErrors) {
	errs.record(err)
	if errors.Is(err, errSkipped) || Classify(err) == ClassCanceled {
		o.MarkDirty(op.Paths()...)
		return
	}

	class := Classify(err)
	count := o.status.SetError(op.Path, SideLocal, err)
	slog.Warn("sync push", "group", o.opts.GroupID, "op", op, "class", class, "attempt", count, "error", err)

	entryPath := op.Path
	if op.Kind == OpMove {
		entryPath = op.FromPath
	}
	m := o.pendingMutation(context.WithoutCancel(ctx), []string{entryPath}, index.StatePendingLocal)
	m.Retry(localRetry(op, err))
	if err := o.index().Apply(context.WithoutCancel(ctx), m); err != nil {
		errs.record(err)
	}

	if count < maxRetryCount || class == ClassTransient || class == ClassAuth {
		o.MarkDirty(op.Paths()...)
	}
}
