package sync

import (
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
)

// ComputeLocalDelta diffs a set of observations against the index snapshot.
// A vanished path and a new path with the same fingerprint are reported as a
// single Move; pairing is one-to-one in sorted path order.
func ComputeLocalDelta(res *ScanResult, snap *index.Snapshot) []ChangeOp {
	var ops, creates, deletes []ChangeOp

	for _, p := range res.Paths() {
		obs := res.Observations[p]
		entry, known := snap.Get(p)

		switch {
		case obs.Exists && !known:
			creates = append(creates, ChangeOp{
				Kind:        OpCreate,
				Side:        SideLocal,
				Path:        p,
				Fingerprint: obs.Fingerprint,
				Size:        obs.Size,
				ModTime:     obs.ModTime,
			})
		case obs.Exists && entry.Fingerprint != obs.Fingerprint:
			ops = append(ops, ChangeOp{
				Kind:        OpUpdate,
				Side:        SideLocal,
				Path:        p,
				Fingerprint: obs.Fingerprint,
				Size:        obs.Size,
				ModTime:     obs.ModTime,
				RemoteID:    entry.RemoteID,
			})
		case !obs.Exists && known:
			deletes = append(deletes, ChangeOp{
				Kind:        OpDelete,
				Side:        SideLocal,
				Path:        p,
				Fingerprint: entry.Fingerprint,
				RemoteID:    entry.RemoteID,
			})
		}
	}

	// fingerprint -> indexes of unpaired creates, in path order
	pending := make(map[string][]int)
	for i, c := range creates {
		pending[c.Fingerprint] = append(pending[c.Fingerprint], i)
	}
	paired := make(map[int]bool)

	for _, d := range deletes {
		candidates := pending[d.Fingerprint]
		if d.RemoteID == "" || len(candidates) == 0 {
			ops = append(ops, d)
			continue
		}
		c := creates[candidates[0]]
		pending[d.Fingerprint] = candidates[1:]
		paired[candidates[0]] = true
		ops = append(ops, ChangeOp{
			Kind:        OpMove,
			Side:        SideLocal,
			FromPath:    d.Path,
			Path:        c.Path,
			Fingerprint: c.Fingerprint,
			Size:        c.Size,
			ModTime:     c.ModTime,
			RemoteID:    d.RemoteID,
		})
	}
	for i, c := range creates {
		if !paired[i] {
			ops = append(ops, c)
		}
	}

	sortOps(ops)
	return ops
}

// remoteState is the final state of one remote file after collapsing a feed
// batch.
type remoteState struct {
	id          string
	path        string
	fingerprint string
	size        int64
	change      remote.Change
	deleted     bool
}

// ComputeRemoteDelta collapses a batch of feed records to a final state per
// remote id and diffs that against the index snapshot. Records for paths
// rejected by syncable are treated as if the file did not exist.
func ComputeRemoteDelta(changes []remote.Change, snap *index.Snapshot, syncable func(string) bool) []ChangeOp {
	states := make(map[string]*remoteState)
	var order []string

	for _, ch := range changes {
		if ch.RemoteID == "" {
			slog.Warn("remote change without id", "revision", ch.Revision, "action", ch.Action)
			continue
		}
		st, ok := states[ch.RemoteID]
		if !ok {
			st = &remoteState{id: ch.RemoteID}
			states[ch.RemoteID] = st
			order = append(order, ch.RemoteID)
		}
		st.change = ch

		switch ch.Action {
		case remote.ActionDelete:
			st.deleted = true
			continue
		case remote.ActionCreate, remote.ActionUpdate, remote.ActionMove:
		default:
			slog.Warn("unknown remote action", "revision", ch.Revision, "action", ch.Action)
			continue
		}

		p, ok := cleanRemotePath(ch.Path)
		if !ok {
			slog.Warn("remote change with invalid path", "revision", ch.Revision, "path", ch.Path)
			st.deleted = true
			continue
		}
		st.deleted = false
		st.path = p
		if ch.Fingerprint != "" {
			st.fingerprint = ch.Fingerprint
			st.size = ch.Size
		}
	}

	var ops []ChangeOp
	for _, id := range order {
		st := states[id]
		entry, known := snap.ByRemoteID(id)
		alive := !st.deleted && (syncable == nil || syncable(st.path))

		switch {
		case !alive && known:
			ops = append(ops, ChangeOp{
				Kind:        OpDelete,
				Side:        SideRemote,
				Path:        entry.Path,
				Fingerprint: entry.Fingerprint,
				RemoteID:    id,
				Revision:    st.change.Revision,
			})
		case !alive:
			// created and removed within the batch, or never relevant here
		case !known:
			ops = append(ops, st.op(OpCreate))
		case entry.Path != st.path:
			op := st.op(OpMove)
			op.FromPath = entry.Path
			if op.Fingerprint == "" {
				op.Fingerprint = entry.Fingerprint
				op.Size = entry.Size
			}
			ops = append(ops, op)
		case st.fingerprint != "" && st.fingerprint != entry.Fingerprint:
			ops = append(ops, st.op(OpUpdate))
		case entry.State == index.StatePendingRemote:
			// replay of a unit that failed to apply last time
			op := st.op(OpUpdate)
			if op.Fingerprint == "" {
				op.Fingerprint = entry.Fingerprint
			}
			ops = append(ops, op)
		}
	}

	ops = mergeReplacements(ops)
	sortOps(ops)
	return ops
}

func (st *remoteState) op(kind OpKind) ChangeOp {
	return ChangeOp{
		Kind:        kind,
		Side:        SideRemote,
		Path:        st.path,
		Fingerprint: st.fingerprint,
		Size:        st.size,
		ModTime:     st.change.ModTime,
		RemoteID:    st.id,
		Revision:    st.change.Revision,
	}
}

// mergeReplacements folds a Delete and a Create of the same path (the remote
// replaced the file with a new identity) into one Update.
func mergeReplacements(ops []ChangeOp) []ChangeOp {
	created := make(map[string]int)
	for i, op := range ops {
		if op.Kind == OpCreate {
			created[op.Path] = i
		}
	}
	drop := make(map[int]bool)
	for _, op := range ops {
		if op.Kind != OpDelete {
			continue
		}
		i, ok := created[op.Path]
		if !ok {
			continue
		}
		ops[i].Kind = OpUpdate
		if op.Revision > ops[i].Revision {
			ops[i].Revision = op.Revision
		}
		for j := range ops {
			if ops[j].Kind == OpDelete && ops[j].Path == op.Path {
				drop[j] = true
			}
		}
	}
	out := ops[:0]
	for i, op := range ops {
		if !drop[i] {
			out = append(out, op)
		}
	}
	return out
}

// cleanRemotePath normalises a feed path to the slash-separated relative form
// used by the index and rejects anything that would escape the root.
func cleanRemotePath(p string) (string, bool) {
	p = strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" {
		return "", false
	}
	p = path.Clean(p)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == InternalDir {
			return "", false
		}
	}
	return p, true
}

func sortOps(ops []ChangeOp) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		return ops[i].FromPath < ops[j].FromPath
	})
}
