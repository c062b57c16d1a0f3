package sync

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
)

const conflictTimeLayout = "20060102150405"

// Conflict is a path both sides changed to different outcomes. For
// content/content conflicts CopyPath receives the remote content and Path
// keeps the local one.
type Conflict struct {
	Path     string
	CopyPath string
	Local    ChangeOp
	Remote   ChangeOp
}

func (c Conflict) String() string {
	if c.CopyPath != "" {
		return fmt.Sprintf("%s: local %s / remote %s, remote copy at %s", c.Path, c.Local.Kind, c.Remote.Kind, c.CopyPath)
	}
	return fmt.Sprintf("%s: local %s / remote %s", c.Path, c.Local.Kind, c.Remote.Kind)
}

// Resolution is the outcome of resolving one cycle's local and remote ops.
//
// Apply holds remote-side ops to carry out locally, Push holds local-side ops
// to send to the remote. Conflicts with a CopyPath are carried out by the
// orchestrator: it materialises the remote content at CopyPath and only then
// pushes both paths. Discharged lists paths where both sides already agree.
type Resolution struct {
	Apply      []ChangeOp
	Push       []ChangeOp
	Conflicts  []Conflict
	Discharged []string
}

// ResolveConflicts pairs up local and remote ops touching the same path.
// Overlapping moves are first decomposed into a Delete and a Create so every
// remaining overlap is between two single-path ops. taken reports whether a
// candidate conflict path is already in use.
func ResolveConflicts(local, remote []ChangeOp, now time.Time, taken func(string) bool) *Resolution {
	local = decomposeMoves(local, touchedPaths(remote))
	remote = decomposeMoves(remote, touchedPaths(local))

	remoteByPath := make(map[string]ChangeOp, len(remote))
	for _, op := range remote {
		remoteByPath[op.Path] = op
	}

	used := make(map[string]bool)
	isTaken := func(p string) bool {
		if used[p] {
			return true
		}
		if _, ok := remoteByPath[p]; ok {
			return true
		}
		return taken != nil && taken(p)
	}

	res := &Resolution{}
	matched := make(map[string]bool)

	for _, l := range local {
		r, overlap := remoteByPath[l.Path]
		if !overlap || l.Kind == OpMove {
			res.Push = append(res.Push, l)
			continue
		}
		matched[l.Path] = true

		switch {
		case l.Kind == OpDelete && r.Kind == OpDelete:
			res.Apply = append(res.Apply, r)
			res.Discharged = append(res.Discharged, l.Path)

		case l.HasContent() && r.HasContent() && l.Fingerprint == r.Fingerprint:
			res.Apply = append(res.Apply, r)
			res.Discharged = append(res.Discharged, l.Path)

		case l.HasContent() && r.HasContent():
			c := Conflict{
				Path:     l.Path,
				CopyPath: ConflictPath(l.Path, now, isTaken),
				Local:    l,
				Remote:   r,
			}
			used[c.CopyPath] = true
			res.Conflicts = append(res.Conflicts, c)
			slog.Warn("sync conflict", "path", c.Path, "copy", c.CopyPath, "local", l.Fingerprint, "remote", r.Fingerprint)

		case l.Kind == OpDelete:
			// local delete loses against remote content
			r.Conflict = index.SideRemote
			res.Apply = append(res.Apply, r)
			res.Conflicts = append(res.Conflicts, Conflict{Path: l.Path, Local: l, Remote: r})
			slog.Warn("sync conflict, restoring remote content", "path", l.Path)

		default:
			// remote delete loses against local content
			l.Kind = OpCreate
			l.RemoteID = ""
			l.Conflict = index.SideLocal
			res.Push = append(res.Push, l)
			res.Conflicts = append(res.Conflicts, Conflict{Path: l.Path, Local: l, Remote: r})
			slog.Warn("sync conflict, re-uploading local content", "path", l.Path)
		}
	}

	for _, r := range remote {
		if !matched[r.Path] {
			res.Apply = append(res.Apply, r)
		}
	}

	sortOps(res.Apply)
	sortOps(res.Push)
	return res
}

func touchedPaths(ops []ChangeOp) map[string]bool {
	out := make(map[string]bool, len(ops))
	for _, op := range ops {
		for _, p := range op.Paths() {
			out[p] = true
		}
	}
	return out
}

// decomposeMoves splits every move touching one of the given paths into a
// Delete of its source and a Create of its target.
func decomposeMoves(ops []ChangeOp, other map[string]bool) []ChangeOp {
	out := make([]ChangeOp, 0, len(ops))
	for _, op := range ops {
		if op.Kind != OpMove || (!other[op.FromPath] && !other[op.Path]) {
			out = append(out, op)
			continue
		}
		out = append(out,
			ChangeOp{
				Kind:     OpDelete,
				Side:     op.Side,
				Path:     op.FromPath,
				RemoteID: op.RemoteID,
				Revision: op.Revision,
			},
			ChangeOp{
				Kind:        OpCreate,
				Side:        op.Side,
				Path:        op.Path,
				Fingerprint: op.Fingerprint,
				Size:        op.Size,
				ModTime:     op.ModTime,
				RemoteID:    remoteIDForCreate(op),
				Revision:    op.Revision,
			},
		)
	}
	return out
}

// a local create must not claim the identity of the file it was moved from
func remoteIDForCreate(op ChangeOp) string {
	if op.Side == SideLocal {
		return ""
	}
	return op.RemoteID
}

// ConflictPath returns the path the incoming side of a conflict on p is
// written to: "name.conflict.ext", then "name.conflict.<timestamp>.ext", then
// numbered variants of the latter.
func ConflictPath(p string, now time.Time, taken func(string) bool) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if name == "" {
		// dotfile such as ".env"
		name, ext = base, ""
	}

	candidate := dir + name + ".conflict" + ext
	if taken == nil || !taken(candidate) {
		return candidate
	}
	stamp := now.UTC().Format(conflictTimeLayout)
	candidate = dir + name + ".conflict." + stamp + ext
	for i := 2; taken(candidate); i++ {
		candidate = fmt.Sprintf("%s%s.conflict.%s-%d%s", dir, name, stamp, i, ext)
	}
	return candidate
}
