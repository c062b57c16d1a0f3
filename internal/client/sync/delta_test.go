package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
)

func entry(path, fp, rid string) *index.Entry {
	return &index.Entry{Path: path, Fingerprint: fp, Size: int64(len(fp)), RemoteID: rid, State: index.StateClean}
}

func present(path, fp string) *Observation {
	return &Observation{Path: path, Exists: true, Fingerprint: fp, Size: int64(len(fp)), ModTime: time.Unix(0, 0)}
}

func gone(path string) *Observation {
	return &Observation{Path: path}
}

func scanOf(obs ...*Observation) *ScanResult {
	res := newScanResult()
	for _, o := range obs {
		res.Observations[o.Path] = o
	}
	return res
}

func TestComputeLocalDelta(t *testing.T) {
	cases := []struct {
		name   string
		index  []*index.Entry
		obs    []*Observation
		expect []ChangeOp
	}{
		{
			name:   "new file is a create",
			obs:    []*Observation{present("a.txt", "h1")},
			expect: []ChangeOp{{Kind: OpCreate, Path: "a.txt", Fingerprint: "h1"}},
		},
		{
			name:   "changed content is an update",
			index:  []*index.Entry{entry("a.txt", "h1", "r1")},
			obs:    []*Observation{present("a.txt", "h2")},
			expect: []ChangeOp{{Kind: OpUpdate, Path: "a.txt", Fingerprint: "h2", RemoteID: "r1"}},
		},
		{
			name:  "same content is nothing",
			index: []*index.Entry{entry("a.txt", "h1", "r1")},
			obs:   []*Observation{present("a.txt", "h1")},
		},
		{
			name:   "vanished file is a delete",
			index:  []*index.Entry{entry("a.txt", "h1", "r1")},
			obs:    []*Observation{gone("a.txt")},
			expect: []ChangeOp{{Kind: OpDelete, Path: "a.txt", Fingerprint: "h1", RemoteID: "r1"}},
		},
		{
			name: "vanished unknown file is nothing",
			obs:  []*Observation{gone("a.txt")},
		},
		{
			name:   "delete plus create of the same content is a move",
			index:  []*index.Entry{entry("a.txt", "h1", "r1")},
			obs:    []*Observation{gone("a.txt"), present("dir/b.txt", "h1")},
			expect: []ChangeOp{{Kind: OpMove, FromPath: "a.txt", Path: "dir/b.txt", Fingerprint: "h1", RemoteID: "r1"}},
		},
		{
			name:  "entry without remote id never moves",
			index: []*index.Entry{entry("a.txt", "h1", "")},
			obs:   []*Observation{gone("a.txt"), present("b.txt", "h1")},
			expect: []ChangeOp{
				{Kind: OpDelete, Path: "a.txt", Fingerprint: "h1"},
				{Kind: OpCreate, Path: "b.txt", Fingerprint: "h1"},
			},
		},
		{
			name:  "moves pair one to one in path order",
			index: []*index.Entry{entry("a1", "same", "r1"), entry("a2", "same", "r2")},
			obs:   []*Observation{gone("a1"), gone("a2"), present("b1", "same"), present("b2", "same"), present("b3", "same")},
			expect: []ChangeOp{
				{Kind: OpMove, FromPath: "a1", Path: "b1", Fingerprint: "same", RemoteID: "r1"},
				{Kind: OpMove, FromPath: "a2", Path: "b2", Fingerprint: "same", RemoteID: "r2"},
				{Kind: OpCreate, Path: "b3", Fingerprint: "same"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ops := ComputeLocalDelta(scanOf(tc.obs...), index.NewSnapshot(tc.index))
			require.Len(t, ops, len(tc.expect))
			for i, want := range tc.expect {
				got := ops[i]
				assert.Equal(t, SideLocal, got.Side)
				assert.Equal(t, want.Kind, got.Kind, "op %d", i)
				assert.Equal(t, want.Path, got.Path, "op %d", i)
				assert.Equal(t, want.FromPath, got.FromPath, "op %d", i)
				assert.Equal(t, want.Fingerprint, got.Fingerprint, "op %d", i)
				assert.Equal(t, want.RemoteID, got.RemoteID, "op %d", i)
			}
		})
	}
}

func rc(rev int64, action remote.Action, id, path, hash string) remote.Change {
	return remote.Change{Revision: rev, Action: action, RemoteID: id, Path: path, Fingerprint: hash, Size: int64(len(hash))}
}

func TestComputeRemoteDelta(t *testing.T) {
	cases := []struct {
		name     string
		index    []*index.Entry
		changes  []remote.Change
		syncable func(string) bool
		expect   []ChangeOp
	}{
		{
			name:    "create then update collapses to one create",
			changes: []remote.Change{rc(1, remote.ActionCreate, "r1", "a.txt", "h1"), rc(2, remote.ActionUpdate, "r1", "a.txt", "h2")},
			expect:  []ChangeOp{{Kind: OpCreate, Path: "a.txt", Fingerprint: "h2", RemoteID: "r1", Revision: 2}},
		},
		{
			name:    "create then delete is nothing",
			changes: []remote.Change{rc(1, remote.ActionCreate, "r1", "a.txt", "h1"), rc(2, remote.ActionDelete, "r1", "a.txt", "")},
		},
		{
			name:    "update of known file",
			index:   []*index.Entry{entry("a.txt", "h1", "r1")},
			changes: []remote.Change{rc(5, remote.ActionUpdate, "r1", "a.txt", "h2")},
			expect:  []ChangeOp{{Kind: OpUpdate, Path: "a.txt", Fingerprint: "h2", RemoteID: "r1", Revision: 5}},
		},
		{
			name:    "echo of an applied change is nothing",
			index:   []*index.Entry{entry("a.txt", "h1", "r1")},
			changes: []remote.Change{rc(5, remote.ActionUpdate, "r1", "a.txt", "h1")},
		},
		{
			name:    "delete of known file",
			index:   []*index.Entry{entry("a.txt", "h1", "r1")},
			changes: []remote.Change{rc(3, remote.ActionDelete, "r1", "a.txt", "")},
			expect:  []ChangeOp{{Kind: OpDelete, Path: "a.txt", Fingerprint: "h1", RemoteID: "r1", Revision: 3}},
		},
		{
			name:    "same id at a new path is a move",
			index:   []*index.Entry{entry("a.txt", "h1", "r1")},
			changes: []remote.Change{rc(4, remote.ActionMove, "r1", "x/b.txt", "h1")},
			expect:  []ChangeOp{{Kind: OpMove, FromPath: "a.txt", Path: "x/b.txt", Fingerprint: "h1", RemoteID: "r1", Revision: 4}},
		},
		{
			name:  "move chain follows the id and keeps the new content",
			index: []*index.Entry{entry("a.txt", "h1", "r1")},
			changes: []remote.Change{
				rc(4, remote.ActionMove, "r1", "b.txt", "h1"),
				rc(5, remote.ActionUpdate, "r1", "b.txt", "h2"),
				rc(6, remote.ActionMove, "r1", "c.txt", "h2"),
			},
			expect: []ChangeOp{{Kind: OpMove, FromPath: "a.txt", Path: "c.txt", Fingerprint: "h2", RemoteID: "r1", Revision: 6}},
		},
		{
			name:  "replacement with a new identity is an update",
			index: []*index.Entry{entry("a.txt", "h1", "r1")},
			changes: []remote.Change{
				rc(2, remote.ActionDelete, "r1", "a.txt", ""),
				rc(3, remote.ActionCreate, "r2", "a.txt", "h2"),
			},
			expect: []ChangeOp{{Kind: OpUpdate, Path: "a.txt", Fingerprint: "h2", RemoteID: "r2", Revision: 3}},
		},
		{
			name:     "move into an excluded path deletes locally",
			index:    []*index.Entry{entry("a.txt", "h1", "r1")},
			changes:  []remote.Change{rc(2, remote.ActionMove, "r1", "node_modules/a.txt", "h1")},
			syncable: func(p string) bool { return p != "node_modules/a.txt" },
			expect:   []ChangeOp{{Kind: OpDelete, Path: "a.txt", Fingerprint: "h1", RemoteID: "r1", Revision: 2}},
		},
		{
			name: "paths escaping the root are dropped",
			changes: []remote.Change{
				rc(1, remote.ActionCreate, "r1", "../evil.txt", "h1"),
				rc(2, remote.ActionCreate, "r2", ".xynoxa/tmp/x", "h2"),
				rc(3, remote.ActionCreate, "r3", "/ok.txt", "h3"),
			},
			expect: []ChangeOp{{Kind: OpCreate, Path: "ok.txt", Fingerprint: "h3", RemoteID: "r3", Revision: 3}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ops := ComputeRemoteDelta(tc.changes, index.NewSnapshot(tc.index), tc.syncable)
			require.Len(t, ops, len(tc.expect), "ops: %v", ops)
			for i, want := range tc.expect {
				got := ops[i]
				assert.Equal(t, SideRemote, got.Side)
				assert.Equal(t, want.Kind, got.Kind, "op %d", i)
				assert.Equal(t, want.Path, got.Path, "op %d", i)
				assert.Equal(t, want.FromPath, got.FromPath, "op %d", i)
				assert.Equal(t, want.Fingerprint, got.Fingerprint, "op %d", i)
				assert.Equal(t, want.RemoteID, got.RemoteID, "op %d", i)
				assert.Equal(t, want.Revision, got.Revision, "op %d", i)
			}
		})
	}
}
