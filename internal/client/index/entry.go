package index

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is the sync tag of an index entry.
type State string

const (
	// StateClean means local and remote agreed at the last commit.
	StateClean State = "clean"
	// StatePendingLocal marks a local change that failed to reach the remote.
	StatePendingLocal State = "pending-local"
	// StatePendingRemote marks a remote change that failed to apply locally.
	StatePendingRemote State = "pending-remote"
	// StateConflict marks an artifact of conflict resolution.
	StateConflict State = "conflict"
)

func (s State) Valid() bool {
	switch s {
	case StateClean, StatePendingLocal, StatePendingRemote, StateConflict:
		return true
	}
	return false
}

// ConflictSide records which side's content a conflict artifact holds.
type ConflictSide string

const (
	SideNone   ConflictSide = ""
	SideLocal  ConflictSide = "local"
	SideRemote ConflictSide = "remote"
)

// Entry is the last-known synced state of one file.
type Entry struct {
	Path         string
	Fingerprint  string
	Size         int64
	ModTime      time.Time
	RemoteID     string
	RemoteRev    int64
	State        State
	ConflictSide ConflictSide
}

func (e *Entry) Clone() *Entry {
	c := *e
	return &c
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s [%s] fp=%.12s rid=%s rev=%d", e.Path, e.State, e.Fingerprint, e.RemoteID, e.RemoteRev)
}

// dbEntry is the row form; times are stored as RFC3339Nano text.
type dbEntry struct {
	Path         string `db:"path"`
	Fingerprint  string `db:"fingerprint"`
	Size         int64  `db:"size"`
	ModTime      string `db:"mod_time"`
	RemoteID     string `db:"remote_id"`
	RemoteRev    int64  `db:"remote_rev"`
	State        string `db:"state"`
	ConflictSide string `db:"conflict_side"`
}

func toRow(e *Entry) dbEntry {
	state := e.State
	if state == "" {
		state = StateClean
	}
	return dbEntry{
		Path:         e.Path,
		Fingerprint:  e.Fingerprint,
		Size:         e.Size,
		ModTime:      e.ModTime.UTC().Format(time.RFC3339Nano),
		RemoteID:     e.RemoteID,
		RemoteRev:    e.RemoteRev,
		State:        string(state),
		ConflictSide: string(e.ConflictSide),
	}
}

func fromRow(r *dbEntry) (*Entry, error) {
	state := State(r.State)
	if !state.Valid() {
		return nil, fmt.Errorf("%w: entry %q has unknown state %q", ErrIndexCorrupt, r.Path, r.State)
	}
	side := ConflictSide(r.ConflictSide)
	if side != SideNone && side != SideLocal && side != SideRemote {
		return nil, fmt.Errorf("%w: entry %q has unknown conflict side %q", ErrIndexCorrupt, r.Path, r.ConflictSide)
	}
	modTime, err := time.Parse(time.RFC3339Nano, r.ModTime)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrIndexCorrupt, r.Path, err)
	}
	return &Entry{
		Path:         r.Path,
		Fingerprint:  r.Fingerprint,
		Size:         r.Size,
		ModTime:      modTime,
		RemoteID:     r.RemoteID,
		RemoteRev:    r.RemoteRev,
		State:        state,
		ConflictSide: side,
	}, nil
}

// Mutation is a set of index writes committed in one transaction.
type Mutation struct {
	Upserts []*Entry
	Removes []string
	Retries []*Retry
}

func (m *Mutation) Upsert(e *Entry) *Mutation {
	m.Upserts = append(m.Upserts, e)
	return m
}

func (m *Mutation) Remove(path string) *Mutation {
	m.Removes = append(m.Removes, path)
	return m
}

// Retry records a failed unit to be replayed by later cycles.
func (m *Mutation) Retry(r *Retry) *Mutation {
	m.Retries = append(m.Retries, r)
	return m
}

func (m *Mutation) Merge(other *Mutation) *Mutation {
	if other != nil {
		m.Upserts = append(m.Upserts, other.Upserts...)
		m.Removes = append(m.Removes, other.Removes...)
		m.Retries = append(m.Retries, other.Retries...)
	}
	return m
}

func (m *Mutation) Empty() bool {
	return m == nil || (len(m.Upserts) == 0 && len(m.Removes) == 0 && len(m.Retries) == 0)
}

// Snapshot is an immutable in-memory view of the index taken at one point in
// time. A sync cycle computes its deltas against a single snapshot.
type Snapshot struct {
	byPath   map[string]*Entry
	byRemote map[string]*Entry
	paths    []string
}

func NewSnapshot(entries []*Entry) *Snapshot {
	s := &Snapshot{
		byPath:   make(map[string]*Entry, len(entries)),
		byRemote: make(map[string]*Entry, len(entries)),
		paths:    make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		s.byPath[e.Path] = e
		if e.RemoteID != "" {
			s.byRemote[e.RemoteID] = e
		}
		s.paths = append(s.paths, e.Path)
	}
	sort.Strings(s.paths)
	return s
}

func (s *Snapshot) Get(path string) (*Entry, bool) {
	e, ok := s.byPath[path]
	return e, ok
}

func (s *Snapshot) ByRemoteID(id string) (*Entry, bool) {
	e, ok := s.byRemote[id]
	return e, ok
}

func (s *Snapshot) Len() int {
	return len(s.paths)
}

// Paths returns all indexed paths in sorted order.
func (s *Snapshot) Paths() []string {
	return s.paths
}

// Under returns the indexed paths equal to dir or nested below it.
func (s *Snapshot) Under(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	i := sort.SearchStrings(s.paths, prefix)
	var out []string
	for ; i < len(s.paths) && strings.HasPrefix(s.paths[i], prefix); i++ {
		out = append(out, s.paths[i])
	}
	if _, ok := s.byPath[dir]; ok {
		out = append(out, dir)
	}
	return out
}
