package sync

import (
	"slices"
	"sync"
)

// PathLocks serialises units that touch the same relative path. Units that
// touch several paths (moves) take their locks in sorted order.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

// Lock blocks until every path is held and returns the matching unlock.
func (l *PathLocks) Lock(paths ...string) (unlock func()) {
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*pathLock, 0, len(sorted))
	for _, p := range sorted {
		pl := l.acquire(p)
		pl.mu.Lock()
		held = append(held, pl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(sorted[i])
		}
	}
}

func (l *PathLocks) acquire(p string) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.locks[p]
	if !ok {
		pl = &pathLock{}
		l.locks[p] = pl
	}
	pl.refs++
	return pl
}

func (l *PathLocks) release(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl := l.locks[p]
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, p)
	}
}

// Len is the number of paths currently locked or waited on.
func (l *PathLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
