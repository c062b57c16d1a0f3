package sync

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// a path that failed this many times in a row stops holding the cursor
	maxRetryCount     = 3
	statusEventBuffer = 16
)

// TransferState is the per-path progress of the current or last unit.
type TransferState string

const (
	TransferPending   TransferState = "pending"
	TransferSyncing   TransferState = "syncing"
	TransferCompleted TransferState = "completed"
	TransferError     TransferState = "error"
)

// PathStatus is the live status of one path of a group folder.
type PathStatus struct {
	State       TransferState
	Side        Side
	Conflicted  bool
	Error       error
	ErrorCount  int
	LastUpdated time.Time
}

func (s *PathStatus) String() string {
	return fmt.Sprintf("state=%s side=%s conflicted=%t errors=%d err=%v", s.State, s.Side, s.Conflicted, s.ErrorCount, s.Error)
}

// StatusEvent is broadcast to subscribers on every path status change.
type StatusEvent struct {
	Path   string
	Status PathStatus
}

// SyncStatus tracks in-flight and failed paths. Completed clean paths are
// dropped, so the map only ever holds what is interesting to show.
type SyncStatus struct {
	mu    sync.RWMutex
	paths map[string]*PathStatus

	subMu sync.RWMutex
	subs  []chan StatusEvent
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{paths: make(map[string]*PathStatus)}
}

// Subscribe returns a channel of status events. Slow subscribers miss events
// rather than block the engine.
func (s *SyncStatus) Subscribe() <-chan StatusEvent {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	ch := make(chan StatusEvent, statusEventBuffer)
	s.subs = append(s.subs, ch)
	return ch
}

func (s *SyncStatus) Unsubscribe(ch <-chan StatusEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			close(sub)
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *SyncStatus) broadcast(path string, st *PathStatus) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	ev := StatusEvent{Path: path, Status: *st}
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

func (s *SyncStatus) getOrCreate(path string) *PathStatus {
	if st, ok := s.paths[path]; ok {
		return st
	}
	st := &PathStatus{State: TransferPending, LastUpdated: time.Now()}
	s.paths[path] = st
	return st
}

func (s *SyncStatus) SetSyncing(path string, side Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(path)
	st.State = TransferSyncing
	st.Side = side
	st.Error = nil
	st.LastUpdated = time.Now()
	s.broadcast(path, st)
}

// SetCompleted resets the error count. Conflicted paths stay tracked.
func (s *SyncStatus) SetCompleted(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(path)
	st.State = TransferCompleted
	st.Error = nil
	st.ErrorCount = 0
	st.LastUpdated = time.Now()
	s.broadcast(path, st)
	if !st.Conflicted {
		delete(s.paths, path)
	}
}

func (s *SyncStatus) SetConflicted(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(path)
	st.State = TransferCompleted
	st.Conflicted = true
	st.Error = nil
	st.LastUpdated = time.Now()
	s.broadcast(path, st)
}

// SetError records a failure and returns the consecutive failure count.
func (s *SyncStatus) SetError(path string, side Side, err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getOrCreate(path)
	st.State = TransferError
	st.Side = side
	st.Error = err
	st.ErrorCount++
	st.LastUpdated = time.Now()
	if st.ErrorCount == maxRetryCount {
		slog.Error("sync retry limit reached", "path", path, "side", side, "count", st.ErrorCount, "error", err)
	}
	s.broadcast(path, st)
	return st.ErrorCount
}

func (s *SyncStatus) ErrorCount(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.paths[path]; ok {
		return st.ErrorCount
	}
	return 0
}

// Exhausted reports whether path has used up its retries.
func (s *SyncStatus) Exhausted(path string) bool {
	return s.ErrorCount(path) >= maxRetryCount
}

func (s *SyncStatus) Get(path string) (PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.paths[path]
	if !ok {
		return PathStatus{}, false
	}
	return *st, true
}

// Snapshot returns a copy of every tracked path.
func (s *SyncStatus) Snapshot() map[string]PathStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PathStatus, len(s.paths))
	for p, st := range s.paths {
		out[p] = *st
	}
	return out
}

// Counts returns the number of syncing, failed and conflicted paths.
func (s *SyncStatus) Counts() (syncing, failed, conflicted int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.paths {
		switch st.State {
		case TransferSyncing:
			syncing++
		case TransferError:
			failed++
		}
		if st.Conflicted {
			conflicted++
		}
	}
	return
}

// Forget drops a path, e.g. after its conflict artifact was removed.
func (s *SyncStatus) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
}

func (s *SyncStatus) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil
}
