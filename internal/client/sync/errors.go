package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
)

var (
	ErrCycleActive      = errors.New("sync cycle already active")
	ErrHalted           = errors.New("sync halted")
	ErrStopped          = errors.New("sync stopped")
	ErrWatcherOverflow  = errors.New("watcher overflow")
	ErrConflictDetected = errors.New("conflict detected")
	ErrFingerprint      = errors.New("fingerprint mismatch")
)

// LocalIOError is a filesystem failure on a single path. It never aborts a
// cycle; the path is retried on a later one.
type LocalIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *LocalIOError) Error() string {
	return fmt.Sprintf("local %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *LocalIOError) Unwrap() error {
	return e.Err
}

func localErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &LocalIOError{Op: op, Path: path, Err: err}
}

// ErrorClass groups errors by how the engine reacts to them.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassCanceled
	ClassTransient
	ClassAuth
	ClassIndexCorrupt
	ClassWatcherOverflow
	ClassConflict
	ClassLocalIO
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassCanceled:
		return "canceled"
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassIndexCorrupt:
		return "index-corrupt"
	case ClassWatcherOverflow:
		return "watcher-overflow"
	case ClassConflict:
		return "conflict"
	case ClassLocalIO:
		return "local-io"
	case ClassPermanent:
		return "permanent"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Classify maps err onto the engine's error taxonomy. Order matters: an auth
// failure wrapped inside a local error is still an auth failure.
func Classify(err error) ErrorClass {
	var localIO *LocalIOError
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	case remote.IsAuth(err):
		return ClassAuth
	case errors.Is(err, index.ErrIndexCorrupt):
		return ClassIndexCorrupt
	case remote.IsTransient(err):
		return ClassTransient
	case errors.Is(err, ErrWatcherOverflow):
		return ClassWatcherOverflow
	case errors.Is(err, ErrConflictDetected):
		return ClassConflict
	case errors.As(err, &localIO):
		return ClassLocalIO
	}
	return ClassPermanent
}
