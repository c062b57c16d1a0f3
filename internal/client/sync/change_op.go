package sync

import (
	"fmt"
	"time"

	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
)

// OpKind is the tag of a ChangeOp.
type OpKind int

const (
	OpCreate OpKind = iota
	OpUpdate
	OpMove
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpMove:
		return "move"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Side says where a change was observed.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

func (s Side) String() string {
	if s == SideRemote {
		return "remote"
	}
	return "local"
}

// ChangeOp is a single change to propagate. Which fields are meaningful
// depends on Kind:
//
//	Create, Update: Path, Fingerprint, Size, ModTime (+ RemoteID on the remote side)
//	Move:           FromPath -> Path, Fingerprint of the content at Path, RemoteID
//	Delete:         Path, RemoteID when known
type ChangeOp struct {
	Kind        OpKind
	Side        Side
	Path        string
	FromPath    string
	Fingerprint string
	Size        int64
	ModTime     time.Time
	RemoteID    string
	Revision    int64

	// Conflict tags the index entry written when this op commits as a
	// conflict artifact holding the given side's content.
	Conflict index.ConflictSide
}

func (op ChangeOp) String() string {
	if op.Kind == OpMove {
		return fmt.Sprintf("%s %s %s -> %s", op.Side, op.Kind, op.FromPath, op.Path)
	}
	return fmt.Sprintf("%s %s %s", op.Side, op.Kind, op.Path)
}

// Paths returns every path the op touches.
func (op ChangeOp) Paths() []string {
	if op.Kind == OpMove {
		return []string{op.FromPath, op.Path}
	}
	return []string{op.Path}
}

// HasContent reports whether the op carries file content to transfer.
func (op ChangeOp) HasContent() bool {
	switch op.Kind {
	case OpCreate, OpUpdate:
		return true
	case OpMove, OpDelete:
		return false
	}
	panic(fmt.Sprintf("unknown op kind %d", op.Kind))
}

// applyPriority orders work within a batch: moves free their source paths
// before deletes, and both run before anything is written.
func (op ChangeOp) applyPriority() int {
	switch op.Kind {
	case OpMove:
		return 0
	case OpDelete:
		return 1
	case OpUpdate:
		return 2
	case OpCreate:
		return 3
	}
	panic(fmt.Sprintf("unknown op kind %d", op.Kind))
}
