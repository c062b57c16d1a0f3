package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Action is the kind of change recorded in the remote change feed.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionMove   Action = "move"
	ActionDelete Action = "delete"
)

// Change is one entry of the remote change feed. Revision is the feed position
// and is strictly increasing within a folder.
type Change struct {
	Revision    int64     `json:"revision"`
	Action      Action    `json:"action"`
	RemoteID    string    `json:"id"`
	Path        string    `json:"path,omitempty"`
	Fingerprint string    `json:"hash,omitempty"`
	Size        int64     `json:"size,omitempty"`
	ModTime     time.Time `json:"mtime,omitempty"`
}

// ChangePage is one page of the change feed. Cursor is the position to resume
// from; HasMore is set when further pages are available right away.
type ChangePage struct {
	Changes []Change `json:"changes"`
	Cursor  int64    `json:"cursor"`
	HasMore bool     `json:"has_more"`
}

// Ack is the server's acknowledgement of a mutating call.
type Ack struct {
	RemoteID    string `json:"id"`
	Revision    int64  `json:"revision"`
	Fingerprint string `json:"hash,omitempty"`
}

type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// UploadRequest describes the content pushed to Upload. Body is read once per
// attempt; implementations rewind it when it is an io.Seeker.
type UploadRequest struct {
	Folder      string
	Path        string
	Body        io.Reader
	Size        int64
	Fingerprint string
	ModTime     time.Time
}

// Client is the contract the sync engine needs from the remote service.
type Client interface {
	WhoAmI(ctx context.Context) (*Account, error)
	ListChanges(ctx context.Context, folder string, cursor int64) (*ChangePage, error)
	Upload(ctx context.Context, up *UploadRequest) (*Ack, error)
	// StartUpload opens a chunked upload and returns s with its ID set.
	StartUpload(ctx context.Context, s *UploadSession) (*UploadSession, error)
	UploadChunk(ctx context.Context, s *UploadSession, index int, chunk []byte) error
	CompleteUpload(ctx context.Context, s *UploadSession) (*Ack, error)
	Download(ctx context.Context, remoteID string) (io.ReadCloser, error)
	DeleteRemote(ctx context.Context, remoteID string) (*Ack, error)
	MoveRemote(ctx context.Context, remoteID, newPath string) (*Ack, error)
}

var ErrNotFound = errors.New("remote: not found")

// AuthError means the credentials were rejected. It is never retried.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote: unauthorized (%d)", e.StatusCode)
	}
	return fmt.Sprintf("remote: unauthorized (%d): %s", e.StatusCode, e.Message)
}

// TransientError wraps failures that may succeed on a later attempt.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// APIError is a permanent rejection of a single request.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: api error %d: %s %s", e.StatusCode, e.Code, e.Message)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
