package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op names a Memory operation for failure injection.
type Op string

const (
	OpWhoAmI      Op = "whoami"
	OpListChanges Op = "list"
	OpUpload      Op = "upload"
	OpDownload    Op = "download"
	OpDelete      Op = "delete"
	OpMove        Op = "move"
	OpChunk       Op = "chunk"
)

type memFile struct {
	id      string
	folder  string
	path    string
	data    []byte
	hash    string
	modTime time.Time
}

type memFolder struct {
	revision int64
	feed     []Change
}

type memSession struct {
	UploadSession
	chunks [][]byte
}

type injected struct {
	err   error
	times int
}

// Memory is an in-process implementation of Client. It keeps a separate change
// feed per folder and offers helpers to act as another device.
type Memory struct {
	mu       sync.Mutex
	files    map[string]*memFile
	folders  map[string]*memFolder
	failures map[Op]*injected
	sessions map[string]*memSession
	received int
	authErr  *AuthError
	pageSize int
	now      func() time.Time
}

var _ Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		files:    make(map[string]*memFile),
		folders:  make(map[string]*memFolder),
		failures: make(map[Op]*injected),
		sessions: make(map[string]*memSession),
		pageSize: 100,
		now:      time.Now,
	}
}

// SetPageSize limits how many changes ListChanges returns per page.
func (m *Memory) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// FailNext makes the next `times` calls of op return err.
func (m *Memory) FailNext(op Op, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &injected{err: err, times: times}
}

// RejectAuth makes every call fail with an AuthError until cleared with false.
func (m *Memory) RejectAuth(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reject {
		m.authErr = &AuthError{StatusCode: http.StatusUnauthorized, Message: "token revoked"}
	} else {
		m.authErr = nil
	}
}

func (m *Memory) WhoAmI(context.Context) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpWhoAmI); err != nil {
		return nil, err
	}
	return &Account{ID: "memory", Email: "memory@xynoxa.local"}, nil
}

func (m *Memory) ListChanges(ctx context.Context, folder string, cursor int64) (*ChangePage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpListChanges); err != nil {
		return nil, err
	}

	f := m.folder(folder)
	page := &ChangePage{Cursor: cursor}
	// feed[i].Revision == i+1
	start := int(cursor)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(f.feed); i++ {
		if len(page.Changes) == m.pageSize {
			page.HasMore = true
			break
		}
		page.Changes = append(page.Changes, f.feed[i])
		page.Cursor = f.feed[i].Revision
	}
	return page, nil
}

func (m *Memory) Upload(ctx context.Context, up *UploadRequest) (*Ack, error) {
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return nil, &TransientError{Op: "upload", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpUpload); err != nil {
		return nil, err
	}

	hash := hashOf(data)
	if up.Fingerprint != "" && up.Fingerprint != hash {
		return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Code: "E_HASH_MISMATCH", Message: "content hash mismatch"}
	}
	modTime := up.ModTime
	if modTime.IsZero() {
		modTime = m.now()
	}
	ch := m.put(up.Folder, up.Path, data, modTime)
	return &Ack{RemoteID: ch.RemoteID, Revision: ch.Revision, Fingerprint: hash}, nil
}

func (m *Memory) StartUpload(ctx context.Context, s *UploadSession) (*UploadSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpUpload); err != nil {
		return nil, err
	}
	if s.TotalChunks <= 0 {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Code: "E_INVALID_REQUEST", Message: "no chunks announced"}
	}
	started := *s
	started.ID = uuid.NewString()
	m.sessions[started.ID] = &memSession{UploadSession: started, chunks: make([][]byte, started.TotalChunks)}
	return &started, nil
}

func (m *Memory) UploadChunk(ctx context.Context, s *UploadSession, index int, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpChunk); err != nil {
		return err
	}
	sess, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("upload chunk %s: %w", s.ID, ErrNotFound)
	}
	if index < 0 || index >= len(sess.chunks) {
		return &APIError{StatusCode: http.StatusBadRequest, Code: "E_CHUNK_INDEX", Message: fmt.Sprintf("chunk %d out of range", index)}
	}
	sess.chunks[index] = bytes.Clone(chunk)
	m.received++
	return nil
}

func (m *Memory) CompleteUpload(ctx context.Context, s *UploadSession) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpUpload); err != nil {
		return nil, err
	}
	sess, ok := m.sessions[s.ID]
	if !ok {
		return nil, fmt.Errorf("complete upload %s: %w", s.ID, ErrNotFound)
	}
	var data []byte
	for i, c := range sess.chunks {
		if c == nil {
			return nil, &APIError{StatusCode: http.StatusConflict, Code: "E_CHUNK_MISSING", Message: fmt.Sprintf("chunk %d missing", i)}
		}
		data = append(data, c...)
	}
	delete(m.sessions, s.ID)

	hash := hashOf(data)
	if int64(len(data)) != sess.Size || (sess.Fingerprint != "" && sess.Fingerprint != hash) {
		return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Code: "E_HASH_MISMATCH", Message: "assembled content does not match"}
	}
	modTime := sess.ModTime
	if modTime.IsZero() {
		modTime = m.now()
	}
	ch := m.put(sess.Folder, sess.Path, data, modTime)
	return &Ack{RemoteID: ch.RemoteID, Revision: ch.Revision, Fingerprint: hash}, nil
}

// ChunksReceived counts the session chunks accepted so far.
func (m *Memory) ChunksReceived() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

// OpenSessions counts upload sessions that were started but not completed.
func (m *Memory) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Memory) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpDownload); err != nil {
		return nil, err
	}
	f, ok := m.files[remoteID]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", remoteID, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(f.data))), nil
}

func (m *Memory) DeleteRemote(ctx context.Context, remoteID string) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpDelete); err != nil {
		return nil, err
	}
	f, ok := m.files[remoteID]
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", remoteID, ErrNotFound)
	}
	ch := m.remove(f)
	return &Ack{RemoteID: remoteID, Revision: ch.Revision}, nil
}

func (m *Memory) MoveRemote(ctx context.Context, remoteID, newPath string) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpMove); err != nil {
		return nil, err
	}
	f, ok := m.files[remoteID]
	if !ok {
		return nil, fmt.Errorf("move %s: %w", remoteID, ErrNotFound)
	}
	if other := m.byPath(f.folder, newPath); other != nil && other.id != f.id {
		return nil, &APIError{StatusCode: http.StatusConflict, Code: "E_PATH_EXISTS", Message: "target path exists"}
	}
	ch := m.rename(f, newPath)
	return &Ack{RemoteID: remoteID, Revision: ch.Revision, Fingerprint: f.hash}, nil
}

// Put creates or replaces a file as another device would.
func (m *Memory) Put(folder, path string, data []byte) Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(folder, path, data, m.now())
}

// Remove deletes a file as another device would.
func (m *Memory) Remove(folder, path string) (Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.byPath(folder, path)
	if f == nil {
		return Change{}, false
	}
	return m.remove(f), true
}

// Rename moves a file as another device would.
func (m *Memory) Rename(folder, from, to string) (Change, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.byPath(folder, from)
	if f == nil {
		return Change{}, false
	}
	return m.rename(f, to), true
}

// Read returns the content at path, if any.
func (m *Memory) Read(folder, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.byPath(folder, path)
	if f == nil {
		return nil, false
	}
	return bytes.Clone(f.data), true
}

// Paths lists the live paths of a folder in sorted order.
func (m *Memory) Paths(folder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, f := range m.files {
		if f.folder == folder {
			out = append(out, f.path)
		}
	}
	sort.Strings(out)
	return out
}

// Revision is the latest feed position of a folder.
func (m *Memory) Revision(folder string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folder(folder).revision
}

func (m *Memory) check(op Op) error {
	if m.authErr != nil {
		return m.authErr
	}
	if f, ok := m.failures[op]; ok && f.times > 0 {
		f.times--
		return f.err
	}
	return nil
}

func (m *Memory) folder(id string) *memFolder {
	f, ok := m.folders[id]
	if !ok {
		f = &memFolder{}
		m.folders[id] = f
	}
	return f
}

func (m *Memory) record(folder string, ch Change) Change {
	f := m.folder(folder)
	f.revision++
	ch.Revision = f.revision
	f.feed = append(f.feed, ch)
	return ch
}

func (m *Memory) byPath(folder, path string) *memFile {
	for _, f := range m.files {
		if f.folder == folder && f.path == path {
			return f
		}
	}
	return nil
}

func (m *Memory) put(folder, path string, data []byte, modTime time.Time) Change {
	action := ActionUpdate
	f := m.byPath(folder, path)
	if f == nil {
		action = ActionCreate
		f = &memFile{id: uuid.NewString(), folder: folder, path: path}
		m.files[f.id] = f
	}
	f.data = bytes.Clone(data)
	f.hash = hashOf(data)
	f.modTime = modTime
	return m.record(folder, Change{
		Action:      action,
		RemoteID:    f.id,
		Path:        path,
		Fingerprint: f.hash,
		Size:        int64(len(data)),
		ModTime:     modTime,
	})
}

func (m *Memory) remove(f *memFile) Change {
	delete(m.files, f.id)
	return m.record(f.folder, Change{Action: ActionDelete, RemoteID: f.id, Path: f.path})
}

func (m *Memory) rename(f *memFile, to string) Change {
	f.path = to
	return m.record(f.folder, Change{
		Action:      ActionMove,
		RemoteID:    f.id,
		Path:        to,
		Fingerprint: f.hash,
		Size:        int64(len(f.data)),
		ModTime:     f.modTime,
	})
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
