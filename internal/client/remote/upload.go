package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	// MaxUploadSize is the largest file the server accepts.
	MaxUploadSize int64 = 5 << 30
	// ChunkThreshold is the size above which content travels in an upload session.
	ChunkThreshold int64 = 50 << 20
	// ChunkSize is the payload of one session chunk.
	ChunkSize int64 = 1 << 20
)

// ErrTooLarge rejects a file above the upload limit. Nothing is sent.
var ErrTooLarge = errors.New("remote: file exceeds upload limit")

// UploadSession is a chunked upload opened with StartUpload. Chunks are sent in
// order and CompleteUpload assembles them into the file.
type UploadSession struct {
	ID          string
	Folder      string
	Path        string
	Size        int64
	Fingerprint string
	ModTime     time.Time
	ChunkSize   int64
	TotalChunks int
}

// UploadPolicy decides how content reaches the remote. The zero value uses the
// package limits.
type UploadPolicy struct {
	MaxSize        int64
	ChunkThreshold int64
	ChunkSize      int64
}

func (p UploadPolicy) withDefaults() UploadPolicy {
	if p.MaxSize <= 0 {
		p.MaxSize = MaxUploadSize
	}
	if p.ChunkThreshold <= 0 {
		p.ChunkThreshold = ChunkThreshold
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = ChunkSize
	}
	return p
}

// Upload sends up through c. Files above the chunk threshold go through an
// upload session, smaller ones in a single request.
func (p UploadPolicy) Upload(ctx context.Context, c Client, up *UploadRequest) (*Ack, error) {
	p = p.withDefaults()
	if up.Size > p.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, up.Size, p.MaxSize)
	}
	if up.Size <= p.ChunkThreshold {
		return c.Upload(ctx, up)
	}
	return p.uploadChunked(ctx, c, up)
}

func (p UploadPolicy) uploadChunked(ctx context.Context, c Client, up *UploadRequest) (*Ack, error) {
	total := int((up.Size + p.ChunkSize - 1) / p.ChunkSize)
	session, err := c.StartUpload(ctx, &UploadSession{
		Folder:      up.Folder,
		Path:        up.Path,
		Size:        up.Size,
		Fingerprint: up.Fingerprint,
		ModTime:     up.ModTime,
		ChunkSize:   p.ChunkSize,
		TotalChunks: total,
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("upload session started", "path", up.Path, "session", session.ID, "chunks", total)

	buf := make([]byte, p.ChunkSize)
	var sent int64
	for i := 0; i < total; i++ {
		n, err := io.ReadFull(up.Body, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read chunk %d of %s: %w", i, up.Path, err)
		}
		if n == 0 {
			break
		}
		if err := c.UploadChunk(ctx, session, i, buf[:n]); err != nil {
			return nil, err
		}
		sent += int64(n)
	}
	if sent != up.Size {
		// the file changed size while it was read
		return nil, &TransientError{Op: "upload", Err: fmt.Errorf("%s: sent %d of %d bytes", up.Path, sent, up.Size)}
	}
	return c.CompleteUpload(ctx, session)
}
