package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

const hashChunkSize = 1 << 20

// ctxReader fails reads once ctx is done, so long hashes stop between chunks.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// HashReader returns the hex SHA-256 of r and the number of bytes read.
func HashReader(ctx context.Context, r io.Reader) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	n, err := io.CopyBuffer(h, &ctxReader{ctx: ctx, r: r}, buf)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile fingerprints the file at path.
func HashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(ctx, f)
}

// HashBytes fingerprints an in-memory buffer.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
