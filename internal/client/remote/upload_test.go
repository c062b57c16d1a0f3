package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadOf(content string) *UploadRequest {
	return &UploadRequest{
		Folder:      "g1",
		Path:        "docs/big.bin",
		Body:        strings.NewReader(content),
		Size:        int64(len(content)),
		Fingerprint: hashOf([]byte(content)),
	}
}

func TestUploadPolicy_Defaults(t *testing.T) {
	p := UploadPolicy{}.withDefaults()
	assert.Equal(t, int64(5<<30), p.MaxSize)
	assert.Equal(t, int64(50<<20), p.ChunkThreshold)
	assert.Equal(t, int64(1<<20), p.ChunkSize)
}

func TestUploadPolicy_RejectsOversizedFile(t *testing.T) {
	m := NewMemory()
	_, err := UploadPolicy{MaxSize: 4}.Upload(context.Background(), m, uploadOf("too long"))
	require.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, IsTransient(err))
	assert.Empty(t, m.Paths("g1"))
}

func TestUploadPolicy_SmallFileSingleRequest(t *testing.T) {
	m := NewMemory()
	ack, err := UploadPolicy{ChunkThreshold: 16, ChunkSize: 4}.Upload(context.Background(), m, uploadOf("short"))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.RemoteID)
	assert.Zero(t, m.ChunksReceived())
}

func TestUploadPolicy_ChunkedUpload(t *testing.T) {
	tests := []struct {
		name    string
		content string
		chunks  int
	}{
		{name: "exact multiple", content: "abcdefgh", chunks: 2},
		{name: "short tail", content: "abcdefghij", chunks: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			p := UploadPolicy{ChunkThreshold: 4, ChunkSize: 4}
			ack, err := p.Upload(context.Background(), m, uploadOf(tt.content))
			require.NoError(t, err)
			assert.Equal(t, hashOf([]byte(tt.content)), ack.Fingerprint)
			assert.Equal(t, tt.chunks, m.ChunksReceived())
			assert.Zero(t, m.OpenSessions())

			data, ok := m.Read("g1", "docs/big.bin")
			require.True(t, ok)
			assert.Equal(t, tt.content, string(data))
		})
	}
}

func TestUploadPolicy_ChunkFailureLeavesNoFile(t *testing.T) {
	m := NewMemory()
	m.FailNext(OpChunk, &TransientError{Op: "chunk", Err: errors.New("reset")}, 1)

	_, err := UploadPolicy{ChunkThreshold: 4, ChunkSize: 4}.Upload(context.Background(), m, uploadOf("abcdefghij"))
	assert.True(t, IsTransient(err))
	assert.Empty(t, m.Paths("g1"))
}

func TestUploadPolicy_TruncatedBody(t *testing.T) {
	m := NewMemory()
	up := uploadOf("abcdefghij")
	up.Body = strings.NewReader("abcdef")

	_, err := UploadPolicy{ChunkThreshold: 4, ChunkSize: 4}.Upload(context.Background(), m, up)
	assert.True(t, IsTransient(err))
	assert.Empty(t, m.Paths("g1"))
}

func TestHTTPClient_ChunkedUploadSession(t *testing.T) {
	var (
		mu     sync.Mutex
		calls  []string
		chunks = map[int]string{}
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		switch r.URL.Path {
		case "/api/upload/chunk/start":
			var body startUploadBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "g1", body.Folder)
			assert.Equal(t, "docs/big.bin", body.Path)
			assert.Equal(t, int64(10), body.Size)
			assert.Equal(t, 3, body.TotalChunks)
			writeJSON(w, http.StatusOK, startUploadResult{UploadID: "up-1"})
		case "/api/upload/chunk":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "up-1", r.FormValue("uploadId"))
			idx, err := strconv.Atoi(r.FormValue("chunkIndex"))
			require.NoError(t, err)
			f, hdr, err := r.FormFile("file")
			require.NoError(t, err)
			defer f.Close()
			assert.Equal(t, "big.bin", hdr.Filename)
			data, _ := io.ReadAll(f)
			chunks[idx] = string(data)
			w.WriteHeader(http.StatusOK)
		case "/api/upload/chunk/complete":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "up-1", body["uploadId"])
			assert.Equal(t, "g1", body["folder"])
			writeJSON(w, http.StatusOK, Ack{RemoteID: "f1", Revision: 4})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	up := uploadOf("0123456789")
	up.Body = bytes.NewReader([]byte("0123456789"))
	ack, err := UploadPolicy{ChunkThreshold: 4, ChunkSize: 4}.Upload(context.Background(), c, up)
	require.NoError(t, err)
	assert.Equal(t, "f1", ack.RemoteID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"/api/upload/chunk/start",
		"/api/upload/chunk",
		"/api/upload/chunk",
		"/api/upload/chunk",
		"/api/upload/chunk/complete",
	}, calls)
	assert.Equal(t, map[int]string{0: "0123", 1: "4567", 2: "89"}, chunks)
}

func TestHTTPClient_StartUploadWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})
	_, err := c.StartUpload(context.Background(), &UploadSession{Folder: "g1", Path: "a.bin", Size: 8, TotalChunks: 2})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "E_NO_UPLOAD_ID", apiErr.Code)
}
