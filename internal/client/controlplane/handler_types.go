package controlplane

import (
	"time"

	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
)

const (
	CodeOk                   = "OK"
	ErrCodeBadRequest        = "ERR_BAD_REQUEST"
	ErrCodeNotFound          = "ERR_NOT_FOUND"
	ErrCodeInvalidToken      = "ERR_INVALID_TOKEN"
	ErrCodeAuthRejected      = "ERR_AUTH_REJECTED"
	ErrCodeNotLoggedIn       = "ERR_NOT_LOGGED_IN"
	ErrCodeNotConfigured     = "ERR_NOT_CONFIGURED"
	ErrCodeNotSyncing        = "ERR_NOT_SYNCING"
	ErrCodeRemoteUnavailable = "ERR_REMOTE_UNAVAILABLE"
	ErrCodeUnknownError      = "ERR_UNKNOWN_ERROR"
)

type Response struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

type SaveConfigRequest struct {
	ServerURL      string `json:"server_url" binding:"required"`
	SyncPath       string `json:"sync_path"`
	SetupCompleted bool   `json:"setup_completed"`
}

type LoginRequest struct {
	Token string `json:"token" binding:"required"`
}

type LoginResponse struct {
	Account *remote.Account `json:"account"`
}

type CheckAuthResponse struct {
	Authenticated bool `json:"authenticated"`
}

type StartSyncRequest struct {
	Token string `json:"token"`
}

type StartSyncResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

type SyncNowRequest struct {
	Folder string `json:"folder"`
}

type FileInfo struct {
	Path        string             `json:"path"`
	Size        int64              `json:"size"`
	ModTime     time.Time          `json:"mtime"`
	Fingerprint string             `json:"hash"`
	RemoteID    string             `json:"remote_id,omitempty"`
	State       index.State        `json:"state"`
	Conflict    index.ConflictSide `json:"conflict,omitempty"`
}

type FilesResponse struct {
	Folder string     `json:"folder"`
	Files  []FileInfo `json:"files"`
}

func toFileInfo(e *index.Entry) FileInfo {
	return FileInfo{
		Path:        e.Path,
		Size:        e.Size,
		ModTime:     e.ModTime,
		Fingerprint: e.Fingerprint,
		RemoteID:    e.RemoteID,
		State:       e.State,
		Conflict:    e.ConflictSide,
	}
}
