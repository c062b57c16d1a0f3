package controlplane

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/client/groupmgr"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
	"github.com/xynoxa/xynoxa-desktop/internal/client/service"
)

// Commands is the command surface the control plane exposes.
type Commands interface {
	GetConfig() config.Config
	SaveConfig(url, path string, completed bool) error
	Login(ctx context.Context, token string) (*remote.Account, error)
	CheckAuth(ctx context.Context) bool
	StartSync(token string) (bool, error)
	TriggerSync(id string) error
	Logout(ctx context.Context) error
	ListFiles(ctx context.Context, id string) ([]*index.Entry, error)
	Status(ctx context.Context) *service.Status
}

var _ Commands = (*service.Service)(nil)

type Handler struct {
	cmds Commands
}

func (h *Handler) GetConfig(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.cmds.GetConfig())
}

func (h *Handler) SaveConfig(c *gin.Context) {
	var req SaveConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if err := h.cmds.SaveConfig(req.ServerURL, req.SyncPath, req.SetupCompleted); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	c.PureJSON(http.StatusOK, h.cmds.GetConfig())
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	acct, err := h.cmds.Login(c.Request.Context(), req.Token)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, LoginResponse{Account: acct})
}

func (h *Handler) CheckAuth(c *gin.Context) {
	c.PureJSON(http.StatusOK, CheckAuthResponse{Authenticated: h.cmds.CheckAuth(c.Request.Context())})
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.cmds.Logout(c.Request.Context()); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusOK, Response{Code: CodeOk})
}

func (h *Handler) StartSync(c *gin.Context) {
	var req StartSyncRequest
	// the body is optional
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	started, err := h.cmds.StartSync(req.Token)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	resp := StartSyncResponse{Started: started, Message: "sync started"}
	if !started {
		resp.Message = "sync already running"
	}
	c.PureJSON(http.StatusOK, resp)
}

func (h *Handler) SyncNow(c *gin.Context) {
	var req SyncNowRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	if err := h.cmds.TriggerSync(req.Folder); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.PureJSON(http.StatusAccepted, Response{Code: CodeOk})
}

func (h *Handler) Status(c *gin.Context) {
	c.PureJSON(http.StatusOK, h.cmds.Status(c.Request.Context()))
}

func (h *Handler) ListFiles(c *gin.Context) {
	folder := c.Query("folder")
	entries, err := h.cmds.ListFiles(c.Request.Context(), folder)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	if folder == "" {
		folder = config.DefaultFolderID
	}
	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, toFileInfo(e))
	}
	c.PureJSON(http.StatusOK, FilesResponse{Folder: folder, Files: files})
}

func abortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ErrorResponse{Code: code, Error: err.Error()})
}

func abortWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidToken):
		abortWithError(c, http.StatusBadRequest, ErrCodeInvalidToken, err)
	case remote.IsAuth(err):
		abortWithError(c, http.StatusForbidden, ErrCodeAuthRejected, err)
	case errors.Is(err, service.ErrNotLoggedIn):
		abortWithError(c, http.StatusPreconditionFailed, ErrCodeNotLoggedIn, err)
	case errors.Is(err, service.ErrNoServerURL), errors.Is(err, service.ErrNoSyncPath):
		abortWithError(c, http.StatusPreconditionFailed, ErrCodeNotConfigured, err)
	case errors.Is(err, service.ErrNotSyncing), errors.Is(err, groupmgr.ErrFolderNotRunning):
		abortWithError(c, http.StatusConflict, ErrCodeNotSyncing, err)
	case errors.Is(err, config.ErrFolderNotFound):
		abortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
	case remote.IsTransient(err):
		abortWithError(c, http.StatusBadGateway, ErrCodeRemoteUnavailable, err)
	default:
		abortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
	}
}
