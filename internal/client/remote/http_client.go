package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/imroc/req/v3"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
	"github.com/xynoxa/xynoxa-desktop/internal/version"
	"golang.org/x/time/rate"
)

const (
	HeaderDeviceID      = "X-Xynoxa-Device-Id"
	HeaderClientVersion = "X-Xynoxa-Version"
	HeaderContentSHA256 = "X-Content-SHA256"
	HeaderModTime       = "X-Content-Mtime"

	defaultTimeout    = 5 * time.Minute
	defaultRetries    = 3
	defaultRetryMin   = 500 * time.Millisecond
	defaultRetryMax   = 8 * time.Second
	defaultRateLimit  = 20
	defaultRateBurst  = 40
	defaultPageLimit  = 500
	machineIDAppScope = "xynoxa-desktop"
)

type HTTPConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RetryCount int
	RetryMin   time.Duration
	RetryMax   time.Duration
	// RateLimit is requests per second across the client. Zero uses the default,
	// a negative value disables pacing.
	RateLimit float64
	Burst     int
}

// HTTPClient talks to the Xynoxa REST API.
type HTTPClient struct {
	client  *req.Client
	limiter *rate.Limiter
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base url missing")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = defaultRetries
	}
	if cfg.RetryMin == 0 {
		cfg.RetryMin = defaultRetryMin
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaultRateBurst
	}

	c := &HTTPClient{}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	c.client = req.C().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderClientVersion, version.Version).
		SetCommonHeader(HeaderDeviceID, deviceID()).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetCommonRetryCount(cfg.RetryCount).
		SetCommonRetryBackoffInterval(cfg.RetryMin, cfg.RetryMax).
		SetCommonRetryCondition(shouldRetry).
		OnBeforeRequest(func(_ *req.Client, r *req.Request) error {
			if c.limiter == nil {
				return nil
			}
			return c.limiter.Wait(r.Context())
		})

	if cfg.Token != "" {
		c.client.SetCommonBearerAuthToken(cfg.Token)
	}

	return c, nil
}

func (c *HTTPClient) WhoAmI(ctx context.Context) (*Account, error) {
	var acct Account
	resp, err := c.client.R().
		SetContext(ctx).
		SetSuccessResult(&acct).
		Get("/api/auth/whoami")
	if err := classify("whoami", resp, err); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *HTTPClient) ListChanges(ctx context.Context, folder string, cursor int64) (*ChangePage, error) {
	var page ChangePage
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("folder", folder).
		SetQueryParam("cursor", strconv.FormatInt(cursor, 10)).
		SetQueryParam("limit", strconv.Itoa(defaultPageLimit)).
		SetSuccessResult(&page).
		Get("/api/sync/changes")
	if err := classify("list changes", resp, err); err != nil {
		return nil, err
	}
	if page.Cursor < cursor {
		// a server that lost its feed must not drag the local cursor backwards
		return nil, fmt.Errorf("remote: list changes: cursor went back from %d to %d", cursor, page.Cursor)
	}
	return &page, nil
}

func (c *HTTPClient) Upload(ctx context.Context, up *UploadRequest) (*Ack, error) {
	var ack Ack
	r := c.client.R().
		SetContext(ctx).
		SetQueryParam("folder", up.Folder).
		SetQueryParam("path", up.Path).
		SetHeader("Content-Type", utils.DetectContentType(up.Path)).
		SetHeader(HeaderContentSHA256, up.Fingerprint).
		SetBody(up.Body).
		SetSuccessResult(&ack)
	if !up.ModTime.IsZero() {
		r.SetHeader(HeaderModTime, up.ModTime.UTC().Format(time.RFC3339Nano))
	}
	if seeker, ok := up.Body.(io.Seeker); ok {
		r.SetRetryHook(func(*req.Response, error) {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				slog.Warn("remote upload rewind", "path", up.Path, "error", err)
			}
		})
	}

	resp, err := r.Put("/api/files")
	if err := classify("upload", resp, err); err != nil {
		return nil, err
	}
	return &ack, nil
}

type startUploadBody struct {
	Folder      string `json:"folder"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"totalChunks"`
	Mime        string `json:"mime"`
	Hash        string `json:"hash,omitempty"`
	ModTime     string `json:"mtime,omitempty"`
}

type startUploadResult struct {
	UploadID string `json:"uploadId"`
}

func (c *HTTPClient) StartUpload(ctx context.Context, s *UploadSession) (*UploadSession, error) {
	body := startUploadBody{
		Folder:      s.Folder,
		Path:        s.Path,
		Size:        s.Size,
		TotalChunks: s.TotalChunks,
		Mime:        utils.DetectContentType(s.Path),
		Hash:        s.Fingerprint,
	}
	if !s.ModTime.IsZero() {
		body.ModTime = s.ModTime.UTC().Format(time.RFC3339Nano)
	}

	var res startUploadResult
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(&res).
		Post("/api/upload/chunk/start")
	if err := classify("start upload", resp, err); err != nil {
		return nil, err
	}
	if res.UploadID == "" {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: "E_NO_UPLOAD_ID", Message: "server returned no upload id"}
	}
	started := *s
	started.ID = res.UploadID
	return &started, nil
}

func (c *HTTPClient) UploadChunk(ctx context.Context, s *UploadSession, index int, chunk []byte) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"uploadId":   s.ID,
			"chunkIndex": strconv.Itoa(index),
		}).
		SetFileBytes("file", path.Base(s.Path), chunk).
		Post("/api/upload/chunk")
	return classify("upload chunk "+strconv.Itoa(index), resp, err)
}

func (c *HTTPClient) CompleteUpload(ctx context.Context, s *UploadSession) (*Ack, error) {
	var ack Ack
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"uploadId": s.ID, "folder": s.Folder}).
		SetSuccessResult(&ack).
		Post("/api/upload/chunk/complete")
	if err := classify("complete upload", resp, err); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Download returns the content stream of a remote file. The caller closes it.
func (c *HTTPClient) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", remoteID).
		DisableAutoReadResponse().
		Get("/api/files/{id}/content")
	if err != nil {
		return nil, classify("download", resp, err)
	}
	if resp.IsErrorState() {
		defer resp.Body.Close()
		return nil, classify("download", resp, nil)
	}
	return resp.Body, nil
}

func (c *HTTPClient) DeleteRemote(ctx context.Context, remoteID string) (*Ack, error) {
	var ack Ack
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", remoteID).
		SetSuccessResult(&ack).
		Delete("/api/files/{id}")
	if err := classify("delete", resp, err); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *HTTPClient) MoveRemote(ctx context.Context, remoteID, newPath string) (*Ack, error) {
	var ack Ack
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", remoteID).
		SetBody(map[string]string{"path": newPath}).
		SetSuccessResult(&ack).
		Post("/api/files/{id}/move")
	if err := classify("move", resp, err); err != nil {
		return nil, err
	}
	return &ack, nil
}

func shouldRetry(resp *req.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return isTransientStatus(resp.StatusCode)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// classify maps a req result onto the remote error taxonomy.
func classify(op string, resp *req.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &TransientError{Op: op, Err: err}
	}
	if resp == nil || !resp.IsErrorState() {
		return nil
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		apiErr := decodeAPIError(resp)
		return &AuthError{StatusCode: code, Message: apiErr.Message}
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case isTransientStatus(code):
		return &TransientError{Op: op, StatusCode: code, Err: errors.New(http.StatusText(code))}
	default:
		return decodeAPIError(resp)
	}
}

func decodeAPIError(resp *req.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if body, err := resp.ToBytes(); err == nil && len(body) > 0 {
		_ = jsonUnmarshal(body, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func deviceID() string {
	id, err := machineid.ProtectedID(machineIDAppScope)
	if err != nil {
		slog.Debug("machine id unavailable", "error", err)
		return "unknown"
	}
	return id
}
