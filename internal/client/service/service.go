package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/client/groupmgr"
	"github.com/xynoxa/xynoxa-desktop/internal/client/index"
	"github.com/xynoxa/xynoxa-desktop/internal/client/remote"
	"github.com/xynoxa/xynoxa-desktop/internal/client/vault"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

var tokenPrefixes = []string{"xyn-", "syn-"}

var (
	ErrInvalidToken = errors.New("invalid token format, token must start with 'xyn-'")
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrNoSyncPath   = errors.New("no sync path configured")
	ErrNoServerURL  = errors.New("no server url configured")
	ErrNotSyncing   = errors.New("sync not running")
)

// ClientFactory builds the remote client for a server and token.
type ClientFactory func(serverURL, token string) (remote.Client, error)

func HTTPClientFactory(serverURL, token string) (remote.Client, error) {
	return remote.NewHTTPClient(remote.HTTPConfig{BaseURL: serverURL, Token: token})
}

type Option func(*Service)

func WithClientFactory(f ClientFactory) Option {
	return func(s *Service) {
		s.newClient = f
	}
}

// WithManagerOptions passes options to every group manager the service creates.
func WithManagerOptions(opts ...groupmgr.Option) Option {
	return func(s *Service) {
		s.mgrOpts = append(s.mgrOpts, opts...)
	}
}

// Service implements the commands the desktop UI and the CLI issue: config,
// session and sync control. It owns the persisted config and the group
// manager; the token only ever lives in the vault.
type Service struct {
	mu        sync.Mutex
	ctx       context.Context
	cfg       *config.Config
	vault     vault.Vault
	newClient ClientFactory
	mgrOpts   []groupmgr.Option
	mgr       *groupmgr.Manager
	account   *remote.Account
}

// New creates the service. ctx bounds the lifetime of everything StartSync
// launches. A token left in the config by an older client is moved into the
// vault here.
func New(ctx context.Context, cfg *config.Config, v vault.Vault, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service: config is nil")
	}
	s := &Service{
		ctx:       ctx,
		cfg:       cfg,
		vault:     v,
		newClient: HTTPClientFactory,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrateLegacyToken(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) migrateLegacyToken(ctx context.Context) error {
	token := strings.TrimSpace(s.cfg.LegacyAuthToken)
	if token == "" {
		return nil
	}
	if err := s.vault.Store(ctx, vault.TokenKey, token); err != nil {
		return fmt.Errorf("migrate token to vault: %w", err)
	}
	s.cfg.LegacyAuthToken = ""
	if err := s.cfg.Save(); err != nil {
		return fmt.Errorf("scrub token from config: %w", err)
	}
	slog.Info("auth token moved from config to vault", "config", s.cfg.Path)
	return nil
}

// GetConfig returns a copy of the current config.
func (s *Service) GetConfig() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *s.cfg
	out.GroupFolders = slices.Clone(s.cfg.GroupFolders)
	return out
}

// SaveConfig records the server url, the sync path and the setup flag. The
// new values are validated before anything is written. A running sync picks
// up a changed sync path on its next start.
func (s *Service) SaveConfig(url, path string, completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cfg
	next.GroupFolders = slices.Clone(s.cfg.GroupFolders)
	if err := next.SetPrimary(url, path, completed); err != nil {
		return err
	}
	if err := next.Save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	*s.cfg = next
	slog.Info("config saved", "server", next.ServerURL, "sync_path", next.SyncPath, "completed", next.SetupCompleted)
	return nil
}

// Login validates token against the remote and stores it in the vault. A
// running sync is restarted with the new credentials.
func (s *Service) Login(ctx context.Context, token string) (*remote.Account, error) {
	token = strings.TrimSpace(token)
	if !validTokenFormat(token) {
		return nil, ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.ServerURL == "" {
		return nil, ErrNoServerURL
	}
	client, err := s.newClient(s.cfg.ServerURL, token)
	if err != nil {
		return nil, err
	}
	acct, err := client.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	if err := s.vault.Store(ctx, vault.TokenKey, token); err != nil {
		return nil, fmt.Errorf("store token: %w", err)
	}
	s.account = acct
	slog.Info("login", "email", acct.Email, "token", utils.MaskSecret(token))

	if s.mgr != nil {
		s.stopLocked()
		if err := s.startLocked(client); err != nil {
			return acct, err
		}
	}
	return acct, nil
}

// CheckAuth reports whether a token is stored.
func (s *Service) CheckAuth(ctx context.Context) bool {
	_, err := s.vault.Load(ctx, vault.TokenKey)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		slog.Warn("check auth", "error", err)
	}
	return err == nil
}

// StartSync starts every enabled group folder. token overrides the stored
// one when set. Calling it while sync runs is a no-op that returns false.
func (s *Service) StartSync(token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mgr != nil {
		slog.Info("sync already running, start skipped")
		return false, nil
	}
	if s.cfg.SyncPath == "" {
		return false, ErrNoSyncPath
	}
	if s.cfg.ServerURL == "" {
		return false, ErrNoServerURL
	}

	token = strings.TrimSpace(token)
	if token == "" {
		t, err := s.vault.Load(s.ctx, vault.TokenKey)
		if errors.Is(err, vault.ErrNotFound) {
			return false, ErrNotLoggedIn
		} else if err != nil {
			return false, fmt.Errorf("load token: %w", err)
		}
		token = t
	}

	client, err := s.newClient(s.cfg.ServerURL, token)
	if err != nil {
		return false, err
	}
	if err := s.startLocked(client); err != nil {
		return false, err
	}
	return true, nil
}

// AutoStart starts sync at launch when setup is complete and a token is
// stored. Any reason not to start is logged, never returned.
func (s *Service) AutoStart() {
	s.mu.Lock()
	completed := s.cfg.SetupCompleted
	s.mu.Unlock()
	if !completed {
		slog.Info("setup not completed, waiting for configuration")
		return
	}
	if _, err := s.StartSync(""); err != nil {
		slog.Warn("sync auto start", "error", err)
		return
	}
	slog.Info("sync auto started")
}

// Logout removes the token and halts every group folder.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mgr != nil {
		s.mgr.Halt(true)
	}
	s.stopLocked()
	s.account = nil
	if err := s.vault.Delete(ctx, vault.TokenKey); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	slog.Info("logout")
	return nil
}

// SyncOnce runs one cycle of every running folder and waits for them. Every
// folder that ran has an entry in the result, nil when its cycle succeeded.
func (s *Service) SyncOnce(ctx context.Context) (map[string]error, error) {
	mgr, err := s.manager()
	if err != nil {
		return nil, err
	}
	return mgr.RunOnce(ctx), nil
}

// TriggerSync requests a cycle of one folder, or of all of them when id is empty.
func (s *Service) TriggerSync(id string) error {
	mgr, err := s.manager()
	if err != nil {
		return err
	}
	if id == "" {
		mgr.TriggerAll()
		return nil
	}
	return mgr.Trigger(id)
}

// ListFiles returns the index of a folder, the default one when id is
// empty. Without a running sync the list is empty.
func (s *Service) ListFiles(ctx context.Context, id string) ([]*index.Entry, error) {
	if id == "" {
		id = config.DefaultFolderID
	}
	mgr, err := s.manager()
	if errors.Is(err, ErrNotSyncing) {
		return []*index.Entry{}, nil
	} else if err != nil {
		return nil, err
	}
	return mgr.Files(ctx, id)
}

func (s *Service) Status(ctx context.Context) *Status {
	s.mu.Lock()
	st := &Status{
		SetupCompleted: s.cfg.SetupCompleted,
		ServerURL:      s.cfg.ServerURL,
		Account:        s.account,
		Syncing:        s.mgr != nil,
	}
	mgr := s.mgr
	s.mu.Unlock()

	st.LoggedIn = s.CheckAuth(ctx)
	if mgr != nil {
		st.Folders = mgr.Status(ctx)
	} else {
		st.Folders = s.idleFolders()
	}
	return st
}

// AddFolder registers and persists a new group folder and starts it when
// sync runs.
func (s *Service) AddFolder(gf config.GroupFolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.cfg
	next.GroupFolders = slices.Clone(s.cfg.GroupFolders)
	if err := next.AddFolder(gf); err != nil {
		return err
	}
	if err := next.Save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	*s.cfg = next

	added, _ := s.cfg.Folder(gf.ID)
	if s.mgr != nil && added.Enabled {
		return s.mgr.Enable(*added)
	}
	return nil
}

// SetFolderEnabled persists the flag and starts or stops the folder. A
// disabled folder keeps its index.
func (s *Service) SetFolderEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cfg.SetFolderEnabled(id, enabled); err != nil {
		return err
	}
	if err := s.cfg.Save(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	if s.mgr == nil {
		return nil
	}
	if enabled {
		gf, _ := s.cfg.Folder(id)
		return s.mgr.Enable(*gf)
	}
	return s.mgr.Disable(id)
}

// Shutdown stops sync without touching the session.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) manager() (*groupmgr.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		return nil, ErrNotSyncing
	}
	return s.mgr, nil
}

func (s *Service) startLocked(client remote.Client) error {
	mgr := groupmgr.New(s.cfg, s.mgrOpts...)
	if err := mgr.Start(s.ctx, client); err != nil {
		return err
	}
	s.mgr = mgr
	return nil
}

func (s *Service) stopLocked() {
	if s.mgr == nil {
		return
	}
	s.mgr.Stop()
	s.mgr = nil
}

func (s *Service) idleFolders() []groupmgr.FolderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]groupmgr.FolderStatus, 0, len(s.cfg.GroupFolders))
	for _, gf := range s.cfg.GroupFolders {
		out = append(out, groupmgr.FolderStatus{
			ID:        gf.ID,
			Name:      gf.Name,
			LocalRoot: gf.LocalRoot,
			Enabled:   gf.Enabled,
		})
	}
	return out
}

func validTokenFormat(token string) bool {
	for _, p := range tokenPrefixes {
		if strings.HasPrefix(token, p) && len(token) > len(p) {
			return true
		}
	}
	return false
}
