package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

const (
	DefaultFolderID        = "default"
	DefaultGlobalWorkers   = 8
	DefaultPerRootWorkers  = 4
	DefaultDebounce        = 500 * time.Millisecond
	DefaultPollInterval    = 20 * time.Second
	DefaultControlPlaneURL = "localhost:7939"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), "xynoxa", "server.conf")
	DefaultDataDir     = filepath.Join(userDataDir(), "xynoxa")
	DefaultLogFilePath = filepath.Join(DefaultDataDir, "logs", "xynoxa.log")
)

var (
	ErrFolderNotFound  = errors.New("group folder not found")
	ErrFolderExists    = errors.New("group folder already exists")
	ErrOverlappingRoot = errors.New("group folder roots overlap")
)

type Concurrency struct {
	Global  int `json:"global"`
	PerRoot int `json:"per_root"`
}

// GroupFolder binds a local directory to a remote root. Disabled folders are
// kept so their index survives until the folder is enabled again.
type GroupFolder struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	LocalRoot   string   `json:"local_root"`
	RemoteID    string   `json:"remote_id"`
	Enabled     bool     `json:"enabled"`
	Concurrency int      `json:"concurrency,omitempty"`
	Include     []string `json:"include,omitempty"`
}

type Config struct {
	ServerURL       string        `json:"server_url"`
	SyncPath        string        `json:"sync_path"`
	SetupCompleted  bool          `json:"setup_completed"`
	DataDir         string        `json:"data_dir,omitempty"`
	GroupFolders    []GroupFolder `json:"group_folders,omitempty"`
	Concurrency     Concurrency   `json:"concurrency"`
	DebounceMs      int           `json:"debounce_ms,omitempty"`
	PollIntervalSec int           `json:"poll_interval_s,omitempty"`

	// LegacyAuthToken is read from configs written by older clients so it can be
	// moved into the secret vault. It is never written back.
	LegacyAuthToken string `json:"auth_token,omitempty"`

	Path string `json:"-"`
}

// Default returns an empty, not yet set up configuration.
func Default(path string) *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Concurrency: Concurrency{
			Global:  DefaultGlobalWorkers,
			PerRoot: DefaultPerRootWorkers,
		},
		Path: path,
	}
}

// Load reads the config at path. A missing file yields Default(path).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(path), nil
	} else if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default(path)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Save writes the config atomically. The legacy token field is dropped.
func (c *Config) Save() error {
	if c.Path == "" {
		return errors.New("config path is empty")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	out := *c
	out.LegacyAuthToken = ""
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}

	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}

// Validate normalises paths, fills defaults and checks the values.
func (c *Config) Validate() error {
	var err error

	if c.ServerURL != "" {
		c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
		if err := validateURL(c.ServerURL); err != nil {
			return fmt.Errorf("invalid server url: %w", err)
		}
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("invalid data dir: %w", err)
	}

	if c.SyncPath != "" {
		if c.SyncPath, err = utils.ResolvePath(c.SyncPath); err != nil {
			return fmt.Errorf("invalid sync path: %w", err)
		}
	}

	if c.Concurrency.Global <= 0 {
		c.Concurrency.Global = DefaultGlobalWorkers
	}
	if c.Concurrency.PerRoot <= 0 {
		c.Concurrency.PerRoot = DefaultPerRootWorkers
	}
	if c.Concurrency.PerRoot > c.Concurrency.Global {
		c.Concurrency.PerRoot = c.Concurrency.Global
	}

	for i := range c.GroupFolders {
		gf := &c.GroupFolders[i]
		if gf.ID == "" {
			return errors.New("group folder without id")
		}
		if gf.LocalRoot, err = utils.ResolvePath(gf.LocalRoot); err != nil {
			return fmt.Errorf("group folder %q: invalid local root: %w", gf.ID, err)
		}
	}
	return c.checkOverlap()
}

// Debounce is the quiet period a path needs before it counts as settled.
func (c *Config) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return DefaultDebounce
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSec <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(c.PollIntervalSec) * time.Second
}

// SetPrimary records server url and sync path, keeping the default group
// folder pointed at the sync path.
func (c *Config) SetPrimary(serverURL, syncPath string, completed bool) error {
	c.ServerURL = serverURL
	c.SyncPath = syncPath
	c.SetupCompleted = completed
	if err := c.Validate(); err != nil {
		return err
	}
	if c.SyncPath == "" {
		return nil
	}

	if gf, ok := c.Folder(DefaultFolderID); ok {
		gf.LocalRoot = c.SyncPath
		gf.Enabled = true
	} else {
		c.GroupFolders = append([]GroupFolder{{
			ID:        DefaultFolderID,
			Name:      "Xynoxa",
			LocalRoot: c.SyncPath,
			Enabled:   true,
		}}, c.GroupFolders...)
	}
	return c.checkOverlap()
}

// Folder returns a pointer into GroupFolders so callers can edit in place.
func (c *Config) Folder(id string) (*GroupFolder, bool) {
	for i := range c.GroupFolders {
		if c.GroupFolders[i].ID == id {
			return &c.GroupFolders[i], true
		}
	}
	return nil, false
}

func (c *Config) AddFolder(gf GroupFolder) error {
	if _, ok := c.Folder(gf.ID); ok {
		return fmt.Errorf("%w: %s", ErrFolderExists, gf.ID)
	}
	root, err := utils.ResolvePath(gf.LocalRoot)
	if err != nil {
		return fmt.Errorf("invalid local root: %w", err)
	}
	gf.LocalRoot = root
	c.GroupFolders = append(c.GroupFolders, gf)
	if err := c.checkOverlap(); err != nil {
		c.GroupFolders = c.GroupFolders[:len(c.GroupFolders)-1]
		return err
	}
	return nil
}

func (c *Config) SetFolderEnabled(id string, enabled bool) error {
	gf, ok := c.Folder(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFolderNotFound, id)
	}
	gf.Enabled = enabled
	return nil
}

// EnabledFolders returns a copy of every enabled group folder.
func (c *Config) EnabledFolders() []GroupFolder {
	out := make([]GroupFolder, 0, len(c.GroupFolders))
	for _, gf := range c.GroupFolders {
		if gf.Enabled {
			out = append(out, gf)
		}
	}
	return out
}

func (c *Config) FolderDataDir(id string) string {
	return filepath.Join(c.DataDir, "groups", id)
}

func (c *Config) checkOverlap() error {
	for i := range c.GroupFolders {
		for j := i + 1; j < len(c.GroupFolders); j++ {
			a, b := c.GroupFolders[i].LocalRoot, c.GroupFolders[j].LocalRoot
			if isWithin(a, b) || isWithin(b, a) {
				return fmt.Errorf("%w: %s and %s", ErrOverlappingRoot, c.GroupFolders[i].ID, c.GroupFolders[j].ID)
			}
		}
	}
	return nil
}

func isWithin(parent, child string) bool {
	if parent == child {
		return true
	}
	return strings.HasPrefix(child, strings.TrimRight(parent, string(filepath.Separator))+string(filepath.Separator))
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func userConfigDir() string {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			return dir
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

func userDataDir() string {
	if runtime.GOOS == "linux" {
		if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
			return dir
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share")
	}
	return userConfigDir()
}
