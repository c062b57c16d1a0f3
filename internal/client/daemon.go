package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xynoxa/xynoxa-desktop/internal/client/config"
	"github.com/xynoxa/xynoxa-desktop/internal/client/controlplane"
	"github.com/xynoxa/xynoxa-desktop/internal/client/service"
	"github.com/xynoxa/xynoxa-desktop/internal/client/vault"
)

const (
	lockFileName  = "xynoxa.lock"
	tokenFileName = "control-plane.token"
	stopTimeout   = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("another xynoxa daemon is using this data dir")

type DaemonConfig struct {
	Addr      string
	AuthToken string // generated and written to the data dir when empty
	RateLimit int64
}

// Daemon runs the sync service behind the local control plane. Only one
// daemon may own a data dir at a time.
type Daemon struct {
	svc  *service.Service
	cps  *controlplane.Server
	lock *flock.Flock
}

// NewDaemon locks the data dir and wires the service to the control plane.
// ctx bounds every sync the service starts.
func NewDaemon(ctx context.Context, cfg *config.Config, dc DaemonConfig, v vault.Vault, opts ...service.Option) (*Daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, cfg.DataDir)
	}

	d, err := newDaemon(ctx, cfg, dc, v, opts...)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	d.lock = lock
	return d, nil
}

func newDaemon(ctx context.Context, cfg *config.Config, dc DaemonConfig, v vault.Vault, opts ...service.Option) (*Daemon, error) {
	token, err := controlPlaneToken(cfg.DataDir, dc.AuthToken)
	if err != nil {
		return nil, err
	}

	svc, err := service.New(ctx, cfg, v, opts...)
	if err != nil {
		return nil, err
	}

	cps, err := controlplane.New(&controlplane.Config{
		Addr:      dc.Addr,
		AuthToken: token,
		RateLimit: dc.RateLimit,
	}, svc)
	if err != nil {
		return nil, err
	}

	return &Daemon{svc: svc, cps: cps}, nil
}

func (d *Daemon) Service() *service.Service {
	return d.svc
}

// Start auto starts sync and serves the control plane until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("client daemon start")

	d.svc.AutoStart()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := d.cps.Start(egCtx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("stopping daemon")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return d.Stop(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client daemon failure", "error", err)
		return err
	}

	slog.Info("client daemon stopped")
	return nil
}

func (d *Daemon) Stop(ctx context.Context) error {
	d.svc.Shutdown()
	err := d.cps.Stop(ctx)
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
	if err != nil {
		return fmt.Errorf("failed to stop control plane: %w", err)
	}
	return nil
}

// TokenFilePath is where the daemon leaves the control plane token for the
// desktop UI.
func TokenFilePath(dataDir string) string {
	return filepath.Join(dataDir, tokenFileName)
}

func controlPlaneToken(dataDir, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		token = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := os.WriteFile(TokenFilePath(dataDir), []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("write control plane token: %w", err)
	}
	return token, nil
}
