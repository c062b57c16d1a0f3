package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/xynoxa/xynoxa-desktop/internal/utils"
)

// Server is the local HTTP control plane the desktop UI talks to.
type Server struct {
	config *Config
	server *http.Server
}

func New(config *Config, cmds Commands) (*Server, error) {
	if _, err := addrToURL(config.Addr); err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Addr:              config.Addr,
		Handler:           SetupRoutes(cmds, config),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{
		config: config,
		server: httpServer,
	}, nil
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	url, _ := addrToURL(s.config.Addr)
	slog.Info("control plane start", "addr", url, "token", utils.MaskSecret(s.config.AuthToken))

	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}

func addrToURL(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid control plane address %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid control plane address %q: missing port", addr)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}
