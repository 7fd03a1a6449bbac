// Package controlplane is the local HTTP API of the sync daemon.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type Config struct {
	Addr      string `mapstructure:"addr"`
	Token     string `mapstructure:"token"`
	RateLimit string `mapstructure:"rate_limit"`
}

type Server struct {
	config Config
	server *http.Server
}

func NewServer(cfg Config, deps Deps) (*Server, error) {
	routes, err := SetupRoutes(deps, RouteConfig{Token: cfg.Token, RateLimit: cfg.RateLimit})
	if err != nil {
		return nil, fmt.Errorf("control plane routes: %w", err)
	}

	return &Server{
		config: cfg,
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: routes,
			// no WriteTimeout: event streams stay open
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}, nil
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", ln.Addr()), "auth", s.config.Token != "")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
