package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/auth"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-agent/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	// Tokens verifies bearer tokens; nil disables authentication.
	Tokens   *auth.Signer
	Logger   *logging.Logger
	Registry *registry.Registry
	// FileTransferDir is the root of the file transfer service.
	FileTransferDir string
	Version         string
}

// Server is the agent's HTTP server.
//
// It is created with New() and runs under the agent supervisor with Run().
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	tokens   *auth.Signer
	logger   *logging.Logger
	registry *registry.Registry
	files    *fileStore
	version  string
	hub      *Hub

	running     chan struct{}
	runningOnce sync.Once
}

// New creates a new API server with the given dependencies.
//
// The server does not listen until Run() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("entity registry is required")
	}
	if deps.FileTransferDir == "" {
		return nil, fmt.Errorf("file transfer directory is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		tokens:   deps.Tokens,
		logger:   deps.Logger,
		registry: deps.Registry,
		files:    &fileStore{root: deps.FileTransferDir},
		version:  deps.Version,
		hub:      NewHub(deps.WS, deps.Logger),
		running:  make(chan struct{}),
	}, nil
}

// Hub returns the WebSocket hub. Its ObserveCommand method is the agent's
// command state observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Run listens and serves until ctx is done, then shuts down gracefully,
// waiting up to 10 seconds for in-flight requests. A listener failure is
// returned; a clean shutdown returns nil.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			errCh <- srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			return
		}
		s.logger.Info("API server starting", "address", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	s.runningOnce.Do(func() { close(s.running) })

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("API server: %w", err)
	case <-ctx.Done():
	}

	// WebSocket connections are hijacked; Shutdown does not wait for them.
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	select {
	case <-s.running:
		return nil
	default:
		return fmt.Errorf("api server not started")
	}
}
