package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gridsentry/gridsentry-audit/internal/config"
	"github.com/gridsentry/gridsentry-audit/internal/services"
)

// Server wraps the HTTP listener and lifecycle helpers. Background audits
// started by the ingestion endpoint run under the server's context so a
// shutdown cancels them.
type Server struct {
	cfg        config.ServerConfig
	httpServer *http.Server
	logger     *slog.Logger
	cancel     context.CancelFunc
}

// NewServer constructs an HTTP server bound to the configured address.
func NewServer(cfg config.ServerConfig, service *services.AuditService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := newHandlers(service, logger, baseCtx)
	h.register(router)

	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:    cfg.Address,
			Handler: router,
		},
		logger: logger,
		cancel: cancel,
	}
}

// Start serves incoming requests until Shutdown is invoked.
func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("server not initialised")
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", s.cfg.Address, err)
	}
	return nil
}

// Shutdown drains in-flight requests and cancels background audits, falling
// back to a hard close when the context expires first.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}

	s.cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown incomplete, forcing close", "error", err)
		_ = s.httpServer.Close()
	}
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *Server) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}
