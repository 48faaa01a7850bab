package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rayonlabs/squad-api/internal/config"
)

const (
	readHeaderTimeout      = 10 * time.Second
	idleTimeout            = 2 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

// HTTPServer serves the squad X API and drains in-flight actions on stop.
type HTTPServer struct {
	Engine *gin.Engine

	addr            string
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewHTTPServer prepares the engine for serving behind a proxy on HTTP_PORT.
func NewHTTPServer(router *gin.Engine, cfg config.Config, logger *zap.Logger) *HTTPServer {
	router.HandleMethodNotAllowed = true
	router.ForwardedByClientIP = true
	if logger == nil {
		logger = zap.L()
	}
	timeout := cfg.HTTPShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &HTTPServer{
		Engine:          router,
		addr:            ":" + cfg.HTTPPort,
		shutdownTimeout: timeout,
		logger:          logger,
	}
}

// Addr is the configured listen address.
func (s *HTTPServer) Addr() string {
	return s.addr
}

// Run listens on the configured address until ctx is done.
func (s *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and shuts down gracefully when ctx is done.
// Uploads still streaming to X get the shutdown timeout to finish.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	// No write timeout: chunked video uploads can take minutes.
	srv := &http.Server{
		Handler:           s.Engine,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", ln.Addr(), err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.logger.Info("http server draining", zap.Duration("timeout", s.shutdownTimeout))
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		s.logger.Error("http server stopped", zap.Error(err))
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
