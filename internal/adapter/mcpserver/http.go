package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"flutter-sim-mcp/internal/infra/middleware"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// HTTPConfig configures the streamable HTTP transport.
type HTTPConfig struct {
	Addr      string
	Path      string
	AuthToken string

	RateLimit         bool
	RequestsPerSecond float64
	Burst             int
}

// Handler returns the HTTP handler serving MCP at cfg.Path plus a /healthz
// probe that skips auth. ctx bounds the rate limiter's janitor.
func (s *Server) Handler(ctx context.Context, cfg HTTPConfig) http.Handler {
	path := cfg.Path
	if path == "" {
		path = "/mcp"
	}

	mws := []func(http.Handler) http.Handler{
		middleware.RequestLog(s.logger),
		middleware.SecurityHeaders,
	}
	if cfg.RateLimit {
		mws = append(mws, middleware.RateLimit(ctx, cfg.RequestsPerSecond, cfg.Burst))
	}
	mws = append(mws, middleware.BearerAuth(cfg.AuthToken))

	streamable := server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(path))

	mux := http.NewServeMux()
	mux.Handle(path, middleware.Chain(streamable, mws...))
	mux.Handle("/healthz", middleware.Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}), middleware.SecurityHeaders))
	return mux
}

// ListenHTTP serves MCP over streamable HTTP. Blocks until ctx is cancelled.
// ready, when non-nil, receives the bound address once listening.
func (s *Server) ListenHTTP(ctx context.Context, cfg HTTPConfig, ready func(addr string)) error {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp http listen: %w", err)
	}

	httpSrv := &http.Server{
		Handler:           s.Handler(ctx, cfg),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.logger.Info("mcp server listening", "transport", "http", "addr", listener.Addr().String(), "path", cfg.Path)
	if ready != nil {
		ready(listener.Addr().String())
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("mcp http shutdown", "error", err)
		}
	}()

	if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("mcp http serve: %w", err)
	}
	return nil
}
