// Package apiserver implements the OTA orchestration REST API.
package apiserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/auth"
	"github.com/Peterbackson-desing/dashboard/pkg/model"
	"github.com/Peterbackson-desing/dashboard/pkg/observability"
	"github.com/Peterbackson-desing/dashboard/pkg/ota"
	"github.com/Peterbackson-desing/dashboard/pkg/relay"
)

// Artifacts is the firmware store used by the upload, list and fetch routes.
type Artifacts interface {
	Store(ctx context.Context, r io.Reader, declaredName, uploader string) (*model.Artifact, error)
	List(ctx context.Context) ([]model.Artifact, error)
	Lookup(ctx context.Context, filename string) (*model.Artifact, error)
	Open(ctx context.Context, filename string) (io.ReadCloser, int64, error)
	MaxSize() int64
}

// Trigger publishes OTA commands.
type Trigger interface {
	Trigger(ctx context.Context, sess *auth.Session, deviceID, firmwareFilename string) (*ota.Result, error)
}

// Relay is the long-lived device channel.
type Relay interface {
	DeviceID() string
	Connection() string
	Snapshot() relay.Snapshot
	SendCommand(ctx context.Context, action string, value *int) (*model.Command, error)
	Subscribe() (<-chan relay.Event, func())
}

// Deps are the components the server routes to. Relay may be nil when the
// relay is disabled.
type Deps struct {
	Gate      *auth.Gate
	Artifacts Artifacts
	Trigger   Trigger
	Relay     Relay
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// ServerOptions holds optional configuration for the Server.
type ServerOptions struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AllowedOrigins lists the origins allowed for CORS. "*" allows any.
	AllowedOrigins []string
	// RateLimit is the sustained request rate per second; zero disables it.
	RateLimit float64
	RateBurst int
}

// DefaultServerOptions returns sensible defaults. The write timeout covers a
// full OTA trigger.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		RateLimit:    50,
		RateBurst:    100,
	}
}

// Server is the OTA HTTP API server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	metrics    *observability.Metrics
	logger     *slog.Logger
	mux        *http.ServeMux
	opts       ServerOptions

	// stopping is closed on shutdown to end hijacked stream connections.
	stopping chan struct{}
	stopOnce sync.Once
}

// NewServer creates a Server wired to deps.
func NewServer(deps Deps, opts ServerOptions) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	srv := &Server{
		deps:     deps,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "apiserver"),
		mux:      http.NewServeMux(),
		opts:     opts,
		stopping: make(chan struct{}),
	}
	srv.registerRoutes()

	// Clients of the first dashboard call everything under /api.
	root := http.NewServeMux()
	root.Handle("/api/", http.StripPrefix("/api", srv.mux))
	root.Handle("/", srv.mux)

	srv.httpServer = &http.Server{
		Handler:      srv.applyMiddleware(root),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(deps.Logger.Handler(), slog.LevelWarn),
	}
	srv.httpServer.RegisterOnShutdown(srv.stopStreams)
	return srv
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("API server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// GracefulShutdown performs a graceful shutdown of the HTTP server.
func (s *Server) GracefulShutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) stopStreams() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Handler returns the root http.Handler (useful for testing with httptest).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
