package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
	"github.com/clmmrun/strategy-runtime/infrastructure/metrics"
	"github.com/clmmrun/strategy-runtime/infrastructure/middleware"
)

// Server is the runtime's inbound HTTP surface: one gorilla/mux router,
// wrapped with logging/metrics/recovery/CORS middleware, exposing the
// strategy CRUD and status routes over 's envelope.
type Server struct {
	mu sync.RWMutex

	name    string
	version string

	router *mux.Router
	http   *http.Server

	logger  *logging.Logger
	metrics *metrics.Metrics

	running bool
}

// Config configures the Server.
type Config struct {
	Name         string
	Version      string
	Addr         string
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	CORS         *middleware.CORSConfig
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer builds the router and mounts middleware in order (recovery
// outermost, then logging, then metrics, then CORS). Routes are added
// separately by RegisterRoutes (see routes.go).
func NewServer(cfg Config) *Server {
	router := mux.NewRouter()

	recovery := middleware.NewRecoveryMiddleware(cfg.Logger)
	router.Use(recovery.Handler)
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.MetricsMiddleware(cfg.Name, cfg.Metrics))
	cors := middleware.NewCORSMiddleware(cfg.CORS)
	router.Use(cors.Handler)

	s := &Server{
		name:    cfg.Name,
		version: cfg.Version,
		router:  router,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Router exposes the underlying router so routes.go can register handlers.
func (s *Server) Router() *mux.Router { return s.router }

// Start begins serving HTTP in the background. Errors other than
// http.ErrServerClosed are reported on the returned channel.
func (s *Server) Start() <-chan error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("httpapi: shutdown: %w", err)
	}
	return nil
}

// IsRunning reports whether the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
