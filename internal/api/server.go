package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
)

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	config   ServerConfig
	logger   logging.Logger
	handlers *Handlers
	router   *Router
	server   *http.Server
	listener net.Listener
}

// NewServer creates an API server for backend. sink may be nil when
// metrics are disabled.
func NewServer(cfg ServerConfig, backend Backend, sink *metrics.InmemSink, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(backend, sink, cfg.RequestTimeout),
		router:   NewRouter(),
	}
	s.setupRoutes()
	s.setupMiddleware()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/v1/status", s.handlers.HandleStatus)

	s.router.GET("/v1/kv", s.handlers.HandleList)
	s.router.GET("/v1/kv/{key...}", s.handlers.HandleGet)
	s.router.PUT("/v1/kv/{key...}", s.handlers.HandlePut)
	s.router.DELETE("/v1/kv/{key...}", s.handlers.HandleDelete)

	s.router.POST("/v1/members", s.handlers.HandleAddMember)
	s.router.DELETE("/v1/members/{id}", s.handlers.HandleRemoveMember)

	s.router.POST("/v1/stepdown", s.handlers.HandleStepdown)
	s.router.GET("/v1/metrics", s.handlers.HandleMetrics)
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware())
	s.router.Use(LoggingMiddleware())
	s.router.Use(MetricsMiddleware())
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.config.Address)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("API server started", "address", listener.Addr().String())
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the API server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}
