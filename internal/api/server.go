// internal/api/server.go
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/rankforge/sentinel/internal/logbuf"
	"github.com/rankforge/sentinel/internal/supervisor"
	"github.com/rankforge/sentinel/pkg/config"
	"github.com/rankforge/sentinel/pkg/logging"
	"github.com/rankforge/sentinel/pkg/metrics"
)

// Control is the administrative surface the handlers drive. The lifecycle
// manager and health monitor implement it in production; tests substitute a
// fake.
type Control interface {
	Snapshots() []supervisor.Snapshot
	StartService(ctx context.Context, id string) error
	StopService(ctx context.Context, id string, force bool) error
	RestartService(ctx context.Context, id string) error
	EnableService(id string) error
	DisableService(ctx context.Context, id, reason string) error
	Logs(id string, n int) ([]logbuf.Line, error)
	SubscribeLogs(id string, buffer int) (<-chan logbuf.Line, func(), error)
	RunHealthPass(ctx context.Context)
}

// Server is the admin API server.
type Server struct {
	config    config.APIConfig
	router    *chi.Mux
	control   Control
	tokenAuth *jwtauth.JWTAuth
	server    *http.Server
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewServer creates an admin API server over the given control surface.
// An empty JWT secret disables authentication (localhost operation).
func NewServer(cfg config.APIConfig, control Control, logger *logging.Logger, m *metrics.Metrics) *Server {
	r := chi.NewRouter()

	var tokenAuth *jwtauth.JWTAuth
	if cfg.JWTSecret != "" {
		tokenAuth = jwtauth.New("HS256", []byte(cfg.JWTSecret), nil)
	}

	s := &Server{
		config:    cfg,
		router:    r,
		control:   control,
		tokenAuth: tokenAuth,
		logger:    logger,
		metrics:   m,
		server: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: r,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(LoggingMiddleware(s.logger))
	if s.metrics != nil {
		s.router.Use(MetricsMiddleware(s.metrics))
	}
	s.router.Use(Recoverer(s.logger))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.config.RateLimitPerMinute > 0 {
		s.router.Use(httprate.LimitByIP(s.config.RateLimitPerMinute, time.Minute))
	}
}

// setupRoutes configures the admin routes
func (s *Server) setupRoutes() {
	h := NewHandler(s.control, s.logger)

	s.router.Get("/healthz", h.Healthz)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.tokenAuth != nil {
			r.Use(jwtauth.Verifier(s.tokenAuth))
			r.Use(jwtauth.Authenticator(s.tokenAuth))
		}

		r.Get("/status", h.Status)
		r.Get("/services", h.Services)
		r.Post("/services/{id}/start", h.Start)
		r.Post("/services/{id}/stop", h.Stop)
		r.Post("/services/{id}/restart", h.Restart)
		r.Post("/services/{id}/enable", h.Enable)
		r.Post("/services/{id}/disable", h.Disable)
		r.Get("/services/{id}/logs", h.Logs)
		r.Get("/services/{id}/logs/stream", h.StreamLogs)
		r.Post("/health/check", h.HealthCheck)
	})
}

// Router returns the underlying router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("admin API listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
