package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"deployagent/internal/agent"
	"deployagent/internal/metrics"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 30 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown when none is given.
	DefaultShutdownTimeout = 30 * time.Second
)

// Options configures a Server.
type Options struct {
	Pool    *agent.Pool
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Version string

	// RateLimit is the sustained requests per second allowed per client,
	// with bursts up to RateBurst.
	RateLimit float64
	RateBurst int

	// TestMode disables rate limiting.
	TestMode bool
	// ExposeOutput includes job output in API responses.
	ExposeOutput bool
}

// Server represents the HTTP server
type Server struct {
	pool         *agent.Pool
	metrics      *metrics.Metrics
	logger       *zap.Logger
	version      string
	limiter      *RateLimiter
	exposeOutput bool
}

// New creates a new server instance
func New(opts Options) (*Server, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("agent pool is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		pool:         opts.Pool,
		metrics:      opts.Metrics,
		logger:       opts.Logger.Named("http"),
		version:      opts.Version,
		exposeOutput: opts.ExposeOutput,
	}
	if !opts.TestMode && opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = NewRateLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return s, nil
}

// Router creates and configures the HTTP router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}
	r.Use(middleware.Timeout(RequestTimeout))
	if s.limiter != nil {
		r.Use(s.rateLimitMiddleware)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Post("/in/{project}", s.handleWebhook)

	r.Route("/api/{project}", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/deployments", s.handleListDeployments)
		r.Get("/deployments/{id}", s.handleGetDeployment)
		r.Put("/deployments/{id}", s.handleRedeploy)
		r.Delete("/deployments/{id}", s.handleDeleteDeployment)
		r.Get("/deployments/{id}/log", s.handleDeploymentLog)

		r.Get("/jobs/triggered", s.handleListTriggeredJobs)
		r.Get("/jobs/triggered/{job}/history", s.handleJobHistory)
		r.Post("/jobs/triggered/{job}/run", s.handleRunJob)
		r.Get("/jobs/continuous", s.handleListContinuousJobs)
	})

	return r
}

// Run serves on host:port until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Run(ctx context.Context, host string, port int, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}
