// Package api exposes the executor over HTTP: plan submission and
// control, history, metrics, worker inventory and a server-sent event
// stream of execution events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/terrpan/dispatch/internal/events"
	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/health"
	"github.com/terrpan/dispatch/internal/history"
	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	maxBodySize       = 1 << 20
)

// Executor is the part of the executor the API drives.
type Executor interface {
	SubmitSingleJob(ctx context.Context, req *job.Request) (string, error)
	SubmitJobBatch(ctx context.Context, jobs []*job.Request, opts executor.BatchOptions) (string, error)
	CancelExecution(ctx context.Context, planID string) bool
	PauseExecution(planID string) bool
	ResumeExecution(planID string) bool
	GetExecutionPlan(ctx context.Context, planID string) (*executor.PlanSnapshot, error)
	GetExecutionPlans() []*executor.PlanSnapshot
	GetExecutionHistory(ctx context.Context, limit int) ([]history.Record, error)
	GetMetrics() executor.Metrics
	Running() bool
}

var _ Executor = (*executor.Executor)(nil)

// Config holds the server's collaborators.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr     string
	Executor Executor
	Bus      *events.Bus
	Registry worker.Registry

	// EngineName is reported by /healthz.
	EngineName string
	// Checks are readiness probes run by /healthz in addition to the
	// executor's own.
	Checks []health.Check
	Logger *slog.Logger
}

// Server wraps the chi router and its dependencies.
type Server struct {
	router   *chi.Mux
	exec     Executor
	bus      *events.Bus
	registry worker.Registry
	engine   string
	checks   []health.Check
	logger   *slog.Logger
	addr     string
}

// NewServer creates and configures a new HTTP server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	srv := &Server{
		router:   chi.NewRouter(),
		exec:     cfg.Executor,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		engine:   cfg.EngineName,
		logger:   logger,
		addr:     cfg.Addr,
	}

	srv.checks = append([]health.Check{{Name: "executor", Run: srv.executorReady}}, cfg.Checks...)

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", health.Handler(s.engine, s.checks...))
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)

		r.Route("/plans", func(r chi.Router) {
			r.Post("/", s.handleSubmitPlan)
			r.Get("/", s.handleListPlans)
			r.Get("/{id}", s.handleGetPlan)
			r.Post("/{id}/cancel", s.handleControl(controlCancel))
			r.Post("/{id}/pause", s.handleControl(controlPause))
			r.Post("/{id}/resume", s.handleControl(controlResume))
		})

		r.Get("/history", s.handleHistory)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/events", s.handleEvents)
		r.Get("/workers", s.handleWorkers)
	})
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", s.addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) executorReady(context.Context) error {
	if !s.exec.Running() {
		return executor.ErrNotRunning
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ---------------------------------------------------------------------------
// Response helpers
// ---------------------------------------------------------------------------

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an executor error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, executor.ErrPlanNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrCyclicDependency):
		return http.StatusConflict
	case errors.Is(err, job.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
