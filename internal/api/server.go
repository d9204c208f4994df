package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/foreman/internal/auth"
	"github.com/mattjoyce/foreman/internal/dispatch"
	"github.com/mattjoyce/foreman/internal/events"
	"github.com/mattjoyce/foreman/internal/monitor"
	"github.com/mattjoyce/foreman/internal/robot"
	"github.com/mattjoyce/foreman/internal/task"
)

// TaskService is the slice of the dispatch service the API drives.
type TaskService interface {
	CreateTask(ctx context.Context, req dispatch.CreateTaskRequest) (*task.Task, error)
	GetTasks(ctx context.Context, f task.Filters) ([]*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	UpdateTask(ctx context.Context, id string, req dispatch.UpdateTaskRequest) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	CountTasks(ctx context.Context, status task.Status) (int, error)
}

// RobotMonitor is the slice of the monitor the API exposes.
type RobotMonitor interface {
	Stats() monitor.Stats
	Running() bool
	AddRobotTopic(channel string) error
}

// RobotCatalog is the persisted fleet registry.
type RobotCatalog interface {
	Sync(ctx context.Context, robots []robot.Robot) ([]robot.Robot, error)
	List(ctx context.Context) ([]robot.Robot, error)
}

// BrokerStatus reports the messaging connection state for /healthz.
type BrokerStatus interface {
	Connected() bool
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	tasks     TaskService
	monitor   RobotMonitor
	robots    RobotCatalog
	broker    BrokerStatus
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. hub may be nil, in which case
// /events streams nothing but keep-alives.
func New(config Config, tasks TaskService, mon RobotMonitor, robots RobotCatalog, broker BrokerStatus, hub *events.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		tasks:     tasks,
		monitor:   mon,
		robots:    robots,
		broker:    broker,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams until the client leaves.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/tasks", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeTasksRW)).Post("/", s.handleCreateTask)
			r.With(s.requireScopes(auth.ScopeTasksRO)).Get("/", s.handleListTasks)
			r.With(s.requireScopes(auth.ScopeTasksRO)).Get("/{id}", s.handleGetTask)
			r.With(s.requireScopes(auth.ScopeTasksRW)).Patch("/{id}", s.handleUpdateTask)
			r.With(s.requireScopes(auth.ScopeTasksRW)).Delete("/{id}", s.handleDeleteTask)
		})

		r.With(s.requireScopes(auth.ScopeMonitorRO)).Get("/monitor", s.handleMonitorStats)
		r.With(s.requireScopes(auth.ScopeMonitorRW)).Post("/monitor/robots", s.handleAddRobot)
		r.With(s.requireScopes(auth.ScopeMonitorRO)).Get("/robots", s.handleListRobots)
		r.With(s.requireScopes(auth.ScopeMonitorRW)).Post("/robots/sync", s.handleSyncRobots)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
