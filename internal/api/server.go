// Package api implements the HTTP trigger and inspection surface of the
// topic monitor.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/coordination"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/events"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/metrics"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/processor"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/scheduler"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/task"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/worker"
)

// Topics lists the configured topics.
type Topics interface {
	All() []*domain.TopicConfig
	Topic(slug string) (*domain.TopicConfig, bool)
	Len() int
}

// TopicAdmin edits topic configuration and the rows stored for it.
type TopicAdmin interface {
	CreateTopic(ctx context.Context, data []byte) (*domain.TopicConfig, error)
	UpdateTopic(ctx context.Context, slug string, data []byte) (*domain.TopicConfig, error)
	DeleteTopic(ctx context.Context, slug string) (*processor.CleanResult, error)
}

// TopicStats reads stored aggregates.
type TopicStats interface {
	Stats(ctx context.Context, slug string) (*domain.TopicStats, error)
	ListStats(ctx context.Context) ([]*domain.TopicStats, error)
}

// Cleaner runs the destructive clean inline.
type Cleaner interface {
	CleanTopic(ctx context.Context, slug string, confirm bool) (*processor.CleanResult, error)
}

// Tasks is the task ledger surface the API uses.
type Tasks interface {
	Create(ctx context.Context, kind domain.TaskType, topicSlug string, params domain.JSONMap, requestedBy string) (*domain.Task, error)
	SetStatus(ctx context.Context, id string, status domain.Status, result domain.JSONMap, errText string) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, f task.Filter) ([]*domain.Task, error)
	Stats(ctx context.Context) (map[domain.Status]int, error)
	Track(ctx context.Context, id string, fn func(ctx context.Context) (domain.JSONMap, error)) (domain.JSONMap, error)
	Delete(ctx context.Context, id string) error
}

// Queue is the work queue surface the API uses.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	Stats(ctx context.Context) (*queue.Stats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Healthy(ctx context.Context) (bool, error)
}

// Workers reports the in-process worker pool.
type Workers interface {
	Stats() worker.PoolStats
}

// Locks inspects the advisory locks that serialize topic operations.
type Locks interface {
	IsLocked(ctx context.Context, name string) (bool, error)
	ActiveLocks(ctx context.Context) ([]coordination.ActiveLock, error)
}

// Runs reads run history.
type Runs interface {
	List(ctx context.Context, f database.RunFilter) ([]*domain.Run, error)
	Get(ctx context.Context, id string) (*domain.Run, error)
}

// RunItems lists the items produced by a run.
type RunItems interface {
	ListByRun(ctx context.Context, runID string) ([]*domain.Item, error)
}

// Schedules exposes the scheduler state.
type Schedules interface {
	Schedules() []scheduler.ScheduleInfo
	Running() bool
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Admin, Schedules, Workers,
// Locks, Stream, Metrics and DB may be nil.
type Deps struct {
	Topics    Topics
	Admin     TopicAdmin
	Stats     TopicStats
	Cleaner   Cleaner
	Tasks     Tasks
	Queue     Queue
	Runs      Runs
	RunItems  RunItems
	Schedules Schedules
	Workers   Workers
	Locks     Locks
	DB        Pinger
	Stream    *events.StreamHandler
	Metrics   *metrics.Metrics
}

// Server is the HTTP server with lifecycle management.
type Server struct {
	router *gin.Engine
	server *http.Server
	logger logger.Logger
	cfg    config.ServerConfig
}

// NewServer builds the router with the standard middleware chain and every
// route.
func NewServer(cfg config.ServerConfig, deps Deps, log logger.Logger) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RecoveryMiddleware(log))
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.CORSOrigins))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}

	registerRoutes(router, deps, log)

	return &Server{
		router: router,
		logger: log,
		cfg:    cfg,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Router returns the gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func registerRoutes(router *gin.Engine, deps Deps, log logger.Logger) {
	h := &handler{deps: deps, logger: log}

	v1 := router.Group("/api/v1")

	topics := v1.Group("/topics")
	topics.GET("", h.listTopics)
	topics.GET("/:slug", h.getTopic)
	topics.POST("", h.createTopic)
	topics.PUT("/:slug", h.updateTopic)
	topics.DELETE("/:slug", h.deleteTopic)
	topics.POST("/:slug/process", h.processTopic)
	topics.POST("/:slug/revert", h.revertTopic)
	topics.POST("/:slug/clean", h.cleanTopic)

	tasks := v1.Group("/tasks")
	tasks.GET("", h.listTasks)
	tasks.GET("/stats", h.taskStats)
	tasks.GET("/:id", h.getTask)
	tasks.DELETE("/:id", h.deleteTask)

	runs := v1.Group("/runs")
	runs.GET("", h.listRuns)
	runs.GET("/:id", h.getRun)
	runs.GET("/:id/summary", h.getRunSummary)

	q := v1.Group("/queue")
	q.GET("/stats", h.queueStats)
	q.POST("/pause", h.pauseQueue)
	q.POST("/resume", h.resumeQueue)
	q.DELETE("/jobs/:id", h.cancelJob)

	v1.GET("/schedules", h.listSchedules)
	v1.GET("/locks", h.listLocks)
	v1.GET("/health", h.health)
	router.GET("/health", h.health)

	if deps.Stream != nil {
		v1.GET("/events/stream", deps.Stream.SSE)
		v1.GET("/events/ws", deps.Stream.WebSocket)
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
		v1.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		logger.String("address", s.server.Addr),
		logger.Duration("read_timeout", s.server.ReadTimeout),
		logger.Duration("write_timeout", s.server.WriteTimeout),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync starts the server in a goroutine. The channel receives a
// serve error, if any, and is then closed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains connections within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.logger.Info("Shutting down HTTP server", logger.Duration("timeout", timeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped gracefully")
	return nil
}
