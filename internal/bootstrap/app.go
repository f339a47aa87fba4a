// Package bootstrap builds the topic-monitor object graph shared by every
// command: storage, queue, topic registry, processor and their adapters.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/api"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/coordination"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/dedup"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/events"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/fetcher"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/metrics"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/notifier"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/processor"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/scheduler"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/summarizer"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/task"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/topics"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/worker"
)

const notifierHTTPTimeout = 30 * time.Second

// LoadConfig reads path, applies defaults and validates.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadWithDefaults(path, func(c *config.Config) { c.SetDefaults() })
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// App holds the wired components. Close releases connections.
type App struct {
	Config    *config.Config
	Logger    logger.Logger
	DB        *sqlx.DB
	Redis     *redis.Client
	Store     *database.Store
	Topics    *topics.Registry
	Tasks     *task.Ledger
	Queue     *queue.Queue
	Broker    *events.Broker
	Stats     *events.StatsReporter
	Metrics   *metrics.Metrics
	Dedup     *dedup.Gate
	Locks     *coordination.AdvisoryLocker
	Processor *processor.Processor
	Admin     *processor.Admin
}

// New connects to Postgres and Redis, loads topics and wires the processor.
func New(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log, Metrics: metrics.New()}

	db, err := database.NewPostgresConnection(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = db
	a.Store = database.NewStore(db)

	a.Redis, err = queue.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Queue, err = queue.New(ctx, a.Redis, cfg.Redis.Prefix, cfg.Queue, log.With(logger.Component("queue")))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("create queue: %w", err)
	}

	a.Topics, err = topics.NewRegistry(cfg.Topics.Dir, log.With(logger.Component("topics")))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load topics: %w", err)
	}

	a.Tasks = task.NewLedger(a.Store.Tasks, log)
	a.Broker = events.NewBroker(log.With(logger.Component("events")))
	a.Stats = events.NewStatsReporter(a.Store.Topics, a.Broker, log)
	a.Dedup = dedup.NewGate(a.Store.Items, cfg.Dedup.LookbackDays, log)
	a.Locks = coordination.NewAdvisoryLocker(db.DB, cfg.Lock, log.With(logger.Component("lock")))

	a.Processor, err = processor.New(processor.Config{
		LockTimeout:      cfg.Lock.Timeout,
		FetchConcurrency: cfg.Fetcher.Concurrency,
		Global:           cfg.Global,
	}, processor.Deps{
		Topics:      a.Topics,
		Store:       processor.NewDBStore(a.Store),
		Locker:      a.Locks,
		Adapters:    fetcher.NewFactory(&http.Client{Timeout: cfg.Fetcher.Timeout}, cfg.Fetcher, log),
		Dedup:       a.Dedup,
		Summarizer:  newSummarizer(cfg.Summarizer, log),
		Notifier:    newNotifier(cfg.Notifier, log),
		Broadcaster: a.Broker,
		Stats:       a.Stats,
		Metrics:     a.Metrics,
	}, log.With(logger.Component("processor")))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Admin = processor.NewAdmin(a.Topics, a.Processor, log.With(logger.Component("admin")))
	return a, nil
}

func newSummarizer(cfg config.SummarizerConfig, log logger.Logger) processor.Summarizer {
	if cfg.APIKey == "" {
		log.Warn("Summarizer disabled: no API key configured")
		return nil
	}
	return summarizer.New(cfg, nil, log.With(logger.Component("summarizer")))
}

func newNotifier(cfg config.NotifierConfig, log logger.Logger) processor.Notifier {
	client := &http.Client{Timeout: notifierHTTPTimeout}
	var slack, telegram notifier.Poster
	if cfg.SlackToken != "" {
		slack = notifier.NewSlack(client, cfg, log)
	}
	if cfg.TelegramToken != "" {
		telegram = notifier.NewTelegram(client, cfg, log)
	}
	if slack == nil && telegram == nil {
		log.Warn("Notifications disabled: no Slack or Telegram token configured")
		return nil
	}
	return notifier.NewRouter(log, slack, telegram)
}

// NewScheduler builds the cron scheduler over the app's topics and queue.
func (a *App) NewScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		DefaultSchedule: a.Config.Global.DefaultSchedule,
		Timezone:        a.Config.Global.Timezone,
		MaintenanceCron: a.Config.Scheduler.MaintenanceCron,
		RetentionDays:   a.Config.Scheduler.TaskRetentionDays,
	}, a.Topics, a.Tasks, a.Queue, a.Dedup, a.Logger.With(logger.Component("scheduler")))
}

// NewPool builds the worker pool running process and revert jobs.
func (a *App) NewPool() (*worker.Pool, error) {
	handlers := processor.NewHandlers(a.Processor, a.Tasks, a.Broker, a.Logger.With(logger.Component("handlers")))
	return worker.NewPool(a.Queue, handlers.Map(), a.Config.Queue, a.Logger.With(logger.Component("worker")), a.Metrics)
}

// NewServer builds the HTTP server. sched and pool may be nil.
func (a *App) NewServer(sched *scheduler.Scheduler, pool *worker.Pool) *api.Server {
	deps := api.Deps{
		Topics:   a.Topics,
		Admin:    a.Admin,
		Stats:    a.Store.Topics,
		Cleaner:  a.Processor,
		Tasks:    a.Tasks,
		Queue:    a.Queue,
		Runs:     a.Store.Runs,
		RunItems: a.Store.Items,
		Locks:    a.Locks,
		DB:       a.DB,
		Stream:   events.NewStreamHandler(a.Broker, a.Stats, a.Logger),
		Metrics:  a.Metrics,
	}
	if sched != nil {
		deps.Schedules = sched
	}
	if pool != nil {
		deps.Workers = pool
	}
	return api.NewServer(a.Config.Server, deps, a.Logger.With(logger.Component("api")))
}

// SyncTopics upserts every configured topic and its sources so stored rows
// exist before the first run.
func (a *App) SyncTopics(ctx context.Context) (int, error) {
	n := 0
	for _, cfg := range a.Topics.All() {
		if _, err := a.Processor.SyncTopic(ctx, cfg); err != nil {
			return n, err
		}
		a.Logger.Info("Topic initialized", logger.TopicSlug(cfg.Slug), logger.Int("sources", len(cfg.Sources)))
		n++
	}
	return n, nil
}

// Close releases Redis and Postgres connections.
func (a *App) Close() error {
	var errs []error
	if a.Broker != nil {
		a.Broker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
