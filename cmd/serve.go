package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/scheduler"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/worker"
)

const (
	queueDepthInterval = 15 * time.Second
	stopTimeout        = 45 * time.Second
)

func serveCommand() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				return serve(ctx, app, !noWorkers)
			})
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not consume jobs in this process")
	return cmd
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers only",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				pool, err := app.NewPool()
				if err != nil {
					return err
				}
				if err = pool.Start(ctx); err != nil {
					return err
				}
				go reportQueueDepth(ctx, app)
				<-ctx.Done()
				return stopPool(pool, app.Logger)
			})
		},
	}
}

func serve(ctx context.Context, app *bootstrap.App, runWorkers bool) error {
	log := app.Logger

	if err := database.RunMigrations(app.DB.DB, log); err != nil {
		return err
	}
	if _, err := app.SyncTopics(ctx); err != nil {
		log.Warn("Topic sync failed, continuing", logger.Error(err))
	}

	var sched *scheduler.Scheduler
	if app.Config.Scheduler.Enabled {
		sched = app.NewScheduler()
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		app.Topics.OnChange(sched.Refresh)
	}

	if app.Config.Topics.Watch {
		go func() {
			if err := app.Topics.Watch(ctx); err != nil {
				log.Error("Topic watcher stopped", logger.Error(err))
			}
		}()
	}

	var pool *worker.Pool
	if runWorkers {
		var err error
		if pool, err = app.NewPool(); err != nil {
			return err
		}
		if err = pool.Start(ctx); err != nil {
			return err
		}
	}
	go reportQueueDepth(ctx, app)

	server := app.NewServer(sched, pool)
	errCh := server.StartAsync()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	errs := []error{serveErr}
	if err := server.Shutdown(stopCtx); err != nil {
		errs = append(errs, err)
	}
	if sched != nil {
		if err := sched.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if pool != nil {
		if err := stopPool(pool, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stopPool(pool *worker.Pool, log logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		log.Warn("Worker pool did not drain cleanly", logger.Error(err))
		return err
	}
	return nil
}

// reportQueueDepth publishes queue gauges until ctx is done.
func reportQueueDepth(ctx context.Context, app *bootstrap.App) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		stats, err := app.Queue.Stats(ctx)
		if err == nil {
			app.Metrics.SetQueueDepth(map[string]int64{
				"waiting":   stats.Waiting,
				"active":    stats.Active,
				"delayed":   stats.Delayed,
				"completed": stats.Completed,
				"failed":    stats.Failed,
			})
		} else if ctx.Err() == nil {
			app.Logger.Debug("Queue stats unavailable", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
