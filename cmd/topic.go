package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/processor"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
)

// requestedBy is the requester recorded on tasks created from the CLI.
const requestedBy = "cli"

func processCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "process <topic-slug>",
		Short: "Queue a processing run for a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				out := cmd.OutOrStdout()
				cfg, ok := app.Topics.Topic(slug)
				if !ok {
					return fmt.Errorf("%w: %s", processor.ErrTopicNotFound, slug)
				}
				if !cfg.Enabled {
					return fmt.Errorf("%w: %s", processor.ErrTopicDisabled, slug)
				}
				return enqueue(ctx, app, out, domain.JSONMap{"topic_slug": slug, "force": force}, queue.EnqueueRequest{
					TaskType:  domain.TaskTypeProcess,
					TopicSlug: slug,
					Params:    map[string]any{"force": force},
					Force:     force,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore watermarks and dedup history")
	return cmd
}

func revertCommand() *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "revert <topic-slug>",
		Short: "Remove runs, items and watermarks created within a period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]
			if _, err := processor.ParsePeriod(period); err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				out := cmd.OutOrStdout()
				if _, ok := app.Topics.Topic(slug); !ok {
					return fmt.Errorf("%w: %s", processor.ErrTopicNotFound, slug)
				}
				return enqueue(ctx, app, out, domain.JSONMap{"topic_slug": slug, "period": period}, queue.EnqueueRequest{
					TaskType:  domain.TaskTypeRevert,
					TopicSlug: slug,
					Params:    map[string]any{"period": period},
				})
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "window to revert, e.g. 1d, 2h, 30m")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func cleanCommand() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "clean <topic-slug>",
		Short: "Delete every stored row of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]
			if !confirm {
				return fmt.Errorf("%w: pass --confirm to delete all data for %s", processor.ErrConfirmationRequired, slug)
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				t, err := app.Tasks.Create(ctx, domain.TaskTypeClean, slug, domain.JSONMap{"topic_slug": slug}, requestedBy)
				if err != nil {
					return err
				}

				var res *processor.CleanResult
				_, err = app.Tasks.Track(ctx, t.ID, func(ctx context.Context) (domain.JSONMap, error) {
					var cleanErr error
					if res, cleanErr = app.Processor.CleanTopic(ctx, slug, true); cleanErr != nil {
						return nil, cleanErr
					}
					return res.ToMap(), nil
				})
				if err != nil {
					return err
				}

				d := res.Deleted
				fmt.Fprintf(cmd.OutOrStdout(), "%s\nruns=%d items=%d run_items=%d watermarks=%d sources=%d\n",
					res.Message, d.Runs, d.Items, d.RunItems, d.Watermarks, d.Sources)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the destructive operation")
	return cmd
}

func enqueue(ctx context.Context, app *bootstrap.App, out io.Writer, params domain.JSONMap, req queue.EnqueueRequest) error {
	t, err := app.Tasks.Create(ctx, req.TaskType, req.TopicSlug, params, requestedBy)
	if err != nil {
		return err
	}
	req.TaskID = t.ID
	job, err := app.Queue.Enqueue(ctx, req)
	if err != nil {
		if setErr := app.Tasks.SetStatus(ctx, t.ID, domain.StatusFailed, nil, err.Error()); setErr != nil {
			app.Logger.Warn("Failed to mark task failed", logger.TaskID(t.ID), logger.Error(setErr))
		}
		var dup *queue.DuplicateJobError
		if errors.As(err, &dup) {
			return fmt.Errorf("topic %s already has job %s queued: %w", req.TopicSlug, dup.ExistingID, err)
		}
		return err
	}
	fmt.Fprintf(out, "Queued %s for %s (task %s, job %s)\n", req.TaskType, req.TopicSlug, t.ID, job.ID)
	return nil
}
