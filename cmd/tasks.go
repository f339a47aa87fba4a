package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/task"
)

const errorColumnWidth = 60

func tasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect the task ledger",
	}

	var f task.Filter
	var status, kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Status = domain.Status(status)
			f.Type = domain.TaskType(kind)
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				tasks, err := app.Tasks.List(ctx, f)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				renderTasks(t, tasks)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.TopicSlug, "topic", "", "filter by topic slug")
	list.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed)")
	list.Flags().StringVar(&kind, "type", "", "filter by type (process, revert, clean)")
	list.Flags().IntVar(&f.Limit, "limit", 20, "maximum rows")

	cmd.AddCommand(list)
	return cmd
}

func renderTasks(t table.Writer, tasks []*domain.Task) {
	t.SetStyle(table.StyleRounded)
	t.SetColumnConfigs([]table.ColumnConfig{{Name: "Error", WidthMax: errorColumnWidth}})
	t.AppendHeader(table.Row{"ID", "Type", "Topic", "Status", "By", "Created", "Duration", "Error"})
	for _, tk := range tasks {
		topic := ""
		if tk.TopicSlug != nil {
			topic = *tk.TopicSlug
		}
		errText := ""
		if tk.Error != nil {
			errText = *tk.Error
		}
		t.AppendRow(table.Row{
			tk.ID, tk.Type, topic, tk.Status, tk.RequestedBy,
			tk.CreatedAt.Local().Format(time.DateTime), duration(tk), errText,
		})
	}
	t.AppendFooter(table.Row{"Total", len(tasks)})
	t.Render()
}

func duration(tk *domain.Task) string {
	if tk.StartedAt == nil || tk.CompletedAt == nil {
		return ""
	}
	return tk.CompletedAt.Sub(*tk.StartedAt).Round(time.Millisecond).String()
}

func initDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create or update stored topics and sources from configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				n, err := app.SyncTopics(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Database initialization completed. Processed %d topics.\n", n)
				return nil
			})
		},
	}
}
