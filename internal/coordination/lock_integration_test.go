//go:build integration

package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/coordination"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const postgresStartupTimeout = 60 * time.Second

func startPostgres(t *testing.T) config.DatabaseConfig {
	t.Helper()
	ctx := context.Background()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "topic_monitor_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(postgresStartupTimeout),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "postgres",
		Password: "postgres",
		DBName:   "topic_monitor_test",
		SSLMode:  "disable",
	}
}

func TestAdvisoryLocker_Postgres(t *testing.T) {
	cfg := startPostgres(t)
	ctx := context.Background()

	db, err := database.NewPostgresConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.RunMigrations(db.DB, logger.NewNop()))

	for _, mode := range []string{config.LockModePoll, config.LockModeBlocking} {
		t.Run(mode, func(t *testing.T) {
			l := coordination.NewAdvisoryLocker(db.DB, config.LockConfig{
				Mode:         mode,
				PollInterval: 20 * time.Millisecond,
				Timeout:      time.Second,
			}, logger.NewNop())

			held := make(chan struct{})
			release := make(chan struct{})
			done := make(chan error, 1)
			go func() {
				done <- l.WithLock(ctx, "process-topic-ai", 0, func(context.Context) error {
					close(held)
					<-release
					return nil
				})
			}()
			<-held

			err := l.WithLock(ctx, "process-topic-ai", 200*time.Millisecond, func(context.Context) error {
				t.Fatal("acquired a held lock")
				return nil
			})
			var timeoutErr *coordination.LockTimeoutError
			require.ErrorAs(t, err, &timeoutErr)
			assert.Equal(t, coordination.LockKey("process-topic-ai"), timeoutErr.Key)

			close(release)
			require.NoError(t, <-done)

			ran := false
			require.NoError(t, l.WithLock(ctx, "process-topic-ai", 0, func(context.Context) error {
				ran = true
				return nil
			}))
			assert.True(t, ran)
		})
	}
}
