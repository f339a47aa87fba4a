package topics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const validTopic = `{
  "name": "Go News",
  "slug": "go-news",
  "lookbackDays": 3,
  "schedule": {"cron": "0 8 * * *", "timezone": "UTC"},
  "sources": [
    {"name": "blog", "type": "rss", "url": "https://go.dev/blog/feed.atom"},
    {"name": "releases", "type": "github", "url": "https://github.com/golang/go", "enabled": false}
  ],
  "channels": {"notifier": {"targets": ["slack:#go"]}, "slack": {"channels": ["#legacy"]}}
}`

func TestParse_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(validTopic))
	require.NoError(t, err)
	assert.Equal(t, "go-news", cfg.Slug)
	assert.True(t, cfg.Enabled, "enabled defaults to true")
	assert.Equal(t, 3, cfg.LookbackDays)
	assert.Equal(t, "0 8 * * *", cfg.Schedule.Cron)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, domain.SourceKindFeed, cfg.Sources[0].Kind)
	assert.Equal(t, domain.SourceKindCodeHost, cfg.Sources[1].Kind)
	assert.True(t, cfg.Sources[0].Enabled)
	assert.False(t, cfg.Sources[1].Enabled)
	assert.Equal(t, []string{"slack:#go", "slack:#legacy"}, cfg.Channels.Targets())
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"bad slug":        `{"name":"x","slug":"Go News","sources":[]}`,
		"zero lookback":   `{"name":"x","slug":"x","lookbackDays":0,"sources":[]}`,
		"unknown kind":    `{"name":"x","slug":"x","sources":[{"name":"a","type":"imap","url":"u"}]}`,
		"missing sources": `{"name":"x","slug":"x"}`,
		"source no url":   `{"name":"x","slug":"x","sources":[{"name":"a","type":"feed"}]}`,
		"duplicate names": `{"name":"x","slug":"x","sources":[{"name":"a","type":"feed","url":"u"},{"name":"a","type":"feed","url":"v"}]}`,
		"not json":        `{"name":`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidTopic)
		})
	}
}

func writeTopic(t *testing.T, dir, file, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o600))
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTopic(t, dir, "b.json", `{"name":"B","slug":"b","sources":[]}`)
	writeTopic(t, dir, "a.json", `{"name":"A","slug":"a","sources":[]}`)
	writeTopic(t, dir, "notes.txt", "ignored")

	cfgs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, "a", cfgs[0].Slug)
	assert.Equal(t, "b", cfgs[1].Slug)

	writeTopic(t, dir, "c.json", `{"name":"Again","slug":"a","sources":[]}`)
	_, err = LoadDir(dir)
	require.ErrorIs(t, err, ErrInvalidTopic)

	cfgs, err = LoadDir(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, cfgs)
}

func TestRegistry_ReloadKeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTopic(t, dir, "a.json", `{"name":"A","slug":"a","sources":[]}`)

	r, err := NewRegistry(dir, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	writeTopic(t, dir, "broken.json", `{"slug":"UPPER"}`)
	require.Error(t, r.Reload())

	cfg, ok := r.Topic("a")
	require.True(t, ok)
	assert.Equal(t, "A", cfg.Name)
}

func TestRegistry_WatchReloadsAndNotifies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := NewRegistry(dir, logger.NewNop())
	require.NoError(t, err)
	r.debounce = 20 * time.Millisecond

	changed := make(chan struct{}, 4)
	r.OnChange(func() { changed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeTopic(t, dir, "new.json", `{"name":"New","slug":"new","sources":[]}`)

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after file write")
	}
	_, ok := r.Topic("new")
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)
}

func TestNewStaticRegistry(t *testing.T) {
	t.Parallel()

	r := NewStaticRegistry(&domain.TopicConfig{Slug: "x"}, &domain.TopicConfig{Slug: "y"})
	assert.Equal(t, 2, r.Len())
	_, ok := r.Topic("y")
	assert.True(t, ok)
	assert.Len(t, r.All(), 2)
}
