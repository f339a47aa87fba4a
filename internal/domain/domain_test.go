package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

func TestParseSourceKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]domain.SourceKind{
		"feed":            domain.SourceKindFeed,
		"rss":             domain.SourceKindFeed,
		"github":          domain.SourceKindCodeHost,
		"discord":         domain.SourceKindChatChannel,
		"content_monitor": domain.SourceKindChangeDetector,
		"change-detector": domain.SourceKindChangeDetector,
	} {
		got, err := domain.ParseSourceKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := domain.ParseSourceKind("ftp")
	require.Error(t, err)
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, domain.StatusPending.IsTerminal())
	assert.False(t, domain.StatusRunning.IsTerminal())
	assert.True(t, domain.StatusCompleted.IsTerminal())
	assert.True(t, domain.StatusFailed.IsTerminal())
}

func TestJSONMapScan(t *testing.T) {
	t.Parallel()

	var m domain.JSONMap
	require.NoError(t, m.Scan([]byte(`{"a":1}`)))
	assert.InDelta(t, 1.0, m["a"], 0)

	require.NoError(t, m.Scan(nil))
	assert.Empty(t, m)

	require.Error(t, m.Scan(42))
}

func TestChannelsTargets(t *testing.T) {
	t.Parallel()

	c := domain.ChannelsConfig{
		Notifier: domain.NotifierTargets{Targets: []string{"telegram:42"}},
		Slack:    domain.SlackChannels{Channels: []string{"#news"}},
	}
	assert.Equal(t, []string{"telegram:42", "slack:#news"}, c.Targets())
}

func TestTopicConfigUnmarshal_Defaults(t *testing.T) {
	t.Parallel()

	var cfg domain.TopicConfig
	err := json.Unmarshal([]byte(`{
		"name": "Go", "slug": "go",
		"sources": [
			{"name": "blog", "type": "rss", "url": "https://go.dev/blog/feed.atom"},
			{"name": "off", "type": "github", "url": "https://github.com/golang/go", "enabled": false}
		]
	}`), &cfg)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, domain.SourceKindFeed, cfg.Sources[0].Kind)
	assert.True(t, cfg.Sources[0].Enabled)
	assert.Equal(t, domain.SourceKindCodeHost, cfg.Sources[1].Kind)
	assert.Len(t, cfg.EnabledSources(), 1)
}
