package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/processor"
)

func TestParsePeriod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1d", want: 24 * time.Hour},
		{in: "12h", want: 12 * time.Hour},
		{in: "30m", want: 30 * time.Minute},
		{in: "0h", want: 0},
		{in: "", wantErr: true},
		{in: "1w", wantErr: true},
		{in: "d1", wantErr: true},
		{in: "1.5h", wantErr: true},
		{in: " 1d", wantErr: true},
		{in: "106751d", want: 106751 * 24 * time.Hour},
		{in: "106752d", wantErr: true},
		{in: "2562048h", wantErr: true},
		{in: "99999999999999999999m", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := processor.ParsePeriod(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, processor.ErrInvalidPeriod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRevertTopic_InvalidPeriodTouchesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(topicMap{"rv": topicWith("rv", feedSource("a", "https://a.example"))}, staticAdapter(item("x")))
	p := h.processor(t)
	_, err := p.ProcessTopic(context.Background(), "rv", false)
	require.NoError(t, err)

	_, err = p.RevertTopic(context.Background(), "rv", "yesterday")
	require.ErrorIs(t, err, processor.ErrInvalidPeriod)
	assert.True(t, processor.IsConfigError(err))
	assert.Zero(t, h.store.revertCalls)
	assert.Equal(t, 1, h.store.itemCount())
}

func TestRevertTopic_RemovesRecentRunsItemsAndWatermarks(t *testing.T) {
	t.Parallel()

	h := newHarness(topicMap{"rv": topicWith("rv", feedSource("a", "https://a.example"))}, staticAdapter(item("x"), item("y")))
	p := h.processor(t)
	_, err := p.ProcessTopic(context.Background(), "rv", false)
	require.NoError(t, err)

	res, err := p.RevertTopic(context.Background(), "rv", "1h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted)
	assert.Equal(t, int64(2), res.ItemsDeleted)
	assert.Equal(t, int64(1), res.WatermarksDeleted)
	assert.Empty(t, res.Message)

	_, ok := h.store.watermark(h.store.sourceByName("a").ID)
	assert.False(t, ok)
	assert.Zero(t, h.store.itemCount())
}

func TestRevertTopic_NoRunsInPeriod(t *testing.T) {
	t.Parallel()

	h := newHarness(topicMap{"rv": topicWith("rv", feedSource("a", "https://a.example"))}, staticAdapter(item("x")))
	p := h.processor(t)
	_, err := p.ProcessTopic(context.Background(), "rv", false)
	require.NoError(t, err)
	for _, r := range h.store.runs {
		r.CreatedAt = time.Now().Add(-48 * time.Hour)
	}

	res, err := p.RevertTopic(context.Background(), "rv", "1d")
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
	assert.Equal(t, "No runs found in the specified period", res.Message)
	assert.Equal(t, 1, h.store.itemCount())
	assert.Equal(t, "No runs found in the specified period", res.ToMap()["message"])
}

func TestRevertTopic_UnknownTopic(t *testing.T) {
	t.Parallel()

	p := newHarness(topicMap{"cfg-only": topicWith("cfg-only")}).processor(t)

	_, err := p.RevertTopic(context.Background(), "missing", "1d")
	require.ErrorIs(t, err, processor.ErrTopicNotFound)

	_, err = p.RevertTopic(context.Background(), "cfg-only", "1d")
	require.ErrorIs(t, err, processor.ErrTopicNotFound, "configured but never stored")
}

func TestCleanTopic(t *testing.T) {
	t.Parallel()

	h := newHarness(topicMap{"cl": topicWith("cl", feedSource("a", "https://a.example"))}, staticAdapter(item("x"), item("y")))
	p := h.processor(t)
	_, err := p.ProcessTopic(context.Background(), "cl", false)
	require.NoError(t, err)

	_, err = p.CleanTopic(context.Background(), "cl", false)
	require.ErrorIs(t, err, processor.ErrConfirmationRequired)
	assert.Equal(t, 2, h.store.itemCount())

	res, err := p.CleanTopic(context.Background(), "cl", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Deleted.Runs)
	assert.Equal(t, int64(2), res.Deleted.RunItems)
	assert.Equal(t, int64(2), res.Deleted.Items)
	assert.Equal(t, int64(1), res.Deleted.Sources)
	assert.Equal(t, int64(1), res.Deleted.Watermarks)
	assert.Equal(t, int64(1), res.Deleted.Topic)
	assert.Contains(t, res.Message, "cl")

	deleted, ok := res.ToMap()["deleted"].(domain.JSONMap)
	require.True(t, ok)
	assert.Equal(t, true, deleted["topic"])

	_, err = p.CleanTopic(context.Background(), "cl", true)
	require.ErrorIs(t, err, processor.ErrTopicNotFound)
}
