package processor_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/fetcher"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// An upstream that hangs on the first request only costs one attempt: the
// retry still runs and the run succeeds.
func TestProcessTopic_RetriesAfterHungAttempt(t *testing.T) {
	t.Parallel()

	body := fmt.Sprintf(rssTemplate, rssItem("recovered", time.Now().UTC().Add(-time.Hour)))
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(topicMap{"t1": topicWith("t1", feedSource("feed", srv.URL))})
	h.deps.Adapters = fetcher.NewFactory(srv.Client(), config.FetcherConfig{
		Timeout: 300 * time.Millisecond, MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond,
	}, logger.NewNop())

	res, err := h.processor(t).ProcessTopic(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessTopic_FetchesSourcesConcurrently(t *testing.T) {
	t.Parallel()

	var arrived atomic.Int32
	both := make(chan struct{})
	adapter := &stubAdapter{
		kind: domain.SourceKindFeed,
		fetch: func(ctx context.Context, src *domain.Source, _ string) (*fetcher.Result, error) {
			if arrived.Add(1) == 2 {
				close(both)
			}
			select {
			case <-both:
			case <-time.After(time.Second):
				return nil, errors.New("sources were fetched one at a time")
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &fetcher.Result{Items: []domain.FetchedItem{item("from " + src.Name)}, NextWatermark: "2026-03-01T00:00:00Z"}, nil
		},
	}
	topic := topicWith("t1", feedSource("a", "https://a.example"), feedSource("b", "https://b.example"))
	h := newHarness(topicMap{"t1": topic}, adapter)

	res, err := h.processor(t).ProcessTopic(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 2, h.store.itemCount())
}

func TestProcessTopic_FiltersKeywords(t *testing.T) {
	t.Parallel()

	adapter := staticAdapter(item("New Model released"), item("Sponsored model deal"), item("Gardening tips"))
	topic := topicWith("t1", feedSource("feed", "https://feed.example"))
	topic.IncludeKeywords = []string{"model"}
	topic.ExcludeKeywords = []string{" SPONSORED "}
	h := newHarness(topicMap{"t1": topic}, adapter)

	res, err := h.processor(t).ProcessTopic(context.Background(), "t1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, h.store.itemCount())

	// The cursor advances past filtered items.
	src := h.store.sourceByName("feed")
	require.NotNil(t, src)
	wm, ok := h.store.watermark(src.ID)
	require.True(t, ok)
	assert.Equal(t, "2026-03-01T00:00:00Z", wm)
}
