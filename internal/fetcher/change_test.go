package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const changelogPage = `<html><head><title>Changelog</title></head><body>
<div id="log"><ul>
<li><h3>v2</h3><a href="/v2">notes</a> Second release</li>
<li><a href="https://other.example/x">Link only</a></li>
<li>   </li>
</ul><script>var x = 1;</script></div>
</body></html>`

func pageServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(changelogPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChangeDetector_ItemsThenUnchanged(t *testing.T) {
	t.Parallel()

	srv := pageServer(t)
	a := NewChangeDetector(newTestClient(t), logger.NewNop())
	src := &domain.Source{
		Name: "changelog",
		URL:  srv.URL + "/changelog",
		Meta: domain.JSONMap{"monitorSelector": "#log", "item_selector": "li"},
	}

	first, err := a.FetchItems(context.Background(), src, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "v2", first.Items[0].Title)
	assert.Equal(t, srv.URL+"/v2", first.Items[0].URL)
	assert.Equal(t, "Link only", first.Items[1].Title)
	assert.Equal(t, "https://other.example/x", first.Items[1].URL)
	assert.Len(t, first.NextWatermark, 64)

	second, err := a.FetchItems(context.Background(), src, first.NextWatermark)
	require.NoError(t, err)
	assert.Empty(t, second.Items)
	assert.Equal(t, first.NextWatermark, second.NextWatermark)
}

func TestChangeDetector_WholeFragment(t *testing.T) {
	t.Parallel()

	srv := pageServer(t)
	a := NewChangeDetector(newTestClient(t), logger.NewNop())

	res, err := a.FetchItems(context.Background(), &domain.Source{
		Name: "changelog", URL: srv.URL, Meta: domain.JSONMap{"monitor_selector": "#log"},
	}, "stale-hash")

	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Changelog", res.Items[0].Title)
	assert.Equal(t, "v2 notes Second release Link only", res.Items[0].Content)
	assert.NotEqual(t, "stale-hash", res.NextWatermark)
}

func TestChangeDetector_SelectorMissing(t *testing.T) {
	t.Parallel()

	srv := pageServer(t)
	a := NewChangeDetector(newTestClient(t), logger.NewNop())

	res, err := a.FetchItems(context.Background(), &domain.Source{
		URL: srv.URL, Meta: domain.JSONMap{"monitor_selector": "#nope"},
	}, "prev")
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, "prev", res.NextWatermark)

	_, err = a.FetchItems(context.Background(), &domain.Source{URL: srv.URL}, "")
	require.ErrorIs(t, err, ErrInvalidSource)
}

func TestFactory(t *testing.T) {
	t.Parallel()

	f := NewFactory(nil, newTestClient(t).cfg, logger.NewNop())

	for _, kind := range []domain.SourceKind{
		domain.SourceKindFeed, domain.SourceKindCodeHost, domain.SourceKindChatChannel, domain.SourceKindChangeDetector,
	} {
		a, err := f.For(kind)
		require.NoError(t, err)
		assert.Equal(t, kind, a.Kind())
	}

	_, err := f.For("carrier-pigeon")
	require.ErrorIs(t, err, ErrUnsupportedKind)
	assert.Len(t, f.Kinds(), 4)
}
