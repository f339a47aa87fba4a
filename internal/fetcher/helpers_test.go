package fetcher

import (
	"net/http"
	"testing"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

func newTestClient(t *testing.T) *HTTPClient {
	t.Helper()
	return NewHTTPClient(&http.Client{}, config.FetcherConfig{
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}, logger.NewNop())
}
