package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/retry"
)

const maxBodyBytes = 10 << 20

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	retryAfter time.Duration
	// response is the buffered reply kept by the transport so the final
	// attempt can be handed back to SDK clients.
	response *http.Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}

// RetryAfter returns the server-requested wait for 429 responses.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// Temporary reports whether the status may succeed on retry: 429 and 5xx.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Request describes one GET.
type Request struct {
	URL    string
	Header http.Header
	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
	// MaxAttempts overrides the configured attempt count.
	MaxAttempts int
}

// Response is a successful GET.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPClient is the outbound client shared by all adapters: every attempt
// has its own timeout, transient failures are retried with backoff.
type HTTPClient struct {
	client    *http.Client
	cfg       config.FetcherConfig
	logger    logger.Logger
	userAgent string
}

// NewHTTPClient creates an HTTPClient. A nil client uses a default transport.
func NewHTTPClient(client *http.Client, cfg config.FetcherConfig, log logger.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "topic-monitor/1.0"
	}
	return &HTTPClient{client: client, cfg: cfg, logger: log, userAgent: ua}
}

// Get performs req with retries.
func (c *HTTPClient) Get(ctx context.Context, req Request) (*Response, error) {
	attempts := c.cfg.MaxRetries
	if req.MaxAttempts > 0 {
		attempts = req.MaxAttempts
	}

	var resp *Response
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: c.cfg.BaseDelay,
		MaxDelay:     c.cfg.MaxDelay,
		IsRetryable:  isRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("Request failed, retrying",
				logger.String("url", req.URL),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Error(err),
			)
		},
	}, func(int) error {
		r, err := c.once(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) once(ctx context.Context, req Request) (*Response, error) {
	if req.Limiter != nil {
		if err := req.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	timeout := c.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errPermanentRequest, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.URL, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxBodyBytes))
		return nil, &StatusError{
			StatusCode: httpResp.StatusCode,
			URL:        req.URL,
			retryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After"), time.Now()),
		}
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: body}, nil
}

// Transport returns a RoundTripper that gives SDK clients the retries,
// per-attempt timeout and rate limiting of Get. Only GET and HEAD requests
// are retried. Response bodies are read into memory before the attempt
// context is released. When retries run out on 429 or 5xx the last
// response is returned so the SDK reports its own error for it.
func (c *HTTPClient) Transport(limiter *rate.Limiter) http.RoundTripper {
	return &retryTransport{client: c, limiter: limiter}
}

type retryTransport struct {
	client  *HTTPClient
	limiter *rate.Limiter
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempts := t.client.cfg.MaxRetries
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		attempts = 1
	}
	target := req.URL.Redacted()

	var resp *http.Response
	err := retry.Do(req.Context(), retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: t.client.cfg.BaseDelay,
		MaxDelay:     t.client.cfg.MaxDelay,
		IsRetryable:  isRetryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			t.client.logger.Warn("Request failed, retrying",
				logger.String("url", target),
				logger.Int("attempt", attempt),
				logger.Duration("delay", delay),
				logger.Error(err),
			)
		},
	}, func(int) error {
		r, err := t.once(req, target)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.response != nil {
			return se.response, nil
		}
		return nil, err
	}
	return resp, nil
}

func (t *retryTransport) once(req *http.Request, target string) (*http.Response, error) {
	ctx := req.Context()
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, t.client.cfg.Timeout)
	defer cancel()

	out := req.Clone(attemptCtx)
	if out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", t.client.userAgent)
	}
	resp, err := t.client.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Request = req

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        target,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			response:   resp,
		}
	}
	return resp, nil
}

var errPermanentRequest = errors.New("invalid request")

func isRetryable(err error) bool {
	if errors.Is(err, errPermanentRequest) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
