// Package httpx is the shared REST client for upstream data sources.
// Every outbound call goes through per-host rate limiting, a per-host
// circuit breaker, and an optional response cache, and failures come
// back classified as retriable or terminal so fetchers can map them
// onto fetch errors without inspecting transport details.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vaultline/riskwatch/internal/config"
)

const maxBodyBytes = 4 << 20

// CallError describes a failed upstream call. Retriable covers timeouts,
// transport faults, 429 and 5xx responses; everything else is terminal.
type CallError struct {
	Host      string
	Status    int
	Retriable bool
	Cause     error
}

func (e *CallError) Error() string {
	kind := "terminal"
	if e.Retriable {
		kind = "retriable"
	}
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s returned %d (%s): %v", e.Host, e.Status, kind, e.Cause)
	}
	return fmt.Sprintf("upstream %s failed (%s): %v", e.Host, kind, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Retriable reports whether err represents a transient upstream failure.
func Retriable(err error) bool {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Retriable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Observer receives upstream call outcomes for metrics export.
type Observer interface {
	SourceRequest(host string, ok bool)
	SourceCacheHit(host string)
	SourceCacheMiss(host string)
	BreakerStateChange(host string, open bool)
}

// Client issues rate-limited, breaker-guarded HTTP requests.
type Client struct {
	hc       *http.Client
	cache    ResponseCache
	breakers *BreakerManager
	observer Observer
	cacheTTL time.Duration
	rps      float64
	burst    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a client from source settings. A nil cache disables response
// caching entirely.
func New(cfg config.HTTPClientConfig, cache ResponseCache) *Client {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 4
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		hc:       &http.Client{Timeout: cfg.Timeout()},
		cache:    cache,
		breakers: NewBreakerManager(cfg.Breaker.MaxFailures, cfg.Breaker.ResetTimeout()),
		cacheTTL: cfg.CacheTTL(),
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetObserver wires an outcome recorder, typically the telemetry
// registry. Call before the first request is issued.
func (c *Client) SetObserver(o Observer) {
	c.observer = o
	if o != nil {
		c.breakers.SetStateHook(o.BreakerStateChange)
	}
}

// RequestOption adjusts a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers  http.Header
	cacheTTL time.Duration
	noCache  bool
}

// WithHeader adds a request header, typically an API key.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(http.Header)
		}
		o.headers.Set(key, value)
	}
}

// WithCacheTTL overrides the client-wide cache TTL for one request.
func WithCacheTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) { o.cacheTTL = ttl }
}

// WithoutCache bypasses the response cache for one request.
func WithoutCache() RequestOption {
	return func(o *requestOptions) { o.noCache = true }
}

// GetJSON fetches rawURL and decodes the body into out. Cached bodies are
// served without touching the upstream.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out interface{}, opts ...RequestOption) error {
	body, err := c.Get(ctx, rawURL, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &CallError{Host: hostOf(rawURL), Retriable: false, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Get fetches rawURL and returns the raw body.
func (c *Client) Get(ctx context.Context, rawURL string, opts ...RequestOption) ([]byte, error) {
	options := requestOptions{cacheTTL: c.cacheTTL}
	for _, opt := range opts {
		opt(&options)
	}

	host := hostOf(rawURL)
	useCache := c.cache != nil && !options.noCache && options.cacheTTL > 0
	if useCache {
		if body, ok := c.cache.Get(ctx, cacheKey(rawURL)); ok {
			if c.observer != nil {
				c.observer.SourceCacheHit(host)
			}
			return body, nil
		}
		if c.observer != nil {
			c.observer.SourceCacheMiss(host)
		}
	}

	body, err := c.do(ctx, http.MethodGet, rawURL, host, nil, options.headers)
	if err != nil {
		return nil, err
	}
	if useCache {
		c.cache.Set(ctx, cacheKey(rawURL), body, options.cacheTTL)
	}
	return body, nil
}

// PostJSON sends payload as a JSON body and decodes the response into out.
// POST responses are never cached.
func (c *Client) PostJSON(ctx context.Context, rawURL string, payload, out interface{}, opts ...RequestOption) error {
	options := requestOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return &CallError{Host: hostOf(rawURL), Retriable: false, Cause: fmt.Errorf("encode request: %w", err)}
	}

	body, err := c.do(ctx, http.MethodPost, rawURL, hostOf(rawURL), encoded, options.headers)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &CallError{Host: hostOf(rawURL), Retriable: false, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Breakers exposes per-host circuit state for health surfaces.
func (c *Client) Breakers() []BreakerStatus {
	return c.breakers.Status()
}

func (c *Client) do(ctx context.Context, method, rawURL, host string, payload []byte, headers http.Header) ([]byte, error) {
	if err := c.limiter(host).Wait(ctx); err != nil {
		return nil, &CallError{Host: host, Retriable: true, Cause: err}
	}

	result, err := c.breakers.For(host).Execute(func() (interface{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, &CallError{Host: host, Retriable: false, Cause: err}
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, values := range headers {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, &CallError{Host: host, Retriable: true, Cause: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, &CallError{Host: host, Retriable: true, Cause: err}
		}

		log.Debug().
			Str("host", host).
			Str("method", method).
			Int("status", resp.StatusCode).
			Dur("elapsed", time.Since(start)).
			Msg("upstream call")

		if resp.StatusCode != http.StatusOK {
			return nil, &CallError{
				Host:      host,
				Status:    resp.StatusCode,
				Retriable: retriableStatus(resp.StatusCode),
				Cause:     fmt.Errorf("%s: %s", resp.Status, truncate(body, 200)),
			}
		}
		return body, nil
	})
	if c.observer != nil {
		c.observer.SourceRequest(host, err == nil)
	}
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) {
			return nil, callErr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &CallError{Host: host, Retriable: true, Cause: fmt.Errorf("circuit breaker rejected call: %w", err)}
		}
		return nil, &CallError{Host: host, Retriable: true, Cause: err}
	}
	return result.([]byte), nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[host] = limiter
	}
	return limiter
}

func retriableStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

func cacheKey(rawURL string) string {
	return "riskwatch:http:" + rawURL
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
