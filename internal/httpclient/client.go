// Package httpclient is the shared HTTP Fetch Client: a single retrying
// transport every source adapter goes through. It owns retry/backoff
// policy, per-host concurrency caps, and per-host rate limiting; adapters
// build their *http.Request but never send it themselves.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/heimdall-asis/internal/errs"
)

const (
	maxAttempts        = 3
	baseDelay          = time.Second
	maxRetryAfterWait  = 60 * time.Second
	defaultTimeout     = 10 * time.Second
	defaultRPS         = 5.0
	defaultBurst       = 5
	defaultMaxInFlight = 4
)

// Config tunes the client's per-host policy. Zero values fall back to the
// defaults above.
type Config struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	MaxInFlight   int
}

// hostLimiter bundles the rate limiter and concurrency semaphore for one
// host, mirroring the per-IP entry shape used for API rate limiting
// elsewhere in the pack.
type hostLimiter struct {
	tokens *rate.Limiter
	slots  chan struct{}
}

// Client is the shared Fetch Client. One Client is constructed at process
// startup and shared by every adapter.
type Client struct {
	http *http.Client
	log  zerolog.Logger
	cfg  Config

	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

// New builds a Client. cfg fields left at zero use the package defaults.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = defaultRPS
	}
	if cfg.Burst == 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.MaxInFlight == 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}

	return &Client{
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log.With().Str("component", "httpclient").Logger(),
		cfg:   cfg,
		hosts: make(map[string]*hostLimiter),
	}
}

// RawClient exposes the underlying *http.Client for callers that need plain
// HTTP without the adapter-facing retry/rate-limit policy — the full-text
// extractor fetches arbitrary article URLs, not a catalog-bound endpoint.
func (c *Client) RawClient() *http.Client {
	return c.http
}

func (c *Client) limiterFor(host string) *hostLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	hl := c.hosts[host]
	if hl == nil {
		hl = &hostLimiter{
			tokens: rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), c.cfg.Burst),
			slots:  make(chan struct{}, c.cfg.MaxInFlight),
		}
		c.hosts[host] = hl
	}
	return hl
}

// Fetch issues req, applying retry/backoff, per-host rate limiting, and a
// per-host concurrency cap. Callers pass a context carrying the overall
// deadline; Fetch never retries past ctx's cancellation.
func (c *Client) Fetch(ctx context.Context, req *http.Request) ([]byte, error) {
	host := req.URL.Host
	hl := c.limiterFor(host)

	if err := hl.tokens.Wait(ctx); err != nil {
		return nil, errs.New(errs.KindCancelled, fmt.Errorf("rate limit wait: %w", err))
	}

	select {
	case hl.slots <- struct{}{}:
		defer func() { <-hl.slots }()
	case <-ctx.Done():
		return nil, errs.New(errs.KindCancelled, ctx.Err())
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, errs.New(errs.KindCancelled, ctx.Err())
		}

		body, retryAfter, err := c.attempt(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err

		kind := errs.KindOf(err)
		if kind == errs.KindCancelled || !isRetryable(kind) {
			return nil, err
		}

		if attempt == maxAttempts-1 {
			break
		}

		wait := backoffDelay(attempt)
		if retryAfter > 0 && retryAfter < maxRetryAfterWait {
			wait = retryAfter
		} else if retryAfter >= maxRetryAfterWait {
			wait = maxRetryAfterWait
		}

		c.log.Warn().Err(err).
			Str("host", host).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Msg("fetch failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.New(errs.KindCancelled, ctx.Err())
		}
	}

	return nil, lastErr
}

// backoffDelay computes the exponential schedule: 1s, 2s, 4s for attempts
// 0, 1, 2, with up to ±25% jitter.
func backoffDelay(attempt int) time.Duration {
	base := baseDelay * time.Duration(1<<uint(attempt))
	jitterFrac := (rand.Float64()*2 - 1) * 0.25 // [-0.25, 0.25]
	return time.Duration(float64(base) * (1 + jitterFrac))
}

// attempt performs a single HTTP round trip and classifies the result.
// retryAfter is non-zero only when the response carried a Retry-After
// header worth honoring.
func (c *Client) attempt(ctx context.Context, req *http.Request) (body []byte, retryAfter time.Duration, err error) {
	r := req.Clone(ctx)

	resp, err := c.http.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, errs.New(errs.KindCancelled, ctx.Err())
		}
		// Any network-level failure (DNS, connection refused, TLS, timeout)
		// is treated as transient: the retry loop is what decides whether
		// it's worth trying again.
		return nil, 0, errs.New(errs.KindTransientUpstream, err)
	}
	defer resp.Body.Close()

	if classified := classifyStatus(resp.StatusCode); classified != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, retryAfter, classified
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errs.New(errs.KindTransientUpstream, fmt.Errorf("read response body: %w", err))
	}
	return data, 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}
