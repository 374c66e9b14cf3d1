// Package upstream provides the HTTP client registry adapters use to talk to
// package registries, with bounded retries, a circuit breaker and DNS caching.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenk/backoff"
	"github.com/facebookgo/clock"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

// Sentinel errors for upstream failures.
var (
	ErrNotFound    = errors.New("upstream resource not found")
	ErrRateLimited = errors.New("rate limited by upstream")
	ErrUnavailable = errors.New("upstream unavailable")
	ErrTimeout     = errors.New("upstream timeout")
	ErrBadResponse = errors.New("unexpected upstream response")
	ErrInvalidName = errors.New("invalid package name")
)

// IsRetryable reports whether err is transient: network failures, timeouts,
// rate limiting and 5xx responses. Everything else is permanent.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited)
}

const maxBodyBytes = 8 << 20

// Client performs GET requests against one upstream host.
type Client struct {
	http       *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	threshold  int64
	clock      clock.Clock
	breaker    *circuit.Breaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// WithMaxRetries sets how many times a transient failure is retried. Zero
// means a single attempt.
func WithMaxRetries(n int) Option {
	return func(cl *Client) {
		cl.maxRetries = n
	}
}

// WithBaseDelay sets the first backoff interval.
func WithBaseDelay(d time.Duration) Option {
	return func(cl *Client) {
		cl.baseDelay = d
	}
}

// WithBreakerThreshold sets how many consecutive failures open the circuit.
func WithBreakerThreshold(n int64) Option {
	return func(cl *Client) {
		cl.threshold = n
	}
}

// New creates a Client. Without WithHTTPClient it uses a transport that caches DNS lookups.
func New(opts ...Option) *Client {
	c := &Client{
		userAgent:  "pkgscraper/1.0",
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   10 * time.Second,
		threshold:  5,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = newCachingHTTPClient()
	}
	if c.clock == nil {
		c.clock = clock.New()
	}

	// Once open, the breaker lets a trial request through after 30s, doubling
	// up to 5m. It keeps probing for as long as the outage lasts.
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0
	expBackoff.Clock = c.clock
	expBackoff.Reset()

	c.breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		Clock:      c.clock,
		ShouldTrip: circuit.ConsecutiveTripFunc(c.threshold),
	})
	return c
}

func newCachingHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// GetJSON fetches url, decodes the body into v and returns the raw body.
// Transient failures are retried with exponential backoff; permanent ones
// return immediately. While the circuit is open it fails fast with ErrUnavailable.
func (c *Client) GetJSON(ctx context.Context, url string, v any) ([]byte, error) {
	var (
		body    []byte
		callErr error
	)
	err := c.breaker.Call(func() error {
		body, callErr = c.getWithRetry(ctx, url)
		// Only transient failures count against the breaker.
		if callErr != nil && IsRetryable(callErr) {
			return callErr
		}
		return nil
	}, 0)
	if errors.Is(err, circuit.ErrBreakerOpen) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	if err != nil && callErr == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if callErr != nil {
		return nil, callErr
	}

	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrBadResponse, url, err)
	}
	return body, nil
}

// State reports "open" while the breaker rejects calls, "closed" otherwise.
func (c *Client) State() string {
	if c.breaker.Tripped() {
		return "open"
	}
	return "closed"
}

func (c *Client) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	// backoff.WithMaxRetries treats 0 as unlimited.
	if c.maxRetries <= 0 {
		return c.get(ctx, url)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = c.maxDelay
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0

	var body []byte
	op := func() error {
		var err error
		body, err = c.get(ctx, url)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrBadResponse, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, url)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d from %s", ErrUnavailable, resp.StatusCode, url)
	default:
		return nil, fmt.Errorf("%w: status %d from %s", ErrBadResponse, resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyError(err)
	}
	return body, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
