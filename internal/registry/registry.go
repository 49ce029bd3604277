// SPDX-License-Identifier: MPL-2.0

// Package registry reads published release versions from a PyPI-compatible
// JSON API. Lookups are read-only, so transient failures are retried with
// exponential backoff behind a per-host circuit breaker.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/rs/dnscache"

	"github.com/releasekit/releasekit/internal/version"
)

const (
	// DefaultPyPIURL is the production index.
	DefaultPyPIURL = "https://pypi.org"
	// DefaultTestPyPIURL is the staging index.
	DefaultTestPyPIURL = "https://test.pypi.org"
	// DefaultMaxRetries bounds retries of rate-limited or failed lookups.
	DefaultMaxRetries = 3

	maxJSONResponseBytes = 32 << 20
)

var (
	// ErrNotFound means the project has never been published.
	ErrNotFound = errors.New("project not found")
	// ErrRateLimited is returned for HTTP 429.
	ErrRateLimited = errors.New("rate limited by registry")
	// ErrUpstreamDown is returned for HTTP 5xx and an open circuit.
	ErrUpstreamDown = errors.New("registry unavailable")

	resolverOnce sync.Once
	resolver     *dnscache.Resolver
)

type (
	// Client queries one registry.
	Client struct {
		httpClient   *http.Client
		baseURL      string
		userAgent    string
		maxRetries   int
		initialDelay time.Duration

		mu       sync.Mutex
		breakers map[string]*circuit.Breaker
	}

	// Option configures a Client.
	Option func(*Client)

	projectResponse struct {
		Info struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"info"`
		Releases map[string][]struct {
			Yanked bool `json:"yanked"`
		} `json:"releases"`
	}
)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Client) { r.httpClient = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(r *Client) { r.userAgent = ua }
}

// WithMaxRetries sets how often a rate-limited or failed lookup is retried.
func WithMaxRetries(n int) Option {
	return func(r *Client) { r.maxRetries = n }
}

// WithInitialDelay sets the first retry delay; later delays grow exponentially.
func WithInitialDelay(d time.Duration) Option {
	return func(r *Client) { r.initialDelay = d }
}

// NewClient creates a client for the registry at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultPyPIURL
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: cachedTransport(),
		},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		userAgent:    "releasekit/dev",
		maxRetries:   DefaultMaxRetries,
		initialDelay: 500 * time.Millisecond,
		breakers:     make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Versions returns every release of project that has at least one file that
// is not yanked, in registry order.
func (c *Client) Versions(ctx context.Context, project string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/pypi/%s/json", c.baseURL, url.PathEscape(normalizeName(project)))

	var resp projectResponse
	if err := c.getJSON(ctx, reqURL, &resp); err != nil {
		return nil, err
	}

	versions := make([]string, 0, len(resp.Releases))
	for v, files := range resp.Releases {
		for _, f := range files {
			if !f.Yanked {
				versions = append(versions, v)
				break
			}
		}
	}
	return versions, nil
}

// Latest returns the highest semantic version of project. PEP 440 pre-,
// post- and dev-release spellings (1.2.0rc1, 1.2.0.post1) are read as their
// semver equivalent; other versions that have no semver form are ignored. ErrNotFound means nothing usable has
// been published.
func (c *Client) Latest(ctx context.Context, project string) (string, error) {
	versions, err := c.Versions(ctx, project)
	if err != nil {
		return "", err
	}
	for i, v := range versions {
		versions[i] = version.FromPEP440(v)
	}
	best, ok := version.Highest(versions, "")
	if !ok {
		return "", ErrNotFound
	}
	return best.String(), nil
}

// Source adapts the client to version.Source for project. A project that was
// never published has no current version.
func (c *Client) Source(project string) version.Source {
	return version.SourceFunc(func(ctx context.Context) (string, error) {
		v, err := c.Latest(ctx, project)
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return v, err
	})
}

func (c *Client) getJSON(ctx context.Context, reqURL string, v any) error {
	host := hostOf(reqURL)
	breaker := c.breaker(host)
	if !breaker.Ready() {
		return fmt.Errorf("circuit breaker open for %s: %w", host, ErrUpstreamDown)
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = c.initialDelay
	schedule.MaxInterval = 10 * time.Second
	schedule.Multiplier = 2.0
	schedule.MaxElapsedTime = 0
	schedule.Reset()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(schedule.NextBackOff()):
			}
		}

		// A missing project is an answer, not an upstream failure, so it
		// must not count against the breaker.
		var notFound bool
		lastErr = breaker.Call(func() error {
			err := c.fetch(ctx, reqURL, v)
			if errors.Is(err, ErrNotFound) {
				notFound = true
				return nil
			}
			return err
		}, 0)
		if notFound {
			return ErrNotFound
		}
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrRateLimited) && !errors.Is(lastErr, ErrUpstreamDown) {
			return lastErr
		}
		if !breaker.Ready() {
			break
		}
	}
	return lastErr
}

func (c *Client) fetch(ctx context.Context, reqURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", reqURL, err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUpstreamDown, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck // best-effort error detail
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// breaker returns the circuit breaker for host, creating it on first use.
// It trips after 5 consecutive failures.
func (c *Client) breaker(host string) *circuit.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	c.breakers[host] = b
	return b
}

// cachedTransport dials through a process-wide DNS cache refreshed every
// five minutes.
func cachedTransport() *http.Transport {
	resolverOnce.Do(func() {
		resolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				resolver.Refresh(true)
			}
		}()
	})

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
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
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// normalizeName applies PEP 503 name normalization.
func normalizeName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}
