// SPDX-License-Identifier: MPL-2.0

// Package githubapi reads the combined CI status of a commit from the GitHub
// REST API. The release test gate uses it to learn whether the merged trunk
// commit passed.
package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL = "https://api.github.com"

	// maxJSONResponseBytes bounds API response bodies.
	maxJSONResponseBytes = 10 << 20

	// StateNone means no status or check has been reported for the commit.
	StateNone State = "none"
	// StatePending means at least one check is still running.
	StatePending State = "pending"
	// StateSuccess means every reported check succeeded.
	StateSuccess State = "success"
	// StateFailure means at least one reported check failed.
	StateFailure State = "failure"
)

// ErrCommitNotFound is returned when the API does not know the commit.
var ErrCommitNotFound = errors.New("commit not found")

type (
	// State is the aggregated CI state of a commit.
	State string

	// RateLimitError is returned when the GitHub API rate limit is exhausted.
	RateLimitError struct {
		Limit   int
		ResetAt time.Time
	}

	// CommitStatus is the aggregated result for one commit.
	CommitStatus struct {
		SHA   string
		State State
		// Contexts names the statuses and check runs that were considered.
		Contexts []string
		// Failed names the contexts that did not succeed.
		Failed []string
	}

	combinedStatus struct {
		State      string `json:"state"`
		TotalCount int    `json:"total_count"`
		Statuses   []struct {
			Context string `json:"context"`
			State   string `json:"state"`
		} `json:"statuses"`
	}

	checkRuns struct {
		TotalCount int `json:"total_count"`
		CheckRuns  []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}

	// Client queries commit statuses for one repository.
	Client struct {
		httpClient *http.Client
		owner      string
		repo       string
		baseURL    string
		token      string
		userAgent  string
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)
)

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("GitHub API rate limit exceeded (limit %d, resets at %s)",
		e.Limit, e.ResetAt.UTC().Format("15:04 UTC"))
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(g *Client) { g.httpClient = c }
}

// WithBaseURL overrides the API base URL (GitHub Enterprise, test servers).
func WithBaseURL(base string) ClientOption {
	return func(g *Client) { g.baseURL = strings.TrimRight(base, "/") }
}

// WithToken authenticates requests.
func WithToken(token string) ClientOption {
	return func(g *Client) { g.token = token }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(g *Client) { g.userAgent = ua }
}

// NewClient creates a client for owner/repo.
func NewClient(owner, repo string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		owner:      owner,
		repo:       repo,
		baseURL:    DefaultBaseURL,
		userAgent:  "releasekit/dev",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CommitStatus merges the legacy combined status and the check runs of sha.
// Any failure wins; otherwise any pending wins; otherwise success if anything
// was reported at all.
func (c *Client) CommitStatus(ctx context.Context, sha string) (*CommitStatus, error) {
	var combined combinedStatus
	if err := c.getJSON(ctx, fmt.Sprintf("%s/repos/%s/%s/commits/%s/status", c.baseURL, c.owner, c.repo, url.PathEscape(sha)), &combined); err != nil {
		return nil, fmt.Errorf("reading combined status: %w", err)
	}
	var runs checkRuns
	if err := c.getJSON(ctx, fmt.Sprintf("%s/repos/%s/%s/commits/%s/check-runs?per_page=100", c.baseURL, c.owner, c.repo, url.PathEscape(sha)), &runs); err != nil {
		return nil, fmt.Errorf("reading check runs: %w", err)
	}

	st := &CommitStatus{SHA: sha}
	var pending, failed bool

	for _, s := range combined.Statuses {
		st.Contexts = append(st.Contexts, s.Context)
		switch s.State {
		case "success":
		case "pending":
			pending = true
		default: // failure, error
			failed = true
			st.Failed = append(st.Failed, s.Context)
		}
	}
	for _, r := range runs.CheckRuns {
		st.Contexts = append(st.Contexts, r.Name)
		if r.Status != "completed" {
			pending = true
			continue
		}
		switch r.Conclusion {
		case "success", "neutral", "skipped":
		default: // failure, cancelled, timed_out, action_required, stale
			failed = true
			st.Failed = append(st.Failed, r.Name)
		}
	}

	switch {
	case failed:
		st.State = StateFailure
	case pending:
		st.State = StatePending
	case len(st.Contexts) == 0:
		st.State = StateNone
	default:
		st.State = StateSuccess
	}
	return st, nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }() // read-only response body

	if err := checkRateLimit(resp); err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnprocessableEntity:
		return ErrCommitNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONResponseBytes)).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// checkRateLimit returns a RateLimitError when X-RateLimit-Remaining is zero.
func checkRateLimit(resp *http.Response) error {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return nil
	}
	rem, err := strconv.Atoi(remaining)
	if err != nil || rem > 0 {
		return nil //nolint:nilerr // Non-numeric header is non-fatal.
	}

	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))                 //nolint:errcheck // Best-effort header parsing.
	resetUnix, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64) //nolint:errcheck // Best-effort header parsing.
	return &RateLimitError{Limit: limit, ResetAt: time.Unix(resetUnix, 0)}
}
