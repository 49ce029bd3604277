// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/releasekit/releasekit/internal/version"
)

const widgetJSON = `{
  "info": {"name": "acme-widget", "version": "1.3.0"},
  "releases": {
    "1.2.3": [{"yanked": false}],
    "1.3.0": [{"yanked": false}, {"yanked": false}],
    "1.4.0": [{"yanked": true}],
    "1.4.0rc1": [{"yanked": false}],
    "2.0.0.dev1": [{"yanked": false}],
    "0.9.0": []
  }
}`

func newRegistry(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, WithHTTPClient(srv.Client()), WithInitialDelay(time.Millisecond))
	return c, &hits
}

func TestVersions_SkipsYankedAndEmptyReleases(t *testing.T) {
	t.Parallel()

	c, _ := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pypi/acme-widget/json" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, widgetJSON)
	})

	got, err := c.Versions(context.Background(), "Acme_Widget")
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	slices.Sort(got)
	want := []string{"1.2.3", "1.3.0", "1.4.0rc1", "2.0.0.dev1"}
	if !slices.Equal(got, want) {
		t.Errorf("Versions() = %v, want %v", got, want)
	}
}

func TestLatest(t *testing.T) {
	t.Parallel()

	c, _ := newRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, widgetJSON)
	})

	got, err := c.Latest(context.Background(), "acme-widget")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	// 1.4.0 is yanked and 2.0.0.dev1 sorts before any 2.0.0 prerelease.
	if got != "2.0.0-0.dev.1" {
		t.Errorf("Latest() = %q, want 2.0.0-0.dev.1", got)
	}
}

func TestLatest_NeverPublished(t *testing.T) {
	t.Parallel()

	c, _ := newRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	if _, err := c.Latest(context.Background(), "brand-new"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Latest() error = %v, want ErrNotFound", err)
	}

	current, err := c.Source("brand-new").Latest(context.Background())
	if err != nil || current != "" {
		t.Errorf("Source().Latest() = %q, %v; want empty current version", current, err)
	}
}

func TestLatest_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c, hits := newRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, widgetJSON)
		}
	})

	if _, err := c.Latest(context.Background(), "acme-widget"); err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("requests = %d, want 3", hits.Load())
	}
}

func TestLatest_ClientErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	c, hits := newRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	if _, err := c.Latest(context.Background(), "acme-widget"); err == nil {
		t.Fatal("expected an error")
	}
	if hits.Load() != 1 {
		t.Errorf("requests = %d, want 1", hits.Load())
	}
}

func TestCircuitBreakerTrips(t *testing.T) {
	t.Parallel()

	c, hits := newRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c.maxRetries = 0

	for range 5 {
		if _, err := c.Latest(context.Background(), "acme-widget"); !errors.Is(err, ErrUpstreamDown) {
			t.Fatalf("Latest() error = %v, want ErrUpstreamDown", err)
		}
	}
	before := hits.Load()

	_, err := c.Latest(context.Background(), "acme-widget")
	if !errors.Is(err, ErrUpstreamDown) {
		t.Fatalf("Latest() with open circuit error = %v", err)
	}
	if hits.Load() != before {
		t.Error("an open circuit must not reach the registry")
	}
}

func TestLatest_ReadsBackStampedPrereleases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		releases   string
		wantLatest string
		wantNext   string
		wantPEP440 string
	}{
		{
			name:       "alpha published from a numeric prerelease",
			releases:   `{"1.2.3": [{}], "1.2.4a0": [{}]}`,
			wantLatest: "1.2.4-a.0",
			wantNext:   "1.2.4-a.1",
			wantPEP440: "1.2.4a1",
		},
		{
			name:       "implicit post release",
			releases:   `{"1.2.3": [{}], "1.2.4.post0": [{}]}`,
			wantLatest: "1.2.4",
			wantNext:   "1.2.5-0",
			wantPEP440: "1.2.5a0",
		},
		{
			name:       "release candidate",
			releases:   `{"1.2.4rc2": [{}]}`,
			wantLatest: "1.2.4-rc.2",
			wantNext:   "1.2.4-rc.3",
			wantPEP440: "1.2.4rc3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, _ := newRegistry(t, func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprintf(w, `{"info": {"name": "acme-widget"}, "releases": %s}`, tt.releases)
			})

			latest, err := c.Source("acme-widget").Latest(context.Background())
			if err != nil {
				t.Fatalf("Latest() error = %v", err)
			}
			if latest != tt.wantLatest {
				t.Fatalf("Latest() = %q, want %q", latest, tt.wantLatest)
			}

			next, err := version.Resolve(version.Request{BumpRule: version.BumpPrerelease}, latest)
			if err != nil {
				t.Fatal(err)
			}
			if next.String() != tt.wantNext {
				t.Errorf("next = %s, want %s", next, tt.wantNext)
			}
			if err := version.CheckPEP440(next, latest); err != nil {
				t.Errorf("CheckPEP440() error = %v", err)
			}
			if pep, _ := next.PEP440(); pep != tt.wantPEP440 {
				t.Errorf("PEP440() = %q, want %q", pep, tt.wantPEP440)
			}
		})
	}
}
