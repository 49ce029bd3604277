// SPDX-License-Identifier: MPL-2.0

package testgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/releasekit/releasekit/internal/clock"
	"github.com/releasekit/releasekit/internal/githubapi"
)

const commit = "0123456789abcdef0123456789abcdef01234567"

// scriptedSource answers queries from a fixed sequence, repeating the last
// entry once the script runs out. It records the fake time of every query.
type scriptedSource struct {
	mu     sync.Mutex
	clock  *clock.Fake
	script []scripted
	asked  []time.Time
}

type scripted struct {
	obs Observation
	err error
}

func (s *scriptedSource) Status(_ context.Context, c string) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c != commit {
		return Observation{}, fmt.Errorf("unexpected commit %q", c)
	}
	s.asked = append(s.asked, s.clock.Now())
	next := s.script[min(len(s.asked), len(s.script))-1]
	return next.obs, next.err
}

func (s *scriptedSource) queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.asked)
}

func state(st State) scripted { return scripted{obs: Observation{State: st}} }

// awaitDriven runs the gate while a goroutine advances the fake clock by step
// whenever the gate suspends.
func awaitDriven(t *testing.T, src *scriptedSource, step time.Duration, opts ...Option) (*Outcome, error) {
	t.Helper()

	fc := clock.NewFake(time.Time{})
	src.clock = fc

	stop := make(chan struct{})
	defer close(stop)
	go fc.Drive(step, stop)

	g := New(src, append([]Option{WithClock(fc)}, opts...)...)
	return g.Await(context.Background(), commit)
}

func TestAwait_WaitModeQueriesOnceAfterWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script []scripted
		want   Result
	}{
		{"passed", []scripted{state(StatePassed)}, ResultPassed},
		{"failed", []scripted{{obs: Observation{State: StateFailed, Failed: []string{"pytest"}}}}, ResultFailed},
		{"still pending", []scripted{state(StatePending)}, ResultTimedOut},
		{"nothing reported", []scripted{state(StateUnknown)}, ResultTimedOut},
		{"query error", []scripted{{err: errors.New("502 bad gateway")}}, ResultTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := &scriptedSource{script: tt.script}
			out, err := awaitDriven(t, src, 600*time.Second, WithMode(ModeWait), WithWindow(600*time.Second))
			if err != nil {
				t.Fatalf("Await() error = %v", err)
			}
			if out.Result != tt.want {
				t.Errorf("Result = %s, want %s", out.Result, tt.want)
			}
			if src.queries() != 1 || out.Queries != 1 {
				t.Errorf("queries = %d (reported %d), want exactly 1", src.queries(), out.Queries)
			}
			if out.Waited != 600*time.Second {
				t.Errorf("Waited = %v, want the full window", out.Waited)
			}
			if got := src.asked[0].Sub(clock.NewFake(time.Time{}).Now()); got != 600*time.Second {
				t.Errorf("query happened %v into the window, want at its end", got)
			}
		})
	}
}

func TestAwait_WatchModeExitsEarly(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{script: []scripted{
		state(StateUnknown), state(StatePending), state(StatePending), state(StatePassed),
	}}
	out, err := awaitDriven(t, src, 30*time.Second, WithWindow(600*time.Second), WithPollInterval(30*time.Second))
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if out.Result != ResultPassed {
		t.Fatalf("Result = %s, want passed", out.Result)
	}
	if out.Queries != 4 {
		t.Errorf("Queries = %d, want 4", out.Queries)
	}
	if out.Waited != 90*time.Second {
		t.Errorf("Waited = %v, want 90s", out.Waited)
	}
}

func TestAwait_WatchModeFailureIsTerminal(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{script: []scripted{
		state(StatePending),
		{obs: Observation{State: StateFailed, Failed: []string{"ci/lint", "pytest"}}},
	}}
	out, err := awaitDriven(t, src, 30*time.Second, WithWindow(600*time.Second))
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if out.Result != ResultFailed {
		t.Fatalf("Result = %s, want failed", out.Result)
	}
	if !slices.Equal(out.Failed, []string{"ci/lint", "pytest"}) {
		t.Errorf("Failed = %v", out.Failed)
	}
	if out.Queries != 2 {
		t.Errorf("Queries = %d, want 2", out.Queries)
	}
}

func TestAwait_WatchModeWindowIsUpperBound(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{script: []scripted{state(StatePending), {err: errors.New("connection reset")}, state(StatePending)}}
	out, err := awaitDriven(t, src, 30*time.Second, WithWindow(600*time.Second), WithPollInterval(30*time.Second))
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if out.Result != ResultTimedOut {
		t.Fatalf("Result = %s, want timed-out", out.Result)
	}
	if out.Waited != 600*time.Second {
		t.Errorf("Waited = %v, want exactly the window", out.Waited)
	}
	// one query at t=0 and one every 30s up to and including t=600s
	if out.Queries != 21 {
		t.Errorf("Queries = %d, want 21", out.Queries)
	}
}

func TestAwait_ZeroWindowQueriesImmediately(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{ModeWait, ModeWatch} {
		src := &scriptedSource{script: []scripted{state(StatePassed)}}
		out, err := awaitDriven(t, src, time.Second, WithMode(mode), WithWindow(0))
		if err != nil {
			t.Fatalf("%s: Await() error = %v", mode, err)
		}
		if out.Result != ResultPassed || out.Waited != 0 {
			t.Errorf("%s: outcome = %+v", mode, out)
		}
	}
}

func TestAwait_Canceled(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{ModeWait, ModeWatch} {
		fc := clock.NewFake(time.Time{})
		src := &scriptedSource{clock: fc, script: []scripted{state(StatePending)}}
		g := New(src, WithClock(fc), WithMode(mode))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := g.Await(ctx, commit)
			done <- err
		}()

		fc.BlockUntil(1)
		cancel()

		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("%s: Await() error = %v, want context.Canceled", mode, err)
		}
	}
}

func TestAwait_InvalidInput(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{script: []scripted{state(StatePassed)}}
	if _, err := New(src).Await(context.Background(), ""); !errors.Is(err, ErrNoCommit) {
		t.Errorf("empty commit error = %v, want ErrNoCommit", err)
	}
	if _, err := New(src, WithMode("sleep")).Await(context.Background(), commit); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("bad mode error = %v, want ErrInvalidMode", err)
	}
}

func TestGitHubSource(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/commits/unknown/"):
			w.WriteHeader(http.StatusUnprocessableEntity)
		case strings.HasSuffix(r.URL.Path, "/status"):
			fmt.Fprint(w, `{"state":"failure","statuses":[{"context":"ci/tests","state":"failure"}]}`)
		default:
			fmt.Fprint(w, `{"check_runs":[]}`)
		}
	}))
	t.Cleanup(srv.Close)

	src := GitHubSource{Client: githubapi.NewClient("acme", "widget", githubapi.WithBaseURL(srv.URL), githubapi.WithHTTPClient(srv.Client()))}

	obs, err := src.Status(context.Background(), commit)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if obs.State != StateFailed || !slices.Equal(obs.Failed, []string{"ci/tests"}) {
		t.Errorf("Status() = %+v, want failed ci/tests", obs)
	}

	obs, err = src.Status(context.Background(), "unknown")
	if err != nil || obs.State != StateUnknown {
		t.Errorf("Status(unknown) = %+v, %v; want StateUnknown", obs, err)
	}
}
