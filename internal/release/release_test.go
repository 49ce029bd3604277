// SPDX-License-Identifier: MPL-2.0

package release

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/releasekit/releasekit/internal/clock"
	"github.com/releasekit/releasekit/internal/merge"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/report"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/version"
)

const mergedSHA = "c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00"

type fakeMerger struct {
	mu       sync.Mutex
	calls    int
	strategy merge.Strategy
	res      *merge.Result
	err      error
}

func (f *fakeMerger) Merge(_ context.Context, _ merge.Branches, s merge.Strategy) (*merge.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.strategy = s
	if f.res == nil && f.err == nil {
		return &merge.Result{Outcome: merge.OutcomeClean, Previous: "aaaa", Commit: mergedSHA, Pushed: true}, nil
	}
	return f.res, f.err
}

type fakePublisher struct {
	mu        sync.Mutex
	artifacts []publish.Artifact
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, a publish.Artifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts = append(f.artifacts, a)
	return f.err
}

type harness struct {
	latest    string
	latestErr error
	merger    *fakeMerger
	tests     testgate.Source
	queries   int
	publisher *fakePublisher
}

func newHarness(latest string, tests testgate.State) *harness {
	h := &harness{latest: latest, merger: &fakeMerger{}, publisher: &fakePublisher{}}
	h.tests = testgate.SourceFunc(func(context.Context, string) (testgate.Observation, error) {
		h.queries++
		return testgate.Observation{State: tests}, nil
	})
	return h
}

func (h *harness) orchestrator(opts ...Option) *Orchestrator {
	versions := version.SourceFunc(func(context.Context) (string, error) { return h.latest, h.latestErr })
	return NewOrchestrator(versions, h.merger, h.tests, h.publisher, opts...)
}

func baseRequest() Request {
	return Request{
		BumpRule:      version.BumpPrerelease,
		PublishTarget: publish.TargetPyPI,
		Branches:      merge.Branches{Release: "release", Trunk: "main"},
	}
}

func statuses(r *report.Report) map[string]report.Status {
	out := make(map[string]report.Status)
	for _, s := range r.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestRun_PublishesAfterPassingTests(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StatePassed)
	o := h.orchestrator(WithClock(clock.NewFake(time.Time{})), WithDist(StaticDist("/work/artifacts/dist")))

	res, err := o.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := res.Version.String(); got != "1.2.4-0" {
		t.Errorf("version = %s, want 1.2.4-0", got)
	}
	for name, st := range statuses(res.Report) {
		if st != report.StatusSuccess {
			t.Errorf("step %s = %s, want success", name, st)
		}
	}
	if len(res.Report.Steps) != 5 {
		t.Errorf("steps = %d, want 5", len(res.Report.Steps))
	}
	want := publish.Artifact{Target: publish.TargetPyPI, Version: "1.2.4-0", DistDir: "/work/artifacts/dist"}
	if len(h.publisher.artifacts) != 1 || h.publisher.artifacts[0] != want {
		t.Errorf("published = %+v, want [%+v]", h.publisher.artifacts, want)
	}
	if res.Report.Fact("commit") != mergedSHA {
		t.Errorf("commit fact = %q", res.Report.Fact("commit"))
	}
}

func TestRun_ReleaseVersionOverridesBumpRule(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StatePassed)
	req := baseRequest()
	req.ReleaseVersion = "v2.0.0"
	req.BumpRule = version.BumpPatch
	req.PublishTarget = publish.TargetNone

	res, err := h.orchestrator(WithClock(clock.NewFake(time.Time{}))).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := res.Version.String(); got != "2.0.0" {
		t.Errorf("version = %s, want 2.0.0", got)
	}
	if s, _ := res.Report.Step(StepPublish); s.Status != report.StatusSkipped {
		t.Errorf("publish = %+v, want skipped for target none", s)
	}
	if len(h.publisher.artifacts) != 0 {
		t.Error("target none must never publish")
	}
}

func TestRun_InvalidVersionFailsBeforeMerge(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StatePassed)
	req := baseRequest()
	req.ReleaseVersion = "1.2.3"

	res, err := h.orchestrator().Run(context.Background(), req)
	if !errors.Is(err, version.ErrInvalidVersion) {
		t.Fatalf("Run() error = %v, want ErrInvalidVersion", err)
	}
	if h.merger.calls != 0 || h.queries != 0 {
		t.Errorf("side effects after invalid version: merges=%d queries=%d", h.merger.calls, h.queries)
	}
	st := statuses(res.Report)
	if st[StepResolve] != report.StatusFailed || st[StepMerge] != report.StatusSkipped || st[StepPublish] != report.StatusSkipped {
		t.Errorf("statuses = %v", st)
	}
}

func TestRun_VersionWithoutDistinctIndexSpellingFailsBeforeMerge(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct{ latest, releaseVersion string }{
		"same spelling as latest": {latest: "1.2.4-0", releaseVersion: "1.2.4-a.0"},
		"no index spelling":       {latest: "1.2.3", releaseVersion: "1.2.4-next.0"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(tc.latest, testgate.StatePassed)
			req := baseRequest()
			req.ReleaseVersion = tc.releaseVersion

			res, err := h.orchestrator().Run(context.Background(), req)
			if !errors.Is(err, version.ErrInvalidVersion) {
				t.Fatalf("Run() error = %v, want ErrInvalidVersion", err)
			}
			if h.merger.calls != 0 {
				t.Errorf("merged %d times, want none", h.merger.calls)
			}
			if st := statuses(res.Report); st[StepResolve] != report.StatusFailed {
				t.Errorf("statuses = %v", st)
			}
		})
	}
}

func TestRun_RecordsIndexSpelling(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StatePassed)
	req := baseRequest()
	req.PublishTarget = publish.TargetNone

	res, err := h.orchestrator(WithClock(clock.NewFake(time.Time{}))).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := res.Report.Fact("pep440"); got != "1.2.4a0" {
		t.Errorf("pep440 fact = %q, want 1.2.4a0", got)
	}
}

func TestRun_ValidationCollectsEveryField(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StatePassed)
	h.latestErr = errors.New("must not be called")
	req := Request{
		BumpRule:      "sideways",
		MergeStrategy: "octarine:theirs",
		PublishTarget: "artifactory",
		TestWait:      -time.Second,
		Branches:      merge.Branches{Release: "main", Trunk: "main"},
	}

	_, err := h.orchestrator().Run(context.Background(), req)
	var invalid *InvalidRequestError
	if !errors.As(err, &invalid) {
		t.Fatalf("Run() error = %v, want *InvalidRequestError", err)
	}
	if len(invalid.FieldErrors) != 5 {
		t.Errorf("field errors = %v, want 5", invalid.FieldErrors)
	}
	for _, sentinel := range []error{version.ErrUnknownBumpRule, merge.ErrInvalidStrategy, publish.ErrInvalidTarget, ErrInvalidRequest} {
		if !errors.Is(err, sentinel) && !containsIs(invalid.FieldErrors, sentinel) {
			t.Errorf("error %v does not carry %v", err, sentinel)
		}
	}
	if h.merger.calls != 0 {
		t.Error("merge ran on an invalid request")
	}
}

func containsIs(errs []error, target error) bool {
	for _, err := range errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestRun_UnresolvedConflictHaltsBeforeTestGate(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StatePassed)
	h.merger.res = &merge.Result{Outcome: merge.OutcomeConflictedUnresolved, Previous: "aaaa", Commit: "aaaa", Files: []string{"CHANGELOG.md"}}
	h.merger.err = &merge.ConflictUnresolvedError{Release: "release", Trunk: "main", Files: []string{"CHANGELOG.md"}}

	res, err := h.orchestrator().Run(context.Background(), baseRequest())
	if !errors.Is(err, merge.ErrConflictUnresolved) {
		t.Fatalf("Run() error = %v, want ErrConflictUnresolved", err)
	}
	if h.queries != 0 {
		t.Errorf("test status queried %d times after an unresolved conflict", h.queries)
	}
	if res.Merge == nil || res.Merge.Outcome != merge.OutcomeConflictedUnresolved {
		t.Errorf("merge result = %+v", res.Merge)
	}
	st := statuses(res.Report)
	if st[StepMerge] != report.StatusFailed || st[StepTestGate] != report.StatusSkipped || st[StepPublish] != report.StatusSkipped {
		t.Errorf("statuses = %v", st)
	}
}

func TestRun_StrategyIsPassedToMerger(t *testing.T) {
	t.Parallel()

	h := newHarness("", testgate.StatePassed)
	req := baseRequest()
	req.MergeStrategy = "recursive -X ours"
	req.PublishTarget = publish.TargetNone

	res, err := h.orchestrator(WithClock(clock.NewFake(time.Time{}))).Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.merger.strategy.Name != "recursive" || len(h.merger.strategy.Options) != 1 || h.merger.strategy.Options[0] != "ours" {
		t.Errorf("strategy = %+v", h.merger.strategy)
	}
	if got := res.Version.String(); got != "0.0.1-0" {
		t.Errorf("first release version = %s, want 0.0.1-0", got)
	}
}

func TestRun_GateNotSatisfied(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		state  testgate.State
		mode   testgate.Mode
		result testgate.Result
		cause  error
	}{
		{"failed", testgate.StateFailed, testgate.ModeWatch, testgate.ResultFailed, ErrTestsFailed},
		{"timed out", testgate.StatePending, testgate.ModeWait, testgate.ResultTimedOut, ErrTestsTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness("1.2.3", tt.state)
			fc := clock.NewFake(time.Time{})
			stop := make(chan struct{})
			defer close(stop)
			go fc.Drive(time.Minute, stop)

			req := baseRequest()
			req.TestWait = 10 * time.Minute
			res, err := h.orchestrator(WithClock(fc), WithTestGateMode(tt.mode)).Run(context.Background(), req)

			var gateErr *publish.GateNotSatisfiedError
			if !errors.As(err, &gateErr) || gateErr.Result != tt.result {
				t.Fatalf("Run() error = %v, want GateNotSatisfied(%s)", err, tt.result)
			}
			if len(h.publisher.artifacts) != 0 {
				t.Error("publisher called for a release whose tests did not pass")
			}
			s, _ := res.Report.Step(StepTestGate)
			if s.Status != report.StatusFailed || !errors.Is(s.Err, tt.cause) {
				t.Errorf("test-gate = %+v, want failure wrapping %v", s, tt.cause)
			}
		})
	}
}

func TestRun_FailedTestsWithTargetNone(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StateFailed)
	req := baseRequest()
	req.PublishTarget = publish.TargetNone

	res, err := h.orchestrator(WithClock(clock.NewFake(time.Time{}))).Run(context.Background(), req)
	if !errors.Is(err, ErrTestsFailed) {
		t.Fatalf("Run() error = %v, want ErrTestsFailed", err)
	}
	if s, _ := res.Report.Step(StepPublish); s.Status != report.StatusSkipped {
		t.Errorf("publish = %+v, want skipped", s)
	}
}

func TestRun_CancelDuringTestWindowKeepsMerge(t *testing.T) {
	t.Parallel()

	h := newHarness("1.2.3", testgate.StatePending)
	fc := clock.NewFake(time.Time{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := baseRequest()
	req.TestWait = 10 * time.Minute
	o := h.orchestrator(WithClock(fc), WithTestGateMode(testgate.ModeWait))

	type result struct {
		res *Result
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := o.Run(ctx, req)
		done <- result{res, err}
	}()

	fc.BlockUntil(1)
	cancel()
	got := <-done

	if !errors.Is(got.err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", got.err)
	}
	if got.res.Merge == nil || got.res.Merge.Commit != mergedSHA {
		t.Errorf("merge result = %+v, want the completed merge", got.res.Merge)
	}
	st := statuses(got.res.Report)
	if st[StepMerge] != report.StatusSuccess || st[StepTestGate] != report.StatusSkipped || st[StepPublish] != report.StatusSkipped {
		t.Errorf("statuses = %v", st)
	}
	if h.queries != 0 || len(h.publisher.artifacts) != 0 {
		t.Error("canceled run queried tests or published")
	}
}

func TestRun_TransportErrors(t *testing.T) {
	t.Parallel()

	t.Run("publisher", func(t *testing.T) {
		t.Parallel()

		h := newHarness("1.2.3", testgate.StatePassed)
		h.publisher.err = errors.New("HTTP 503 from upload endpoint")
		_, err := h.orchestrator(WithClock(clock.NewFake(time.Time{})), WithDist(StaticDist("/dist"))).Run(context.Background(), baseRequest())

		var te *publish.TransportError
		if !errors.As(err, &te) || te.Version != "1.2.4-0" || te.Target != publish.TargetPyPI {
			t.Fatalf("Run() error = %v, want TransportError for pypi 1.2.4-0", err)
		}
		if len(h.publisher.artifacts) != 1 {
			t.Errorf("publish attempts = %d, want exactly 1", len(h.publisher.artifacts))
		}
	})

	t.Run("dist build failed", func(t *testing.T) {
		t.Parallel()

		h := newHarness("1.2.3", testgate.StatePassed)
		future := NewDistFuture()
		future.Resolve("", errors.New("build exited with status 1"))
		_, err := h.orchestrator(WithClock(clock.NewFake(time.Time{})), WithDist(future.Source())).Run(context.Background(), baseRequest())

		if !errors.Is(err, publish.ErrTransport) {
			t.Fatalf("Run() error = %v, want ErrTransport", err)
		}
		if len(h.publisher.artifacts) != 0 {
			t.Error("published without a distributable")
		}
	})
}

func TestRun_MergeHookFiresOnce(t *testing.T) {
	t.Parallel()

	type call struct {
		version string
		commit  string
		err     error
	}

	tests := []struct {
		name       string
		setup      func(h *harness, req *Request)
		wantCommit string
		wantErr    error
	}{
		{
			name:       "merged",
			wantCommit: mergedSHA,
		},
		{
			name: "conflict",
			setup: func(h *harness, _ *Request) {
				h.merger.err = &merge.ConflictUnresolvedError{Release: "release", Trunk: "main"}
			},
			wantErr: merge.ErrConflictUnresolved,
		},
		{
			name: "invalid request",
			setup: func(_ *harness, req *Request) {
				req.ReleaseVersion = "one"
			},
			wantErr: ErrNotMerged,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness("1.2.3", testgate.StatePassed)
			req := baseRequest()
			req.PublishTarget = publish.TargetNone
			if tt.setup != nil {
				tt.setup(h, &req)
			}

			var calls []call
			o := h.orchestrator(
				WithClock(clock.NewFake(time.Time{})),
				WithMergeHook(func(v version.Version, res *merge.Result, err error) {
					c := call{version: v.String(), err: err}
					if res != nil {
						c.commit = res.Commit
					}
					calls = append(calls, c)
				}),
			)
			_, _ = o.Run(context.Background(), req)

			if len(calls) != 1 {
				t.Fatalf("hook called %d times, want 1", len(calls))
			}
			if calls[0].commit != tt.wantCommit {
				t.Errorf("commit = %q, want %q", calls[0].commit, tt.wantCommit)
			}
			if tt.wantErr == nil && calls[0].err != nil {
				t.Errorf("err = %v, want nil", calls[0].err)
			}
			if tt.wantErr != nil && !errors.Is(calls[0].err, tt.wantErr) {
				t.Errorf("err = %v, want %v", calls[0].err, tt.wantErr)
			}
			if tt.wantErr == nil && calls[0].version != "1.2.4-0" {
				t.Errorf("version = %s", calls[0].version)
			}
		})
	}
}

func TestDistFuture(t *testing.T) {
	t.Parallel()

	f := NewDistFuture()
	src := f.Source()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("unresolved future with canceled ctx = %v", err)
	}

	got := make(chan string, 1)
	go func() {
		dir, _ := src(context.Background())
		got <- dir
	}()
	f.Resolve("/artifacts/dist", nil)
	f.Resolve("/elsewhere", errors.New("ignored"))
	if dir := <-got; dir != "/artifacts/dist" {
		t.Errorf("dir = %q", dir)
	}
	if dir, err := src(context.Background()); dir != "/artifacts/dist" || err != nil {
		t.Errorf("second read = %q, %v", dir, err)
	}

	empty := NewDistFuture()
	empty.Resolve("", nil)
	if _, err := empty.Source()(context.Background()); !errors.Is(err, ErrNoDist) {
		t.Errorf("empty resolve error = %v, want ErrNoDist", err)
	}
	if _, err := StaticDist("")(context.Background()); !errors.Is(err, ErrNoDist) {
		t.Errorf("StaticDist(\"\") error = %v", err)
	}
}
