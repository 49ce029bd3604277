// SPDX-License-Identifier: MPL-2.0

// Package release runs the release pipeline: resolve the next version, merge
// the release branch into trunk, spend the test window on the merged commit
// and decide whether to publish. Steps run strictly in order and every one is
// recorded in a report.Report.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/releasekit/releasekit/internal/clock"
	"github.com/releasekit/releasekit/internal/merge"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/report"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/version"
)

// Step names as they appear in the report.
const (
	StepValidate = "validate"
	StepResolve  = "resolve-version"
	StepMerge    = "merge"
	StepTestGate = "test-gate"
	StepPublish  = "publish"
)

var (
	// ErrTestsFailed is reported when the merged commit's tests failed.
	ErrTestsFailed = errors.New("tests failed")
	// ErrTestsTimedOut is reported when no test result arrived within the window.
	ErrTestsTimedOut = errors.New("tests timed out")
	// ErrNotMerged is passed to a MergeHook when the run stopped before the merge.
	ErrNotMerged = errors.New("release stopped before merge")
)

type (
	// Merger merges the release branch into trunk.
	Merger interface {
		Merge(ctx context.Context, b merge.Branches, s merge.Strategy) (*merge.Result, error)
	}

	// TestGateError carries a non-passing test gate outcome.
	TestGateError struct {
		Commit string
		Result testgate.Result
		Failed []string
	}

	// Result is everything a run learned. Fields stay zero for steps that
	// did not run.
	Result struct {
		Version  version.Version
		Merge    *merge.Result
		Tests    *testgate.Outcome
		Decision publish.Decision
		Report   *report.Report
	}

	// Orchestrator runs release requests.
	Orchestrator struct {
		versions  version.Source
		merger    Merger
		tests     testgate.Source
		publisher publish.Publisher
		dist      DistSource
		clock     clock.Clock
		logger    *log.Logger
		gateMode  testgate.Mode
		interval  time.Duration
		mergeHook MergeHook
	}

	// MergeHook observes the end of the merge step. err is non-nil when the
	// run stopped before a successful merge.
	MergeHook func(v version.Version, res *merge.Result, err error)

	// Option configures an Orchestrator.
	Option func(*Orchestrator)
)

// Error implements the error interface.
func (e *TestGateError) Error() string {
	if e.Result == testgate.ResultTimedOut {
		return fmt.Sprintf("no test result for %s within the test window", e.Commit)
	}
	if len(e.Failed) > 0 {
		return fmt.Sprintf("tests failed for %s: %v", e.Commit, e.Failed)
	}
	return fmt.Sprintf("tests failed for %s", e.Commit)
}

// Unwrap returns ErrTestsTimedOut or ErrTestsFailed.
func (e *TestGateError) Unwrap() error {
	if e.Result == testgate.ResultTimedOut {
		return ErrTestsTimedOut
	}
	return ErrTestsFailed
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the clock used by the test gate.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithTestGateMode selects how the test window is spent.
func WithTestGateMode(m testgate.Mode) Option {
	return func(o *Orchestrator) { o.gateMode = m }
}

// WithPollInterval sets the watch-mode status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

// WithDist sets where the publish step finds the distributable.
func WithDist(d DistSource) Option {
	return func(o *Orchestrator) { o.dist = d }
}

// WithMergeHook registers fn to be called exactly once per run, as soon as
// the merge step has finished or the run stopped before reaching it.
func WithMergeHook(fn MergeHook) Option {
	return func(o *Orchestrator) { o.mergeHook = fn }
}

// NewOrchestrator wires the collaborators of a release run.
func NewOrchestrator(versions version.Source, merger Merger, tests testgate.Source, publisher publish.Publisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		versions:  versions,
		merger:    merger,
		tests:     tests,
		publisher: publisher,
		dist:      StaticDist(""),
		clock:     clock.Real{},
		logger:    log.New(io.Discard),
		gateMode:  testgate.DefaultMode,
		interval:  testgate.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes req. Validation and version resolution finish before any side
// effect. A canceled ctx skips the remaining steps; a completed merge is
// never rolled back. The error is the first fatal step's error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	res := &Result{Report: report.New("release")}
	rep := res.Report
	remaining := []string{StepValidate, StepResolve, StepMerge, StepTestGate, StepPublish}
	halt := func(from int, reason string) {
		for _, name := range remaining[from:] {
			rep.Skip(name, reason)
		}
	}
	notified := false
	notify := func(err error) {
		if notified || o.mergeHook == nil {
			return
		}
		notified = true
		o.mergeHook(res.Version, res.Merge, err)
	}
	defer notify(ErrNotMerged)

	start := time.Now()
	strategy, err := req.Validate()
	if err != nil {
		rep.Fail(StepValidate, err, time.Since(start))
		halt(1, StepValidate+" failed")
		return res, err
	}
	target := req.target()
	rep.Success(StepValidate, fmt.Sprintf("%s -> %s, target %s", req.Branches.Release, req.Branches.Trunk, target), time.Since(start))

	// resolve-version
	if err := o.canceled(ctx, rep, remaining, 1); err != nil {
		return res, err
	}
	start = time.Now()
	current, err := o.versions.Latest(ctx)
	if err != nil {
		err = fmt.Errorf("reading latest published version: %w", err)
		rep.Fail(StepResolve, err, time.Since(start))
		halt(2, StepResolve+" failed")
		return res, err
	}
	next, err := version.Resolve(version.Request{ReleaseVersion: req.ReleaseVersion, BumpRule: req.BumpRule, Preid: req.Preid}, current)
	if err == nil {
		// The index compares its own spelling, not ours.
		err = version.CheckPEP440(next, current)
	}
	if err != nil {
		rep.Fail(StepResolve, err, time.Since(start))
		halt(2, StepResolve+" failed")
		return res, err
	}
	res.Version = next
	rep.Set("version", next.String())
	if pep, _ := next.PEP440(); pep != next.String() {
		rep.Set("pep440", pep)
	}
	if current == "" {
		current = "none"
	}
	rep.Success(StepResolve, fmt.Sprintf("%s (latest %s)", next, current), time.Since(start))
	o.logger.Info("version resolved", "version", next, "latest", current)

	// merge
	if err := o.canceled(ctx, rep, remaining, 2); err != nil {
		return res, err
	}
	start = time.Now()
	mres, err := o.merger.Merge(ctx, req.Branches, strategy)
	res.Merge = mres
	if err != nil {
		rep.Fail(StepMerge, err, time.Since(start))
		halt(3, StepMerge+" failed")
		notify(err)
		return res, err
	}
	rep.Set("commit", mres.Commit)
	rep.Success(StepMerge, fmt.Sprintf("%s at %s", mres.Outcome, shortSHA(mres.Commit)), time.Since(start))
	notify(nil)

	// test-gate
	if err := o.canceled(ctx, rep, remaining, 3); err != nil {
		return res, err
	}
	start = time.Now()
	gate := testgate.New(o.tests,
		testgate.WithClock(o.clock),
		testgate.WithLogger(o.logger.With("step", StepTestGate)),
		testgate.WithMode(o.gateMode),
		testgate.WithWindow(req.TestWait),
		testgate.WithPollInterval(o.interval),
	)
	outcome, err := gate.Await(ctx, mres.Commit)
	if err != nil {
		if ctx.Err() != nil {
			rep.Skip(StepTestGate, "canceled")
			halt(4, "canceled")
			return res, ctx.Err()
		}
		rep.Fail(StepTestGate, err, time.Since(start))
		halt(4, StepTestGate+" failed")
		return res, err
	}
	res.Tests = outcome
	rep.Set("tests", outcome.Result.String())
	if outcome.Result == testgate.ResultPassed {
		rep.Success(StepTestGate, fmt.Sprintf("passed after %s (%d queries)", outcome.Waited, outcome.Queries), time.Since(start))
	} else {
		rep.Fail(StepTestGate, &TestGateError{Commit: shortSHA(outcome.Commit), Result: outcome.Result, Failed: outcome.Failed}, time.Since(start))
	}

	// publish
	if err := o.canceled(ctx, rep, remaining, 4); err != nil {
		return res, err
	}
	return res, o.publish(ctx, req, res, target)
}

func (o *Orchestrator) publish(ctx context.Context, req Request, res *Result, target publish.Target) error {
	rep := res.Report
	start := time.Now()

	d, err := publish.Decide(res.Tests.Result, target)
	res.Decision = d
	if err != nil {
		rep.Fail(StepPublish, err, time.Since(start))
		return err
	}
	if !d.Publish {
		rep.Skip(StepPublish, d.Reason)
		return o.gateErr(rep)
	}

	dir, err := o.dist(ctx)
	if err != nil {
		err = &publish.TransportError{Target: target, Version: res.Version.String(), Err: fmt.Errorf("waiting for distributable: %w", err)}
		rep.Fail(StepPublish, err, time.Since(start))
		return err
	}

	g := publish.NewGate(o.publisher, o.logger.With("step", StepPublish))
	d, err = g.Run(ctx, res.Tests.Result, publish.Artifact{Target: target, Version: res.Version.String(), DistDir: dir})
	res.Decision = d
	if err != nil {
		rep.Fail(StepPublish, err, time.Since(start))
		return err
	}
	rep.Set("published", target.String())
	rep.Success(StepPublish, fmt.Sprintf("%s %s published", res.Version, target), time.Since(start))
	return nil
}

// gateErr returns the test gate failure, if any, once publishing was skipped.
func (o *Orchestrator) gateErr(rep *report.Report) error {
	if s, ok := rep.Step(StepTestGate); ok && s.Status == report.StatusFailed {
		return s.Err
	}
	return nil
}

func (o *Orchestrator) canceled(ctx context.Context, rep *report.Report, steps []string, from int) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	o.logger.Warn("release canceled", "next_step", steps[from])
	for _, name := range steps[from:] {
		rep.Skip(name, "canceled")
	}
	return err
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
