// SPDX-License-Identifier: MPL-2.0

// Package testgate waits for the external test run of a merged commit and
// reports its outcome. The wait suspends on the clock; nothing is held busy.
package testgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/releasekit/releasekit/internal/clock"
	"github.com/releasekit/releasekit/internal/poll"
)

const (
	// ResultPassed means the external test run succeeded.
	ResultPassed Result = "passed"
	// ResultFailed means the external test run reported a failure.
	ResultFailed Result = "failed"
	// ResultTimedOut means no terminal status was available when the window closed.
	ResultTimedOut Result = "timed-out"

	// ModeWait sleeps for the whole window, then queries once.
	ModeWait Mode = "wait"
	// ModeWatch polls during the window and returns on the first terminal status.
	ModeWatch Mode = "watch"

	// DefaultMode is the mode used when none is configured.
	DefaultMode = ModeWatch
	// DefaultWait is the test window used when none is configured.
	DefaultWait = 600 * time.Second
	// DefaultPollInterval is the watch-mode query interval.
	DefaultPollInterval = 30 * time.Second
)

const (
	// StateUnknown means the source has nothing for the commit yet.
	StateUnknown State = iota
	// StatePending means tests are still running.
	StatePending
	// StatePassed means tests finished successfully.
	StatePassed
	// StateFailed means tests finished with a failure.
	StateFailed
)

var (
	// ErrInvalidMode is returned when a Mode value is not recognized.
	ErrInvalidMode = errors.New("invalid test gate mode")
	// ErrNoCommit is returned when Await is called without a commit.
	ErrNoCommit = errors.New("no commit to gate on")
)

type (
	// Result is the gate outcome reported to the publish decision.
	Result string

	// Mode selects how the window is spent.
	Mode string

	// State is what a Source currently knows about a commit.
	State int

	// InvalidModeError is returned when a Mode value is not recognized.
	InvalidModeError struct {
		Value Mode
	}

	// Observation is one answer from a Source.
	Observation struct {
		State State
		// Failed names failing checks, when known.
		Failed []string
	}

	// Source reports the external test status of a commit.
	Source interface {
		Status(ctx context.Context, commit string) (Observation, error)
	}

	// SourceFunc adapts a function to Source.
	SourceFunc func(ctx context.Context, commit string) (Observation, error)

	// Outcome is the gate's report.
	Outcome struct {
		Result  Result
		Commit  string
		Mode    Mode
		Queries int
		Waited  time.Duration
		// Failed names failing checks for ResultFailed.
		Failed []string
	}

	// Gate waits on a Source for one commit.
	Gate struct {
		source   Source
		clock    clock.Clock
		logger   *log.Logger
		mode     Mode
		wait     time.Duration
		interval time.Duration
	}

	// Option configures a Gate.
	Option func(*Gate)
)

// Status calls f.
func (f SourceFunc) Status(ctx context.Context, commit string) (Observation, error) {
	return f(ctx, commit)
}

// String returns the string representation of the Result.
func (r Result) String() string { return string(r) }

// String returns the string representation of the Mode.
func (m Mode) String() string { return string(m) }

// IsValid returns whether the Mode is one of the defined modes.
func (m Mode) IsValid() (bool, []error) {
	switch m {
	case ModeWait, ModeWatch:
		return true, nil
	default:
		return false, []error{&InvalidModeError{Value: m}}
	}
}

// Error implements the error interface.
func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("invalid test gate mode %q (valid: wait, watch)", e.Value)
}

// Unwrap returns ErrInvalidMode for errors.Is() compatibility.
func (e *InvalidModeError) Unwrap() error { return ErrInvalidMode }

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePassed:
		return "passed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool { return s == StatePassed || s == StateFailed }

// WithClock sets the clock driving the window.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMode selects wait or watch mode.
func WithMode(m Mode) Option {
	return func(g *Gate) { g.mode = m }
}

// WithWindow sets the maximum time to wait for a result.
func WithWindow(d time.Duration) Option {
	return func(g *Gate) { g.wait = d }
}

// WithPollInterval sets the watch-mode query interval.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gate) { g.interval = d }
}

// New creates a Gate over source.
func New(source Source, opts ...Option) *Gate {
	g := &Gate{
		source:   source,
		clock:    clock.Real{},
		logger:   log.New(io.Discard),
		mode:     DefaultMode,
		wait:     DefaultWait,
		interval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Await spends the test window on commit and reports the outcome. A query
// that errors counts as "no result yet". ctx cancellation is returned as an
// error; it never produces a Result.
func (g *Gate) Await(ctx context.Context, commit string) (*Outcome, error) {
	if commit == "" {
		return nil, ErrNoCommit
	}
	if ok, errs := g.mode.IsValid(); !ok {
		return nil, errs[0]
	}

	logger := g.logger.With("commit", shortSHA(commit), "mode", g.mode)
	logger.Info("waiting for tests", "window", g.wait)

	var (
		out *Outcome
		err error
	)
	if g.mode == ModeWait {
		out, err = g.awaitFixed(ctx, commit, logger)
	} else {
		out, err = g.awaitWatch(ctx, commit, logger)
	}
	if err != nil {
		return nil, err
	}

	switch out.Result {
	case ResultPassed:
		logger.Info("tests passed", "waited", out.Waited)
	case ResultFailed:
		logger.Warn("tests failed", "waited", out.Waited, "failed", out.Failed)
	default:
		logger.Warn("no test result within window", "waited", out.Waited)
	}
	return out, nil
}

func (g *Gate) awaitFixed(ctx context.Context, commit string, logger *log.Logger) (*Outcome, error) {
	start := g.clock.Now()
	if g.wait > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("test gate canceled: %w", ctx.Err())
		case <-g.clock.After(g.wait):
		}
	}

	out := &Outcome{Result: ResultTimedOut, Commit: commit, Mode: ModeWait, Queries: 1}
	obs, ok := g.query(ctx, commit, logger)
	if ok {
		out.apply(obs)
	}
	out.Waited = g.clock.Since(start)
	return out, nil
}

func (g *Gate) awaitWatch(ctx context.Context, commit string, logger *log.Logger) (*Outcome, error) {
	out := &Outcome{Result: ResultTimedOut, Commit: commit, Mode: ModeWatch}

	interval := g.interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	cfg := poll.Config{
		Interval: interval,
		Budget:   g.wait,
		Clock:    g.clock,
		OnWait: func(s poll.State) {
			logger.Debug("tests not finished", "next_query_in", s.Interval)
		},
	}
	if g.wait <= 0 {
		cfg.Attempts = 1
	}

	res, err := poll.Until(ctx, cfg, func(ctx context.Context, _ int) (bool, error) {
		obs, ok := g.query(ctx, commit, logger)
		if !ok {
			return false, nil
		}
		out.apply(obs)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("test gate: %w", err)
	}
	out.Queries = res.Attempts
	out.Waited = res.Elapsed
	return out, nil
}

// query returns the observation and whether it carries a usable answer.
func (g *Gate) query(ctx context.Context, commit string, logger *log.Logger) (Observation, bool) {
	obs, err := g.source.Status(ctx, commit)
	if err != nil {
		logger.Warn("test status query failed", "err", err)
		return Observation{}, false
	}
	logger.Debug("test status", "state", obs.State)
	return obs, obs.State.terminal()
}

func (o *Outcome) apply(obs Observation) {
	switch obs.State {
	case StatePassed:
		o.Result = ResultPassed
	case StateFailed:
		o.Result = ResultFailed
		o.Failed = obs.Failed
	}
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
