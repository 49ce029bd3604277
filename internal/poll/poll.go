// SPDX-License-Identifier: MPL-2.0

// Package poll provides the bounded "poll until present or timeout" primitive
// shared by the VDR wait and the test-gate watch.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenk/backoff"

	"github.com/releasekit/releasekit/internal/clock"
)

// ErrNoBudget is returned when neither an attempt budget nor a time budget is set.
var ErrNoBudget = errors.New("poll requires an attempt or time budget")

type (
	// Predicate reports whether the awaited condition holds. attempt starts at 1.
	// A non-nil error aborts polling.
	Predicate func(ctx context.Context, attempt int) (bool, error)

	// Config bounds a poll. At least one of Attempts or Budget must be positive.
	Config struct {
		// Attempts is the maximum number of predicate evaluations.
		Attempts int
		// Interval is the wait between evaluations when Schedule is nil.
		Interval time.Duration
		// Budget caps the total elapsed time. The last wait is shortened so a
		// final evaluation happens exactly at the budget.
		Budget time.Duration
		// Schedule overrides the constant interval (e.g. exponential).
		Schedule backoff.BackOff
		// Clock drives the waits; defaults to the system clock.
		Clock clock.Clock
		// OnWait is called before each suspension with the remaining budget.
		OnWait func(State)
	}

	// State is the remaining budget of an ongoing poll.
	State struct {
		RemainingAttempts int
		Interval          time.Duration
	}

	// Result describes how a poll ended.
	Result struct {
		Found    bool
		Attempts int
		Elapsed  time.Duration
	}
)

// Until evaluates pred until it returns true, the budget runs out, or ctx is
// done. An exhausted budget is not an error: the result has Found == false.
func Until(ctx context.Context, cfg Config, pred Predicate) (Result, error) {
	if cfg.Attempts <= 0 && cfg.Budget <= 0 {
		return Result{}, ErrNoBudget
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	schedule := cfg.Schedule
	if schedule == nil {
		schedule = backoff.NewConstantBackOff(cfg.Interval)
	}
	schedule.Reset()

	start := cfg.Clock.Now()
	state := State{RemainingAttempts: cfg.Attempts, Interval: cfg.Interval}

	var res Result
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("poll canceled: %w", err)
		}

		ok, err := pred(ctx, attempt)
		res.Attempts = attempt
		res.Elapsed = cfg.Clock.Since(start)
		if err != nil {
			return res, err
		}
		if ok {
			res.Found = true
			return res, nil
		}

		if cfg.Attempts > 0 {
			state.RemainingAttempts--
			if state.RemainingAttempts <= 0 {
				return res, nil
			}
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return res, nil
		}
		if cfg.Budget > 0 {
			left := cfg.Budget - res.Elapsed
			if left <= 0 {
				return res, nil
			}
			wait = min(wait, left)
		}
		state.Interval = wait

		if cfg.OnWait != nil {
			cfg.OnWait(state)
		}

		select {
		case <-ctx.Done():
			return res, fmt.Errorf("poll canceled: %w", ctx.Err())
		case <-cfg.Clock.After(wait):
		}
	}
}
