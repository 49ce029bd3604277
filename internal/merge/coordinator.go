// SPDX-License-Identifier: MPL-2.0

// Package merge merges a release branch into trunk. A merge either completes
// or leaves trunk exactly where it was.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/releasekit/releasekit/internal/gitops"
)

const (
	// OutcomeClean means the branch merged without conflicts.
	OutcomeClean Outcome = "clean"
	// OutcomeConflictedResolved means conflicts occurred and the strategy resolved them.
	OutcomeConflictedResolved Outcome = "conflicted-resolved"
	// OutcomeConflictedUnresolved means conflicts remain; trunk is untouched.
	OutcomeConflictedUnresolved Outcome = "conflicted-unresolved"
)

var (
	// ErrConflictUnresolved is the sentinel wrapped by ConflictUnresolvedError.
	ErrConflictUnresolved = errors.New("merge conflict unresolved")
	// ErrDirtyWorkTree is returned when the repository has local changes.
	ErrDirtyWorkTree = errors.New("work tree has uncommitted changes")
	// ErrInvalidBranches is returned for empty or identical branch names.
	ErrInvalidBranches = errors.New("invalid branches")
)

type (
	// Outcome classifies a merge attempt.
	Outcome string

	// Branches names the merge source and target.
	Branches struct {
		Release string
		Trunk   string
	}

	// Result describes a finished merge attempt.
	Result struct {
		Outcome Outcome
		// Previous is trunk's commit before the merge.
		Previous string
		// Commit is trunk's commit after the merge (equal to Previous when unresolved).
		Commit string
		// Files lists the conflicted files, if any.
		Files []string
		// Pushed reports that trunk was pushed to the remote.
		Pushed bool
	}

	// ConflictUnresolvedError reports conflicts the strategy could not resolve.
	ConflictUnresolvedError struct {
		Release  string
		Trunk    string
		Strategy string
		Files    []string
	}

	// PushError reports a merge that completed locally but could not be pushed.
	PushError struct {
		Remote string
		Trunk  string
		Commit string
		Err    error
	}

	// Repository is the git surface the coordinator needs.
	Repository interface {
		IsClean(ctx context.Context) (bool, error)
		Checkout(ctx context.Context, branch string) error
		Head(ctx context.Context) (string, error)
		Merge(ctx context.Context, branch string, opts gitops.MergeOptions) error
		AbortMerge(ctx context.Context) error
		ResetHard(ctx context.Context, commit string) error
		Push(ctx context.Context, remote, branch string) error
	}

	// Coordinator merges release branches into trunk.
	Coordinator struct {
		repo   Repository
		logger *log.Logger
		remote string
		push   bool
		noFF   bool
	}

	// Option configures a Coordinator.
	Option func(*Coordinator)
)

// Proceeds reports whether the pipeline may continue after this outcome.
func (o Outcome) Proceeds() bool {
	return o == OutcomeClean || o == OutcomeConflictedResolved
}

// String returns the string representation of the Outcome.
func (o Outcome) String() string { return string(o) }

// Error implements the error interface.
func (e *ConflictUnresolvedError) Error() string {
	strategy := e.Strategy
	if strategy == "" {
		strategy = "none"
	}
	return fmt.Sprintf("merging %s into %s left %d conflicted file(s) (strategy: %s): %s",
		e.Release, e.Trunk, len(e.Files), strategy, strings.Join(e.Files, ", "))
}

// Unwrap returns ErrConflictUnresolved for errors.Is() compatibility.
func (e *ConflictUnresolvedError) Unwrap() error { return ErrConflictUnresolved }

// Error implements the error interface.
func (e *PushError) Error() string {
	return fmt.Sprintf("merged %s at %s but pushing to %s failed: %v", e.Trunk, shortSHA(e.Commit), e.Remote, e.Err)
}

// Unwrap returns the push failure.
func (e *PushError) Unwrap() error { return e.Err }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithPush pushes trunk to remote after a successful merge.
func WithPush(remote string) Option {
	return func(c *Coordinator) {
		c.push = remote != ""
		c.remote = remote
	}
}

// WithNoFastForward always creates a merge commit.
func WithNoFastForward(noFF bool) Option {
	return func(c *Coordinator) { c.noFF = noFF }
}

// NewCoordinator creates a Coordinator over repo.
func NewCoordinator(repo Repository, opts ...Option) *Coordinator {
	c := &Coordinator{repo: repo, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Merge merges b.Release into b.Trunk. On conflict the merge is aborted and,
// when a strategy is given, re-attempted with it. An unresolved conflict
// returns the Result together with a *ConflictUnresolvedError; trunk is then
// at Result.Previous.
func (c *Coordinator) Merge(ctx context.Context, b Branches, s Strategy) (*Result, error) {
	if b.Release == "" || b.Trunk == "" || b.Release == b.Trunk {
		return nil, fmt.Errorf("%w: release %q, trunk %q", ErrInvalidBranches, b.Release, b.Trunk)
	}

	clean, err := c.repo.IsClean(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking work tree: %w", err)
	}
	if !clean {
		return nil, ErrDirtyWorkTree
	}

	if err := c.repo.Checkout(ctx, b.Trunk); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", b.Trunk, err)
	}
	previous, err := c.repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading %s head: %w", b.Trunk, err)
	}

	logger := c.logger.With("release", b.Release, "trunk", b.Trunk)
	res := &Result{Previous: previous, Commit: previous}

	opts := gitops.MergeOptions{NoFastForward: c.noFF}
	err = c.repo.Merge(ctx, b.Release, opts)
	switch {
	case err == nil:
		res.Outcome = OutcomeClean
	case isConflict(err):
		res.Files = conflictFiles(err)
		logger.Warn("merge conflict", "files", len(res.Files))
		if rerr := c.restore(ctx, previous); rerr != nil {
			return nil, rerr
		}
		if s.IsZero() {
			res.Outcome = OutcomeConflictedUnresolved
			return res, &ConflictUnresolvedError{Release: b.Release, Trunk: b.Trunk, Files: res.Files}
		}

		opts.Strategy = s.Name
		opts.StrategyOptions = s.Options
		logger.Info("retrying merge with strategy", "strategy", s.String())
		err = c.repo.Merge(ctx, b.Release, opts)
		switch {
		case err == nil:
			res.Outcome = OutcomeConflictedResolved
		case isConflict(err):
			if files := conflictFiles(err); len(files) > 0 {
				res.Files = files
			}
			if rerr := c.restore(ctx, previous); rerr != nil {
				return nil, rerr
			}
			res.Outcome = OutcomeConflictedUnresolved
			return res, &ConflictUnresolvedError{Release: b.Release, Trunk: b.Trunk, Strategy: s.String(), Files: res.Files}
		default:
			return nil, c.fail(ctx, previous, err)
		}
	default:
		return nil, c.fail(ctx, previous, err)
	}

	commit, err := c.repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading merged head: %w", err)
	}
	res.Commit = commit
	logger.Info("merged", "outcome", res.Outcome, "commit", shortSHA(commit))

	if c.push {
		if err := c.repo.Push(ctx, c.remote, b.Trunk); err != nil {
			return res, &PushError{Remote: c.remote, Trunk: b.Trunk, Commit: commit, Err: err}
		}
		res.Pushed = true
		logger.Info("pushed", "remote", c.remote)
	}

	return res, nil
}

// fail restores trunk and returns the original merge error.
func (c *Coordinator) fail(ctx context.Context, previous string, mergeErr error) error {
	if rerr := c.restore(ctx, previous); rerr != nil {
		return errors.Join(fmt.Errorf("merge failed: %w", mergeErr), rerr)
	}
	return fmt.Errorf("merge failed: %w", mergeErr)
}

// restore puts trunk back at previous. It runs even when ctx is canceled so
// an interrupted merge never stays half-applied.
func (c *Coordinator) restore(ctx context.Context, previous string) error {
	ctx = context.WithoutCancel(ctx)

	// merge --abort fails harmlessly when no merge is in progress.
	_ = c.repo.AbortMerge(ctx)

	head, err := c.repo.Head(ctx)
	if err == nil && head == previous {
		return nil
	}
	if err := c.repo.ResetHard(ctx, previous); err != nil {
		return fmt.Errorf("restoring trunk to %s: %w", shortSHA(previous), err)
	}
	c.logger.Warn("trunk reset after failed merge", "commit", shortSHA(previous))
	return nil
}

func isConflict(err error) bool {
	var ce *gitops.ConflictError
	return errors.As(err, &ce)
}

func conflictFiles(err error) []string {
	var ce *gitops.ConflictError
	if errors.As(err, &ce) {
		return ce.Files
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
