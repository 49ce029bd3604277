// SPDX-License-Identifier: MPL-2.0

// Package gitops drives the git command line for the release merge: checkout,
// merge with an optional strategy, abort, reset, push, and tag listing.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotARepository is returned when the working directory is not inside a git repository.
var ErrNotARepository = errors.New("not a git repository")

type (
	// MergeOptions selects how a branch is merged.
	MergeOptions struct {
		// Strategy is passed as -s (e.g. "ort", "recursive", "ours"). Empty uses git's default.
		Strategy string
		// StrategyOptions are passed as -X each (e.g. "theirs", "patience").
		StrategyOptions []string
		// NoFastForward forces a merge commit.
		NoFastForward bool
		// Message overrides the merge commit message.
		Message string
	}

	// ConflictError reports a merge that stopped on conflicts. The merge is
	// still in progress when this is returned; callers must abort it.
	ConflictError struct {
		Branch    string
		Files     []string
		GitOutput string
	}

	// CommandError reports a git invocation that failed for another reason.
	CommandError struct {
		Args   []string
		Output string
		Err    error
	}

	// CommandExecutor runs git. Tests substitute a scripted implementation.
	CommandExecutor interface {
		Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
	}

	// CLI implements repository operations by shelling out to git.
	CLI struct {
		dir  string
		exec CommandExecutor
	}

	// Option configures a CLI.
	Option func(*CLI)

	execExecutor struct{}
)

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict on branch %s: %d file(s) affected", e.Branch, len(e.Files))
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap returns the underlying exec error.
func (e *CommandError) Unwrap() error { return e.Err }

// WithExecutor replaces the git executor.
func WithExecutor(x CommandExecutor) Option {
	return func(c *CLI) { c.exec = x }
}

// New returns a CLI operating on the repository at dir.
func New(dir string, opts ...Option) *CLI {
	c := &CLI{dir: dir, exec: execExecutor{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dir returns the repository directory.
func (c *CLI) Dir() string { return c.dir }

// IsClean reports whether the work tree has no staged or unstaged changes to
// tracked files. Untracked files such as build artifacts do not count: git
// refuses a merge that would overwrite one.
func (c *CLI) IsClean(ctx context.Context) (bool, error) {
	out, err := c.git(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		if strings.Contains(err.Error(), "not a git repository") {
			return false, fmt.Errorf("%s: %w", c.dir, ErrNotARepository)
		}
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// Checkout switches the work tree to branch.
func (c *CLI) Checkout(ctx context.Context, branch string) error {
	_, err := c.git(ctx, "checkout", "--quiet", branch)
	return err
}

// Head returns the commit id HEAD points at.
func (c *CLI) Head(ctx context.Context) (string, error) {
	out, err := c.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Merge merges branch into the checked-out branch. A conflict yields a
// *ConflictError and leaves the merge in progress.
func (c *CLI) Merge(ctx context.Context, branch string, opts MergeOptions) error {
	args := []string{"merge", "--no-edit"}
	if opts.NoFastForward {
		args = append(args, "--no-ff")
	}
	if opts.Strategy != "" {
		args = append(args, "-s", opts.Strategy)
	}
	for _, o := range opts.StrategyOptions {
		args = append(args, "-X", o)
	}
	if opts.Message != "" {
		args = append(args, "-m", opts.Message)
	}
	args = append(args, branch)

	stdout, stderr, err := c.exec.Run(ctx, c.dir, args...)
	if err == nil {
		return nil
	}

	output := stdout + stderr
	files := c.Conflicts(ctx)
	if len(files) > 0 || strings.Contains(output, "CONFLICT") || strings.Contains(output, "Automatic merge failed") {
		return &ConflictError{Branch: branch, Files: files, GitOutput: output}
	}
	return &CommandError{Args: args, Output: output, Err: err}
}

// Conflicts lists files with unresolved conflicts.
func (c *CLI) Conflicts(ctx context.Context) []string {
	out, err := c.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// AbortMerge aborts an in-progress merge.
func (c *CLI) AbortMerge(ctx context.Context) error {
	_, err := c.git(ctx, "merge", "--abort")
	return err
}

// ResetHard moves the checked-out branch and the work tree to commit.
func (c *CLI) ResetHard(ctx context.Context, commit string) error {
	_, err := c.git(ctx, "reset", "--hard", "--quiet", commit)
	return err
}

// Push pushes branch to remote.
func (c *CLI) Push(ctx context.Context, remote, branch string) error {
	_, err := c.git(ctx, "push", remote, branch)
	return err
}

// Tags lists all tag names.
func (c *CLI) Tags(ctx context.Context) ([]string, error) {
	out, err := c.git(ctx, "tag", "--list")
	if err != nil {
		return nil, err
	}
	var tags []string
	for line := range strings.SplitSeq(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

func (c *CLI) git(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := c.exec.Run(ctx, c.dir, args...)
	if err != nil {
		return stdout, &CommandError{Args: args, Output: stdout + stderr, Err: err}
	}
	return stdout, nil
}

// Run executes git with a context-bound lifetime.
func (execExecutor) Run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Keep messages parseable regardless of the operator's locale.
	cmd.Env = append(cmd.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
