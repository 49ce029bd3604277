// SPDX-License-Identifier: MPL-2.0

// Package toolrun runs configured external tool command lines (SBOM generator,
// vulnerability scanner, package build, registry upload) through the embedded
// mvdan/sh interpreter, so command lines behave the same on every host.
package toolrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ErrEmptyCommand is returned when a tool has no command configured.
var ErrEmptyCommand = errors.New("empty command")

type (
	// Command is one tool invocation.
	Command struct {
		// Name labels the tool in errors and logs, e.g. "sbom" or "publish".
		Name string
		// Line is a POSIX shell command line.
		Line string
		// Dir is the working directory.
		Dir string
		// Env adds or overrides variables on top of the inherited environment.
		Env map[string]string
		// Stdout and Stderr receive output in addition to the captured copies.
		Stdout io.Writer
		Stderr io.Writer
	}

	// Result holds the captured output of a finished command.
	Result struct {
		ExitCode int
		Stdout   string
		Stderr   string
	}

	// ExitError reports a command that ran and exited non-zero.
	ExitError struct {
		Name     string
		ExitCode int
		Stderr   string
	}

	// Runner executes commands. Steps depend on this interface so tests can
	// substitute scripted behaviour.
	Runner interface {
		Run(ctx context.Context, cmd Command) (*Result, error)
	}

	// ShellRunner runs command lines in the mvdan/sh interpreter.
	ShellRunner struct {
		// BaseEnv is the inherited environment; nil means os.Environ().
		BaseEnv []string
	}

	// RunnerFunc adapts a function to Runner.
	RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)
)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) { return f(ctx, cmd) }

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// NewShellRunner returns a runner that inherits the process environment.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

// Validate parses the command line without running it.
func Validate(line string) error {
	if strings.TrimSpace(line) == "" {
		return ErrEmptyCommand
	}
	if _, err := syntax.NewParser().Parse(strings.NewReader(line), "command"); err != nil {
		return fmt.Errorf("command syntax error: %w", err)
	}
	return nil
}

// Run parses and executes cmd.Line. A non-zero exit yields both a Result and
// an *ExitError.
func (r *ShellRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if strings.TrimSpace(cmd.Line) == "" {
		return nil, fmt.Errorf("%s: %w", cmd.Name, ErrEmptyCommand)
	}

	prog, err := syntax.NewParser().Parse(strings.NewReader(cmd.Line), cmd.Name)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse command: %w", cmd.Name, err)
	}

	var stdout, stderr bytes.Buffer
	out := io.Writer(&stdout)
	if cmd.Stdout != nil {
		out = io.MultiWriter(&stdout, cmd.Stdout)
	}
	errOut := io.Writer(&stderr)
	if cmd.Stderr != nil {
		errOut = io.MultiWriter(&stderr, cmd.Stderr)
	}

	runner, err := interp.New(
		interp.Dir(cmd.Dir),
		interp.Env(expand.ListEnviron(r.environ(cmd.Env)...)),
		interp.StdIO(nil, out, errOut),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create interpreter: %w", cmd.Name, err)
	}

	res := &Result{}
	runErr := runner.Run(ctx, prog)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if runErr != nil {
		var status interp.ExitStatus
		if errors.As(runErr, &status) {
			res.ExitCode = int(status)
			return res, &ExitError{Name: cmd.Name, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s: %w", cmd.Name, ctxErr)
		}
		return res, fmt.Errorf("%s: command execution failed: %w", cmd.Name, runErr)
	}

	return res, nil
}

// environ merges extra over the base environment, later keys winning.
func (r *ShellRunner) environ(extra map[string]string) []string {
	base := r.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := slices.Clone(base)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
