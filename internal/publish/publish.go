// SPDX-License-Identifier: MPL-2.0

// Package publish decides whether a release may be published and hands the
// distributable to a Publisher.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/releasekit/releasekit/internal/testgate"
)

const (
	// TargetPyPI publishes to the production package index.
	TargetPyPI Target = "pypi"
	// TargetTestPyPI publishes to the staging package index.
	TargetTestPyPI Target = "test-pypi"
	// TargetNone never publishes.
	TargetNone Target = "none"

	// DefaultTarget is used when no target is requested.
	DefaultTarget = TargetNone
)

var (
	// ErrGateNotSatisfied is the sentinel wrapped by GateNotSatisfiedError.
	ErrGateNotSatisfied = errors.New("publish gate not satisfied")
	// ErrTransport is the sentinel wrapped by TransportError.
	ErrTransport = errors.New("publish transport error")
	// ErrInvalidTarget is returned when a Target value is not recognized.
	ErrInvalidTarget = errors.New("invalid publish target")
)

type (
	// Target names a publish destination.
	Target string

	// InvalidTargetError is returned when a Target value is not recognized.
	InvalidTargetError struct {
		Value Target
	}

	// Decision is the publish gate's verdict.
	Decision struct {
		Target  Target
		Publish bool
		Reason  string
	}

	// GateNotSatisfiedError reports a publish request for a release whose
	// tests did not pass.
	GateNotSatisfiedError struct {
		Target Target
		Result testgate.Result
	}

	// TransportError reports a publisher failure. Publishing is not retried.
	TransportError struct {
		Target  Target
		Version string
		Err     error
	}

	// Artifact is what a Publisher uploads.
	Artifact struct {
		Target  Target
		Version string
		// DistDir holds the built distributable files.
		DistDir string
	}

	// Publisher uploads an artifact to its target.
	Publisher interface {
		Publish(ctx context.Context, a Artifact) error
	}

	// PublisherFunc adapts a function to Publisher.
	PublisherFunc func(ctx context.Context, a Artifact) error

	// Gate applies Decide and calls the Publisher when allowed.
	Gate struct {
		publisher Publisher
		logger    *log.Logger
	}
)

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, a Artifact) error { return f(ctx, a) }

// AllTargets returns every recognized target.
func AllTargets() []Target {
	return []Target{TargetNone, TargetPyPI, TargetTestPyPI}
}

// String returns the string representation of the Target.
func (t Target) String() string { return string(t) }

// IsValid returns whether the Target is one of the defined targets.
func (t Target) IsValid() (bool, []error) {
	for _, known := range AllTargets() {
		if t == known {
			return true, nil
		}
	}
	return false, []error{&InvalidTargetError{Value: t}}
}

// Error implements the error interface.
func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid publish target %q (valid: none, pypi, test-pypi)", e.Value)
}

// Unwrap returns ErrInvalidTarget for errors.Is() compatibility.
func (e *InvalidTargetError) Unwrap() error { return ErrInvalidTarget }

// Error implements the error interface.
func (e *GateNotSatisfiedError) Error() string {
	switch e.Result {
	case testgate.ResultTimedOut:
		return fmt.Sprintf("not publishing to %s: no test result arrived within the test window", e.Target)
	case testgate.ResultFailed:
		return fmt.Sprintf("not publishing to %s: tests failed", e.Target)
	default:
		return fmt.Sprintf("not publishing to %s: test result %q", e.Target, e.Result)
	}
}

// Unwrap returns ErrGateNotSatisfied for errors.Is() compatibility.
func (e *GateNotSatisfiedError) Unwrap() error { return ErrGateNotSatisfied }

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("publishing %s to %s failed: %v", e.Version, e.Target, e.Err)
}

// Is reports ErrTransport so both the sentinel and the cause match errors.Is.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Unwrap returns the publisher failure.
func (e *TransportError) Unwrap() error { return e.Err }

// Decide applies the publish rule: none is always skipped, any other target
// requires a passed test gate.
func Decide(result testgate.Result, target Target) (Decision, error) {
	if ok, errs := target.IsValid(); !ok {
		return Decision{}, errs[0]
	}
	if target == TargetNone {
		return Decision{Target: target, Reason: "publish target is none"}, nil
	}
	if result != testgate.ResultPassed {
		err := &GateNotSatisfiedError{Target: target, Result: result}
		return Decision{Target: target, Reason: err.Error()}, err
	}
	return Decision{Target: target, Publish: true, Reason: "tests passed"}, nil
}

// NewGate creates a publish Gate.
func NewGate(p Publisher, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Gate{publisher: p, logger: logger}
}

// Run decides and, when allowed, publishes a. The publisher is never called
// when the decision is negative.
func (g *Gate) Run(ctx context.Context, result testgate.Result, a Artifact) (Decision, error) {
	d, err := Decide(result, a.Target)
	if err != nil || !d.Publish {
		return d, err
	}

	logger := g.logger.With("target", a.Target, "version", a.Version)
	logger.Info("publishing")
	if err := g.publisher.Publish(ctx, a); err != nil {
		return d, &TransportError{Target: a.Target, Version: a.Version, Err: err}
	}
	logger.Info("published")
	return d, nil
}
