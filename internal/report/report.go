// SPDX-License-Identifier: MPL-2.0

// Package report records the per-step outcome of a pipeline run.
package report

import (
	"errors"
	"sync"
	"time"
)

const (
	// StatusSuccess means the step ran and did what it should.
	StatusSuccess Status = "success"
	// StatusSkipped means the step did not run or chose not to act.
	StatusSkipped Status = "skipped"
	// StatusFailed means the step ran and failed.
	StatusFailed Status = "failed"
)

type (
	// Status is a step outcome.
	Status string

	// Step is the report line for one pipeline step.
	Step struct {
		Name     string        `json:"name"`
		Status   Status        `json:"status"`
		Reason   string        `json:"reason,omitempty"`
		Duration time.Duration `json:"duration_ns,omitempty"`
		// Err is the failure behind a failed step; not serialized.
		Err error `json:"-"`
	}

	// Report collects steps in execution order. It is safe for concurrent use
	// so composed pipelines can share one.
	Report struct {
		Pipeline string            `json:"pipeline"`
		Steps    []Step            `json:"steps"`
		Warnings []string          `json:"warnings,omitempty"`
		Facts    map[string]string `json:"facts,omitempty"`

		mu sync.Mutex
	}
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// New creates an empty report for pipeline.
func New(pipeline string) *Report {
	return &Report{Pipeline: pipeline, Facts: make(map[string]string)}
}

// Success records a successful step.
func (r *Report) Success(name, reason string, d time.Duration) {
	r.add(Step{Name: name, Status: StatusSuccess, Reason: reason, Duration: d})
}

// Skip records a skipped step.
func (r *Report) Skip(name, reason string) {
	r.add(Step{Name: name, Status: StatusSkipped, Reason: reason})
}

// Fail records a failed step. The reason is err's message.
func (r *Report) Fail(name string, err error, d time.Duration) {
	r.add(Step{Name: name, Status: StatusFailed, Reason: err.Error(), Duration: d, Err: err})
}

// Warn records a non-fatal warning.
func (r *Report) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, msg)
}

// Set records a named fact such as the resolved version.
func (r *Report) Set(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Facts[key] = value
}

// Fact returns a recorded fact.
func (r *Report) Fact(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Facts[key]
}

// Step returns the named step, if recorded.
func (r *Report) Step(name string) (Step, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Succeeded reports whether no step failed.
func (r *Report) Succeeded() bool { return r.Err() == nil }

// Err joins the errors of every failed step.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			if s.Err != nil {
				errs = append(errs, s.Err)
			} else {
				errs = append(errs, errors.New(s.Name+": "+s.Reason))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Report) add(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps = append(r.Steps, s)
}
