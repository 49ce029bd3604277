// SPDX-License-Identifier: MPL-2.0

package release

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/releasekit/releasekit/internal/merge"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/version"
)

// ErrInvalidRequest is the sentinel wrapped by InvalidRequestError.
var ErrInvalidRequest = errors.New("invalid release request")

type (
	// Request is one release run's trigger input.
	Request struct {
		// ReleaseVersion, when non-empty, wins over BumpRule.
		ReleaseVersion string
		BumpRule       version.BumpRule
		Preid          string
		// MergeStrategy is parsed with merge.ParseStrategy; empty means fail on conflict.
		MergeStrategy string
		// TestWait is the test window. It is an upper bound in watch mode.
		TestWait      time.Duration
		PublishTarget publish.Target
		Branches      merge.Branches
	}

	// InvalidRequestError collects every field problem of a Request.
	InvalidRequestError struct {
		FieldErrors []error
	}
)

// Error implements the error interface.
func (e *InvalidRequestError) Error() string {
	msgs := make([]string, 0, len(e.FieldErrors))
	for _, err := range e.FieldErrors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("invalid release request: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidRequest for errors.Is() compatibility.
func (e *InvalidRequestError) Unwrap() error { return ErrInvalidRequest }

// Validate checks every field without touching the repository or network.
// The returned Strategy is the parsed MergeStrategy.
func (r Request) Validate() (merge.Strategy, error) {
	var errs []error

	if r.ReleaseVersion != "" {
		if _, err := version.Parse(r.ReleaseVersion); err != nil {
			errs = append(errs, err)
		}
	}
	if r.BumpRule != "" {
		if ok, ruleErrs := r.BumpRule.IsValid(); !ok {
			errs = append(errs, ruleErrs...)
		}
	}
	strategy, err := merge.ParseStrategy(r.MergeStrategy)
	if err != nil {
		errs = append(errs, err)
	}
	if r.TestWait < 0 {
		errs = append(errs, fmt.Errorf("test wait %s is negative", r.TestWait))
	}
	target := r.PublishTarget
	if target == "" {
		target = publish.DefaultTarget
	}
	if ok, targetErrs := target.IsValid(); !ok {
		errs = append(errs, targetErrs...)
	}
	switch {
	case r.Branches.Release == "" || r.Branches.Trunk == "":
		errs = append(errs, errors.New("release and trunk branches are required"))
	case r.Branches.Release == r.Branches.Trunk:
		errs = append(errs, fmt.Errorf("release branch %q is the trunk", r.Branches.Release))
	}

	if len(errs) > 0 {
		return merge.Strategy{}, &InvalidRequestError{FieldErrors: errs}
	}
	return strategy, nil
}

func (r Request) target() publish.Target {
	if r.PublishTarget == "" {
		return publish.DefaultTarget
	}
	return r.PublishTarget
}
