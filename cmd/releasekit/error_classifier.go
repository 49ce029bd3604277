// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"

	"github.com/releasekit/releasekit/internal/bundle"
	"github.com/releasekit/releasekit/internal/config"
	"github.com/releasekit/releasekit/internal/issue"
	"github.com/releasekit/releasekit/internal/merge"
	"github.com/releasekit/releasekit/internal/publish"
	"github.com/releasekit/releasekit/internal/release"
	"github.com/releasekit/releasekit/internal/testgate"
	"github.com/releasekit/releasekit/internal/toolrun"
	"github.com/releasekit/releasekit/internal/version"
)

// classifyError maps a pipeline failure to an exit code and an issue catalog
// entry. A zero issue ID means the catalog has no note for the failure.
func classifyError(err error) (code int, issueID issue.Id) {
	if err == nil {
		return ExitOK, 0
	}

	// Transport failures are checked first: a failed upload after a passed
	// gate must not be reported as a gate problem.
	if errors.Is(err, publish.ErrTransport) {
		return ExitUnexpected, issue.PublishTransportErrorId
	}

	var ae *issue.ActionableError
	if errors.As(err, &ae) && ae.Kind != 0 {
		issueID = ae.Kind
	}

	var gateErr *publish.GateNotSatisfiedError
	var reqErr *release.InvalidRequestError
	switch {
	case errors.Is(err, version.ErrInvalidVersion), errors.Is(err, version.ErrUnknownBumpRule):
		return ExitFailure, issue.InvalidVersionId
	case errors.As(err, &reqErr):
		for _, fe := range reqErr.FieldErrors {
			if errors.Is(fe, version.ErrInvalidVersion) || errors.Is(fe, version.ErrUnknownBumpRule) {
				return ExitFailure, issue.InvalidVersionId
			}
		}
		return ExitFailure, issueID
	case errors.Is(err, merge.ErrConflictUnresolved):
		return ExitFailure, issue.MergeConflictUnresolvedId
	case errors.Is(err, merge.ErrDirtyWorkTree):
		return ExitFailure, issue.DirtyWorkTreeId
	case errors.Is(err, merge.ErrInvalidBranches):
		return ExitFailure, issueID
	case errors.As(err, &gateErr):
		if gateErr.Result == testgate.ResultTimedOut {
			return ExitFailure, issue.TestsTimedOutId
		}
		return ExitFailure, issue.GateNotSatisfiedId
	case errors.Is(err, release.ErrTestsTimedOut):
		return ExitFailure, issue.TestsTimedOutId
	case errors.Is(err, release.ErrTestsFailed):
		return ExitFailure, issue.GateNotSatisfiedId
	case errors.Is(err, config.ErrInvalidConfig), issueID == issue.ConfigLoadFailedId:
		return ExitFailure, issue.ConfigLoadFailedId
	case errors.Is(err, bundle.ErrChecksumMismatch), errors.Is(err, bundle.ErrMissingItem), errors.Is(err, config.ErrConfigExists):
		return ExitFailure, issueID
	}

	var toolErr *toolrun.ExitError
	if errors.As(err, &toolErr) {
		return ExitUnexpected, issue.ToolFailedId
	}
	return ExitUnexpected, issueID
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// exitError classifies err and wraps it for Execute.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	code, _ := classifyError(err)
	return &ExitError{Code: code, Err: err}
}
