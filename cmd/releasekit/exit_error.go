// SPDX-License-Identifier: MPL-2.0

package cmd

import "fmt"

const (
	// ExitOK is returned when every step succeeded or was skipped.
	ExitOK = 0
	// ExitFailure is returned for failures the operator can correct: an
	// invalid version or request, an unresolved conflict, failed tests, or a
	// gate that was not satisfied.
	ExitFailure = 1
	// ExitUnexpected is returned for transport and unexpected failures.
	ExitUnexpected = 2
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}
