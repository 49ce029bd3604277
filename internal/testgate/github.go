// SPDX-License-Identifier: MPL-2.0

package testgate

import (
	"context"
	"errors"

	"github.com/releasekit/releasekit/internal/githubapi"
)

// GitHubSource reads test status from GitHub commit statuses and check runs.
type GitHubSource struct {
	Client *githubapi.Client
}

// Status maps the aggregated GitHub state onto a gate State. A commit GitHub
// does not know yet is reported as StateUnknown.
func (s GitHubSource) Status(ctx context.Context, commit string) (Observation, error) {
	st, err := s.Client.CommitStatus(ctx, commit)
	if errors.Is(err, githubapi.ErrCommitNotFound) {
		return Observation{State: StateUnknown}, nil
	}
	if err != nil {
		return Observation{}, err
	}

	switch st.State {
	case githubapi.StateSuccess:
		return Observation{State: StatePassed}, nil
	case githubapi.StateFailure:
		return Observation{State: StateFailed, Failed: st.Failed}, nil
	case githubapi.StatePending:
		return Observation{State: StatePending}, nil
	default:
		return Observation{State: StateUnknown}, nil
	}
}
