// SPDX-License-Identifier: MPL-2.0

package version

import (
	"context"
	"strings"
)

const (
	// SourcePyPI reads the latest version from the package registry.
	SourcePyPI SourceKind = "pypi"
	// SourceGitTags reads the highest semver tag in the repository.
	SourceGitTags SourceKind = "git-tags"
	// SourcePyProject reads the version declared in the project manifest.
	SourcePyProject SourceKind = "pyproject"
)

type (
	// SourceKind names where the latest published version comes from.
	SourceKind string

	// Source reports the latest published version, or "" if none exists.
	Source interface {
		Latest(ctx context.Context) (string, error)
	}

	// SourceFunc adapts a function to Source.
	SourceFunc func(ctx context.Context) (string, error)
)

// Latest calls f.
func (f SourceFunc) Latest(ctx context.Context) (string, error) { return f(ctx) }

// IsValid returns whether the SourceKind is recognized.
func (k SourceKind) IsValid() bool {
	switch k {
	case SourcePyPI, SourceGitTags, SourcePyProject:
		return true
	default:
		return false
	}
}

// Highest returns the highest semantic version among candidates, ignoring
// entries that do not parse. prefix is stripped first (e.g. "v" or "release-").
func Highest(candidates []string, prefix string) (Version, bool) {
	var (
		best  Version
		found bool
	)
	for _, c := range candidates {
		if prefix != "" {
			if !strings.HasPrefix(c, prefix) {
				continue
			}
			c = strings.TrimPrefix(c, prefix)
		}
		v, err := Parse(c)
		if err != nil {
			continue
		}
		if !found || v.GreaterThan(best) {
			best, found = v, true
		}
	}
	return best, found
}
