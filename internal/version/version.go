// SPDX-License-Identifier: MPL-2.0

// Package version resolves the next release version from the latest published
// version and either a bump rule or an explicit override.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

const (
	// BumpPatch increments the patch component.
	BumpPatch BumpRule = "patch"
	// BumpMinor increments the minor component and zeroes patch.
	BumpMinor BumpRule = "minor"
	// BumpMajor increments the major component and zeroes minor and patch.
	BumpMajor BumpRule = "major"
	// BumpPrepatch bumps patch and starts a prerelease series.
	BumpPrepatch BumpRule = "prepatch"
	// BumpPreminor bumps minor and starts a prerelease series.
	BumpPreminor BumpRule = "preminor"
	// BumpPremajor bumps major and starts a prerelease series.
	BumpPremajor BumpRule = "premajor"
	// BumpPrerelease advances an existing prerelease or starts one on the next patch.
	BumpPrerelease BumpRule = "prerelease"

	// DefaultBumpRule is used when a request names no rule.
	DefaultBumpRule = BumpPrerelease
)

var (
	// ErrInvalidVersion is the sentinel wrapped by InvalidVersionError.
	ErrInvalidVersion = errors.New("invalid version")
	// ErrUnknownBumpRule is returned when a BumpRule value is not recognized.
	ErrUnknownBumpRule = errors.New("unknown bump rule")
)

type (
	// BumpRule names a semver increment strategy.
	BumpRule string

	// InvalidBumpRuleError is returned when a BumpRule value is not recognized.
	// It wraps ErrUnknownBumpRule for errors.Is() compatibility.
	InvalidBumpRuleError struct {
		Value BumpRule
	}

	// InvalidVersionError describes a version that cannot be released.
	InvalidVersionError struct {
		Value   string
		Current string
		Reason  string
	}

	// Version is a parsed semantic version. Prerelease holds the dot-separated
	// identifiers after '-'; Build holds metadata after '+'.
	Version struct {
		Major      uint64
		Minor      uint64
		Patch      uint64
		Prerelease []string
		Build      string
	}
)

// AllBumpRules returns every recognized bump rule in documentation order.
func AllBumpRules() []BumpRule {
	return []BumpRule{
		BumpPatch, BumpMinor, BumpMajor,
		BumpPrepatch, BumpPreminor, BumpPremajor,
		BumpPrerelease,
	}
}

// String returns the string representation of the BumpRule.
func (r BumpRule) String() string { return string(r) }

// IsValid returns whether the BumpRule is one of the defined rules.
func (r BumpRule) IsValid() (bool, []error) {
	for _, known := range AllBumpRules() {
		if r == known {
			return true, nil
		}
	}
	return false, []error{&InvalidBumpRuleError{Value: r}}
}

// Error implements the error interface for InvalidBumpRuleError.
func (e *InvalidBumpRuleError) Error() string {
	return fmt.Sprintf("unknown bump rule %q (valid: patch, minor, major, prepatch, preminor, premajor, prerelease)", e.Value)
}

// Unwrap returns ErrUnknownBumpRule for errors.Is() compatibility.
func (e *InvalidBumpRuleError) Unwrap() error { return ErrUnknownBumpRule }

// Error implements the error interface for InvalidVersionError.
func (e *InvalidVersionError) Error() string {
	if e.Current != "" {
		return fmt.Sprintf("invalid version %q (latest published %s): %s", e.Value, e.Current, e.Reason)
	}
	return fmt.Sprintf("invalid version %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidVersion for errors.Is() compatibility.
func (e *InvalidVersionError) Unwrap() error { return ErrInvalidVersion }

// Parse parses a semantic version with an optional leading "v".
func Parse(s string) (Version, error) {
	canonical := normalize(s)
	if !semver.IsValid(canonical) {
		return Version{}, &InvalidVersionError{Value: s, Reason: "not a semantic version (MAJOR.MINOR.PATCH[-PRERELEASE][+BUILD])"}
	}

	// semver.IsValid accepts shorthand like v1 and v1.2; releases need all three.
	core := strings.TrimPrefix(canonical, "v")
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, &InvalidVersionError{Value: s, Reason: "version must have major, minor and patch components"}
	}

	var v Version
	nums := []*uint64{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, &InvalidVersionError{Value: s, Reason: fmt.Sprintf("component %q: %v", p, err)}
		}
		*nums[i] = n
	}

	if pre := semver.Prerelease(canonical); pre != "" {
		v.Prerelease = strings.Split(strings.TrimPrefix(pre, "-"), ".")
	}
	v.Build = strings.TrimPrefix(semver.Build(canonical), "+")

	return v, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version without a "v" prefix, e.g. "1.2.4-0".
func (v Version) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if len(v.Prerelease) > 0 {
		sb.WriteString("-")
		sb.WriteString(strings.Join(v.Prerelease, "."))
	}
	if v.Build != "" {
		sb.WriteString("+")
		sb.WriteString(v.Build)
	}
	return sb.String()
}

// Tag renders the version with a "v" prefix, the form used for git tags.
func (v Version) Tag() string { return "v" + v.String() }

// IsPrerelease reports whether the version carries prerelease identifiers.
func (v Version) IsPrerelease() bool { return len(v.Prerelease) > 0 }

// Compare returns -1, 0 or +1 following semver precedence. Build metadata is ignored.
func (v Version) Compare(other Version) int {
	return semver.Compare(v.Tag(), other.Tag())
}

// GreaterThan reports whether v has strictly higher precedence than other.
func (v Version) GreaterThan(other Version) bool { return v.Compare(other) > 0 }

// normalize prepends "v" so x/mod/semver accepts the value.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "v") {
		return s
	}
	return "v" + s
}
