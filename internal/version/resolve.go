// SPDX-License-Identifier: MPL-2.0

package version

import (
	"slices"
	"strconv"
	"strings"
)

// Request carries the inputs of a version resolution.
type Request struct {
	// ReleaseVersion, when non-empty, is used verbatim instead of BumpRule.
	ReleaseVersion string
	// BumpRule selects the increment; empty means DefaultBumpRule.
	BumpRule BumpRule
	// Preid optionally prefixes new prerelease series, e.g. "rc" gives 1.2.4-rc.0.
	Preid string
}

// Resolve computes the next release version. current is the latest published
// version; empty means nothing has been published yet. The result is always
// strictly greater than current.
func Resolve(req Request, current string) (Version, error) {
	var base Version
	hasCurrent := strings.TrimSpace(current) != ""
	if hasCurrent {
		parsed, err := Parse(current)
		if err != nil {
			return Version{}, &InvalidVersionError{
				Value:  current,
				Reason: "latest published version is not a semantic version",
			}
		}
		base = parsed
	}

	if strings.TrimSpace(req.ReleaseVersion) != "" {
		explicit, err := Parse(req.ReleaseVersion)
		if err != nil {
			return Version{}, err
		}
		if hasCurrent && !explicit.GreaterThan(base) {
			return Version{}, &InvalidVersionError{
				Value:   req.ReleaseVersion,
				Current: base.String(),
				Reason:  "release version must be strictly greater than the latest published version",
			}
		}
		return explicit, nil
	}

	rule := req.BumpRule
	if rule == "" {
		rule = DefaultBumpRule
	}
	if ok, errs := rule.IsValid(); !ok {
		return Version{}, errs[0]
	}
	if req.Preid != "" {
		if _, err := Parse("0.0.0-" + req.Preid); err != nil || isNumeric(req.Preid) {
			return Version{}, &InvalidVersionError{Value: req.Preid, Reason: "prerelease identifier must be alphanumeric and not purely numeric"}
		}
	}

	next := Bump(base, rule, req.Preid)
	if hasCurrent && !next.GreaterThan(base) {
		return Version{}, &InvalidVersionError{
			Value:   next.String(),
			Current: base.String(),
			Reason:  "bump did not produce a greater version",
		}
	}
	return next, nil
}

// Bump applies rule to v. Build metadata is always dropped. rule must be valid.
//
// patch, minor and major always move past v, prerelease or not: patch on
// 1.2.4-0 gives 1.2.5, not the 1.2.4 release npm's semver would pick. Use an
// explicit release version to finalize a prerelease series.
func Bump(v Version, rule BumpRule, preid string) Version {
	next := Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}

	switch rule {
	case BumpPatch:
		next.Patch++
	case BumpMinor:
		next.Minor++
		next.Patch = 0
	case BumpMajor:
		next.Major++
		next.Minor, next.Patch = 0, 0
	case BumpPrepatch:
		next.Patch++
		next.Prerelease = startPrerelease(preid)
	case BumpPreminor:
		next.Minor++
		next.Patch = 0
		next.Prerelease = startPrerelease(preid)
	case BumpPremajor:
		next.Major++
		next.Minor, next.Patch = 0, 0
		next.Prerelease = startPrerelease(preid)
	case BumpPrerelease:
		if !v.IsPrerelease() {
			next.Patch++
			next.Prerelease = startPrerelease(preid)
			break
		}
		if preid != "" && v.Prerelease[0] != preid {
			next.Prerelease = startPrerelease(preid)
			break
		}
		next.Prerelease = incrementPrerelease(v.Prerelease)
	}

	return next
}

func startPrerelease(preid string) []string {
	if preid == "" {
		return []string{"0"}
	}
	return []string{preid, "0"}
}

// incrementPrerelease bumps the last numeric identifier, or appends ".0" when
// the series has no numeric identifier.
func incrementPrerelease(ids []string) []string {
	out := slices.Clone(ids)
	for i := len(out) - 1; i >= 0; i-- {
		if n, err := strconv.ParseUint(out[i], 10, 64); err == nil {
			out[i] = strconv.FormatUint(n+1, 10)
			return out
		}
	}
	return append(out, "0")
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
