// SPDX-License-Identifier: MPL-2.0

package version

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	pep440Pre  = regexp.MustCompile(`^(\d+\.\d+\.\d+)(a|b|rc)(\d+)$`)
	pep440Post = regexp.MustCompile(`^(\d+\.\d+\.\d+)\.post(\d+)$`)
	pep440Dev  = regexp.MustCompile(`^(\d+\.\d+\.\d+)\.dev(\d+)$`)

	pep440Phases = map[string]string{
		"a": "a", "alpha": "a",
		"b": "b", "beta": "b",
		"rc": "rc", "c": "rc", "pre": "rc", "preview": "rc",
	}
)

// PEP440 renders v the way a Python package index stores it. A bare numeric
// prerelease is an alpha (1.2.4-0 is 1.2.4a0), and named series map onto
// the a, b and rc phases. Anything else, build metadata included, has no
// PEP 440 spelling that sorts the way semver does.
func (v Version) PEP440() (string, error) {
	core := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Build != "" {
		return "", &InvalidVersionError{Value: v.String(), Reason: "build metadata cannot be published to a Python package index"}
	}

	switch pre := v.Prerelease; {
	case len(pre) == 0:
		return core, nil
	case len(pre) == 1 && isNumeric(pre[0]):
		return core + "a" + pre[0], nil
	case len(pre) == 1:
		if phase, ok := pep440Phases[strings.ToLower(pre[0])]; ok {
			return core + phase + "0", nil
		}
	case len(pre) == 2 && isNumeric(pre[1]):
		if phase, ok := pep440Phases[strings.ToLower(pre[0])]; ok {
			return core + phase + pre[1], nil
		}
	}
	return "", &InvalidVersionError{
		Value:  v.String(),
		Reason: "prerelease has no PEP 440 form (use a numeric series or one of a, alpha, b, beta, rc)",
	}
}

// FromPEP440 maps an index version back to semver. Post-releases count as
// their release and dev releases sort before every prerelease of the same
// version. Versions without a semver reading are returned unchanged.
func FromPEP440(s string) string {
	if m := pep440Pre.FindStringSubmatch(s); m != nil {
		return m[1] + "-" + m[2] + "." + m[3]
	}
	if m := pep440Post.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := pep440Dev.FindStringSubmatch(s); m != nil {
		return m[1] + "-0.dev." + m[2]
	}
	return s
}

// CheckPEP440 reports whether next can be published after current on a
// Python package index. Distinct semver versions can share a PEP 440
// spelling (1.2.4-0 and 1.2.4-a.0), so the comparison is made between the
// index spellings.
func CheckPEP440(next Version, current string) error {
	pep, err := next.PEP440()
	if err != nil {
		return err
	}
	if strings.TrimSpace(current) == "" {
		return nil
	}
	cur, err := Parse(FromPEP440(current))
	if err != nil {
		return nil //nolint:nilerr // Resolve already vetted current
	}
	curPEP, err := cur.PEP440()
	if err != nil {
		return nil //nolint:nilerr // no index spelling to collide with
	}
	if !MustParse(FromPEP440(pep)).GreaterThan(MustParse(FromPEP440(curPEP))) {
		return &InvalidVersionError{
			Value:   next.String(),
			Current: cur.String(),
			Reason:  fmt.Sprintf("publishes as %s, which is not greater than %s on the index", pep, curPEP),
		}
	}
	return nil
}
