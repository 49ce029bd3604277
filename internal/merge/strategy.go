// SPDX-License-Identifier: MPL-2.0

package merge

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ErrInvalidStrategy is the sentinel wrapped by InvalidStrategyError.
var ErrInvalidStrategy = errors.New("invalid merge strategy")

var (
	knownStrategies = []string{"ort", "recursive", "resolve", "octopus", "ours", "subtree"}
	// Strategy options git accepts for -X, optionally with "=value".
	strategyOption = regexp.MustCompile(`^[a-z][a-z0-9-]*(=[A-Za-z0-9_./-]+)?$`)
)

type (
	// Strategy names a git merge strategy and its -X options. The zero value
	// means "repository default, fail on any conflict".
	Strategy struct {
		Name    string
		Options []string
	}

	// InvalidStrategyError is returned when a strategy string cannot be parsed.
	InvalidStrategyError struct {
		Value  string
		Reason string
	}
)

// Error implements the error interface.
func (e *InvalidStrategyError) Error() string {
	return fmt.Sprintf("invalid merge strategy %q: %s", e.Value, e.Reason)
}

// Unwrap returns ErrInvalidStrategy for errors.Is() compatibility.
func (e *InvalidStrategyError) Unwrap() error { return ErrInvalidStrategy }

// ParseStrategy parses "name", "name:opt[,opt...]" or "name -X opt [-X opt...]".
// A bare option name such as "theirs" is shorthand for "ort:theirs".
func ParseStrategy(s string) (Strategy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Strategy{}, nil
	}

	var st Strategy
	switch {
	case strings.Contains(s, ":"):
		name, opts, _ := strings.Cut(s, ":")
		st.Name = strings.TrimSpace(name)
		for o := range strings.SplitSeq(opts, ",") {
			if o = strings.TrimSpace(o); o != "" {
				st.Options = append(st.Options, o)
			}
		}
	case strings.Contains(s, " "):
		fields := strings.Fields(s)
		st.Name = fields[0]
		for i := 1; i < len(fields); i++ {
			if fields[i] != "-X" {
				return Strategy{}, &InvalidStrategyError{Value: s, Reason: fmt.Sprintf("unexpected token %q, want -X <option>", fields[i])}
			}
			if i+1 >= len(fields) {
				return Strategy{}, &InvalidStrategyError{Value: s, Reason: "-X needs an option"}
			}
			st.Options = append(st.Options, fields[i+1])
			i++
		}
	case slices.Contains(knownStrategies, s):
		st.Name = s
	default:
		st = Strategy{Name: "ort", Options: []string{s}}
	}

	if !slices.Contains(knownStrategies, st.Name) {
		return Strategy{}, &InvalidStrategyError{Value: s, Reason: fmt.Sprintf("unknown strategy %q (valid: %s)", st.Name, strings.Join(knownStrategies, ", "))}
	}
	for _, o := range st.Options {
		if !strategyOption.MatchString(o) {
			return Strategy{}, &InvalidStrategyError{Value: s, Reason: fmt.Sprintf("malformed option %q", o)}
		}
	}
	return st, nil
}

// IsZero reports whether no strategy was selected.
func (s Strategy) IsZero() bool { return s.Name == "" }

// String renders the strategy in "name:opt,opt" form.
func (s Strategy) String() string {
	if s.IsZero() {
		return ""
	}
	if len(s.Options) == 0 {
		return s.Name
	}
	return s.Name + ":" + strings.Join(s.Options, ",")
}
