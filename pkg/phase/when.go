package phase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/mensylisir/testxm/pkg/logger"
)

var whenOps = map[string]struct{}{
	"==": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {}, "~=": {},
}

var errUnknownDimension = errors.New("unknown dimension")

type comparison struct {
	dim, op, value string
}

// EvalWhen decides whether a phase runs under the given context. A rule is
// comparisons of the form `dimension operator value` joined by and/or
// without parentheses; and binds tighter than or. Evaluation is lazy left
// to right, and reaching a dimension the context does not define makes the
// whole rule false rather than an error.
func EvalWhen(rule string, ctx map[string][]string) (bool, error) {
	tokens := strings.Fields(rule)
	if len(tokens) == 0 {
		return true, nil
	}
	groups, err := parseRule(rule, tokens)
	if err != nil {
		return false, err
	}
	for _, group := range groups {
		all := true
		for _, c := range group {
			ok, err := evalComparison(c, ctx)
			if err != nil {
				if errors.Is(err, errUnknownDimension) {
					logger.Get().Debugf("When rule %q is false: %v", rule, err)
					return false, nil
				}
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

// parseRule splits the token stream into or-groups of and-joined
// comparisons.
func parseRule(rule string, tokens []string) ([][]comparison, error) {
	var groups [][]comparison
	var current []comparison
	i := 0
	for {
		if i+3 > len(tokens) {
			return nil, NewConfigurationError("", "malformed when rule %q: expected `dimension operator value`", rule)
		}
		c := comparison{dim: tokens[i], op: tokens[i+1], value: tokens[i+2]}
		if _, ok := whenOps[c.op]; !ok {
			return nil, NewConfigurationError("", "malformed when rule %q: unknown operator %q", rule, c.op)
		}
		current = append(current, c)
		i += 3
		if i == len(tokens) {
			break
		}
		switch tokens[i] {
		case "and":
		case "or":
			groups = append(groups, current)
			current = nil
		default:
			return nil, NewConfigurationError("", "malformed when rule %q: expected and/or, got %q", rule, tokens[i])
		}
		i++
	}
	return append(groups, current), nil
}

func evalComparison(c comparison, ctx map[string][]string) (bool, error) {
	values, ok := ctx[c.dim]
	if !ok || len(values) == 0 {
		return false, fmt.Errorf("%w %q", errUnknownDimension, c.dim)
	}
	for _, have := range values {
		if compareOne(have, c.op, c.value) {
			return true, nil
		}
	}
	return false, nil
}

func compareOne(have, op, want string) bool {
	if op == "~=" {
		return strings.Contains(have, want)
	}
	haveName, haveVersion := splitNameVersion(have)
	wantName, wantVersion := splitNameVersion(want)
	switch op {
	case "==", "!=":
		eq := haveName == wantName && versionsEqual(haveVersion, wantVersion)
		if op == "!=" {
			return !eq
		}
		return eq
	}

	var cmp int
	var ok bool
	switch {
	case haveVersion != "" && wantVersion != "":
		if haveName != wantName {
			return false
		}
		cmp, ok = versionCompare(haveVersion, wantVersion)
	case haveVersion == "" && wantVersion == "":
		cmp, ok = versionCompare(haveName, wantName)
	}
	if !ok {
		return false
	}
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// versionsEqual treats a want without version as a name-only match.
func versionsEqual(haveVersion, wantVersion string) bool {
	if wantVersion == "" {
		return true
	}
	if haveVersion == "" {
		return false
	}
	if cmp, ok := versionCompare(haveVersion, wantVersion); ok {
		return cmp == 0
	}
	return haveVersion == wantVersion
}

// versionCompare parses both sides leniently ("33" counts as 33.0.0) and
// compares them. Unparseable versions cannot be compared.
func versionCompare(a, b string) (int, bool) {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return 0, false
	}
	return va.Compare(vb), true
}

// splitNameVersion separates "fedora-33" into name and version. Only a
// trailing dash-number counts as a version, so centos-stream-9 keeps its
// compound name and fedora-rawhide stays whole.
func splitNameVersion(s string) (name, version string) {
	idx := strings.LastIndex(s, "-")
	if idx < 0 || idx == len(s)-1 {
		return s, ""
	}
	candidate := s[idx+1:]
	if candidate[0] < '0' || candidate[0] > '9' {
		return s, ""
	}
	return s[:idx], candidate
}
