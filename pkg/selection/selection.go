// Package selection implements the test selection contract discover
// phases share: `test` patterns pick and order (repetition allowed),
// `include` filters without reordering, `exclude` always wins.
package selection

import (
	"fmt"
	"regexp"

	"github.com/mensylisir/testxm/pkg/metadata"
)

// Select narrows all down to the tests a phase should run. all is expected
// in discovery order. When testPatterns are given the output follows the
// pattern order, repeating tests for repeated patterns; otherwise
// includePatterns keep discovery order and drop non-matches. When both are
// given, testPatterns drive the order and includePatterns filter on top.
// excludePatterns apply last, whatever selected a test. Patterns are
// unanchored regular expressions over the test name.
func Select(all []metadata.Test, testPatterns, includePatterns, excludePatterns []string) ([]metadata.Test, error) {
	tests, err := compile("test", testPatterns)
	if err != nil {
		return nil, err
	}
	include, err := compile("include", includePatterns)
	if err != nil {
		return nil, err
	}
	exclude, err := compile("exclude", excludePatterns)
	if err != nil {
		return nil, err
	}

	var picked []metadata.Test
	switch {
	case len(tests) > 0:
		for _, re := range tests {
			for _, t := range all {
				if re.MatchString(t.Name) {
					picked = append(picked, t)
				}
			}
		}
		if len(include) > 0 {
			picked = filter(picked, include, true)
		}
	case len(include) > 0:
		picked = filter(all, include, true)
	default:
		picked = append(picked, all...)
	}

	if len(exclude) > 0 {
		picked = filter(picked, exclude, false)
	}
	return picked, nil
}

func compile(kind string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func filter(in []metadata.Test, patterns []*regexp.Regexp, keepMatching bool) []metadata.Test {
	out := make([]metadata.Test, 0, len(in))
	for _, t := range in {
		if matchAny(patterns, t.Name) == keepMatching {
			out = append(out, t)
		}
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, name string) bool {
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
