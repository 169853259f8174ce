// Package metadata reads the test and plan tree: a directory of YAML
// documents with hierarchical inheritance. A record's attributes are the
// shallow merge of everything on its path from the root, so consumers only
// ever see flat, fully resolved tests and plans.
package metadata

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mensylisir/testxm/pkg/common"
)

// Test is one resolved test record.
type Test struct {
	// Name is the tree path of the record, e.g. /smoke/basic.
	Name    string
	Summary string
	// Test is the shell command that runs the test.
	Test string
	// Path is the tree-relative directory the command runs in. It defaults
	// to the directory of the defining document.
	Path        string
	Framework   string
	Duration    time.Duration
	Order       int
	Result      string
	Environment map[string]string
	Require     []string
	Recommend   []string
	Tags        []string
	Checks      []Check
}

// Check is a before/after-test check attached to a test.
type Check struct {
	How  string
	Test string
	// When limits the check to "before" or "after" the test; empty runs it
	// on both sides.
	When string
}

// Plan is one resolved plan record. Steps holds the raw phase blocks per
// step name; parsing them into phase configurations is the step's job.
type Plan struct {
	Name        string
	Summary     string
	Environment map[string]string
	Context     map[string][]string
	Steps       map[string][]map[string]any
}

// Schedulable reports whether the plan carries an execute step. Records
// without one still show up in listings but cannot be run.
func (p *Plan) Schedulable() bool {
	_, ok := p.Steps[common.StepExecute]
	return ok
}

// TestFilter narrows Tests output. Names are unanchored regular expressions
// matched against the record name; an empty filter selects everything.
type TestFilter struct {
	Names []string
}

// PlanFilter narrows Plans output the same way TestFilter does.
type PlanFilter struct {
	Names []string
}

// Tree yields resolved test and plan records.
type Tree interface {
	Tests(filter TestFilter) ([]Test, error)
	Plans(filter PlanFilter) ([]Plan, error)
}

// ParseDuration reads a test duration: Go syntax like "5m" or "90s", or a
// bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", s)
		}
		return d, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
