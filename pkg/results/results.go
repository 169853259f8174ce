// Package results models what happened to the executed tests: outcomes,
// their interpretation through the test's result mode, serial numbers,
// and the aggregation that decides the process exit code.
package results

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/mensylisir/testxm/pkg/common"
)

// Outcome is the final verdict of one test execution.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
	OutcomeWarn  Outcome = "warn"
	OutcomeInfo  Outcome = "info"
	OutcomeSkip  Outcome = "skip"
)

// severity ranks outcomes for worst-of aggregation.
var severity = map[Outcome]int{
	OutcomeSkip:  0,
	OutcomePass:  1,
	OutcomeInfo:  2,
	OutcomeWarn:  3,
	OutcomeFail:  4,
	OutcomeError: 5,
}

// Valid reports whether o is one of the six outcomes.
func (o Outcome) Valid() bool {
	_, ok := severity[o]
	return ok
}

// ParseOutcome validates a raw outcome string.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Valid() {
		return "", fmt.Errorf("invalid result outcome %q", s)
	}
	return o, nil
}

// Worst returns the most severe of the given outcomes, OutcomeSkip when
// there are none.
func Worst(outcomes ...Outcome) Outcome {
	worst := OutcomeSkip
	for _, o := range outcomes {
		if severity[o] > severity[worst] {
			worst = o
		}
	}
	return worst
}

// Result is the outcome of one executed test on one guest.
type Result struct {
	Name            string        `json:"name"`
	GuestName       string        `json:"guest,omitempty"`
	Serial          int           `json:"serial-number"`
	Outcome         Outcome       `json:"result"`
	OriginalOutcome Outcome       `json:"original-result,omitempty"`
	Note            string        `json:"note,omitempty"`
	StartTime       string        `json:"start-time,omitempty"`
	EndTime         string        `json:"end-time,omitempty"`
	Duration        string        `json:"duration,omitempty"`
	Logs            []string      `json:"log,omitempty"`
	SubResults      []SubResult   `json:"subresult,omitempty"`
	Checks          []CheckResult `json:"check,omitempty"`
}

// SubResult is a nested outcome reported by the test itself, for
// frameworks and custom results that produce more than one verdict.
type SubResult struct {
	Name    string        `json:"name"`
	Outcome Outcome       `json:"result"`
	Note    string        `json:"note,omitempty"`
	Logs    []string      `json:"log,omitempty"`
	Checks  []CheckResult `json:"check,omitempty"`
}

// CheckResult records one before or after-test check.
type CheckResult struct {
	Name    string   `json:"name"`
	Event   string   `json:"event"`
	Outcome Outcome  `json:"result"`
	Note    string   `json:"note,omitempty"`
	Logs    []string `json:"log,omitempty"`
}

// Check events.
const (
	CheckEventBefore = "before-test"
	CheckEventAfter  = "after-test"
)

// Apply stamps r with the interpretation of the raw outcome under mode.
// OriginalOutcome is set only when interpretation changed the verdict.
func (r *Result) Apply(raw Outcome, mode string) error {
	reported, note, err := Interpret(raw, mode)
	if err != nil {
		return err
	}
	r.Outcome = reported
	if reported != raw {
		r.OriginalOutcome = raw
		r.AppendNote(note)
	} else {
		r.OriginalOutcome = ""
	}
	return nil
}

// AppendNote adds note to the result, joining multiple notes with commas.
func (r *Result) AppendNote(note string) {
	if note == "" {
		return
	}
	if r.Note == "" {
		r.Note = note
		return
	}
	r.Note = r.Note + ", " + note
}

// ExitCode aggregates results into the run exit code: 0 when everything
// passed, 1 on failures or warnings, 2 on errors, 3 when there are no
// results at all.
func ExitCode(rs []Result) int {
	if len(rs) == 0 {
		return common.ExitNoResults
	}
	code := common.ExitAllPassed
	for _, r := range rs {
		switch r.Outcome {
		case OutcomeError:
			return common.ExitError
		case OutcomeFail, OutcomeWarn:
			code = common.ExitTestFailed
		}
	}
	return code
}

// WorstExitCode combines per-plan exit codes into the run's. Higher codes
// win except that 3 (no results) only survives when every plan produced
// nothing.
func WorstExitCode(codes ...int) int {
	if len(codes) == 0 {
		return common.ExitNoResults
	}
	worst := common.ExitAllPassed
	sawResults := false
	for _, c := range codes {
		if c != common.ExitNoResults {
			sawResults = true
			if c > worst {
				worst = c
			}
		}
	}
	if !sawResults {
		return common.ExitNoResults
	}
	return worst
}

// SerialCounter hands out the serial numbers of one plan. Every occurrence
// of a name advances its counter, so repeated selection and repeated
// discovery stay distinguishable. Serials are assigned while the execution
// list is built, single threaded; the counter is not safe for concurrent
// use.
type SerialCounter struct {
	counts map[string]int
}

// NewSerialCounter returns an empty counter; the first serial per name
// is 1.
func NewSerialCounter() *SerialCounter {
	return &SerialCounter{counts: make(map[string]int)}
}

// Next returns the next serial for name.
func (c *SerialCounter) Next(name string) int {
	c.counts[name]++
	return c.counts[name]
}

// Save writes results as YAML to path.
func Save(path string, rs []Result) error {
	for _, r := range rs {
		if !r.Outcome.Valid() {
			return fmt.Errorf("result %s has invalid outcome %q", r.Name, r.Outcome)
		}
	}
	raw, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Load reads results back from path. A missing file is not an error and
// yields no results, matching steps that never ran.
func Load(path string) ([]Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var rs []Result
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, r := range rs {
		if !r.Outcome.Valid() {
			return nil, fmt.Errorf("%s: result %d (%s) has invalid outcome %q", path, i, r.Name, r.Outcome)
		}
	}
	return rs, nil
}

var outcomeLabels = map[Outcome]string{
	OutcomePass:  "passed",
	OutcomeFail:  "failed",
	OutcomeError: "errored",
	OutcomeWarn:  "warned",
	OutcomeInfo:  "info",
	OutcomeSkip:  "skipped",
}

// Summarize renders a short counts line like "3 passed, 1 failed" for log
// output.
func Summarize(rs []Result) string {
	if len(rs) == 0 {
		return "no results"
	}
	counts := make(map[Outcome]int, len(severity))
	for _, r := range rs {
		counts[r.Outcome]++
	}
	parts := make([]string, 0, len(counts))
	for _, o := range []Outcome{OutcomePass, OutcomeFail, OutcomeError, OutcomeWarn, OutcomeInfo, OutcomeSkip} {
		if counts[o] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[o], outcomeLabels[o]))
		}
	}
	return strings.Join(parts, ", ")
}
