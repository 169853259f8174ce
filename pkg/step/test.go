package step

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/metadata"
	"github.com/mensylisir/testxm/pkg/util"
)

// Test is one entry of the plan's execution list, written to tests.yaml by
// discover and consumed by prepare and execute. Compared to the metadata
// record it carries the run-time additions: the serial number, the guest
// restriction inherited from the discover phase and the local directory
// the test's sources were found in.
type Test struct {
	Name        string            `yaml:"name"`
	Summary     string            `yaml:"summary,omitempty"`
	Test        string            `yaml:"test"`
	Path        string            `yaml:"path,omitempty"`
	Framework   string            `yaml:"framework,omitempty"`
	Duration    string            `yaml:"duration,omitempty"`
	Order       int               `yaml:"order,omitempty"`
	Result      string            `yaml:"result,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Require     []string          `yaml:"require,omitempty"`
	Recommend   []string          `yaml:"recommend,omitempty"`
	Checks      []Check           `yaml:"check,omitempty"`
	Serial      int               `yaml:"serial-number"`
	Where       []string          `yaml:"where,omitempty"`
	SourceDir   string            `yaml:"source-dir,omitempty"`
}

// Check mirrors a metadata check on the execution list.
type Check struct {
	How  string `yaml:"how"`
	Test string `yaml:"test,omitempty"`
	When string `yaml:"when,omitempty"`
}

// FromMetadata converts a resolved metadata record into an execution list
// entry. The serial number and the where restriction come from the
// discover phase that selected the test.
func FromMetadata(t metadata.Test, serial int, where []string, sourceDir string) Test {
	out := Test{
		Name:        t.Name,
		Summary:     t.Summary,
		Test:        t.Test,
		Path:        t.Path,
		Framework:   t.Framework,
		Order:       t.Order,
		Result:      t.Result,
		Environment: t.Environment,
		Require:     t.Require,
		Recommend:   t.Recommend,
		Serial:      serial,
		Where:       where,
		SourceDir:   sourceDir,
	}
	if t.Duration > 0 {
		out.Duration = t.Duration.String()
	}
	for _, c := range t.Checks {
		out.Checks = append(out.Checks, Check{How: c.How, Test: c.Test, When: c.When})
	}
	return out
}

// Timeout is the test's duration budget. Unset or unparsable durations
// fall back to the default budget.
func (t Test) Timeout() time.Duration {
	if t.Duration == "" {
		return common.DefaultTestDuration
	}
	d, err := metadata.ParseDuration(t.Duration)
	if err != nil || d <= 0 {
		return common.DefaultTestDuration
	}
	return d
}

// AppliesTo reports whether the test runs on the given guest. An empty
// where restriction matches every guest.
func (t Test) AppliesTo(g guest.Guest) bool {
	if len(t.Where) == 0 {
		return true
	}
	for _, w := range t.Where {
		if w == g.Name() || (g.Role() != "" && w == g.Role()) {
			return true
		}
	}
	return false
}

// DataDirName is the per-execution directory name for this test. The
// serial number keeps repeated executions of the same test apart.
func (t Test) DataDirName() string {
	name := strings.ReplaceAll(strings.TrimPrefix(t.Name, "/"), "/", "-")
	return fmt.Sprintf("%s-%d", name, t.Serial)
}

// SaveTests writes the execution list to path.
func SaveTests(path string, tests []Test) error {
	data, err := yaml.Marshal(tests)
	if err != nil {
		return fmt.Errorf("marshal tests: %w", err)
	}
	return util.WriteFileWithDir(path, data, 0o644)
}

// LoadTests reads an execution list back. A missing file yields an empty
// list, matching a discover step that selected nothing.
func LoadTests(path string) ([]Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tests from %s: %w", path, err)
	}
	var tests []Test
	if err := yaml.Unmarshal(data, &tests); err != nil {
		return nil, fmt.Errorf("parse tests from %s: %w", path, err)
	}
	return tests, nil
}
