package run

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/logger"
)

// Step status values recorded in state.json.
const (
	statusDone   = "done"
	statusFailed = "failed"
)

// markStep patches the run's state.json with one step's outcome. The file
// is a rollup for quick status display; the authoritative record stays in
// the per-step done markers. Failures to write are logged, not fatal.
func (r *Run) markStep(planName, stepName, status string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	path := filepath.Join(r.workdir, common.StepStatusFile)
	raw, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		logger.Get().Warnf("Could not read %s: %v", path, err)
		return
	}
	patched, err := sjson.Set(string(raw), statusPath(planName, stepName), status)
	if err != nil {
		logger.Get().Warnf("Could not record %s/%s in %s: %v", planName, stepName, path, err)
		return
	}
	if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
		logger.Get().Warnf("Could not write %s: %v", path, err)
	}
}

// statusPath builds the patch path for one plan/step cell. Plan names are
// literal keys, so path syntax characters in them get escaped.
func statusPath(planName, stepName string) string {
	return "plans." + escapeKey(planName) + "." + stepName
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`)

func escapeKey(s string) string {
	return keyEscaper.Replace(s)
}

// Status reads a run workdir's state.json rollup: plan name to step name
// to status. A missing file is an empty rollup, not an error.
func Status(workdir string) (map[string]map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(workdir, common.StepStatusFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	out := make(map[string]map[string]string)
	gjson.GetBytes(raw, "plans").ForEach(func(planKey, steps gjson.Result) bool {
		cells := make(map[string]string)
		steps.ForEach(func(stepKey, status gjson.Result) bool {
			cells[stepKey.String()] = status.String()
			return true
		})
		out[planKey.String()] = cells
		return true
	})
	return out, nil
}
