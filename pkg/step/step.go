// Package step carries what the six pipeline steps share: the Step handle
// over one step's workdir and phase list, the done marker protocol that
// makes runs resumable, and the test record handed from discover to
// prepare and execute. The step packages underneath own the actual phase
// implementations.
package step

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
)

// Step is one pipeline stage of one plan. It owns the step's subtree of
// the run workdir and the ordered phase configurations parsed from the
// plan. The step packages drive it; Step itself never executes anything.
type Step struct {
	Plan *plan.Plan
	Name string
	// Workdir is this step's directory under the plan's subtree.
	Workdir string
	// RunID names the run on guest-side paths.
	RunID string
	// Phases is sorted by (order, declaration index).
	Phases []phase.Config
	// Force wipes and regenerates the step even when it is already done.
	Force bool
}

// New builds the step handle from the plan's declared phase blocks.
func New(p *plan.Plan, runWorkdir, name, defaultHow string) (*Step, error) {
	return NewFromBlocks(p, runWorkdir, name, defaultHow, p.PhaseBlocks(name))
}

// NewFromBlocks is New with the raw blocks supplied by the caller, for
// steps that preprocess them before parsing.
func NewFromBlocks(p *plan.Plan, runWorkdir, name, defaultHow string, blocks []map[string]any) (*Step, error) {
	if !common.IsStep(name) {
		return nil, fmt.Errorf("unknown step %q", name)
	}
	configs, err := phase.NewConfigs(name, defaultHow, blocks)
	if err != nil {
		return nil, err
	}
	phase.SortPhases(configs)
	return &Step{
		Plan:    p,
		Name:    name,
		Workdir: p.StepDir(runWorkdir, name),
		RunID:   filepath.Base(runWorkdir),
		Phases:  configs,
	}, nil
}

// Status reports whether the step has completed in a previous invocation.
func (s *Step) Status() bool {
	_, err := os.Stat(s.doneMarker())
	return err == nil
}

// MarkDone persists the completion marker. Presence is the contract; the
// content is only there for humans poking around the workdir.
func (s *Step) MarkDone() error {
	if err := os.WriteFile(s.doneMarker(), []byte("done\n"), 0o644); err != nil {
		return fmt.Errorf("mark step %s done: %w", s.Name, err)
	}
	return nil
}

// Begin prepares the step directory. It reports skip when the step is
// already done and not forced; a forced step starts from an empty
// directory so stale artifacts cannot leak into the new attempt.
func (s *Step) Begin() (skip bool, err error) {
	if s.Status() {
		if !s.Force {
			logger.Get().Infof("Step %s of plan %s is already done, skipping", s.Name, s.Plan.Name)
			return true, nil
		}
		logger.Get().Debugf("Step %s of plan %s is forced, starting over", s.Name, s.Plan.Name)
		if err := os.RemoveAll(s.Workdir); err != nil {
			return false, fmt.Errorf("wipe step %s: %w", s.Name, err)
		}
	}
	if err := os.MkdirAll(s.Workdir, 0o755); err != nil {
		return false, fmt.Errorf("create step workdir %s: %w", s.Workdir, err)
	}
	return false, nil
}

// Active returns the phases whose when rule holds under the plan context.
// Skipped phases are logged and never count as failures.
func (s *Step) Active() ([]phase.Config, error) {
	active := make([]phase.Config, 0, len(s.Phases))
	for _, cfg := range s.Phases {
		if cfg.When != "" {
			ok, err := phase.EvalWhen(cfg.When, s.Plan.Context)
			if err != nil {
				return nil, phase.NewConfigurationError(
					fmt.Sprintf("%s/%s", s.Name, cfg.Name), "bad when rule: %v", err)
			}
			if !ok {
				logger.Get().Infof("Phase %s/%s skipped: when %q does not match the context",
					s.Name, cfg.Name, cfg.When)
				continue
			}
		}
		active = append(active, cfg)
	}
	return active, nil
}

// PlanDir is the plan's subtree of the run workdir.
func (s *Step) PlanDir() string {
	return filepath.Dir(s.Workdir)
}

// PlanDataDir is the local TMT_PLAN_DATA directory, pulled back from
// guests during finish.
func (s *Step) PlanDataDir() string {
	return filepath.Join(s.PlanDir(), common.PlanDataDirName)
}

// GuestDataDir is the local directory where one guest's execute data
// lands after the pull-back.
func (s *Step) GuestDataDir(guestName string) string {
	return common.GuestDataDir(s.PlanDir(), guestName)
}

// GuestPlanDir is the plan's directory on a guest.
func (s *Step) GuestPlanDir() string {
	return common.GuestPlanDir(s.RunID, s.Plan.Name)
}

// GuestPlanDataDir is the guest-side TMT_PLAN_DATA directory.
func (s *Step) GuestPlanDataDir() string {
	return common.GuestPlanDataDir(s.RunID, s.Plan.Name)
}

// GuestEnv is the guest-side environment phase scripts see: the plan's
// environment plus the plan-level TMT_ paths. Test-level variables are
// layered on top by execute.
func (s *Step) GuestEnv() []string {
	keys := make([]string, 0, len(s.Plan.Environment))
	for k := range s.Plan.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys)+3)
	for _, k := range keys {
		env = append(env, k+"="+s.Plan.Environment[k])
	}
	planDir := s.GuestPlanDir()
	env = append(env,
		common.EnvPlanData+"="+s.GuestPlanDataDir(),
		common.EnvTopologyYAML+"="+path.Join(planDir, common.TopologyYAMLName),
		common.EnvTopologyBash+"="+path.Join(planDir, common.TopologyBashName),
	)
	return env
}

func (s *Step) doneMarker() string {
	return filepath.Join(s.Workdir, common.DoneMarkerFile)
}
