// Package discover builds the plan's execution list: which tests run, in
// which order, restricted to which guests. The selected list is written
// to tests.yaml with the serial numbers that keep repeated executions of
// one test name apart.
package discover

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/results"
	"github.com/mensylisir/testxm/pkg/step"
)

// Discover methods.
const (
	HowTree  = "tree"
	HowShell = "shell"
)

// DefaultHow fills in discover phases that do not name a method.
const DefaultHow = HowTree

// Phase selects tests. Implementations stamp each test with the phase's
// where restriction so execute knows which guests the test targets.
type Phase interface {
	Discover(ctx context.Context, env *Env) ([]step.Test, error)
}

// Env is the step-level context shared by the discover phases of one plan.
type Env struct {
	Step *step.Step
	// Root is the metadata tree the run was started from. Tree phases
	// without their own root or url discover from here.
	Root string
	// Selectors are test name patterns from the command line, applied as
	// an additional include filter on every phase's selection.
	Selectors []string
	// Serial numbers tests as they enter the execution list. Shared across
	// phases so repeated discovery keeps advancing it.
	Serial *results.SerialCounter
	Quiet  bool
}

var registry = phase.NewRegistry[Phase](common.StepDiscover)

// Register adds a discover method. Built-ins register at package init;
// external methods may add themselves the same way.
func Register(how string, factory func(phase.Config) (Phase, error)) {
	registry.Register(how, factory)
}

func init() {
	Register(HowTree, newTreePhase)
	Register(HowShell, newShellPhase)
}

// NewStep builds the discover step from the plan.
func NewStep(p *plan.Plan, runWorkdir string) (*step.Step, error) {
	return step.New(p, runWorkdir, common.StepDiscover, DefaultHow)
}

// Run executes the discover step and returns the plan's execution list.
// A step already marked done reloads the previous list from tests.yaml.
func Run(ctx context.Context, env *Env) ([]step.Test, error) {
	st := env.Step
	testsPath := filepath.Join(st.Workdir, common.DiscoverTestsFile)

	skip, err := st.Begin()
	if err != nil {
		return nil, err
	}
	if skip {
		tests, err := step.LoadTests(testsPath)
		if err != nil {
			return nil, err
		}
		logger.Get().Infof("Plan %s: %d tests from the previous discovery", st.Plan.Name, len(tests))
		return tests, nil
	}

	active, err := st.Active()
	if err != nil {
		return nil, err
	}
	if env.Serial == nil {
		env.Serial = results.NewSerialCounter()
	}

	var tests []step.Test
	for _, cfg := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		impl, err := registry.Lookup(cfg)
		if err != nil {
			return nil, err
		}
		found, err := impl.Discover(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("discover/%s: %w", cfg.Name, err)
		}
		logger.Get().Debugf("Phase discover/%s selected %d tests", cfg.Name, len(found))
		tests = append(tests, found...)
	}

	if err := step.SaveTests(testsPath, tests); err != nil {
		return nil, err
	}
	if err := st.MarkDone(); err != nil {
		return nil, err
	}
	logger.Get().Infof("Plan %s: %d tests selected", st.Plan.Name, len(tests))
	return tests, nil
}

// Load returns the execution list of an earlier discovery without running
// the step, for invocations that start the pipeline after discover.
func Load(st *step.Step) ([]step.Test, error) {
	return step.LoadTests(filepath.Join(st.Workdir, common.DiscoverTestsFile))
}

func configErr(cfg phase.Config, format string, args ...any) error {
	return phase.NewConfigurationError(
		fmt.Sprintf("%s/%s", common.StepDiscover, cfg.Name), format, args...)
}
