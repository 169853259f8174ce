// Package report presents the plan's results. The display phase renders a
// result table on the terminal; the html phase writes a standalone report
// file under the step workdir. Report phases are plan level and run
// inline, in phase order.
package report

import (
	"context"
	"fmt"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/results"
	"github.com/mensylisir/testxm/pkg/step"
)

// Report methods.
const (
	HowDisplay = "display"
	HowHTML    = "html"

	DefaultHow = HowDisplay
)

// Phase renders the plan's results in one format.
type Phase interface {
	Report(ctx context.Context, env *Env, rs []results.Result) error
}

// Env is the report step context.
type Env struct {
	Step *step.Step
}

// Options tunes one report run.
type Options struct {
	DryRun bool
}

var registry = phase.NewRegistry[Phase](common.StepReport)

// Register binds a report method to its factory.
func Register(how string, factory func(phase.Config) (Phase, error)) {
	registry.Register(how, factory)
}

func init() {
	Register(HowDisplay, newDisplayPhase)
	Register(HowHTML, newHTMLPhase)
}

// NewStep builds the report step. Plans without report phases still get
// the default display, so a run always shows what happened.
func NewStep(p *plan.Plan, runWorkdir string) (*step.Step, error) {
	blocks := p.PhaseBlocks(common.StepReport)
	if len(blocks) == 0 {
		blocks = []map[string]any{{"how": HowDisplay}}
	}
	return step.NewFromBlocks(p, runWorkdir, common.StepReport, DefaultHow, blocks)
}

// Run reports rs through the plan's report phases. A failing report phase
// fails the step, but the run layer still proceeds to finish; reporting
// problems never block teardown.
func Run(ctx context.Context, env *Env, rs []results.Result, opts Options) error {
	st := env.Step

	skip, err := st.Begin()
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	active, err := st.Active()
	if err != nil {
		return err
	}
	impls := make(map[string]Phase, len(active))
	for _, cfg := range active {
		impl, err := registry.Lookup(cfg)
		if err != nil {
			return err
		}
		impls[cfg.Name] = impl
	}

	if opts.DryRun {
		for _, cfg := range active {
			logger.Get().Infof("Would report plan %s via %s", st.Plan.Name, cfg.Name)
		}
		return nil
	}

	for _, cfg := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := impls[cfg.Name].Report(ctx, env, rs); err != nil {
			return fmt.Errorf("report/%s: %w", cfg.Name, err)
		}
	}

	return st.MarkDone()
}

func configErr(cfg phase.Config, format string, args ...any) error {
	return phase.NewConfigurationError(
		fmt.Sprintf("%s/%s", common.StepReport, cfg.Name), format, args...)
}
