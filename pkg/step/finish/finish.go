// Package finish runs the plan's cleanup phases and returns the guests.
// Declared shell phases run first, then the plan data comes back from the
// guests and the guests are removed, unless the run keeps them around for
// inspection. Teardown is tolerant: one stuck guest never blocks the rest.
package finish

import (
	"context"
	"fmt"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/engine"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/step"
)

// Finish methods.
const (
	HowShell = "shell"

	DefaultHow = HowShell
)

// Phase applies one cleanup to one guest.
type Phase interface {
	Apply(ctx context.Context, env *Env, g guest.Guest) error
}

// Env is the step-level context shared by the finish phases of one plan.
type Env struct {
	Step   *step.Step
	Guests []guest.Guest
}

// Options controls how the step runs.
type Options struct {
	DryRun     bool
	MaxWorkers int
	// Keep leaves the guests running after the run ends.
	Keep bool
}

var registry = phase.NewRegistry[Phase](common.StepFinish)

// Register adds a finish method.
func Register(how string, factory func(phase.Config) (Phase, error)) {
	registry.Register(how, factory)
}

func init() {
	Register(HowShell, newShellPhase)
}

// NewStep builds the finish step from the plan.
func NewStep(p *plan.Plan, runWorkdir string) (*step.Step, error) {
	return step.New(p, runWorkdir, common.StepFinish, DefaultHow)
}

// Run executes the finish phases and tears the guests down. Phase
// failures are collected but never block the teardown, and the step is
// marked done even then, so a resumed run does not finish twice.
func Run(ctx context.Context, env *Env, opts Options) error {
	st := env.Step
	log := logger.Get()

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
		if impls[cfg.Name], err = registry.Lookup(cfg); err != nil {
			return err
		}
	}

	if opts.DryRun {
		engine.Dispatch(ctx, active, env.Guests, engine.Options{DryRun: true}, nil)
		if opts.Keep {
			log.Infof("Would keep %d guests of plan %s", len(env.Guests), st.Plan.Name)
		} else {
			log.Infof("Would remove %d guests of plan %s", len(env.Guests), st.Plan.Name)
		}
		return nil
	}

	var failures []engine.Failure
	if len(active) > 0 {
		ready, stageFailures := step.StageGuests(ctx, st, env.Guests)
		failures = append(stageFailures, engine.Dispatch(ctx, active, ready,
			engine.Options{MaxWorkers: opts.MaxWorkers},
			func(ctx context.Context, ph phase.Config, g guest.Guest) error {
				return impls[ph.Name].Apply(ctx, env, g)
			})...)
	}

	pullPlanData(ctx, st, env.Guests)

	if opts.Keep {
		for _, g := range env.Guests {
			log.Infof("Keeping guest %s (%s)", g.Name(), keepHint(g))
		}
	} else {
		removeGuests(ctx, env.Guests)
	}

	if err := st.MarkDone(); err != nil {
		return err
	}
	log.Successf("Plan %s finished", st.Plan.Name)
	return failuresToError(st.Name, failures)
}

// pullPlanData brings TMT_PLAN_DATA back under the plan workdir. Guests
// share the local target; later guests overwrite colliding files.
func pullPlanData(ctx context.Context, st *step.Step, guests []guest.Guest) {
	for _, g := range guests {
		if err := g.Pull(ctx, st.GuestPlanDataDir(), st.PlanDataDir()); err != nil {
			logger.Get().Debugf("Guest %s: no plan data pulled: %v", g.Name(), err)
		}
	}
}

func removeGuests(ctx context.Context, guests []guest.Guest) {
	for _, g := range guests {
		if g.State() == guest.StateRemoved {
			continue
		}
		if err := g.Remove(ctx); err != nil {
			logger.Get().Warnf("Could not remove guest %s: %v", g.Name(), err)
		}
	}
}

// keepHint tells the user how to reach a kept guest.
func keepHint(g guest.Guest) string {
	rec := g.Record()
	switch rec.How {
	case guest.HowContainer:
		id := rec.ContainerID
		if len(id) > 12 {
			id = id[:12]
		}
		return "container " + id
	case guest.HowConnect:
		if rec.User != "" {
			return rec.User + "@" + rec.Address
		}
		return rec.Address
	default:
		return rec.How
	}
}

func failuresToError(stepName string, failures []engine.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		if phase.IsConfigurationError(f.Err) {
			return f.Err
		}
	}
	return fmt.Errorf("%s phases failed on %d guests", stepName, len(failures))
}

func configErr(cfg phase.Config, format string, args ...any) error {
	return phase.NewConfigurationError(
		fmt.Sprintf("%s/%s", common.StepFinish, cfg.Name), format, args...)
}
