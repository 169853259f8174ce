// Package prepare brings guests into the state the tests expect: declared
// shell and install phases, plus the automatic installation of the
// packages the selected tests require or recommend.
package prepare

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/engine"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/step"
)

// Prepare methods.
const (
	HowShell   = "shell"
	HowInstall = "install"
)

// DefaultHow fills in prepare phases that do not name a method.
const DefaultHow = HowShell

// Phase applies one preparation to one guest. The dispatcher serializes
// calls per guest; different guests run concurrently.
type Phase interface {
	Apply(ctx context.Context, env *Env, g guest.Guest) error
}

// Env is the step-level context shared by the prepare phases of one plan.
type Env struct {
	Step   *step.Step
	Guests []guest.Guest
}

// Options controls how the step runs.
type Options struct {
	DryRun     bool
	MaxWorkers int
}

var registry = phase.NewRegistry[Phase](common.StepPrepare)

// Register adds a prepare method.
func Register(how string, factory func(phase.Config) (Phase, error)) {
	registry.Register(how, factory)
}

func init() {
	Register(HowShell, newShellPhase)
	Register(HowInstall, newInstallPhase)
}

// NewStep builds the prepare step from the plan.
func NewStep(p *plan.Plan, runWorkdir string) (*step.Step, error) {
	return step.New(p, runWorkdir, common.StepPrepare, DefaultHow)
}

// Run executes the prepare step across the plan's guests. The declared
// phases are extended with install phases for the union of the selected
// tests' requires and recommends. A failed guest is reported but does not
// stop its siblings; a configuration error aborts the whole step.
func Run(ctx context.Context, env *Env, tests []step.Test, opts Options) error {
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
	active = append(active, installPhases(tests, len(st.Phases))...)
	phase.SortPhases(active)

	impls := make(map[string]Phase, len(active))
	for _, cfg := range active {
		if impls[cfg.Name], err = registry.Lookup(cfg); err != nil {
			return err
		}
	}
	if len(active) == 0 {
		logger.Get().Debugf("Plan %s: nothing to prepare", st.Plan.Name)
		return st.MarkDone()
	}

	if opts.DryRun {
		engine.Dispatch(ctx, active, env.Guests, engine.Options{DryRun: true}, nil)
		return nil
	}

	ready, failures := step.StageGuests(ctx, st, env.Guests)
	failures = append(failures, engine.Dispatch(ctx, active, ready,
		engine.Options{MaxWorkers: opts.MaxWorkers},
		func(ctx context.Context, ph phase.Config, g guest.Guest) error {
			return impls[ph.Name].Apply(ctx, env, g)
		})...)

	if err := failuresToError(st.Name, failures); err != nil {
		return err
	}
	if err := st.MarkDone(); err != nil {
		return err
	}
	logger.Get().Successf("Plan %s: %d guests prepared", st.Plan.Name, len(ready))
	return nil
}

// installPhases derives the automatic package installation phases from
// the execution list. Required packages install at order 70 and fail the
// guest when missing; recommended ones follow at order 75, best-effort.
func installPhases(tests []step.Test, declBase int) []phase.Config {
	requires := packageUnion(tests, func(t step.Test) []string { return t.Require })
	recommends := packageUnion(tests, func(t step.Test) []string { return t.Recommend })
	for _, pkg := range requires {
		delete(recommends, pkg)
	}

	var out []phase.Config
	if len(requires) > 0 {
		out = append(out, phase.Config{
			Name:      "requires",
			How:       HowInstall,
			Order:     common.OrderInstallRequires,
			Data:      map[string]any{"package": sortedKeys(requires)},
			DeclIndex: declBase,
		})
	}
	if len(recommends) > 0 {
		out = append(out, phase.Config{
			Name:      "recommends",
			How:       HowInstall,
			Order:     common.OrderInstallRecommends,
			Data:      map[string]any{"package": sortedKeys(recommends), "missing-ok": true},
			DeclIndex: declBase + 1,
		})
	}
	return out
}

func packageUnion(tests []step.Test, pick func(step.Test) []string) map[string]struct{} {
	union := make(map[string]struct{})
	for _, t := range tests {
		for _, pkg := range pick(t) {
			union[pkg] = struct{}{}
		}
	}
	return union
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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
	names := make([]string, 0, len(failures))
	seen := make(map[string]struct{}, len(failures))
	for _, f := range failures {
		if _, dup := seen[f.Guest]; dup {
			continue
		}
		seen[f.Guest] = struct{}{}
		names = append(names, f.Guest)
	}
	return fmt.Errorf("%s failed on guests %s", stepName, strings.Join(names, ", "))
}

func configErr(cfg phase.Config, format string, args ...any) error {
	return phase.NewConfigurationError(
		fmt.Sprintf("%s/%s", common.StepPrepare, cfg.Name), format, args...)
}
