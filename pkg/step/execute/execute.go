// Package execute runs the plan's execution list on every guest and turns
// what happened into results. The shell phase runs each test's command
// under the full TMT_ environment, enforces the duration budget, honors
// test-requested reboots and records before and after-test checks.
package execute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/engine"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/results"
	"github.com/mensylisir/testxm/pkg/step"
)

// Execute methods.
const (
	HowShell = "shell"

	DefaultHow = HowShell
)

// Phase runs the tests applicable to one guest and reports their results.
// The dispatcher serializes calls per guest; tests for the full list are
// passed so the phase can apply the where restrictions itself.
type Phase interface {
	Run(ctx context.Context, env *Env, g guest.Guest, tests []step.Test) ([]results.Result, error)
}

// Env is the execute step context shared by all phases of one plan.
type Env struct {
	Step   *step.Step
	Guests []guest.Guest

	progress func()
}

// TestDone advances the plan's progress bar. Safe with reporting off.
func (e *Env) TestDone() {
	if e.progress != nil {
		e.progress()
	}
}

// Options tunes one execute run.
type Options struct {
	DryRun     bool
	MaxWorkers int
	// Quiet suppresses the progress bar.
	Quiet bool
}

var registry = phase.NewRegistry[Phase](common.StepExecute)

// Register binds an execute method to its factory.
func Register(how string, factory func(phase.Config) (Phase, error)) {
	registry.Register(how, factory)
}

func init() {
	Register(HowShell, newShellPhase)
}

// NewStep builds the execute step. A plan without explicit execute phases
// still runs its tests through the default shell method; the execute key
// itself is what makes a plan schedulable.
func NewStep(p *plan.Plan, runWorkdir string) (*step.Step, error) {
	blocks := p.PhaseBlocks(common.StepExecute)
	if len(blocks) == 0 {
		blocks = []map[string]any{{"how": HowShell}}
	}
	return step.NewFromBlocks(p, runWorkdir, common.StepExecute, DefaultHow, blocks)
}

// Run executes the plan's tests on the given guests and persists the
// results. Guest failures do not abort sibling guests; they surface both
// as error results and in the returned error once every guest has had its
// chance. A done step replays the stored results instead of running.
func Run(ctx context.Context, env *Env, tests []step.Test, opts Options) ([]results.Result, error) {
	st := env.Step
	log := logger.Get()
	resultsPath := filepath.Join(st.Workdir, common.ExecuteResultsFile)

	skip, err := st.Begin()
	if err != nil {
		return nil, err
	}
	if skip {
		rs, err := results.Load(resultsPath)
		if err != nil {
			return nil, err
		}
		log.Infof("Plan %s: %d results from the previous execution", st.Plan.Name, len(rs))
		return rs, nil
	}

	active, err := st.Active()
	if err != nil {
		return nil, err
	}
	impls := make(map[string]Phase, len(active))
	for _, cfg := range active {
		impl, err := registry.Lookup(cfg)
		if err != nil {
			return nil, err
		}
		impls[cfg.Name] = impl
	}

	if opts.DryRun {
		engine.Dispatch(ctx, active, env.Guests, engine.Options{DryRun: true}, nil)
		return nil, nil
	}

	if len(tests) == 0 {
		log.Warnf("Plan %s has no tests to execute", st.Plan.Name)
		if err := results.Save(resultsPath, []results.Result{}); err != nil {
			return nil, err
		}
		if err := st.MarkDone(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	bar := newProgress(st.Plan.Name, totalExecutions(active, env.Guests, tests), opts.Quiet)
	if bar != nil {
		env.progress = func() { bar.Add(1) }
	}

	ready, failures := step.StageGuests(ctx, st, env.Guests)

	var (
		mu sync.Mutex
		rs []results.Result
	)
	failures = append(failures, engine.Dispatch(ctx, active, ready,
		engine.Options{MaxWorkers: opts.MaxWorkers},
		func(ctx context.Context, ph phase.Config, g guest.Guest) error {
			out, err := impls[ph.Name].Run(ctx, env, g, tests)
			mu.Lock()
			rs = append(rs, out...)
			mu.Unlock()
			return err
		})...)

	if bar != nil {
		bar.Finish()
		env.progress = nil
	}

	sortResults(rs)
	if err := results.Save(resultsPath, rs); err != nil {
		return rs, err
	}
	if err := st.MarkDone(); err != nil {
		return rs, err
	}

	log.Infof("Plan %s: %s", st.Plan.Name, results.Summarize(rs))
	return rs, failuresToError(failures)
}

// Load replays the stored results without executing, for runs that skip
// the execute step but still report.
func Load(st *step.Step) ([]results.Result, error) {
	return results.Load(filepath.Join(st.Workdir, common.ExecuteResultsFile))
}

// sortResults orders results by serial number, then guest name, so the
// stored list is stable across worker interleavings.
func sortResults(rs []results.Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Serial != rs[j].Serial {
			return rs[i].Serial < rs[j].Serial
		}
		if rs[i].Name != rs[j].Name {
			return rs[i].Name < rs[j].Name
		}
		return rs[i].GuestName < rs[j].GuestName
	})
}

// totalExecutions sizes the progress bar. Phases restricted by a where
// selector make this an upper bound.
func totalExecutions(active []phase.Config, guests []guest.Guest, tests []step.Test) int {
	total := 0
	for _, g := range guests {
		n := 0
		for _, t := range tests {
			if t.AppliesTo(g) {
				n++
			}
		}
		total += n * len(active)
	}
	return total
}

func newProgress(planName string, total int, quiet bool) *progressbar.ProgressBar {
	if quiet || total == 0 {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("Executing plan %s", planName)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
	)
}

// failuresToError folds dispatch failures into the step error. A
// configuration error propagates as such so the run aborts; anything else
// is already visible as error results and failure log lines.
func failuresToError(failures []engine.Failure) error {
	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		if phase.IsConfigurationError(f.Err) {
			return f.Err
		}
	}
	seen := make(map[string]bool)
	var guests []string
	for _, f := range failures {
		if !seen[f.Guest] {
			seen[f.Guest] = true
			guests = append(guests, f.Guest)
		}
	}
	sort.Strings(guests)
	return fmt.Errorf("execute failed on guests %s", strings.Join(guests, ", "))
}

func configErr(cfg phase.Config, format string, args ...any) error {
	return phase.NewConfigurationError(
		fmt.Sprintf("%s/%s", common.StepExecute, cfg.Name), format, args...)
}
