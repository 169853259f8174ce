package execute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/results"
	"github.com/mensylisir/testxm/pkg/step"
	"github.com/mensylisir/testxm/pkg/util"
)

// shellPhase runs each test's command through the guest's shell. This is
// the method behind a plain `execute: how: shell` block and the implicit
// default for plans that declare no execute phases.
type shellPhase struct {
	cfg phase.Config
	// exitFirst stops a guest's test loop at the first fail or error.
	exitFirst bool
}

func newShellPhase(cfg phase.Config) (Phase, error) {
	exitFirst, err := cfg.Bool("exit-first", false)
	if err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	return &shellPhase{cfg: cfg, exitFirst: exitFirst}, nil
}

func (p *shellPhase) Run(ctx context.Context, env *Env, g guest.Guest, tests []step.Test) ([]results.Result, error) {
	var rs []results.Result
	// Source directories already pushed to this guest, local dir to guest
	// tree dir. Tests sharing a directory share the push.
	pushed := make(map[string]string)

	for _, t := range tests {
		if !t.AppliesTo(g) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rs, err
		}
		r, err := p.runTest(ctx, env, g, t, pushed)
		rs = append(rs, r)
		env.TestDone()
		if err != nil {
			return rs, err
		}
		if p.exitFirst && (r.Outcome == results.OutcomeFail || r.Outcome == results.OutcomeError) {
			logger.Get().Warnf("Guest %s: stopping after %s (%s), exit-first is set",
				g.Name(), t.Name, r.Outcome)
			break
		}
	}
	return rs, nil
}

// runTest executes one test on one guest and builds its result. The
// returned error is non-nil only when the guest is lost and its remaining
// tests cannot run; every other problem lands in the result's outcome.
func (p *shellPhase) runTest(ctx context.Context, env *Env, g guest.Guest, t step.Test, pushed map[string]string) (r results.Result, abortErr error) {
	st := env.Step
	log := logger.Get()

	r = results.Result{Name: t.Name, GuestName: g.Name(), Serial: t.Serial}
	start := time.Now()
	r.StartTime = start.Format(time.RFC3339)
	defer func() {
		end := time.Now()
		r.EndTime = end.Format(time.RFC3339)
		r.Duration = end.Sub(start).Round(time.Second).String()
		switch r.Outcome {
		case results.OutcomeFail, results.OutcomeWarn:
			log.Warnf("Test %s on guest %s: %s (%s)", t.Name, g.Name(), r.Outcome, r.Duration)
		case results.OutcomeError:
			log.Errorf("Test %s on guest %s: %s (%s)", t.Name, g.Name(), r.Outcome, r.Duration)
		default:
			log.Infof("Test %s on guest %s: %s (%s)", t.Name, g.Name(), r.Outcome, r.Duration)
		}
	}()

	remoteData := path.Join(st.GuestPlanDir(), common.StepExecute, common.PlanDataDirName, t.DataDirName())
	localData := filepath.Join(st.GuestDataDir(g.Name()), t.DataDirName())

	// The test runs from its own source directory when discover found one,
	// from the plan directory otherwise.
	cwd := st.GuestPlanDir()
	if t.SourceDir != "" {
		target, ok := pushed[t.SourceDir]
		if !ok {
			target = path.Join(common.GuestTestTreeDir(st.RunID, st.Plan.Name),
				strings.TrimPrefix(t.Path, "/"))
			if err := g.Push(ctx, t.SourceDir, target); err != nil {
				markError(&r, fmt.Sprintf("push test sources: %v", err))
				return r, abortOn(err)
			}
			pushed[t.SourceDir] = target
		}
		cwd = target
	}

	// No sudo: the data directory must stay writable for the test process.
	mkdir := "mkdir -p " + connector.ShellEscape(remoteData)
	if _, _, err := g.Execute(ctx, mkdir, &connector.ExecOptions{Hidden: true}); err != nil {
		markError(&r, fmt.Sprintf("create test data directory: %v", err))
		return r, abortOn(err)
	}

	r.Checks = p.runChecks(ctx, env, g, t, cwd, remoteData, results.CheckEventBefore)
	if checksFailed(r.Checks) {
		markError(&r, "before-test check failed")
		p.pullData(ctx, g, remoteData, localData)
		return r, nil
	}

	raw, output, abortErr := p.runLoop(ctx, env, g, t, &r, cwd, remoteData)

	afterFailed := false
	if abortErr == nil {
		after := p.runChecks(ctx, env, g, t, cwd, remoteData, results.CheckEventAfter)
		r.Checks = append(r.Checks, after...)
		afterFailed = checksFailed(after)
		p.pullData(ctx, g, remoteData, localData)
	}

	if logPath, err := p.writeOutput(localData, output); err != nil {
		log.Warnf("Guest %s: could not save output of test %s: %v", g.Name(), t.Name, err)
	} else {
		r.Logs = append(r.Logs, logPath)
	}

	if t.Result == results.InterpretCustom && abortErr == nil {
		subs, worst, err := p.customResults(localData)
		if err != nil {
			raw = results.OutcomeError
			r.AppendNote(fmt.Sprintf("custom results: %v", err))
		} else {
			r.SubResults = subs
			raw = worst
		}
	}

	if err := r.Apply(raw, t.Result); err != nil {
		raw = results.OutcomeError
		r.Outcome = raw
		r.AppendNote(err.Error())
	}
	if afterFailed {
		r.AppendNote("after-test check failed")
		r.Outcome = results.Worst(r.Outcome, results.OutcomeFail)
	}
	if r.Outcome != raw {
		r.OriginalOutcome = raw
	} else {
		r.OriginalOutcome = ""
	}
	return r, abortErr
}

// runLoop runs the test command, honoring reboot requests by rebooting the
// guest and starting the command over with an updated TMT_REBOOT_COUNT.
// The verdict of a rerun replaces the one before the reboot.
func (p *shellPhase) runLoop(ctx context.Context, env *Env, g guest.Guest, t step.Test, r *results.Result, cwd, remoteData string) (results.Outcome, []byte, error) {
	st := env.Step
	log := logger.Get()
	rebootBase := g.RebootCount()
	timeout := t.Timeout()

	var output []byte
	for {
		opts := &connector.ExecOptions{
			Env:     p.testEnv(st, t, remoteData, g.RebootCount()-rebootBase),
			Timeout: timeout,
			Hidden:  true,
		}
		cmd := "cd " + connector.ShellEscape(cwd) + " && " + t.Test
		log.Debugf("Guest %s running test %s (timeout %s)", g.Name(), t.Name, timeout)

		stdout, stderr, err := g.Execute(ctx, cmd, opts)
		output = append(output, stdout...)
		output = append(output, stderr...)

		var unreachable *guest.UnreachableError
		switch {
		case err == nil:
			// pass, unless a reboot was requested below
		case errors.As(err, &unreachable):
			r.AppendNote("guest became unreachable")
			return results.OutcomeError, output, err
		case errors.Is(err, context.DeadlineExceeded):
			r.AppendNote(fmt.Sprintf("test timed out after %s", timeout))
			return results.OutcomeError, output, nil
		default:
			if _, ok := connector.ExitCode(err); !ok {
				r.AppendNote(err.Error())
				return results.OutcomeError, output, nil
			}
			// Non-zero exit: a failure, but a reboot request still wins.
		}

		if !p.rebootRequested(ctx, g, remoteData) {
			if err != nil {
				return results.OutcomeFail, output, nil
			}
			return results.OutcomePass, output, nil
		}

		done := g.RebootCount() - rebootBase
		if done >= common.MaxRebootsPerTest {
			r.AppendNote(fmt.Sprintf("reboot limit of %d exceeded", common.MaxRebootsPerTest))
			return results.OutcomeError, output, nil
		}
		p.clearRebootRequest(ctx, g, remoteData)
		log.Infof("Guest %s rebooting on request of test %s (%d/%d)",
			g.Name(), t.Name, done+1, common.MaxRebootsPerTest)
		if err := g.Reboot(ctx, false); err != nil {
			r.AppendNote(fmt.Sprintf("reboot failed: %v", err))
			return results.OutcomeError, output, err
		}
	}
}

// testEnv layers the guest environment for one test: plan level variables
// and paths from the step, then the test's own variables, then the TMT_
// contract on top.
func (p *shellPhase) testEnv(st *step.Step, t step.Test, remoteData string, rebootCount int) []string {
	env := st.GuestEnv()

	keys := make([]string, 0, len(t.Environment))
	for k := range t.Environment {
		if _, shadowed := st.Plan.Environment[k]; shadowed {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+t.Environment[k])
	}

	return append(env,
		common.EnvTestName+"="+t.Name,
		common.EnvTestData+"="+remoteData,
		common.EnvTestSerial+"="+strconv.Itoa(t.Serial),
		common.EnvRebootCount+"="+strconv.Itoa(rebootCount),
		common.EnvVersion+"="+common.Version,
	)
}

func (p *shellPhase) rebootRequested(ctx context.Context, g guest.Guest, remoteData string) bool {
	marker := path.Join(remoteData, common.RebootRequestName)
	_, _, err := g.Execute(ctx, "test -f "+connector.ShellEscape(marker),
		&connector.ExecOptions{Hidden: true})
	return err == nil
}

func (p *shellPhase) clearRebootRequest(ctx context.Context, g guest.Guest, remoteData string) {
	marker := path.Join(remoteData, common.RebootRequestName)
	if _, _, err := g.Execute(ctx, "rm -f "+connector.ShellEscape(marker),
		&connector.ExecOptions{Hidden: true}); err != nil {
		logger.Get().Warnf("Guest %s: could not clear the reboot request: %v", g.Name(), err)
	}
}

// runChecks runs the test's cmd checks bound to the given event. Check
// problems never abort the test; they land in the check outcome.
func (p *shellPhase) runChecks(ctx context.Context, env *Env, g guest.Guest, t step.Test, cwd, remoteData, event string) []results.CheckResult {
	var out []results.CheckResult
	for _, c := range t.Checks {
		if !checkApplies(c, event) {
			continue
		}
		cr := results.CheckResult{Name: c.How, Event: event}
		switch c.How {
		case "cmd":
			if c.Test == "" {
				cr.Outcome = results.OutcomeError
				cr.Note = "cmd check needs a test command"
				break
			}
			cmd := "cd " + connector.ShellEscape(cwd) + " && " + c.Test
			opts := &connector.ExecOptions{
				Env:     p.testEnv(env.Step, t, remoteData, 0),
				Timeout: t.Timeout(),
				Hidden:  true,
			}
			_, _, err := g.Execute(ctx, cmd, opts)
			switch {
			case err == nil:
				cr.Outcome = results.OutcomePass
			default:
				if _, ok := connector.ExitCode(err); ok {
					cr.Outcome = results.OutcomeFail
				} else {
					cr.Outcome = results.OutcomeError
					cr.Note = err.Error()
				}
			}
		default:
			cr.Outcome = results.OutcomeError
			cr.Note = fmt.Sprintf("unknown check %q", c.How)
		}
		out = append(out, cr)
	}
	return out
}

// checkApplies resolves the when restriction of a check; an unrestricted
// check runs on both sides of the test.
func checkApplies(c step.Check, event string) bool {
	switch c.When {
	case "":
		return true
	case "before":
		return event == results.CheckEventBefore
	case "after":
		return event == results.CheckEventAfter
	}
	return false
}

func checksFailed(checks []results.CheckResult) bool {
	for _, c := range checks {
		if c.Outcome == results.OutcomeFail || c.Outcome == results.OutcomeError {
			return true
		}
	}
	return false
}

// pullData copies the guest side test data directory back under the plan
// workdir. Best effort: a test without data is not a problem.
func (p *shellPhase) pullData(ctx context.Context, g guest.Guest, remoteData, localData string) {
	if err := g.Pull(ctx, remoteData, localData); err != nil {
		logger.Get().Debugf("Guest %s: no test data pulled from %s: %v", g.Name(), remoteData, err)
	}
}

// writeOutput stores the combined test output under the pulled data
// directory and returns its path relative to the execute workdir.
func (p *shellPhase) writeOutput(localData string, output []byte) (string, error) {
	full := filepath.Join(localData, common.TestOutputName)
	if err := util.WriteFileWithDir(full, output, 0o644); err != nil {
		return "", err
	}
	rel := filepath.Join(common.PlanDataDirName, common.GuestDataDirName,
		filepath.Base(filepath.Dir(localData)), filepath.Base(localData), common.TestOutputName)
	return rel, nil
}

// customResults reads the results.json a `result: custom` test wrote into
// its data directory.
func (p *shellPhase) customResults(localData string) ([]results.SubResult, results.Outcome, error) {
	raw, err := os.ReadFile(filepath.Join(localData, common.CustomResultsName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("test did not write %s", common.CustomResultsName)
		}
		return nil, "", err
	}
	return results.ParseCustom(raw)
}

func markError(r *results.Result, note string) {
	r.Outcome = results.OutcomeError
	r.AppendNote(note)
}

// abortOn keeps only the errors that mean the guest is gone; everything
// else stays local to the test that hit it.
func abortOn(err error) error {
	var unreachable *guest.UnreachableError
	if errors.As(err, &unreachable) {
		return err
	}
	return nil
}
