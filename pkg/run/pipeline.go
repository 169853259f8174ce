package run

import (
	"context"

	"github.com/mensylisir/testxm/pkg/cache"
	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/results"
	"github.com/mensylisir/testxm/pkg/step"
	"github.com/mensylisir/testxm/pkg/step/discover"
	"github.com/mensylisir/testxm/pkg/step/execute"
	"github.com/mensylisir/testxm/pkg/step/finish"
	"github.com/mensylisir/testxm/pkg/step/prepare"
	"github.com/mensylisir/testxm/pkg/step/provision"
	"github.com/mensylisir/testxm/pkg/step/report"
)

// pipeline carries one plan through the selected steps in canonical
// order. Unselected earlier steps contribute their stored outputs, so a
// resumed invocation picks up exactly where the previous one stopped.
type pipeline struct {
	run  *Run
	plan *plan.Plan

	tests   []step.Test
	guests  []guest.Guest
	results []results.Result
	// failed collects the steps that errored; any entry makes the plan's
	// exit code an error regardless of the test outcomes.
	failed []string
}

// runPlan executes one plan's pipeline and returns its exit code. The
// plan's results are published into the run cache for the summary.
func (r *Run) runPlan(ctx context.Context, p *plan.Plan) int {
	pl := &pipeline{run: r, plan: p}
	code := pl.execute(ctx)
	r.cache.Set(cache.ResultsKey(p.Name), pl.results)
	return code
}

// execute walks the stages. A discover failure aborts the plan outright;
// from provision on, teardown still happens. A prepare failure skips
// execute but not report; a report failure never blocks finish.
func (pl *pipeline) execute(ctx context.Context) int {
	logger.Get().Infof("Plan %s", pl.plan.Name)

	if err := pl.discoverStage(ctx); err != nil {
		pl.fail(common.StepDiscover, err)
		return pl.code()
	}
	if err := pl.provisionStage(ctx); err != nil {
		pl.fail(common.StepProvision, err)
		pl.finishStage(ctx)
		return pl.code()
	}
	if err := pl.prepareStage(ctx); err != nil {
		pl.fail(common.StepPrepare, err)
	} else if err := pl.executeStage(ctx); err != nil {
		pl.fail(common.StepExecute, err)
	}
	if err := pl.reportStage(ctx); err != nil {
		pl.fail(common.StepReport, err)
	}
	pl.finishStage(ctx)
	return pl.code()
}

// code folds the collected state into the plan's exit contribution.
func (pl *pipeline) code() int {
	if len(pl.failed) > 0 {
		return common.ExitError
	}
	if pl.run.opts.DryRun {
		return common.ExitAllPassed
	}
	return results.ExitCode(pl.results)
}

func (pl *pipeline) fail(stepName string, err error) {
	logger.Get().Errorf("Plan %s: %s failed: %v", pl.plan.Name, stepName, err)
	pl.failed = append(pl.failed, stepName)
	pl.run.markStep(pl.plan.Name, stepName, statusFailed)
}

func (pl *pipeline) done(stepName string) {
	if !pl.run.opts.DryRun {
		pl.run.markStep(pl.plan.Name, stepName, statusDone)
	}
}

// needGuests reports whether any selected step fans out to guests.
func (pl *pipeline) needGuests() bool {
	r := pl.run
	return r.selected(common.StepPrepare) ||
		r.selected(common.StepExecute) ||
		r.selected(common.StepFinish)
}

func (pl *pipeline) discoverStage(ctx context.Context) error {
	r := pl.run
	st, err := discover.NewStep(pl.plan, r.workdir)
	if err != nil {
		return err
	}
	if !r.selected(common.StepDiscover) {
		if r.selected(common.StepPrepare) || r.selected(common.StepExecute) {
			pl.tests, err = discover.Load(st)
			return err
		}
		return nil
	}
	st.Force = r.opts.Force
	env := &discover.Env{
		Step:      st,
		Root:      r.TreeRoot,
		Selectors: r.opts.TestSelectors,
		Serial:    results.NewSerialCounter(),
		Quiet:     r.opts.Quiet,
	}
	if pl.tests, err = discover.Run(ctx, env); err != nil {
		return err
	}
	pl.done(common.StepDiscover)
	return nil
}

func (pl *pipeline) provisionStage(ctx context.Context) error {
	r := pl.run
	if !r.selected(common.StepProvision) && !pl.needGuests() {
		return nil
	}
	st, err := provision.NewStep(pl.plan, r.workdir)
	if err != nil {
		return err
	}
	env := &provision.Env{Step: st, Pool: r.pool, DryRun: r.opts.DryRun}
	if r.selected(common.StepProvision) {
		st.Force = r.opts.Force
		// A partial inventory still comes back on failure so the finish
		// stage can tear it down.
		if pl.guests, err = provision.Run(ctx, env); err != nil {
			return err
		}
		pl.done(common.StepProvision)
		return nil
	}
	if r.opts.DryRun {
		return nil
	}
	pl.guests, err = provision.Load(ctx, env)
	return err
}

func (pl *pipeline) prepareStage(ctx context.Context) error {
	r := pl.run
	if !r.selected(common.StepPrepare) {
		return nil
	}
	st, err := prepare.NewStep(pl.plan, r.workdir)
	if err != nil {
		return err
	}
	st.Force = r.opts.Force
	env := &prepare.Env{Step: st, Guests: pl.guests}
	opts := prepare.Options{DryRun: r.opts.DryRun, MaxWorkers: r.opts.MaxWorkers}
	if err := prepare.Run(ctx, env, pl.tests, opts); err != nil {
		return err
	}
	pl.done(common.StepPrepare)
	return nil
}

func (pl *pipeline) executeStage(ctx context.Context) error {
	r := pl.run
	st, err := execute.NewStep(pl.plan, r.workdir)
	if err != nil {
		return err
	}
	if !r.selected(common.StepExecute) {
		if r.selected(common.StepReport) {
			pl.results, err = execute.Load(st)
			return err
		}
		return nil
	}
	st.Force = r.opts.Force
	env := &execute.Env{Step: st, Guests: pl.guests}
	opts := execute.Options{
		DryRun:     r.opts.DryRun,
		MaxWorkers: r.opts.MaxWorkers,
		Quiet:      r.opts.Quiet,
	}
	rs, err := execute.Run(ctx, env, pl.tests, opts)
	// Partial results survive a failing step; report still shows them.
	pl.results = rs
	if err != nil {
		return err
	}
	pl.done(common.StepExecute)
	return nil
}

func (pl *pipeline) reportStage(ctx context.Context) error {
	r := pl.run
	if !r.selected(common.StepReport) {
		return nil
	}
	st, err := report.NewStep(pl.plan, r.workdir)
	if err != nil {
		return err
	}
	st.Force = r.opts.Force
	env := &report.Env{Step: st}
	if err := report.Run(ctx, env, pl.results, report.Options{DryRun: r.opts.DryRun}); err != nil {
		return err
	}
	pl.done(common.StepReport)
	return nil
}

// finishStage tears the guests down. It runs even after earlier failures
// and, when the run context is already canceled, under a fresh bounded
// context so an interrupted run still cleans up after itself.
func (pl *pipeline) finishStage(ctx context.Context) {
	r := pl.run
	if !r.selected(common.StepFinish) {
		return
	}
	st, err := finish.NewStep(pl.plan, r.workdir)
	if err != nil {
		pl.fail(common.StepFinish, err)
		return
	}
	st.Force = r.opts.Force

	fctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(context.Background(), common.DefaultTeardownTimeout)
		defer cancel()
	}
	env := &finish.Env{Step: st, Guests: pl.guests}
	opts := finish.Options{
		DryRun:     r.opts.DryRun,
		MaxWorkers: r.opts.MaxWorkers,
		Keep:       r.opts.Keep,
	}
	if err := finish.Run(fctx, env, opts); err != nil {
		pl.fail(common.StepFinish, err)
		return
	}
	pl.done(common.StepFinish)
}
