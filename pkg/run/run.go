// Package run owns the aggregate root of one invocation: the workdir, the
// plans scheduled into it, and the step sequencing across them. A run is
// either created fresh from a metadata tree or resumed from its workdir;
// in both cases the plan pipelines execute concurrently and the per-step
// done markers decide what still has to happen.
package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mensylisir/testxm/pkg/cache"
	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/metadata"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/results"
)

// Options is the invocation configuration, assembled by the command line.
type Options struct {
	// Root is the directory holding the run workdirs.
	Root string
	// TreeRoot is the metadata tree the plans come from. New runs default
	// to the current directory; resumed runs remember theirs.
	TreeRoot string

	// ID resumes the named run; Last resumes the one the latest pointer
	// names. Both unset means a new run.
	ID   string
	Last bool

	// Force re-runs the selected steps even when marked done.
	Force bool
	// DryRun logs what would happen without touching any guest.
	DryRun bool
	// Keep leaves the guests running after finish.
	Keep bool
	// Quiet suppresses progress reporting.
	Quiet bool

	// Steps restricts the pipeline to the named steps; empty means all
	// six. Until and Since bound the canonical order on top of that.
	Steps []string
	Until string
	Since string

	// PlanSelectors and TestSelectors are unanchored name patterns.
	PlanSelectors []string
	TestSelectors []string

	// Environment and Context are overrides layered onto every plan.
	Environment map[string]string
	Context     map[string][]string

	// MaxPlans bounds concurrently executing plan pipelines.
	MaxPlans int
	// MaxWorkers bounds concurrent guest workers within one step.
	MaxWorkers int
}

// Run is one invocation workspace. The exported fields persist to
// run.yaml; everything else is rebuilt when the run is resumed.
type Run struct {
	ID       string    `yaml:"id"`
	TreeRoot string    `yaml:"root,omitempty"`
	Started  time.Time `yaml:"started"`
	// PlanNames lists the scheduled plans. Each owns the workdir subtree
	// named after it, with its serialized plan.yaml inside.
	PlanNames []string `yaml:"plans"`

	workdir string
	opts    Options
	steps   map[string]bool
	plans   []*plan.Plan
	pool    *connector.ConnectionPool
	cache   cache.RunCache
	stateMu sync.Mutex
}

// New opens the run: a fresh workdir with plans pulled from the metadata
// tree, or a resumed one rebuilt from run.yaml. Either way the run
// becomes the latest and the logger gains a file sink in its workdir.
func New(opts Options) (*Run, error) {
	if opts.Root == "" {
		opts.Root = common.DefaultWorkdirRoot
	}
	if opts.MaxPlans <= 0 {
		opts.MaxPlans = common.DefaultMaxPlans
	}
	steps, err := selectSteps(opts)
	if err != nil {
		return nil, err
	}

	var r *Run
	if opts.ID != "" || opts.Last {
		r, err = resume(opts)
	} else {
		r, err = create(opts)
	}
	if err != nil {
		return nil, err
	}
	r.steps = steps
	r.pool = connector.NewConnectionPool(nil)
	r.cache = cache.NewRunCache()

	logToWorkdir(r.workdir)
	logger.Get().Infof("Run %s: %d plans, workdir %s", r.ID, len(r.plans), r.workdir)
	return r, nil
}

// Workdir returns the run's directory.
func (r *Run) Workdir() string {
	return r.workdir
}

// Plans returns the scheduled plans.
func (r *Run) Plans() []*plan.Plan {
	return r.plans
}

// Execute drives every plan pipeline and returns the run's exit code:
// 0 everything passed, 1 test failures, 2 errors or interruption, 3 no
// results. Plans run concurrently bounded by MaxPlans; a failing plan
// never stops its siblings.
func (r *Run) Execute(ctx context.Context) int {
	log := logger.Get()
	defer r.pool.Shutdown()

	if len(r.plans) == 0 {
		log.Warnf("Run %s has no plans to execute", r.ID)
		return common.ExitNoResults
	}

	var g errgroup.Group
	g.SetLimit(r.opts.MaxPlans)
	codes := make([]int, len(r.plans))
	for i, p := range r.plans {
		g.Go(func() error {
			codes[i] = r.runPlan(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	code := results.WorstExitCode(codes...)
	if ctx.Err() != nil {
		log.Warnf("Run %s was interrupted", r.ID)
		if code < common.ExitError {
			code = common.ExitError
		}
	}
	r.logSummary(code)
	return code
}

func (r *Run) selected(step string) bool {
	return r.steps[step]
}

func (r *Run) logSummary(code int) {
	log := logger.Get()
	var all []results.Result
	for _, p := range r.plans {
		if v, ok := r.cache.Get(cache.ResultsKey(p.Name)); ok {
			all = append(all, v.([]results.Result)...)
		}
	}
	summary := results.Summarize(all)
	switch {
	case r.opts.DryRun:
		log.Infof("Run %s dry run finished", r.ID)
	case code == common.ExitAllPassed:
		log.Successf("Run %s finished: %s", r.ID, summary)
	case code == common.ExitTestFailed:
		log.Errorf("Run %s finished with failures: %s", r.ID, summary)
	case code == common.ExitNoResults:
		log.Warnf("Run %s finished: %s", r.ID, summary)
	default:
		log.Errorf("Run %s finished with errors: %s", r.ID, summary)
	}
}

func create(opts Options) (*Run, error) {
	treeRoot := opts.TreeRoot
	if treeRoot == "" {
		treeRoot = "."
	}
	abs, err := filepath.Abs(treeRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve tree root %s: %w", treeRoot, err)
	}
	tree, err := metadata.NewFileTree(abs)
	if err != nil {
		return nil, err
	}
	plans, err := plan.Load(tree, opts.PlanSelectors, plan.Overrides{
		Environment: opts.Environment,
		Context:     opts.Context,
	})
	if err != nil {
		return nil, err
	}

	r := &Run{
		ID:       newID(),
		TreeRoot: abs,
		Started:  time.Now().UTC(),
		opts:     opts,
		plans:    plans,
	}
	r.workdir = filepath.Join(opts.Root, r.ID)
	if err := os.MkdirAll(r.workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create run workdir %s: %w", r.workdir, err)
	}
	for _, p := range plans {
		r.PlanNames = append(r.PlanNames, p.Name)
		if err := p.Save(r.workdir); err != nil {
			return nil, err
		}
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	if err := writeLatest(opts.Root, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func resume(opts Options) (*Run, error) {
	id := opts.ID
	if id == "" {
		var err error
		if id, err = readLatest(opts.Root); err != nil {
			return nil, err
		}
	}
	r, err := loadRun(filepath.Join(opts.Root, id))
	if err != nil {
		return nil, err
	}
	r.opts = opts

	patterns, err := compilePatterns(opts.PlanSelectors)
	if err != nil {
		return nil, err
	}
	ov := plan.Overrides{Environment: opts.Environment, Context: opts.Context}
	for _, name := range r.PlanNames {
		if !matchAny(patterns, name) {
			continue
		}
		path := filepath.Join(r.workdir, strings.TrimPrefix(name, "/"), common.PlanStateFile)
		p, err := plan.LoadFile(path)
		if err != nil {
			return nil, err
		}
		p.Override(ov)
		r.plans = append(r.plans, p)
	}

	if err := writeLatest(opts.Root, r.ID); err != nil {
		return nil, err
	}
	logPriorStatus(r)
	return r, nil
}

// loadRun rehydrates the run record from a workdir's run.yaml.
func loadRun(workdir string) (*Run, error) {
	path := filepath.Join(workdir, common.RunStateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no run at %s", workdir)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var r Run
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("%s: run has no id", path)
	}
	r.workdir = workdir
	return &r, nil
}

func (r *Run) save() error {
	raw, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	path := filepath.Join(r.workdir, common.RunStateFile)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func newID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return common.RunIDPrefix + hex[:common.RunIDRandomLen]
}

// selectSteps resolves the step selection: the named steps, or all six,
// intersected with the since/until range. The selection never changes the
// order steps run in, only which ones do.
func selectSteps(opts Options) (map[string]bool, error) {
	set := make(map[string]bool, len(common.StepOrder))
	if len(opts.Steps) == 0 {
		for _, s := range common.StepOrder {
			set[s] = true
		}
	} else {
		for _, s := range opts.Steps {
			if !common.IsStep(s) {
				return nil, fmt.Errorf("unknown step %q (steps: %s)",
					s, strings.Join(common.StepOrder, ", "))
			}
			set[s] = true
		}
	}

	lo, hi := 0, len(common.StepOrder)-1
	if opts.Since != "" {
		if lo = common.StepRank(opts.Since); lo < 0 {
			return nil, fmt.Errorf("unknown step %q for --since", opts.Since)
		}
	}
	if opts.Until != "" {
		if hi = common.StepRank(opts.Until); hi < 0 {
			return nil, fmt.Errorf("unknown step %q for --until", opts.Until)
		}
	}
	if lo > hi {
		return nil, fmt.Errorf("--since %s begins after --until %s", opts.Since, opts.Until)
	}
	for i, s := range common.StepOrder {
		if i < lo || i > hi {
			delete(set, s)
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("the step selection excludes every step")
	}
	return set, nil
}

// writeLatest points <root>/latest at the run most recently worked on.
func writeLatest(root, id string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create workdir root %s: %w", root, err)
	}
	path := filepath.Join(root, common.LatestPointerFile)
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("update latest pointer: %w", err)
	}
	return nil
}

func readLatest(root string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(root, common.LatestPointerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no previous run under %s", root)
		}
		return "", err
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", fmt.Errorf("no previous run under %s", root)
	}
	return id, nil
}

// logToWorkdir adds the run's JSON log file to the active logger, keeping
// the console configuration as the command line set it up.
func logToWorkdir(workdir string) {
	opts := logger.Get().Options()
	opts.FileOutput = true
	opts.LogFilePath = filepath.Join(workdir, common.RunLogFile)
	if err := logger.Reconfigure(opts); err != nil {
		logger.Get().Warnf("Could not open the run log file: %v", err)
	}
}

func logPriorStatus(r *Run) {
	rollup, err := Status(r.workdir)
	if err != nil || len(rollup) == 0 {
		return
	}
	log := logger.Get()
	for _, name := range r.PlanNames {
		cells := rollup[name]
		if len(cells) == 0 {
			continue
		}
		parts := make([]string, 0, len(cells))
		for _, s := range common.StepOrder {
			if status, ok := cells[s]; ok {
				parts = append(parts, s+" "+status)
			}
		}
		log.Infof("Plan %s so far: %s", name, strings.Join(parts, ", "))
	}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(patterns []*regexp.Regexp, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
