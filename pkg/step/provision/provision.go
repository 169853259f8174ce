// Package provision turns the plan's provision phases into live guests.
// One phase delivers one guest; the phase name doubles as the guest name.
// The resulting inventory goes to guests.yaml so later invocations can
// rebuild the guest handles without provisioning again.
package provision

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/container"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/step"
	"github.com/mensylisir/testxm/pkg/util"
)

// DefaultHow fills in provision phases that do not name a method.
const DefaultHow = guest.HowLocal

// Phase provisions exactly one guest and returns it connected.
type Phase interface {
	Provision(ctx context.Context, env *Env) (guest.Guest, error)
}

// Env is the step-level context shared by the provision phases of one
// plan. The docker client is created on first use, so runs without
// container guests never touch the engine socket.
type Env struct {
	Step *step.Step
	// Pool shares SSH transports across connect guests.
	Pool *connector.ConnectionPool
	// DryRun logs what would be provisioned without creating guests.
	DryRun bool

	docker *container.Client
}

// Docker returns the shared container client, creating it on demand.
func (e *Env) Docker(ctx context.Context) (*container.Client, error) {
	if e.docker == nil {
		client, err := container.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		e.docker = client
	}
	return e.docker, nil
}

var registry = phase.NewRegistry[Phase](common.StepProvision)

// Register adds a provision method.
func Register(how string, factory func(phase.Config) (Phase, error)) {
	registry.Register(how, factory)
}

func init() {
	Register(guest.HowLocal, newLocalPhase)
	Register(guest.HowConnect, newConnectPhase)
	Register(guest.HowContainer, newContainerPhase)
}

// NewStep builds the provision step. Unnamed phases become default-N so
// guest names stay stable, and a plan without any provision phases gets
// one local guest.
func NewStep(p *plan.Plan, runWorkdir string) (*step.Step, error) {
	blocks := p.PhaseBlocks(common.StepProvision)
	named := make([]map[string]any, 0, len(blocks))
	for i, block := range blocks {
		nb := maps.Clone(block)
		if nb == nil {
			nb = map[string]any{}
		}
		if _, ok := nb["name"]; !ok {
			nb["name"] = fmt.Sprintf("%s-%d", common.DefaultGuestNamePrefix, i)
		}
		named = append(named, nb)
	}
	if len(named) == 0 {
		named = []map[string]any{{
			"name": fmt.Sprintf("%s-0", common.DefaultGuestNamePrefix),
			"how":  guest.HowLocal,
		}}
	}
	return step.NewFromBlocks(p, runWorkdir, common.StepProvision, DefaultHow, named)
}

// Run executes the provision step. A step already marked done rebuilds
// the guests from guests.yaml instead of provisioning anew. On failure
// the guests provisioned so far are returned alongside the error so the
// caller can still tear them down.
func Run(ctx context.Context, env *Env) ([]guest.Guest, error) {
	st := env.Step

	skip, err := st.Begin()
	if err != nil {
		return nil, err
	}
	if skip {
		if env.DryRun {
			return nil, nil
		}
		return Load(ctx, env)
	}

	active, err := st.Active()
	if err != nil {
		return nil, err
	}
	impls := make([]Phase, len(active))
	for i, cfg := range active {
		if impls[i], err = registry.Lookup(cfg); err != nil {
			return nil, err
		}
	}

	if env.DryRun {
		for _, cfg := range active {
			logger.Get().Infof("Would provision guest %s via %s", cfg.Name, cfg.How)
		}
		return nil, nil
	}

	guestsPath := filepath.Join(st.Workdir, common.ProvisionGuestsFile)
	var ready []guest.Guest
	var recs []guest.Record
	for i, cfg := range active {
		if err := ctx.Err(); err != nil {
			return ready, err
		}
		retries, err := cfg.Int("retries", 0)
		if err != nil {
			return ready, phase.NewConfigurationError(
				fmt.Sprintf("%s/%s", common.StepProvision, cfg.Name), "%v", err)
		}

		g, err := provisionWithRetry(ctx, env, impls[i], cfg, retries)
		if err != nil {
			return ready, fmt.Errorf("provision/%s: %w", cfg.Name, err)
		}
		ready = append(ready, g)
		recs = append(recs, g.Record())
		// Persist after every guest so a later failure still leaves an
		// accurate inventory for teardown.
		if err := saveGuests(guestsPath, recs); err != nil {
			return ready, err
		}
		logGuestReady(g)
	}

	if err := st.MarkDone(); err != nil {
		return ready, err
	}
	logger.Get().Successf("Plan %s: %d guests ready", st.Plan.Name, len(ready))
	return ready, nil
}

// Load rebuilds the guest handles of an earlier provisioning and
// reconnects them, for invocations that start the pipeline later.
func Load(ctx context.Context, env *Env) ([]guest.Guest, error) {
	st := env.Step
	recs, err := loadGuests(filepath.Join(st.Workdir, common.ProvisionGuestsFile))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("plan %s has no provisioned guests, run provision first", st.Plan.Name)
	}

	deps := guest.Deps{Pool: env.Pool}
	for _, rec := range recs {
		if rec.How == guest.HowContainer {
			if deps.Docker, err = env.Docker(ctx); err != nil {
				return nil, err
			}
			break
		}
	}

	ready := make([]guest.Guest, 0, len(recs))
	for _, rec := range recs {
		g, err := guest.FromRecord(rec, deps)
		if err != nil {
			return ready, err
		}
		if err := g.Connect(ctx); err != nil {
			return ready, fmt.Errorf("reconnect guest %q: %w", rec.Name, err)
		}
		ready = append(ready, g)
	}
	logger.Get().Infof("Plan %s: %d guests from the previous provisioning", st.Plan.Name, len(ready))
	return ready, nil
}

func provisionWithRetry(ctx context.Context, env *Env, impl Phase, cfg phase.Config, retries int) (guest.Guest, error) {
	var g guest.Guest
	var err error
	for attempt := 1; attempt <= retries+1; attempt++ {
		if attempt > 1 {
			logger.Get().Warnf("Provisioning guest %s failed, retrying (%d/%d): %v",
				cfg.Name, attempt-1, retries, err)
		}
		g, err = impl.Provision(ctx, env)
		if err == nil {
			return g, nil
		}
		if phase.IsConfigurationError(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, err
}

func logGuestReady(g guest.Guest) {
	line := fmt.Sprintf("Guest %s is ready (%s)", g.Name(), g.Hostname())
	if facts := g.Facts(); facts != nil && facts.OS != nil && facts.OS.PrettyName != "" {
		line = fmt.Sprintf("%s: %s, %s", line, facts.OS.PrettyName, facts.OS.Arch)
	}
	if role := g.Role(); role != "" {
		line = fmt.Sprintf("%s, role %s", line, role)
	}
	logger.Get().Infof("%s", line)
}

func saveGuests(path string, recs []guest.Record) error {
	data, err := yaml.Marshal(recs)
	if err != nil {
		return fmt.Errorf("marshal guests: %w", err)
	}
	return util.WriteFileWithDir(path, data, 0o644)
}

func loadGuests(path string) ([]guest.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read guests from %s: %w", path, err)
	}
	var recs []guest.Record
	if err := yaml.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse guests from %s: %w", path, err)
	}
	return recs, nil
}

func configErr(cfg phase.Config, format string, args ...any) error {
	return phase.NewConfigurationError(
		fmt.Sprintf("%s/%s", common.StepProvision, cfg.Name), format, args...)
}
