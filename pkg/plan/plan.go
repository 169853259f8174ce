// Package plan models one independently scheduled pipeline: the six step
// blocks plus the environment and context the run adjusts metadata with.
// A plan is loaded once, either from the metadata tree or from its
// serialized plan.yaml inside a run workdir, and never changes afterwards;
// only step done markers move.
package plan

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/metadata"
)

// Plan is one schedulable pipeline.
type Plan struct {
	Name    string `yaml:"name"`
	Summary string `yaml:"summary,omitempty"`

	// Environment is the plan's environment with CLI overrides already
	// applied. Test-level environment layers on top at execution time.
	Environment map[string]string `yaml:"environment,omitempty"`

	// Context holds the dimension values when-rules evaluate against,
	// CLI overrides already applied per dimension.
	Context map[string][]string `yaml:"context,omitempty"`

	// Steps maps step name to its raw phase blocks exactly as declared.
	Steps map[string][]map[string]any `yaml:"steps"`
}

// Overrides carries the command line adjustments applied at load time.
type Overrides struct {
	// Environment entries win over the plan's own.
	Environment map[string]string
	// Context dimensions replace the plan's same-named dimension.
	Context map[string][]string
}

// FromMetadata builds a plan from its tree record and applies overrides.
func FromMetadata(rec metadata.Plan, ov Overrides) *Plan {
	p := &Plan{
		Name:        rec.Name,
		Summary:     rec.Summary,
		Environment: make(map[string]string),
		Context:     make(map[string][]string),
		Steps:       make(map[string][]map[string]any, len(rec.Steps)),
	}
	maps.Copy(p.Environment, rec.Environment)
	maps.Copy(p.Environment, ov.Environment)
	maps.Copy(p.Context, rec.Context)
	maps.Copy(p.Context, ov.Context)
	for step, blocks := range rec.Steps {
		p.Steps[step] = blocks
	}
	return p
}

// Load pulls the schedulable plans matching selectors out of the tree.
// Records without an execute step are listed as plans but cannot run;
// they are skipped with a warning. No matching plan is not an error, the
// run reports it as "no results".
func Load(tree metadata.Tree, selectors []string, ov Overrides) ([]*Plan, error) {
	records, err := tree.Plans(metadata.PlanFilter{Names: selectors})
	if err != nil {
		return nil, err
	}
	var plans []*Plan
	for _, rec := range records {
		if !rec.Schedulable() {
			logger.Get().Warnf("Plan %s has no execute step, skipping", rec.Name)
			continue
		}
		plans = append(plans, FromMetadata(rec, ov))
	}
	return plans, nil
}

// Override layers command line adjustments onto a rehydrated plan, the
// same way FromMetadata does for fresh ones.
func (p *Plan) Override(ov Overrides) {
	if p.Environment == nil && len(ov.Environment) > 0 {
		p.Environment = make(map[string]string, len(ov.Environment))
	}
	maps.Copy(p.Environment, ov.Environment)
	if p.Context == nil && len(ov.Context) > 0 {
		p.Context = make(map[string][]string, len(ov.Context))
	}
	maps.Copy(p.Context, ov.Context)
}

// PhaseBlocks returns the raw phase blocks of one step, nil when the plan
// does not configure it.
func (p *Plan) PhaseBlocks(step string) []map[string]any {
	return p.Steps[step]
}

// HasStep reports whether the plan declares the step at all. A declared
// step with zero blocks still counts, it runs with defaults.
func (p *Plan) HasStep(step string) bool {
	_, ok := p.Steps[step]
	return ok
}

// Dir is the plan's exclusive subtree inside a run workdir, following the
// plan's hierarchical name.
func (p *Plan) Dir(runWorkdir string) string {
	return filepath.Join(runWorkdir, strings.TrimPrefix(p.Name, "/"))
}

// DataDir is the per-plan scratch directory tests see as TMT_PLAN_DATA.
func (p *Plan) DataDir(runWorkdir string) string {
	return filepath.Join(p.Dir(runWorkdir), common.PlanDataDirName)
}

// StepDir is the directory one step owns inside this plan's subtree.
func (p *Plan) StepDir(runWorkdir, step string) string {
	return common.StepDir(p.Dir(runWorkdir), step)
}

// Save writes plan.yaml into the plan's subtree so a resumed run can
// rebuild the plan without the metadata tree.
func (p *Plan) Save(runWorkdir string) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling plan %s: %w", p.Name, err)
	}
	path := filepath.Join(p.Dir(runWorkdir), common.PlanStateFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating plan directory for %s: %w", p.Name, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// LoadFile rehydrates a plan from its plan.yaml.
func LoadFile(path string) (*Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var p Plan
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("%s: plan has no name", path)
	}
	return &p, nil
}
