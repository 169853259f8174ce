package discover

import (
	"context"

	"github.com/mensylisir/testxm/pkg/metadata"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/selection"
	"github.com/mensylisir/testxm/pkg/step"
)

// shellPhase takes its tests straight from the phase data: a tests list
// of inline definitions, no metadata tree involved.
type shellPhase struct {
	cfg      phase.Config
	inline   []metadata.Test
	tests    []string
	includes []string
	excludes []string
}

func newShellPhase(cfg phase.Config) (Phase, error) {
	p := &shellPhase{cfg: cfg}
	var err error
	if p.tests, err = cfg.StringList("test"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.includes, err = cfg.StringList("include"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.excludes, err = cfg.StringList("exclude"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.inline, err = inlineTests(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

func inlineTests(cfg phase.Config) ([]metadata.Test, error) {
	raw, ok := cfg.Data["tests"]
	if !ok || raw == nil {
		return nil, configErr(cfg, "shell discovery needs a tests list")
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, configErr(cfg, "tests must be a list, got %T", raw)
	}

	out := make([]metadata.Test, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		data, ok := item.(map[string]any)
		if !ok {
			return nil, configErr(cfg, "tests[%d] must be a mapping, got %T", i, item)
		}
		name, ok := data["name"].(string)
		if !ok || name == "" {
			return nil, configErr(cfg, "tests[%d] needs a name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, configErr(cfg, "test name %q used twice", name)
		}
		seen[name] = struct{}{}
		t, err := metadata.TestFromData(name, data)
		if err != nil {
			return nil, configErr(cfg, "%v", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *shellPhase) Discover(ctx context.Context, env *Env) ([]step.Test, error) {
	selected, err := selection.Select(p.inline, p.tests, p.includes, p.excludes)
	if err != nil {
		return nil, configErr(p.cfg, "%v", err)
	}
	if len(env.Selectors) > 0 {
		if selected, err = selection.Select(selected, nil, env.Selectors, nil); err != nil {
			return nil, err
		}
	}

	out := make([]step.Test, 0, len(selected))
	for _, t := range selected {
		out = append(out, step.FromMetadata(t, env.Serial.Next(t.Name), p.cfg.Where, ""))
	}
	return out, nil
}
