// Package phase turns the raw step blocks of a plan into named, ordered,
// selectable units of work. Each step kind keeps a registry of its how
// implementations; everything above the step only ever sees the Config.
package phase

import (
	"fmt"
	"maps"
	"sort"

	"github.com/mensylisir/testxm/pkg/common"
)

// Config is one phase as declared in a plan step.
type Config struct {
	// Name identifies the phase within its step. Unnamed phases get
	// "<how>-<index>" so log lines and workdirs stay addressable.
	Name string
	// How selects the implementation from the step's registry.
	How string
	// Order positions the phase inside the step; lower runs first.
	Order int
	// Where restricts the phase to guests matching any of these names or
	// roles. Empty means every guest.
	Where []string
	// When is a rule evaluated against the plan context; a false rule
	// skips the phase.
	When string
	// Data is the full raw block; implementations read their own keys.
	Data map[string]any
	// DeclIndex is the position in the declaring document, the tie break
	// for equal orders.
	DeclIndex int
}

// NewConfigs parses the raw blocks of one step. defaultHow fills in blocks
// that do not name a method; an empty defaultHow makes how mandatory.
func NewConfigs(step, defaultHow string, blocks []map[string]any) ([]Config, error) {
	configs := make([]Config, 0, len(blocks))
	seen := make(map[string]struct{}, len(blocks))
	for i, block := range blocks {
		cfg, err := newConfig(step, defaultHow, i, block)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[cfg.Name]; dup {
			return nil, NewConfigurationError(fmt.Sprintf("%s/%s", step, cfg.Name), "phase name used twice")
		}
		seen[cfg.Name] = struct{}{}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func newConfig(step, defaultHow string, index int, block map[string]any) (Config, error) {
	cfg := Config{
		Order:     common.DefaultPhaseOrder,
		DeclIndex: index,
		Data:      maps.Clone(block),
	}
	path := fmt.Sprintf("%s[%d]", step, index)

	how, err := stringValue(block, "how")
	if err != nil {
		return Config{}, NewConfigurationError(path, "%v", err)
	}
	if how == "" {
		how = defaultHow
	}
	if how == "" {
		return Config{}, NewConfigurationError(path, "phase needs a how")
	}
	cfg.How = how

	name, err := stringValue(block, "name")
	if err != nil {
		return Config{}, NewConfigurationError(path, "%v", err)
	}
	if name == "" {
		name = fmt.Sprintf("%s-%d", how, index)
	}
	cfg.Name = name

	if cfg.Order, err = intValue(block, "order", cfg.Order); err != nil {
		return Config{}, NewConfigurationError(fmt.Sprintf("%s/%s", step, name), "%v", err)
	}
	if cfg.Where, err = stringListValue(block, "where"); err != nil {
		return Config{}, NewConfigurationError(fmt.Sprintf("%s/%s", step, name), "%v", err)
	}
	if cfg.When, err = stringValue(block, "when"); err != nil {
		return Config{}, NewConfigurationError(fmt.Sprintf("%s/%s", step, name), "%v", err)
	}
	return cfg, nil
}

// SortPhases orders phases by (Order, DeclIndex) in place.
func SortPhases(phases []Config) {
	sort.SliceStable(phases, func(i, j int) bool {
		if phases[i].Order != phases[j].Order {
			return phases[i].Order < phases[j].Order
		}
		return phases[i].DeclIndex < phases[j].DeclIndex
	})
}

func stringValue(block map[string]any, key string) (string, error) {
	v, ok := block[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func intValue(block map[string]any, key string, fallback int) (int, error) {
	v, ok := block[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	}
	return 0, fmt.Errorf("%s must be an integer, got %T", key, v)
}

func stringListValue(block map[string]any, key string) ([]string, error) {
	v, ok := block[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must be a string or a list of strings, got %T", key, v)
}
