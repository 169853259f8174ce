package metadata

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/mensylisir/testxm/pkg/common"
)

// mergeData layers child attributes over parent ones. A plain key replaces
// the inherited value; a trailing "+" appends to it instead: lists grow,
// mappings update, scalars become list elements.
func mergeData(parent, child map[string]any) map[string]any {
	out := maps.Clone(parent)
	if out == nil {
		out = make(map[string]any)
	}
	for key, value := range child {
		if base, ok := strings.CutSuffix(key, "+"); ok && base != "" {
			out[base] = appendValue(out[base], value)
			continue
		}
		out[key] = value
	}
	return out
}

func appendValue(existing, addition any) any {
	if em, ok := existing.(map[string]any); ok {
		if am, ok := addition.(map[string]any); ok {
			merged := maps.Clone(em)
			for k, v := range am {
				merged[k] = v
			}
			return merged
		}
	}
	combined := append([]any{}, toList(existing)...)
	return append(combined, toList(addition)...)
}

func toList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	default:
		return []any{x}
	}
}

func buildTest(name string, n node) (Test, error) {
	t := Test{
		Name:      name,
		Path:      n.dir,
		Framework: "shell",
		Result:    "respect",
		Duration:  common.DefaultTestDuration,
		Order:     common.DefaultPhaseOrder,
	}
	if err := fillTest(&t, n.data); err != nil {
		return Test{}, fmt.Errorf("test %s: %w", name, err)
	}
	return t, nil
}

func fillTest(t *Test, data map[string]any) error {
	command, ok := data["test"].(string)
	if !ok || command == "" {
		return fmt.Errorf("the test key must be a non-empty string")
	}
	t.Test = command

	var err error
	if t.Summary, err = stringAttr(data, "summary", t.Summary); err != nil {
		return err
	}
	if t.Path, err = stringAttr(data, "path", t.Path); err != nil {
		return err
	}
	if t.Framework, err = stringAttr(data, "framework", t.Framework); err != nil {
		return err
	}
	if t.Result, err = stringAttr(data, "result", t.Result); err != nil {
		return err
	}
	if t.Order, err = intAttr(data, "order", t.Order); err != nil {
		return err
	}
	if t.Duration, err = durationAttr(data, "duration", t.Duration); err != nil {
		return err
	}
	if t.Environment, err = stringMapAttr(data, "environment"); err != nil {
		return err
	}
	if t.Require, err = stringListAttr(data, "require"); err != nil {
		return err
	}
	if t.Recommend, err = stringListAttr(data, "recommend"); err != nil {
		return err
	}
	if t.Tags, err = stringListAttr(data, "tag"); err != nil {
		return err
	}
	if t.Checks, err = checkListAttr(data, "check"); err != nil {
		return err
	}
	return nil
}

// TestFromData builds a test record from one raw mapping, as declared
// inline by shell discovery. Defaults match tree records; the path stays
// empty because inline tests have no source directory.
func TestFromData(name string, data map[string]any) (Test, error) {
	t := Test{
		Name:      name,
		Framework: "shell",
		Result:    "respect",
		Duration:  common.DefaultTestDuration,
		Order:     common.DefaultPhaseOrder,
	}
	if err := fillTest(&t, data); err != nil {
		return Test{}, fmt.Errorf("test %s: %w", name, err)
	}
	return t, nil
}

func buildPlan(name string, n node) (Plan, error) {
	p := Plan{Name: name, Steps: make(map[string][]map[string]any)}
	if err := fillPlan(&p, n.data); err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", name, err)
	}
	return p, nil
}

func fillPlan(p *Plan, data map[string]any) error {
	var err error
	if p.Summary, err = stringAttr(data, "summary", ""); err != nil {
		return err
	}
	if p.Environment, err = stringMapAttr(data, "environment"); err != nil {
		return err
	}
	if p.Context, err = contextAttr(data, "context"); err != nil {
		return err
	}
	for _, step := range common.StepOrder {
		v, ok := data[step]
		if !ok {
			continue
		}
		blocks, err := phaseBlocks(v)
		if err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
		p.Steps[step] = blocks
	}
	return nil
}

// phaseBlocks normalizes a step value into a list of raw phase mappings. A
// bare mapping is a single phase; null means the step is present with no
// explicit phases.
func phaseBlocks(v any) ([]map[string]any, error) {
	switch x := v.(type) {
	case nil:
		return []map[string]any{}, nil
	case map[string]any:
		return []map[string]any{maps.Clone(x)}, nil
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, item := range x {
			block, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("phase entries must be mappings, got %T", item)
			}
			out = append(out, maps.Clone(block))
		}
		return out, nil
	}
	return nil, fmt.Errorf("step configuration must be a mapping or a list of mappings, got %T", v)
}

func stringAttr(data map[string]any, key, fallback string) (string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func intAttr(data map[string]any, key string, fallback int) (int, error) {
	v, ok := data[key]
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

func durationAttr(data map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback, nil
	}
	switch x := v.(type) {
	case string:
		d, err := ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("%s must not be negative", key)
		}
		return time.Duration(x) * time.Second, nil
	}
	return 0, fmt.Errorf("%s must be a duration string or seconds, got %T", key, v)
}

func stringListAttr(data map[string]any, key string) ([]string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, nil
	}
	items := toList(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := scalarString(item)
		if !ok {
			return nil, fmt.Errorf("%s entries must be scalars, got %T", key, item)
		}
		out = append(out, s)
	}
	return out, nil
}

func stringMapAttr(data map[string]any, key string) (map[string]string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping, got %T", key, v)
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		s, ok := scalarString(item)
		if !ok {
			return nil, fmt.Errorf("%s.%s must be a scalar, got %T", key, k, item)
		}
		out[k] = s
	}
	return out, nil
}

func contextAttr(data map[string]any, key string) (map[string][]string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping, got %T", key, v)
	}
	out := make(map[string][]string, len(m))
	for dim, value := range m {
		values := toList(value)
		list := make([]string, 0, len(values))
		for _, item := range values {
			s, ok := scalarString(item)
			if !ok {
				return nil, fmt.Errorf("%s.%s values must be scalars, got %T", key, dim, item)
			}
			list = append(list, s)
		}
		out[dim] = list
	}
	return out, nil
}

func checkListAttr(data map[string]any, key string) ([]Check, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return nil, nil
	}
	items := toList(v)
	out := make([]Check, 0, len(items))
	for _, item := range items {
		switch x := item.(type) {
		case string:
			out = append(out, Check{How: x})
		case map[string]any:
			c := Check{}
			var err error
			if c.How, err = stringAttr(x, "how", ""); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if c.Test, err = stringAttr(x, "test", ""); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if c.When, err = stringAttr(x, "when", ""); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			if c.How == "" {
				return nil, fmt.Errorf("%s entries need a how", key)
			}
			switch c.When {
			case "", "before", "after":
			default:
				return nil, fmt.Errorf("%s when must be before or after, got %q", key, c.When)
			}
			out = append(out, c)
		default:
			return nil, fmt.Errorf("%s entries must be strings or mappings, got %T", key, item)
		}
	}
	return out, nil
}

func scalarString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}
