package results

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ParseCustom reads the results.json a test with result: custom wrote into
// its data directory. Entries become subresults and the returned outcome
// is the worst of them; the file must hold a non-empty JSON list of
// objects with at least a result field.
func ParseCustom(raw []byte) ([]SubResult, Outcome, error) {
	if !gjson.ValidBytes(raw) {
		return nil, "", fmt.Errorf("results.json is not valid JSON")
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsArray() {
		return nil, "", fmt.Errorf("results.json must hold a list of results")
	}
	entries := parsed.Array()
	if len(entries) == 0 {
		return nil, "", fmt.Errorf("results.json holds no results")
	}

	subs := make([]SubResult, 0, len(entries))
	outcomes := make([]Outcome, 0, len(entries))
	for i, entry := range entries {
		outcome, err := ParseOutcome(entry.Get("result").String())
		if err != nil {
			return nil, "", fmt.Errorf("results.json entry %d: %w", i, err)
		}
		sub := SubResult{
			Name:    entry.Get("name").String(),
			Outcome: outcome,
			Note:    entry.Get("note").String(),
		}
		for _, lg := range entry.Get("log").Array() {
			sub.Logs = append(sub.Logs, lg.String())
		}
		subs = append(subs, sub)
		outcomes = append(outcomes, outcome)
	}
	return subs, Worst(outcomes...), nil
}
