package results

import "fmt"

// Result interpretation modes. The forcing modes pass, fail, warn and info
// share their name with the outcome they force.
const (
	InterpretRespect = "respect"
	InterpretXfail   = "xfail"
	InterpretCustom  = "custom"
)

// ValidInterpretation reports whether mode is a known result mode.
func ValidInterpretation(mode string) bool {
	switch mode {
	case "", InterpretRespect, InterpretXfail, InterpretCustom,
		string(OutcomePass), string(OutcomeFail), string(OutcomeWarn), string(OutcomeInfo):
		return true
	}
	return false
}

// Interpret applies the test's result mode to the raw execution outcome
// and returns the reported outcome plus a note fragment when the verdict
// changed. respect and custom leave the outcome alone (custom replaces the
// whole result from the test's own results.json elsewhere); xfail swaps
// pass and fail and leaves everything else untouched; pass/fail/warn/info
// force that outcome unconditionally.
func Interpret(raw Outcome, mode string) (Outcome, string, error) {
	switch mode {
	case "", InterpretRespect, InterpretCustom:
		return raw, "", nil
	case InterpretXfail:
		switch raw {
		case OutcomePass:
			return OutcomeFail, "expected to fail, but passed", nil
		case OutcomeFail:
			return OutcomePass, "failed as expected", nil
		default:
			return raw, "", nil
		}
	case string(OutcomePass), string(OutcomeFail), string(OutcomeWarn), string(OutcomeInfo):
		forced := Outcome(mode)
		if forced == raw {
			return raw, "", nil
		}
		return forced, fmt.Sprintf("result forced to %s", forced), nil
	}
	return "", "", fmt.Errorf("invalid result interpretation %q", mode)
}
