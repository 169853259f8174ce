package common

// Step names. Steps always execute in the canonical pipeline order below,
// regardless of how they were selected on the command line.
const (
	StepDiscover  = "discover"
	StepProvision = "provision"
	StepPrepare   = "prepare"
	StepExecute   = "execute"
	StepReport    = "report"
	StepFinish    = "finish"
)

// StepOrder is the canonical pipeline order. Index in this slice is the
// step's rank; lower ranks run first.
var StepOrder = []string{
	StepDiscover,
	StepProvision,
	StepPrepare,
	StepExecute,
	StepReport,
	StepFinish,
}

// StepRank returns the canonical rank of a step name, or -1 when the name
// is not a known step.
func StepRank(name string) int {
	for i, s := range StepOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// IsStep reports whether name is one of the six pipeline steps.
func IsStep(name string) bool {
	return StepRank(name) >= 0
}

// GuestSteps lists the steps whose phases fan out to guests through the
// multihost dispatcher. Discover and report are plan-level and run inline.
var GuestSteps = []string{StepPrepare, StepExecute, StepFinish}
