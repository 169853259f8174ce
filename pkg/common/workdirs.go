package common

import (
	"path"
	"path/filepath"
	"strings"
)

// Workdir layout. One run owns <root>/<run-id>; each plan owns an exclusive
// subtree below it, so concurrent plan pipelines never contend on paths.
//
//	<root>/<run-id>/
//	  run.yaml                  run-level state
//	  state.json                per-step status, patched as steps finish
//	  log.txt                   JSON log sink for the run
//	  <plan>/plan.yaml          serialized plan definition (resume source)
//	  <plan>/data/              TMT_PLAN_DATA
//	  <plan>/<step>/done        step completion marker
//	  <plan>/<step>/...         step-specific data files
const (
	// DefaultWorkdirRoot is where run workdirs are created unless the user
	// configures another root.
	DefaultWorkdirRoot = "/var/tmp/testxm"

	// LatestPointerFile under the workdir root names the most recent run id.
	LatestPointerFile = "latest"

	// RunStateFile holds the serialized Run under the run workdir.
	RunStateFile = "run.yaml"

	// StepStatusFile tracks per-plan per-step completion as JSON.
	StepStatusFile = "state.json"

	// RunLogFile is the per-run JSON log sink.
	RunLogFile = "log.txt"

	// PlanStateFile holds the serialized plan definition under the plan dir.
	PlanStateFile = "plan.yaml"

	// DoneMarkerFile marks a completed step; presence is the whole contract.
	DoneMarkerFile = "done"

	// DiscoverTestsFile holds the discovered test list under discover/.
	DiscoverTestsFile = "tests.yaml"

	// ProvisionGuestsFile holds the guest records under provision/.
	ProvisionGuestsFile = "guests.yaml"

	// ExecuteResultsFile holds the result list under execute/.
	ExecuteResultsFile = "results.yaml"

	// PlanDataDirName is the per-plan scratch directory (TMT_PLAN_DATA).
	PlanDataDirName = "data"

	// GuestDataDirName groups per-guest data under execute/data/guest/<name>.
	GuestDataDirName = "guest"
)

// Remote paths on guests.
const (
	// GuestWorkdirRoot is the base working directory created on every guest.
	GuestWorkdirRoot = "/var/tmp/testxm"

	// TopologyYAMLName and TopologyBashName are the file names of the guest
	// topology exports, pushed under the guest workdir.
	TopologyYAMLName = "guest-topology.yaml"
	TopologyBashName = "guest-topology.sh"

	// RebootRequestName is the marker a test writes into its data directory
	// to ask for a guest reboot. This file is the wire contract with the
	// test process; the authoritative counter lives on the Guest handle.
	RebootRequestName = "reboot-request"

	// CustomResultsName is the JSON file a `result: custom` test writes into
	// its data directory.
	CustomResultsName = "results.json"

	// TestOutputName is the combined stdout/stderr capture stored in each
	// test's pulled-back data directory.
	TestOutputName = "output.txt"
)

// StepDir returns the directory of one step inside a plan's subtree.
func StepDir(planDir, step string) string {
	return filepath.Join(planDir, step)
}

// GuestDataDir returns the pulled-back data directory for one guest.
func GuestDataDir(planDir, guestName string) string {
	return filepath.Join(planDir, StepExecute, PlanDataDirName, GuestDataDirName, guestName)
}

// GuestRunDir is the run's directory on a guest. Guest-side paths are
// always POSIX, regardless of the controlling host.
func GuestRunDir(runID string) string {
	return path.Join(GuestWorkdirRoot, runID)
}

// GuestPlanDir mirrors the plan's subtree on a guest.
func GuestPlanDir(runID, planName string) string {
	return path.Join(GuestRunDir(runID), strings.TrimPrefix(planName, "/"))
}

// GuestPlanDataDir is the guest-side TMT_PLAN_DATA directory.
func GuestPlanDataDir(runID, planName string) string {
	return path.Join(GuestPlanDir(runID, planName), PlanDataDirName)
}

// GuestTestTreeDir is where the discovered test sources land on a guest.
func GuestTestTreeDir(runID, planName string) string {
	return path.Join(GuestPlanDir(runID, planName), "tree")
}
