package common

// Environment variables exported to test processes. The TMT_ prefix is the
// compatibility contract test scripts are written against; do not rename.
const (
	EnvTestName     = "TMT_TEST_NAME"
	EnvTestData     = "TMT_TEST_DATA"
	EnvTestSerial   = "TMT_TEST_SERIAL_NUMBER"
	EnvRebootCount  = "TMT_REBOOT_COUNT"
	EnvPlanData     = "TMT_PLAN_DATA"
	EnvTopologyYAML = "TMT_TOPOLOGY_YAML"
	EnvTopologyBash = "TMT_TOPOLOGY_BASH"
	EnvVersion      = "TMT_VERSION"
)

// Environment variables read by the tool itself.
const (
	// EnvWorkdirRoot overrides the workdir root.
	EnvWorkdirRoot = "TESTXM_WORKDIR_ROOT"

	// EnvConfigDir overrides the configuration directory.
	EnvConfigDir = "TESTXM_CONFIG_DIR"

	// EnvMaxPlans overrides how many plans run in parallel.
	EnvMaxPlans = "TESTXM_MAX_PLANS"

	// EnvDebug turns on debug console logging.
	EnvDebug = "TESTXM_DEBUG"

	// EnvNoColor disables colored terminal output.
	EnvNoColor = "NO_COLOR"
)
