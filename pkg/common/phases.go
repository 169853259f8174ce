package common

import "time"

// Phase ordering defaults. A phase or test without an explicit `order`
// gets DefaultPhaseOrder; ties are broken by declaration position. The
// two install orders pin the automatically generated package-installation
// phases of the prepare step relative to user phases: a user phase at the
// default order runs before required packages are installed, one above 75
// runs after recommended packages too.
const (
	DefaultPhaseOrder      = 50
	OrderInstallRequires   = 70
	OrderInstallRecommends = 75
)

// Default per-test duration budget when test metadata does not set one.
const DefaultTestDuration = 5 * time.Minute

// MaxRebootsPerTest bounds test-requested reboots so a test that keeps
// writing reboot requests cannot loop a guest forever.
const MaxRebootsPerTest = 5
