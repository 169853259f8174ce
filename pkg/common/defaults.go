package common

import "time"

// Guest defaults.
const (
	// DefaultGuestNamePrefix seeds auto-generated guest names: default-0,
	// default-1, ... in provision phase declaration order.
	DefaultGuestNamePrefix = "default"

	DefaultSSHPort   = 22
	DefaultSSHUser   = "root"
	DefaultGuestArch = "x86_64"
)

// Timeouts and retry bounds.
const (
	DefaultConnectTimeout   = 1 * time.Minute
	DefaultExecuteTimeout   = 30 * time.Second
	DefaultRebootTimeout    = 10 * time.Minute
	DefaultReconnectTimeout = 5 * time.Minute
	DefaultReconnectDelay   = 5 * time.Second

	// DefaultReconnectAttempts bounds transport recovery before a guest
	// escalates to unreachable.
	DefaultReconnectAttempts = 3

	// DefaultTeardownTimeout bounds the best-effort finish of an
	// interrupted run, whose own context is already canceled.
	DefaultTeardownTimeout = 5 * time.Minute
)

// Run identifiers.
const (
	// RunIDPrefix starts every generated run id; the suffix is a short
	// random hex string, e.g. run-3fa4b2c1.
	RunIDPrefix = "run-"

	// RunIDRandomLen is the number of hex characters after the prefix.
	RunIDRandomLen = 8
)

// Concurrency bounds.
const (
	// DefaultMaxGuestWorkers caps concurrent guest workers inside one
	// dispatched order group.
	DefaultMaxGuestWorkers = 10

	// DefaultMaxPlans caps plans running in parallel within one run.
	DefaultMaxPlans = 4
)

// Exit codes of the run command.
const (
	ExitAllPassed  = 0
	ExitTestFailed = 1
	ExitError      = 2
	ExitNoResults  = 3
)
