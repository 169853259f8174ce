package connector

import (
	"io"
	"time"
)

// ExecOptions controls a single remote command execution.
type ExecOptions struct {
	// Sudo wraps the command with sudo, feeding the password when set.
	Sudo bool
	// Timeout limits this execution. Zero means the caller's context rules.
	Timeout time.Duration
	// Env is extra environment in KEY=VALUE form.
	Env []string
	// Retries is the number of additional attempts after a failure.
	Retries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// Hidden keeps the command line out of the logs.
	Hidden bool
	// Stream receives combined output while the command runs. Output is
	// still captured and returned in full.
	Stream io.Writer
	// Stdin is fed to the command's standard input when non-nil.
	Stdin []byte
}

// FileTransferOptions controls Copy, Fetch and WriteFile.
type FileTransferOptions struct {
	// Permissions is an octal string such as "0644" applied to the
	// destination. Empty keeps the source or default mode.
	Permissions string
	Owner       string
	Group       string
	Timeout     time.Duration
	Sudo        bool
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	Recursive      bool
	IgnoreNotExist bool
	Sudo           bool
}
