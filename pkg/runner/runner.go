// Package runner provides host operations over a connector: fact gathering,
// package management and reboot handling. All methods are stateless; the
// connector carries the connection.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/mensylisir/testxm/pkg/connector"
)

type defaultRunner struct{}

// New creates a stateless Runner service.
func New() Runner {
	return &defaultRunner{}
}

// Run executes a command and returns combined stdout/stderr.
func (r *defaultRunner) Run(ctx context.Context, conn connector.Connector, cmd string, sudo bool) (string, error) {
	if conn == nil {
		return "", fmt.Errorf("connector cannot be nil")
	}
	stdout, stderr, err := conn.Exec(ctx, cmd, &connector.ExecOptions{Sudo: sudo})
	output := string(stdout)
	if len(stderr) > 0 {
		if len(output) > 0 {
			output += "\n"
		}
		output += string(stderr)
	}
	return output, err
}

// Check executes a command and reports whether it exited zero. A non-zero
// exit is a false result, not an error; only operational failures (lost
// connection, cancelled context) surface as errors.
func (r *defaultRunner) Check(ctx context.Context, conn connector.Connector, cmd string, sudo bool) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("connector cannot be nil")
	}
	_, _, err := conn.Exec(ctx, cmd, &connector.ExecOptions{Sudo: sudo, Hidden: true})
	if err == nil {
		return true, nil
	}
	var cmdErr *connector.CommandError
	if errors.As(err, &cmdErr) {
		return false, nil
	}
	return false, err
}

// RunWithOptions gives full control over ExecOptions.
func (r *defaultRunner) RunWithOptions(ctx context.Context, conn connector.Connector, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	if conn == nil {
		return nil, nil, fmt.Errorf("connector cannot be nil")
	}
	if opts == nil {
		opts = &connector.ExecOptions{}
	}
	return conn.Exec(ctx, cmd, opts)
}

// Exists reports whether a path exists on the guest.
func (r *defaultRunner) Exists(ctx context.Context, conn connector.Connector, path string) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("connector cannot be nil")
	}
	stat, err := conn.Stat(ctx, path)
	if err != nil {
		return false, err
	}
	return stat.IsExist, nil
}

func (r *defaultRunner) LookPath(ctx context.Context, conn connector.Connector, file string) (string, error) {
	if conn == nil {
		return "", fmt.Errorf("connector cannot be nil")
	}
	return conn.LookPath(ctx, file)
}
