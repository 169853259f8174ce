package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
)

// RequestReboot issues a delayed, backgrounded reboot so the command itself
// can exit cleanly before the connection goes away. A dropped connection
// right after sending still counts as success.
func (r *defaultRunner) RequestReboot(ctx context.Context, conn connector.Connector) error {
	if conn == nil {
		return fmt.Errorf("connector cannot be nil")
	}

	cmd := "sh -c 'sleep 2 && reboot > /dev/null 2>&1 &'"
	_, _, err := conn.Exec(ctx, cmd, &connector.ExecOptions{Sudo: true, Timeout: 10 * time.Second})
	if err != nil && !isConnectionDrop(err) {
		return fmt.Errorf("issue reboot command: %w", err)
	}
	return nil
}

// WaitForReachable polls until the guest answers a trivial command again or
// the timeout expires. The connector reconnects underneath on each attempt.
func (r *defaultRunner) WaitForReachable(ctx context.Context, conn connector.Connector, timeout time.Duration) error {
	if conn == nil {
		return fmt.Errorf("connector cannot be nil")
	}

	start := time.Now()
	err := wait.PollUntilContextTimeout(ctx, 5*time.Second, timeout, true,
		func(ctx context.Context) (bool, error) {
			checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			_, _, execErr := conn.Exec(checkCtx, "true", &connector.ExecOptions{Timeout: 10 * time.Second, Hidden: true})
			if execErr != nil {
				logger.Get().Debugf("Guest not reachable yet (%s elapsed): %v",
					time.Since(start).Round(time.Second), execErr)
				return false, nil
			}
			return true, nil
		})
	if err != nil {
		return fmt.Errorf("guest did not become reachable within %s: %w", timeout, err)
	}
	return nil
}

func isConnectionDrop(err error) bool {
	var connErr *connector.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"context deadline exceeded",
		"session channel closed",
		"connection lost",
		"broken pipe",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
