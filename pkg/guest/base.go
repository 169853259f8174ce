package guest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/runner"
)

// base carries what every guest variant shares: identity, state, the
// connector and the facts gathered at connect time.
type base struct {
	name        string
	role        string
	hostname    string
	state       State
	conn        connector.Connector
	run         runner.Runner
	facts       *runner.Facts
	rebootCount int

	reconnectAttempts int
	reconnectTimeout  time.Duration
	reconnectDelay    time.Duration
	rebootTimeout     time.Duration
	pollInterval      time.Duration
}

func newBase(name, role string, conn connector.Connector) base {
	return base{
		name:  name,
		role:  role,
		state: StateNotProvisioned,
		conn:  conn,
		run:   runner.New(),

		reconnectAttempts: common.DefaultReconnectAttempts,
		reconnectTimeout:  common.DefaultConnectTimeout,
		reconnectDelay:    common.DefaultReconnectDelay,
		rebootTimeout:     common.DefaultRebootTimeout,
		pollInterval:      5 * time.Second,
	}
}

func (b *base) Name() string         { return b.name }
func (b *base) Role() string         { return b.role }
func (b *base) State() State         { return b.state }
func (b *base) Facts() *runner.Facts { return b.facts }
func (b *base) RebootCount() int     { return b.rebootCount }

func (b *base) Hostname() string {
	return b.hostname
}

// afterConnect gathers facts and the guest's own hostname. Called by each
// variant once its connector is up.
func (b *base) afterConnect(ctx context.Context) error {
	facts, err := b.run.GatherFacts(ctx, b.conn)
	if err != nil {
		return fmt.Errorf("gather facts on guest %q: %w", b.name, err)
	}
	b.facts = facts
	if facts.Hostname != "" {
		b.hostname = facts.Hostname
	}
	return nil
}

// Execute runs a command on the guest. A dropped transport triggers a
// bounded number of reconnect attempts; when those are exhausted the guest
// escalates to unreachable and the command fails with UnreachableError.
func (b *base) Execute(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	if b.state == StateRemoved {
		return nil, nil, fmt.Errorf("guest %q has been removed", b.name)
	}

	stdout, stderr, err := b.conn.Exec(ctx, cmd, opts)
	if err == nil {
		return stdout, stderr, nil
	}
	var connErr *connector.ConnectionError
	if !errors.As(err, &connErr) {
		return stdout, stderr, err
	}

	logger.Get().Warnf("Lost connection to guest %s, reconnecting: %v", b.name, connErr)
	if recErr := b.reconnect(ctx); recErr != nil {
		if trErr := b.transition(StateUnreachable); trErr != nil {
			logger.Get().Errorf("%v", trErr)
		}
		return stdout, stderr, &UnreachableError{Guest: b.name, Err: recErr}
	}
	return b.conn.Exec(ctx, cmd, opts)
}

// reconnect retries the transport a few times before giving up.
func (b *base) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= b.reconnectAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(b.reconnectDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := b.run.WaitForReachable(ctx, b.conn, b.reconnectTimeout); err != nil {
			lastErr = err
			logger.Get().Debugf("Reconnect attempt %d/%d to guest %s failed: %v",
				attempt, b.reconnectAttempts, b.name, err)
			continue
		}
		logger.Get().Infof("Reconnected to guest %s", b.name)
		return nil
	}
	return fmt.Errorf("reconnect to guest %q failed after %d attempts: %w",
		b.name, b.reconnectAttempts, lastErr)
}

func (b *base) Push(ctx context.Context, localPath, remotePath string) error {
	if err := b.conn.Copy(ctx, localPath, remotePath, &connector.FileTransferOptions{Sudo: true}); err != nil {
		return fmt.Errorf("push %s to guest %q: %w", localPath, b.name, err)
	}
	return nil
}

func (b *base) Pull(ctx context.Context, remotePath, localPath string) error {
	if err := b.conn.Fetch(ctx, remotePath, localPath, &connector.FileTransferOptions{Sudo: true}); err != nil {
		return fmt.Errorf("pull %s from guest %q: %w", remotePath, b.name, err)
	}
	return nil
}

func (b *base) IsReady(ctx context.Context) bool {
	return b.state == StateReady && b.conn.IsConnected()
}

// softReboot asks the guest to reboot itself, then waits for it to come
// back. The boot id distinguishes "still up, not yet rebooted" from "back
// up after the reboot", so an early probe cannot be fooled.
func (b *base) softReboot(ctx context.Context) error {
	oldBootID := b.readBootID(ctx)

	if err := b.run.RequestReboot(ctx, b.conn); err != nil {
		return fmt.Errorf("request reboot of guest %q: %w", b.name, err)
	}
	logger.Get().Infof("Guest %s is rebooting", b.name)

	err := wait.PollUntilContextTimeout(ctx, b.pollInterval, b.rebootTimeout, false,
		func(ctx context.Context) (bool, error) {
			probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			_, _, execErr := b.conn.Exec(probeCtx, "true", &connector.ExecOptions{Timeout: 10 * time.Second, Hidden: true})
			if execErr != nil {
				return false, nil
			}
			if oldBootID == "" {
				return true, nil
			}
			newBootID := b.readBootID(ctx)
			return newBootID != "" && newBootID != oldBootID, nil
		})
	if err != nil {
		if trErr := b.transition(StateUnreachable); trErr != nil {
			logger.Get().Errorf("%v", trErr)
		}
		return fmt.Errorf("guest %q did not come back within %s after reboot: %w",
			b.name, b.rebootTimeout, err)
	}

	b.rebootCount++
	logger.Get().Infof("Guest %s is back after reboot %d", b.name, b.rebootCount)
	return b.afterConnect(ctx)
}

func (b *base) readBootID(ctx context.Context) string {
	out, _, err := b.conn.Exec(ctx, "cat /proc/sys/kernel/random/boot_id",
		&connector.ExecOptions{Timeout: 10 * time.Second, Hidden: true})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
