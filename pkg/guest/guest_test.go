package guest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/testxm/pkg/connector"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateNotProvisioned, StateProvisioning))
	assert.True(t, CanTransition(StateProvisioning, StateReady))
	assert.True(t, CanTransition(StateReady, StateUnreachable))
	assert.True(t, CanTransition(StateUnreachable, StateReady))
	assert.True(t, CanTransition(StateReady, StateRemoved))

	assert.False(t, CanTransition(StateNotProvisioned, StateReady))
	assert.False(t, CanTransition(StateRemoved, StateReady))
	assert.False(t, CanTransition(StateReady, StateProvisioning))
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	b := newBase("g1", "", newMockConnector())
	require.NoError(t, b.transition(StateProvisioning))
	require.NoError(t, b.transition(StateReady))
	require.NoError(t, b.transition(StateRemoved))

	err := b.transition(StateReady)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal state transition")
}

// newTestBase returns a ready base over a mock connector with timings
// shrunk for tests.
func newTestBase(mc *mockConnector) base {
	b := newBase("guest-1", "server", mc)
	b.state = StateReady
	b.reconnectAttempts = 2
	b.reconnectTimeout = 30 * time.Millisecond
	b.reconnectDelay = time.Millisecond
	b.rebootTimeout = 500 * time.Millisecond
	b.pollInterval = 10 * time.Millisecond
	return b
}

func TestExecutePassesThrough(t *testing.T) {
	mc := newMockConnector()
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		return []byte("out"), nil, nil
	}
	b := newTestBase(mc)

	stdout, _, err := b.Execute(context.Background(), "echo hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "out", string(stdout))
}

func TestExecuteDoesNotRetryCommandFailures(t *testing.T) {
	mc := newMockConnector()
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		return nil, []byte("boom"), &connector.CommandError{Cmd: cmd, ExitCode: 1}
	}
	b := newTestBase(mc)

	_, _, err := b.Execute(context.Background(), "false", nil)
	var cmdErr *connector.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, StateReady, b.State())
	assert.Len(t, mc.ExecHistory, 1)
}

func TestExecuteEscalatesToUnreachable(t *testing.T) {
	mc := newMockConnector()
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		return nil, nil, &connector.ConnectionError{Host: "guest-1", Err: fmt.Errorf("connection reset")}
	}
	b := newTestBase(mc)

	_, _, err := b.Execute(context.Background(), "echo hi", nil)
	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, StateUnreachable, b.State())
}

func TestExecuteRecoversAfterReconnect(t *testing.T) {
	mc := newMockConnector()
	dropped := false
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		if cmd == "echo hi" && !dropped {
			dropped = true
			return nil, nil, &connector.ConnectionError{Host: "guest-1", Err: fmt.Errorf("reset")}
		}
		return []byte("ok"), nil, nil
	}
	b := newTestBase(mc)

	stdout, _, err := b.Execute(context.Background(), "echo hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(stdout))
	assert.Equal(t, StateReady, b.State())
}

func TestExecuteOnRemovedGuestFails(t *testing.T) {
	b := newTestBase(newMockConnector())
	require.NoError(t, b.transition(StateRemoved))

	_, _, err := b.Execute(context.Background(), "echo hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "removed")
}

func TestSoftRebootWaitsForNewBootID(t *testing.T) {
	mc := newMockConnector()
	rebootRequested := false
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		switch {
		case strings.Contains(cmd, "boot_id"):
			if rebootRequested {
				return []byte("boot-after\n"), nil, nil
			}
			return []byte("boot-before\n"), nil, nil
		case strings.Contains(cmd, "reboot"):
			rebootRequested = true
			return nil, nil, nil
		case cmd == "hostname -f":
			return []byte("guest-1.example.com"), nil, nil
		case cmd == "nproc":
			return []byte("4"), nil, nil
		}
		return nil, nil, nil
	}
	b := newTestBase(mc)

	require.NoError(t, b.softReboot(context.Background()))
	assert.Equal(t, 1, b.RebootCount())
	assert.True(t, rebootRequested)
	assert.Equal(t, "guest-1.example.com", b.Hostname())
}

func TestSoftRebootTimesOutWhenGuestStaysDown(t *testing.T) {
	mc := newMockConnector()
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		if strings.Contains(cmd, "reboot") {
			return nil, nil, nil
		}
		return nil, nil, &connector.ConnectionError{Host: "guest-1", Err: fmt.Errorf("down")}
	}
	b := newTestBase(mc)

	err := b.softReboot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not come back")
	assert.Equal(t, StateUnreachable, b.State())
	assert.Zero(t, b.RebootCount())
}

func TestLocalGuestRejectsReboot(t *testing.T) {
	g := NewLocal("default-0", "")
	assert.Error(t, g.Reboot(context.Background(), false))
	assert.Error(t, g.Reboot(context.Background(), true))
}

func TestSSHGuestRejectsHardReboot(t *testing.T) {
	g := NewSSH(Record{Name: "guest-1", Address: "192.0.2.1"}, nil)
	err := g.Reboot(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hard reboot")
}

func TestSSHGuestConnectWithoutAddressFails(t *testing.T) {
	g := NewSSH(Record{Name: "guest-1"}, nil)
	err := g.Connect(context.Background())
	var provErr *ProvisionError
	require.ErrorAs(t, err, &provErr)
}

func TestLocalGuestConnects(t *testing.T) {
	g := NewLocal("default-0", "client")
	require.NoError(t, g.Connect(context.Background()))
	assert.Equal(t, StateReady, g.State())
	require.NotNil(t, g.Facts())
	assert.NotEmpty(t, g.Facts().Hostname)
	assert.True(t, g.IsReady(context.Background()))

	// Connect is idempotent once ready.
	require.NoError(t, g.Connect(context.Background()))

	require.NoError(t, g.Remove(context.Background()))
	assert.Equal(t, StateRemoved, g.State())
	assert.False(t, g.IsReady(context.Background()))
}

func TestUnreachableErrorUnwraps(t *testing.T) {
	inner := errors.New("root cause")
	err := &UnreachableError{Guest: "guest-1", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "guest-1")

	perr := &ProvisionError{Guest: "guest-2", Err: inner}
	assert.ErrorIs(t, perr, inner)
	assert.Contains(t, perr.Error(), "guest-2")
}
