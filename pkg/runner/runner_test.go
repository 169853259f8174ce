package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/testxm/pkg/connector"
)

func TestRunCombinesOutput(t *testing.T) {
	r := New()
	mc := NewMockConnector()
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		return []byte("out"), []byte("err"), nil
	}

	output, err := r.Run(context.Background(), mc, "echo hi", false)
	require.NoError(t, err)
	assert.Equal(t, "out\nerr", output)
}

func TestRunPassesSudo(t *testing.T) {
	r := New()
	mc := NewMockConnector()

	_, err := r.Run(context.Background(), mc, "id", true)
	require.NoError(t, err)
	require.NotNil(t, mc.LastExecOpts)
	assert.True(t, mc.LastExecOpts.Sudo)
}

func TestCheckDistinguishesExitFromFailure(t *testing.T) {
	r := New()
	mc := NewMockConnector()

	ok, err := r.Check(context.Background(), mc, "true", false)
	require.NoError(t, err)
	assert.True(t, ok)

	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		return nil, nil, &connector.CommandError{Cmd: cmd, ExitCode: 1}
	}
	ok, err = r.Check(context.Background(), mc, "false", false)
	require.NoError(t, err)
	assert.False(t, ok)

	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		return nil, nil, &connector.ConnectionError{Host: "h", Err: fmt.Errorf("down")}
	}
	_, err = r.Check(context.Background(), mc, "true", false)
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	r := New()
	mc := NewMockConnector()
	mc.StatFunc = func(ctx context.Context, path string) (*connector.FileStat, error) {
		return &connector.FileStat{Name: path, IsExist: path == "/present"}, nil
	}

	ok, err := r.Exists(context.Background(), mc, "/present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Exists(context.Background(), mc, "/absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGatherFacts(t *testing.T) {
	r := New()
	mc := NewMockConnector()
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		switch {
		case cmd == "hostname -f":
			return []byte("guest-1.example.com\n"), nil, nil
		case cmd == "nproc":
			return []byte("8\n"), nil, nil
		case strings.Contains(cmd, "MemTotal"):
			return []byte("16384000\n"), nil, nil
		}
		return nil, nil, nil
	}

	facts, err := r.GatherFacts(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, "guest-1.example.com", facts.Hostname)
	assert.Equal(t, "fedora", facts.OS.ID)
	assert.Equal(t, "mock-kernel", facts.Kernel)
	assert.Equal(t, 8, facts.TotalCPU)
	assert.Equal(t, uint64(16000), facts.TotalMemory)
	require.NotNil(t, facts.PackageManager)
	assert.Equal(t, PackageManagerDnf, facts.PackageManager.Type)
}

func TestGatherFactsHostnameFallback(t *testing.T) {
	r := New()
	mc := NewMockConnector()
	mc.ExecFunc = func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
		switch cmd {
		case "hostname -f":
			return nil, nil, &connector.CommandError{Cmd: cmd, ExitCode: 1}
		case "hostname":
			return []byte("guest-1\n"), nil, nil
		}
		return []byte("1"), nil, nil
	}

	facts, err := r.GatherFacts(context.Background(), mc)
	require.NoError(t, err)
	assert.Equal(t, "guest-1", facts.Hostname)
}

func TestGatherFactsNotConnected(t *testing.T) {
	r := New()
	mc := NewMockConnector()
	mc.IsConnectedFunc = func() bool { return false }

	_, err := r.GatherFacts(context.Background(), mc)
	assert.Error(t, err)
}

func TestGatherFactsWithoutPackageManager(t *testing.T) {
	r := New()
	mc := NewMockConnector()
	mc.GetOSFunc = func(ctx context.Context) (*connector.OS, error) {
		return &connector.OS{ID: "alpine", VersionID: "3.20", Arch: "x86_64"}, nil
	}
	mc.LookPathFunc = func(ctx context.Context, file string) (string, error) {
		return "", fmt.Errorf("%s not found", file)
	}

	facts, err := r.GatherFacts(context.Background(), mc)
	require.NoError(t, err)
	require.NotNil(t, facts.PackageManager)
	assert.Equal(t, PackageManagerUnknown, facts.PackageManager.Type)
}

func TestDetectPackageManagerByOS(t *testing.T) {
	r := New().(*defaultRunner)
	mc := NewMockConnector()

	aptFacts := &Facts{OS: &connector.OS{ID: "ubuntu"}}
	pm, err := r.detectPackageManager(context.Background(), mc, aptFacts)
	require.NoError(t, err)
	assert.Equal(t, PackageManagerApt, pm.Type)

	// RHEL family without dnf falls back to yum.
	mc.LookPathFunc = func(ctx context.Context, file string) (string, error) {
		if file == "yum" {
			return "/usr/bin/yum", nil
		}
		return "", fmt.Errorf("%s not found", file)
	}
	yumFacts := &Facts{OS: &connector.OS{ID: "centos"}}
	pm, err = r.detectPackageManager(context.Background(), mc, yumFacts)
	require.NoError(t, err)
	assert.Equal(t, PackageManagerYum, pm.Type)
}
