package runner

import (
	"context"
	"fmt"

	"github.com/mensylisir/testxm/pkg/connector"
)

// MockConnector implements connector.Connector with overridable func fields.
// The zero value answers like a healthy generic Linux guest.
type MockConnector struct {
	ConnectFunc     func(ctx context.Context, cfg connector.ConnectionCfg) error
	ExecFunc        func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error)
	StatFunc        func(ctx context.Context, path string) (*connector.FileStat, error)
	LookPathFunc    func(ctx context.Context, file string) (string, error)
	GetOSFunc       func(ctx context.Context) (*connector.OS, error)
	IsConnectedFunc func() bool

	LastExecCmd  string
	LastExecOpts *connector.ExecOptions
	ExecHistory  []string
}

func NewMockConnector() *MockConnector {
	return &MockConnector{
		IsConnectedFunc: func() bool { return true },
		GetOSFunc: func(ctx context.Context) (*connector.OS, error) {
			return &connector.OS{ID: "fedora", VersionID: "40", Arch: "x86_64", Kernel: "mock-kernel"}, nil
		},
		LookPathFunc: func(ctx context.Context, file string) (string, error) {
			return "/usr/bin/" + file, nil
		},
		ExecFunc: func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
			return nil, nil, nil
		},
	}
}

var _ connector.Connector = (*MockConnector)(nil)

func (m *MockConnector) Connect(ctx context.Context, cfg connector.ConnectionCfg) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, cfg)
	}
	return nil
}

func (m *MockConnector) Exec(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	m.LastExecCmd = cmd
	m.LastExecOpts = opts
	m.ExecHistory = append(m.ExecHistory, cmd)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, cmd, opts)
	}
	return nil, nil, fmt.Errorf("ExecFunc not set")
}

func (m *MockConnector) Copy(ctx context.Context, srcPath, dstPath string, opts *connector.FileTransferOptions) error {
	return nil
}

func (m *MockConnector) CopyContent(ctx context.Context, content []byte, dstPath string, opts *connector.FileTransferOptions) error {
	return nil
}

func (m *MockConnector) Fetch(ctx context.Context, remotePath, localPath string, opts *connector.FileTransferOptions) error {
	return nil
}

func (m *MockConnector) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("ReadFile not set for %s", path)
}

func (m *MockConnector) WriteFile(ctx context.Context, content []byte, destPath string, opts *connector.FileTransferOptions) error {
	return nil
}

func (m *MockConnector) Stat(ctx context.Context, path string) (*connector.FileStat, error) {
	if m.StatFunc != nil {
		return m.StatFunc(ctx, path)
	}
	return &connector.FileStat{Name: path, IsExist: true}, nil
}

func (m *MockConnector) LookPath(ctx context.Context, file string) (string, error) {
	if m.LookPathFunc != nil {
		return m.LookPathFunc(ctx, file)
	}
	return "", fmt.Errorf("LookPathFunc not set")
}

func (m *MockConnector) Mkdir(ctx context.Context, path string, perm string) error { return nil }

func (m *MockConnector) Remove(ctx context.Context, path string, opts connector.RemoveOptions) error {
	return nil
}

func (m *MockConnector) GetFileChecksum(ctx context.Context, path string, checksumType string) (string, error) {
	return "", fmt.Errorf("GetFileChecksum not set")
}

func (m *MockConnector) GetOS(ctx context.Context) (*connector.OS, error) {
	if m.GetOSFunc != nil {
		return m.GetOSFunc(ctx)
	}
	return nil, fmt.Errorf("GetOSFunc not set")
}

func (m *MockConnector) IsConnected() bool {
	if m.IsConnectedFunc != nil {
		return m.IsConnectedFunc()
	}
	return false
}

func (m *MockConnector) Close() error { return nil }
