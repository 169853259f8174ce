package guest

import (
	"context"
	"fmt"

	"github.com/mensylisir/testxm/pkg/connector"
)

// mockConnector implements connector.Connector with overridable func
// fields, answering like a healthy generic guest by default.
type mockConnector struct {
	ExecFunc        func(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error)
	CopyFunc        func(ctx context.Context, srcPath, dstPath string, opts *connector.FileTransferOptions) error
	FetchFunc       func(ctx context.Context, remotePath, localPath string, opts *connector.FileTransferOptions) error
	LookPathFunc    func(ctx context.Context, file string) (string, error)
	IsConnectedFunc func() bool

	ExecHistory []string
}

func newMockConnector() *mockConnector {
	return &mockConnector{
		IsConnectedFunc: func() bool { return true },
		LookPathFunc: func(ctx context.Context, file string) (string, error) {
			return "/usr/bin/" + file, nil
		},
	}
}

var _ connector.Connector = (*mockConnector)(nil)

func (m *mockConnector) Connect(ctx context.Context, cfg connector.ConnectionCfg) error { return nil }

func (m *mockConnector) Exec(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	m.ExecHistory = append(m.ExecHistory, cmd)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, cmd, opts)
	}
	return nil, nil, nil
}

func (m *mockConnector) Copy(ctx context.Context, srcPath, dstPath string, opts *connector.FileTransferOptions) error {
	if m.CopyFunc != nil {
		return m.CopyFunc(ctx, srcPath, dstPath, opts)
	}
	return nil
}

func (m *mockConnector) CopyContent(ctx context.Context, content []byte, dstPath string, opts *connector.FileTransferOptions) error {
	return nil
}

func (m *mockConnector) Fetch(ctx context.Context, remotePath, localPath string, opts *connector.FileTransferOptions) error {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, remotePath, localPath, opts)
	}
	return nil
}

func (m *mockConnector) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return nil, fmt.Errorf("no file %s", path)
}

func (m *mockConnector) WriteFile(ctx context.Context, content []byte, destPath string, opts *connector.FileTransferOptions) error {
	return nil
}

func (m *mockConnector) Stat(ctx context.Context, path string) (*connector.FileStat, error) {
	return &connector.FileStat{Name: path, IsExist: true}, nil
}

func (m *mockConnector) LookPath(ctx context.Context, file string) (string, error) {
	if m.LookPathFunc != nil {
		return m.LookPathFunc(ctx, file)
	}
	return "/usr/bin/" + file, nil
}

func (m *mockConnector) Mkdir(ctx context.Context, path string, perm string) error { return nil }

func (m *mockConnector) Remove(ctx context.Context, path string, opts connector.RemoveOptions) error {
	return nil
}

func (m *mockConnector) GetFileChecksum(ctx context.Context, path string, checksumType string) (string, error) {
	return "", fmt.Errorf("no checksum for %s", path)
}

func (m *mockConnector) GetOS(ctx context.Context) (*connector.OS, error) {
	return &connector.OS{ID: "fedora", VersionID: "40", Arch: "x86_64", Kernel: "mock"}, nil
}

func (m *mockConnector) IsConnected() bool {
	if m.IsConnectedFunc != nil {
		return m.IsConnectedFunc()
	}
	return true
}

func (m *mockConnector) Close() error { return nil }
