package connector

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAuthMethodsRequiresCredentials(t *testing.T) {
	_, err := buildAuthMethods("", nil, "")
	require.Error(t, err)
}

func TestBuildAuthMethodsPassword(t *testing.T) {
	methods, err := buildAuthMethods("secret", nil, "")
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestBuildAuthMethodsMissingKeyFile(t *testing.T) {
	_, err := buildAuthMethods("", nil, "/definitely/not/there/id_rsa")
	require.Error(t, err)
}

func TestParseKeyValues(t *testing.T) {
	content := `
NAME="Fedora Linux"
ID=fedora
VERSION_ID=40
PRETTY_NAME="Fedora Linux 40 (Forty)"
# a comment
EMPTY=
`
	values := ParseKeyValues(content)
	assert.Equal(t, "fedora", values["ID"])
	assert.Equal(t, "40", values["VERSION_ID"])
	assert.Equal(t, "Fedora Linux 40 (Forty)", values["PRETTY_NAME"])
	assert.Equal(t, "", values["EMPTY"])
	_, ok := values["# a comment"]
	assert.False(t, ok)
}

func TestTarGzDirRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "nested.txt"), []byte("nested"), 0o600))

	var buf bytes.Buffer
	require.NoError(t, tarGzDir(src, &buf))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeDir {
			entries[hdr.Name] = ""
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[hdr.Name] = string(data)
	}
	assert.Equal(t, "top", entries["top.txt"])
	assert.Equal(t, "nested", entries["sub/nested.txt"])
	_, hasDir := entries["sub"]
	assert.True(t, hasDir)
}

func TestSSHConnectorConnectAndClose(t *testing.T) {
	addr, cleanup := newMockSSHServer(t)
	defer cleanup()

	var dials atomic.Int32
	setTestDialer(t, countingDialer(addr, &dials))

	conn := NewSSHConnector(nil)
	require.NoError(t, conn.Connect(context.Background(), ConnectionCfg{Host: "guest-1", User: "root", Password: "x"}))
	assert.True(t, conn.IsConnected())
	require.NoError(t, conn.Close())
	assert.False(t, conn.IsConnected())
}

func TestSSHConnectorPooledConnect(t *testing.T) {
	addr, cleanup := newMockSSHServer(t)
	defer cleanup()

	var dials atomic.Int32
	setTestDialer(t, countingDialer(addr, &dials))

	pool := NewConnectionPool(DefaultPoolConfig())
	defer pool.Shutdown()

	cfg := ConnectionCfg{Host: "guest-1", User: "root", Password: "x"}

	first := NewSSHConnector(pool)
	require.NoError(t, first.Connect(context.Background(), cfg))
	require.NoError(t, first.Close())

	second := NewSSHConnector(pool)
	require.NoError(t, second.Connect(context.Background(), cfg))
	defer second.Close()
	assert.EqualValues(t, 1, dials.Load(), "second connector should reuse the pooled connection")
}

func TestSSHConnectorExecNotConnected(t *testing.T) {
	conn := NewSSHConnector(nil)
	_, _, err := conn.Exec(context.Background(), "true", nil)
	require.Error(t, err)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestFactoryProducesConnectors(t *testing.T) {
	f := NewFactory()
	assert.IsType(t, &SSHConnector{}, f.NewSSHConnector(nil))
	assert.IsType(t, &LocalConnector{}, f.NewLocalConnector())
}
