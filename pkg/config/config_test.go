package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/testxm/pkg/common"
)

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(common.EnvConfigDir, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestDefaultSettings(t *testing.T) {
	s := Default()
	assert.Equal(t, common.DefaultWorkdirRoot, s.WorkdirRoot)
	assert.Equal(t, common.DefaultMaxPlans, s.MaxPlans)
	assert.Equal(t, common.DefaultMaxGuestWorkers, s.MaxGuestWorkers)
	assert.True(t, s.Color)
	assert.False(t, s.Debug)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(common.EnvConfigDir, t.TempDir())
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
}

func TestLoadFromFile(t *testing.T) {
	writeConfig(t, `
workdir-root = "/srv/testxm"
max-plans = 2
color = false
`)
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/testxm", s.WorkdirRoot)
	assert.Equal(t, 2, s.MaxPlans)
	assert.False(t, s.Color)
	assert.Equal(t, common.DefaultMaxGuestWorkers, s.MaxGuestWorkers,
		"keys absent from the file keep their defaults")
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	writeConfig(t, "workdir-root = [not toml")
	_, err := Load()
	assert.ErrorContains(t, err, "parsing")
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	writeConfig(t, `workdir-root = "/from/file"`)
	t.Setenv(common.EnvWorkdirRoot, "/from/env")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/env", s.WorkdirRoot)
}

func TestMaxPlansFromEnvironment(t *testing.T) {
	t.Setenv(common.EnvConfigDir, t.TempDir())
	t.Setenv(common.EnvMaxPlans, "8")
	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, s.MaxPlans)
}

func TestBadMaxPlansFromEnvironment(t *testing.T) {
	t.Setenv(common.EnvConfigDir, t.TempDir())
	for _, v := range []string{"banana", "0", "-3"} {
		t.Setenv(common.EnvMaxPlans, v)
		_, err := Load()
		assert.ErrorContains(t, err, "positive number", v)
	}
}

func TestNoColorByPresence(t *testing.T) {
	t.Setenv(common.EnvConfigDir, t.TempDir())
	t.Setenv(common.EnvNoColor, "")
	s, err := Load()
	require.NoError(t, err)
	assert.False(t, s.Color)
}

func TestDebugFromEnvironment(t *testing.T) {
	t.Setenv(common.EnvConfigDir, t.TempDir())
	t.Setenv(common.EnvDebug, "1")
	s, err := Load()
	require.NoError(t, err)
	assert.True(t, s.Debug)

	t.Setenv(common.EnvDebug, "0")
	s, err = Load()
	require.NoError(t, err)
	assert.False(t, s.Debug)
}

func TestDirPrefersOverride(t *testing.T) {
	t.Setenv(common.EnvConfigDir, "/etc/testxm")
	assert.Equal(t, "/etc/testxm", Dir())
}
