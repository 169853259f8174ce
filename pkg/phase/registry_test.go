package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry[string]("prepare")
	reg.Register("shell", func(cfg Config) (string, error) {
		return "shell:" + cfg.Name, nil
	})
	reg.Register("install", func(cfg Config) (string, error) {
		return "install:" + cfg.Name, nil
	})

	got, err := reg.Lookup(Config{Name: "inject", How: "shell"})
	require.NoError(t, err)
	assert.Equal(t, "shell:inject", got)

	assert.Equal(t, []string{"install", "shell"}, reg.Hows())
}

func TestRegistryUnknownHow(t *testing.T) {
	reg := NewRegistry[string]("prepare")
	reg.Register("shell", func(cfg Config) (string, error) { return "", nil })
	reg.Register("install", func(cfg Config) (string, error) { return "", nil })

	_, err := reg.Lookup(Config{Name: "ansible-0", How: "ansible"})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "prepare/ansible-0")
	assert.Contains(t, err.Error(), "known: install, shell")
}

func TestRegistryDuplicateRegistrationPanics(t *testing.T) {
	reg := NewRegistry[int]("execute")
	reg.Register("shell", func(Config) (int, error) { return 0, nil })

	assert.Panics(t, func() {
		reg.Register("shell", func(Config) (int, error) { return 0, nil })
	})
}
