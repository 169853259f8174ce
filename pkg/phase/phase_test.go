package phase

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigsNamesAndDefaults(t *testing.T) {
	blocks := []map[string]any{
		{"how": "shell", "script": "echo one"},
		{"how": "shell", "name": "inject", "order": 20},
		{"script": "echo three"},
	}

	configs, err := NewConfigs("prepare", "shell", blocks)
	require.NoError(t, err)
	require.Len(t, configs, 3)

	assert.Equal(t, "shell-0", configs[0].Name)
	assert.Equal(t, "shell", configs[0].How)
	assert.Equal(t, 50, configs[0].Order)
	assert.Equal(t, 0, configs[0].DeclIndex)
	assert.Equal(t, "echo one", configs[0].Data["script"])

	assert.Equal(t, "inject", configs[1].Name)
	assert.Equal(t, 20, configs[1].Order)

	assert.Equal(t, "shell", configs[2].How)
	assert.Equal(t, "shell-2", configs[2].Name)
	assert.Equal(t, 2, configs[2].DeclIndex)
}

func TestNewConfigsRequiresHow(t *testing.T) {
	_, err := NewConfigs("provision", "", []map[string]any{{"image": "fedora:40"}})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "needs a how")
}

func TestNewConfigsDuplicateName(t *testing.T) {
	blocks := []map[string]any{
		{"how": "shell", "name": "setup"},
		{"how": "install", "name": "setup"},
	}

	_, err := NewConfigs("prepare", "", blocks)
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "prepare/setup")
	assert.Contains(t, err.Error(), "used twice")
}

func TestNewConfigsWhere(t *testing.T) {
	blocks := []map[string]any{
		{"how": "shell", "where": "server"},
		{"how": "shell", "where": []any{"server", "client"}},
	}

	configs, err := NewConfigs("prepare", "", blocks)
	require.NoError(t, err)
	assert.Equal(t, []string{"server"}, configs[0].Where)
	assert.Equal(t, []string{"server", "client"}, configs[1].Where)
}

func TestNewConfigsBadOrder(t *testing.T) {
	_, err := NewConfigs("prepare", "", []map[string]any{{"how": "shell", "order": "high"}})
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
	assert.Contains(t, err.Error(), "order must be an integer")
}

func TestSortPhases(t *testing.T) {
	phases := []Config{
		{Name: "d", Order: 70, DeclIndex: 0},
		{Name: "a", Order: 50, DeclIndex: 1},
		{Name: "b", Order: 50, DeclIndex: 2},
		{Name: "c", Order: 10, DeclIndex: 3},
	}

	SortPhases(phases)

	names := make([]string, 0, len(phases))
	for _, p := range phases {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"c", "a", "b", "d"}, names)
}

func TestConfigurationErrorChain(t *testing.T) {
	ce := NewConfigurationError("execute/shell-0", "unknown method %q", "ansible")
	assert.Equal(t, `execute/shell-0: unknown method "ansible"`, ce.Error())

	wrapped := fmt.Errorf("loading plan: %w", ce)
	assert.True(t, IsConfigurationError(wrapped))
	assert.False(t, IsConfigurationError(fmt.Errorf("boom")))
}
