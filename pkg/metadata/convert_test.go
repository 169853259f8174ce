package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	good := map[string]time.Duration{
		"5m":  5 * time.Minute,
		"90s": 90 * time.Second,
		"2h":  2 * time.Hour,
		"300": 300 * time.Second,
		"0":   0,
	}
	for in, want := range good {
		d, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d, in)
	}

	for _, in := range []string{"junk", "-5m", "-10", ""} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestMergeDataReplaces(t *testing.T) {
	parent := map[string]any{"a": 1, "b": 2}
	child := map[string]any{"b": 3, "c": 4}

	out := mergeData(parent, child)
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, out)
	assert.Equal(t, 2, parent["b"])
}

func TestAppendValueLists(t *testing.T) {
	assert.Equal(t, []any{"a", "b"}, appendValue([]any{"a"}, []any{"b"}))
	assert.Equal(t, []any{"x"}, appendValue(nil, "x"))
	assert.Equal(t, []any{"x", "y"}, appendValue("x", "y"))
}

func TestAppendValueMaps(t *testing.T) {
	existing := map[string]any{"STAGE": "base", "KEEP": "yes"}
	addition := map[string]any{"STAGE": "ci", "DEBUG": "1"}

	out := appendValue(existing, addition)
	assert.Equal(t, map[string]any{"STAGE": "ci", "KEEP": "yes", "DEBUG": "1"}, out)
	assert.Equal(t, "base", existing["STAGE"])
}

func TestPhaseBlocks(t *testing.T) {
	blocks, err := phaseBlocks(nil)
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.NotNil(t, blocks)

	blocks, err = phaseBlocks(map[string]any{"how": "shell"})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "shell", blocks[0]["how"])

	blocks, err = phaseBlocks([]any{
		map[string]any{"how": "shell", "script": "one"},
		map[string]any{"how": "shell", "script": "two"},
	})
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "one", blocks[0]["script"])
	assert.Equal(t, "two", blocks[1]["script"])

	_, err = phaseBlocks([]any{"not-a-mapping"})
	require.Error(t, err)

	_, err = phaseBlocks("how: shell")
	require.Error(t, err)
}

func TestScalarString(t *testing.T) {
	cases := map[string]any{
		"text": "text",
		"3":    3,
		"true": true,
		"2.5":  2.5,
	}
	for want, in := range cases {
		got, ok := scalarString(in)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := scalarString(map[string]any{})
	assert.False(t, ok)
}

func TestStringListAttrRejectsNestedLists(t *testing.T) {
	_, err := stringListAttr(map[string]any{"require": []any{[]any{"x"}}}, "require")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be scalars")
}
