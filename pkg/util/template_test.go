package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate(`Hello {{ .Name | upper }}!`, map[string]string{"Name": "world"})
	require.NoError(t, err)
	assert.Equal(t, "Hello WORLD!", out)
}

func TestRenderTemplateMissingKey(t *testing.T) {
	_, err := RenderTemplate(`{{ .Absent }}`, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to execute template")
}

func TestRenderTemplateParseError(t *testing.T) {
	_, err := RenderTemplate(`{{ .Broken`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")
}

func TestRenderTemplateTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.html")
	require.NoError(t, RenderTemplateTo(path, `{{ .Count }} tests`, map[string]int{"Count": 3}))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "3 tests", string(got))
}
