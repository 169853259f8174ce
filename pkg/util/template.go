package util

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// RenderTemplate renders tmplStr with the sprig function map. Missing keys
// are errors so broken report templates fail instead of printing "<no value>".
func RenderTemplate(tmplStr string, data any) (string, error) {
	tmpl, err := template.New("template").
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(tmplStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// RenderTemplateTo renders tmplStr to a file, creating parent directories.
func RenderTemplateTo(path, tmplStr string, data any) error {
	out, err := RenderTemplate(tmplStr, data)
	if err != nil {
		return err
	}
	return WriteFileWithDir(path, []byte(out), 0o644)
}
