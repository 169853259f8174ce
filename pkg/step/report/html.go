package report

import (
	"context"
	"path/filepath"
	"time"

	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/results"
	"github.com/mensylisir/testxm/pkg/util"
)

// htmlPhase writes a standalone report file. The `file` key overrides the
// default report.html under the step workdir; relative paths stay inside
// the workdir.
type htmlPhase struct {
	cfg  phase.Config
	file string
}

func newHTMLPhase(cfg phase.Config) (Phase, error) {
	file, err := cfg.String("file")
	if err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	return &htmlPhase{cfg: cfg, file: file}, nil
}

const htmlTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{ .Plan }} results</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.8em; text-align: left; }
.pass { color: #2e7d32; }
.fail { color: #c62828; }
.error { color: #c62828; font-weight: bold; }
.warn { color: #f9a825; }
.info { color: #0277bd; }
.skip { color: #546e7a; }
</style>
</head>
<body>
<h1>{{ .Plan }}</h1>
<p>{{ .Summary }}, generated {{ .Generated }}</p>
<table>
<tr><th>Result</th><th>Test</th><th>Guest</th><th>Duration</th><th>Note</th></tr>
{{- range .Results }}
<tr><td class="{{ .Outcome }}">{{ .Outcome }}</td><td>{{ .Name }}</td><td>{{ .GuestName }}</td><td>{{ .Duration }}</td><td>{{ .Note }}</td></tr>
{{- range .SubResults }}
<tr><td class="{{ .Outcome }}">{{ .Outcome }}</td><td>&nbsp;&nbsp;{{ .Name }}</td><td></td><td></td><td>{{ .Note }}</td></tr>
{{- end }}
{{- end }}
</table>
</body>
</html>
`

func (p *htmlPhase) Report(_ context.Context, env *Env, rs []results.Result) error {
	out := p.file
	if out == "" {
		out = "report.html"
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(env.Step.Workdir, out)
	}

	data := map[string]any{
		"Plan":      env.Step.Plan.Name,
		"Summary":   results.Summarize(rs),
		"Generated": time.Now().Format(time.RFC1123),
		"Results":   rs,
	}
	if err := util.RenderTemplateTo(out, htmlTemplate, data); err != nil {
		return err
	}
	logger.Get().Infof("Report for plan %s written to %s", env.Step.Plan.Name, out)
	return nil
}
