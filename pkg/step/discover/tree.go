package discover

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/mensylisir/testxm/pkg/metadata"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/selection"
	"github.com/mensylisir/testxm/pkg/step"
	"github.com/mensylisir/testxm/pkg/util"
)

// treePhase discovers tests from a metadata tree: the run's own tree, a
// directory named by root, or a tree fetched from an archive url.
type treePhase struct {
	cfg      phase.Config
	root     string
	url      string
	path     string
	sha256   string
	tests    []string
	includes []string
	excludes []string
}

func newTreePhase(cfg phase.Config) (Phase, error) {
	p := &treePhase{cfg: cfg}
	var err error
	if p.root, err = cfg.String("root"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.url, err = cfg.String("url"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.path, err = cfg.String("path"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.sha256, err = cfg.String("sha256"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.tests, err = cfg.StringList("test"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.includes, err = cfg.StringList("include"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.excludes, err = cfg.StringList("exclude"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.root != "" && p.url != "" {
		return nil, configErr(cfg, "root and url are mutually exclusive")
	}
	return p, nil
}

func (p *treePhase) Discover(ctx context.Context, env *Env) ([]step.Test, error) {
	dir := p.root
	if p.url != "" {
		fetched, err := p.fetch(ctx, env)
		if err != nil {
			return nil, err
		}
		dir = fetched
	}
	if dir == "" {
		dir = env.Root
	}
	if dir == "" {
		return nil, configErr(p.cfg, "no metadata tree: set root or url, or pass --root")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve tree root %s: %w", dir, err)
	}

	tree, err := metadata.NewFileTree(abs)
	if err != nil {
		return nil, fmt.Errorf("load metadata tree %s: %w", abs, err)
	}
	all, err := tree.Tests(metadata.TestFilter{})
	if err != nil {
		return nil, err
	}
	selected, err := selection.Select(all, p.tests, p.includes, p.excludes)
	if err != nil {
		return nil, configErr(p.cfg, "%v", err)
	}
	if len(env.Selectors) > 0 {
		if selected, err = selection.Select(selected, nil, env.Selectors, nil); err != nil {
			return nil, err
		}
	}

	out := make([]step.Test, 0, len(selected))
	for _, t := range selected {
		src := filepath.Join(tree.Root(), strings.TrimPrefix(t.Path, "/"))
		out = append(out, step.FromMetadata(t, env.Serial.Next(t.Name), p.cfg.Where, src))
	}
	return out, nil
}

// fetch downloads the archive and unpacks it under the step workdir. The
// extracted tree survives in the run workdir, so execute can push test
// sources even after the url goes away.
func (p *treePhase) fetch(ctx context.Context, env *Env) (string, error) {
	parsed, err := url.Parse(p.url)
	if err != nil {
		return "", configErr(p.cfg, "bad url %q: %v", p.url, err)
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		name = "tree.tar.gz"
	}

	phaseDir := filepath.Join(env.Step.Workdir, p.cfg.Name)
	archivePath := filepath.Join(phaseDir, name)
	if err := util.DownloadFile(ctx, p.url, archivePath, env.Quiet); err != nil {
		return "", err
	}
	if err := util.VerifySHA256(archivePath, p.sha256); err != nil {
		return "", err
	}

	treeDir := filepath.Join(phaseDir, "tree")
	if err := util.NewArchiver(util.WithOverwrite(true)).Extract(archivePath, treeDir); err != nil {
		return "", fmt.Errorf("unpack %s: %w", archivePath, err)
	}
	if p.path != "" {
		return filepath.Join(treeDir, strings.TrimPrefix(p.path, "/")), nil
	}
	return treeDir, nil
}
