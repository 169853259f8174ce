package prepare

import (
	"context"
	"fmt"
	"strings"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/runner"
)

// installPhase installs packages with the guest's own package manager,
// detected at connect time. With missing-ok each package is attempted
// individually and failures only warn.
type installPhase struct {
	cfg       phase.Config
	packages  []string
	missingOK bool
}

func newInstallPhase(cfg phase.Config) (Phase, error) {
	p := &installPhase{cfg: cfg}
	var err error
	if p.packages, err = cfg.StringList("package"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.missingOK, err = cfg.Bool("missing-ok", false); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if len(p.packages) == 0 {
		return nil, configErr(cfg, "install needs a package list")
	}
	return p, nil
}

func (p *installPhase) Apply(ctx context.Context, env *Env, g guest.Guest) error {
	pm := packageManager(g)
	if pm == nil {
		if p.missingOK {
			logger.Get().Warnf("Guest %s has no known package manager, skipping recommended packages", g.Name())
			return nil
		}
		return fmt.Errorf("guest %q has no known package manager", g.Name())
	}

	if p.missingOK {
		for _, pkg := range p.packages {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := installOne(ctx, g, pm, pkg); err != nil {
				logger.Get().Warnf("Optional package %s not installed on guest %s: %v", pkg, g.Name(), err)
			}
		}
		return nil
	}

	cmd := fmt.Sprintf(pm.InstallCmd, strings.Join(p.packages, " "))
	if _, stderr, err := g.Execute(ctx, cmd, &connector.ExecOptions{Sudo: true}); err != nil {
		return fmt.Errorf("install %s on guest %q: %w (stderr: %s)",
			strings.Join(p.packages, " "), g.Name(), err, strings.TrimSpace(string(stderr)))
	}
	logger.Get().Infof("Guest %s: installed %d packages", g.Name(), len(p.packages))
	return nil
}

func installOne(ctx context.Context, g guest.Guest, pm *runner.PackageInfo, pkg string) error {
	cmd := fmt.Sprintf(pm.InstallCmd, pkg)
	if _, stderr, err := g.Execute(ctx, cmd, &connector.ExecOptions{Sudo: true}); err != nil {
		return fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func packageManager(g guest.Guest) *runner.PackageInfo {
	facts := g.Facts()
	if facts == nil || facts.PackageManager == nil || facts.PackageManager.Type == runner.PackageManagerUnknown {
		return nil
	}
	return facts.PackageManager
}
