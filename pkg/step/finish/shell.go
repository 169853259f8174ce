package finish

import (
	"context"
	"fmt"
	"strings"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
)

// shellPhase runs the declared cleanup scripts on the guest, one at a
// time, in the plan's guest directory with the plan environment.
type shellPhase struct {
	cfg     phase.Config
	scripts []string
}

func newShellPhase(cfg phase.Config) (Phase, error) {
	scripts, err := cfg.StringList("script")
	if err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if len(scripts) == 0 {
		return nil, configErr(cfg, "shell needs a script")
	}
	return &shellPhase{cfg: cfg, scripts: scripts}, nil
}

func (p *shellPhase) Apply(ctx context.Context, env *Env, g guest.Guest) error {
	dir := env.Step.GuestPlanDir()
	for i, script := range p.scripts {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Get().Debugf("Guest %s: finish script %d/%d", g.Name(), i+1, len(p.scripts))
		cmd := fmt.Sprintf("cd %s && %s", connector.ShellEscape(dir), script)
		if _, stderr, err := g.Execute(ctx, cmd, &connector.ExecOptions{Env: env.Step.GuestEnv()}); err != nil {
			return fmt.Errorf("finish script %d on guest %q: %w (stderr: %s)",
				i+1, g.Name(), err, strings.TrimSpace(string(stderr)))
		}
	}
	return nil
}
