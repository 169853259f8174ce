package provision

import (
	"context"

	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/phase"
)

// localPhase delivers the machine the tool itself runs on.
type localPhase struct {
	name string
	role string
}

func newLocalPhase(cfg phase.Config) (Phase, error) {
	role, err := cfg.String("role")
	if err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	return &localPhase{name: cfg.Name, role: role}, nil
}

func (p *localPhase) Provision(ctx context.Context, env *Env) (guest.Guest, error) {
	g := guest.NewLocal(p.name, p.role)
	if err := g.Connect(ctx); err != nil {
		return nil, err
	}
	return g, nil
}
