package provision

import (
	"context"

	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/phase"
)

// connectPhase reaches a pre-existing machine over SSH. The machine
// outlives the run; finish only disconnects.
type connectPhase struct {
	rec guest.Record
}

func newConnectPhase(cfg phase.Config) (Phase, error) {
	rec := guest.Record{Name: cfg.Name, How: guest.HowConnect}
	var err error
	if rec.Role, err = cfg.String("role"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if rec.Address, err = cfg.String("guest"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if rec.Address == "" {
		return nil, configErr(cfg, "connect needs a guest address")
	}
	if rec.Port, err = cfg.Int("port", 0); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if rec.User, err = cfg.String("user"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if rec.Password, err = cfg.String("password"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if rec.KeyPath, err = cfg.String("key"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	return &connectPhase{rec: rec}, nil
}

func (p *connectPhase) Provision(ctx context.Context, env *Env) (guest.Guest, error) {
	g := guest.NewSSH(p.rec, env.Pool)
	if err := g.Connect(ctx); err != nil {
		return nil, err
	}
	return g, nil
}
