package guest

import (
	"context"
	"fmt"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
)

// LocalGuest runs everything directly on the machine the tool runs on.
// There is nothing to provision and nothing to tear down.
type LocalGuest struct {
	base
}

func NewLocal(name, role string) *LocalGuest {
	g := &LocalGuest{base: newBase(name, role, connector.NewFactory().NewLocalConnector())}
	g.hostname = "localhost"
	return g
}

var _ Guest = (*LocalGuest)(nil)

func (g *LocalGuest) Connect(ctx context.Context) error {
	if g.state == StateReady {
		return nil
	}
	if err := g.transition(StateProvisioning); err != nil {
		return err
	}
	if err := g.conn.Connect(ctx, connector.ConnectionCfg{}); err != nil {
		return &ProvisionError{Guest: g.name, Err: err}
	}
	if err := g.afterConnect(ctx); err != nil {
		return &ProvisionError{Guest: g.name, Err: err}
	}
	return g.transition(StateReady)
}

// Reboot is refused: restarting localhost would take the tool down with it.
func (g *LocalGuest) Reboot(ctx context.Context, hard bool) error {
	return fmt.Errorf("guest %q: reboot is not supported for local guests", g.name)
}

func (g *LocalGuest) Remove(ctx context.Context) error {
	if g.state == StateRemoved {
		return nil
	}
	if err := g.conn.Close(); err != nil {
		logger.Get().Warnf("Closing local connector for guest %s: %v", g.name, err)
	}
	return g.transition(StateRemoved)
}

func (g *LocalGuest) Record() Record {
	return Record{Name: g.name, Role: g.role, How: HowLocal}
}
