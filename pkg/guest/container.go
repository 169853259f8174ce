package guest

import (
	"context"
	"fmt"
	"time"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/container"
	"github.com/mensylisir/testxm/pkg/logger"
)

// ContainerGuest is an ephemeral container created by the provision step
// and destroyed at finish.
type ContainerGuest struct {
	base
	rec    Record
	client *container.Client
}

// NewContainer wraps an already created container. The provision phase
// creates the container first, then builds the guest around its id.
func NewContainer(rec Record, client *container.Client) *ContainerGuest {
	g := &ContainerGuest{
		base:   newBase(rec.Name, rec.Role, container.NewDockerConnector(client, rec.ContainerID, rec.Name)),
		rec:    rec,
		client: client,
	}
	g.hostname = rec.Name
	return g
}

var _ Guest = (*ContainerGuest)(nil)

func (g *ContainerGuest) Connect(ctx context.Context) error {
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

// Reboot restarts the container. A hard reboot always goes through the
// engine; a soft reboot tries the in-guest command first and falls back to
// an engine restart for images that cannot reboot themselves.
func (g *ContainerGuest) Reboot(ctx context.Context, hard bool) error {
	if !hard {
		if _, err := g.conn.LookPath(ctx, "reboot"); err == nil {
			return g.softReboot(ctx)
		}
		logger.Get().Debugf("Guest %s has no reboot command, restarting the container instead", g.name)
	}
	return g.restart(ctx)
}

func (g *ContainerGuest) restart(ctx context.Context) error {
	if err := g.client.Restart(ctx, g.rec.ContainerID, 10*time.Second); err != nil {
		if trErr := g.transition(StateUnreachable); trErr != nil {
			logger.Get().Errorf("%v", trErr)
		}
		return fmt.Errorf("restart guest %q: %w", g.name, err)
	}
	if err := g.conn.Connect(ctx, connector.ConnectionCfg{}); err != nil {
		return fmt.Errorf("guest %q not running after restart: %w", g.name, err)
	}
	g.rebootCount++
	logger.Get().Infof("Guest %s is back after reboot %d", g.name, g.rebootCount)
	return g.afterConnect(ctx)
}

func (g *ContainerGuest) Remove(ctx context.Context) error {
	if g.state == StateRemoved {
		return nil
	}
	if err := g.client.Remove(ctx, g.rec.ContainerID); err != nil {
		return fmt.Errorf("remove guest %q: %w", g.name, err)
	}
	return g.transition(StateRemoved)
}

func (g *ContainerGuest) Record() Record {
	rec := g.rec
	rec.How = HowContainer
	return rec
}
