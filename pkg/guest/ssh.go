package guest

import (
	"context"
	"fmt"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
)

// SSHGuest is a pre-existing machine reached over SSH. The machine outlives
// the run: Remove only disconnects, it never destroys anything.
type SSHGuest struct {
	base
	rec Record
}

// NewSSH wraps a connect-style record. The pool may be nil, in which case
// the connector dials directly.
func NewSSH(rec Record, pool *connector.ConnectionPool) *SSHGuest {
	g := &SSHGuest{
		base: newBase(rec.Name, rec.Role, connector.NewFactory().NewSSHConnector(pool)),
		rec:  rec,
	}
	g.hostname = rec.Address
	return g
}

var _ Guest = (*SSHGuest)(nil)

func (g *SSHGuest) connectionCfg() connector.ConnectionCfg {
	port := g.rec.Port
	if port == 0 {
		port = common.DefaultSSHPort
	}
	user := g.rec.User
	if user == "" {
		user = common.DefaultSSHUser
	}
	return connector.ConnectionCfg{
		Host:           g.rec.Address,
		Port:           port,
		User:           user,
		Password:       g.rec.Password,
		PrivateKeyPath: g.rec.KeyPath,
		Timeout:        common.DefaultConnectTimeout,
	}
}

func (g *SSHGuest) Connect(ctx context.Context) error {
	if g.state == StateReady {
		return nil
	}
	if err := g.transition(StateProvisioning); err != nil {
		return err
	}
	if g.rec.Address == "" {
		return &ProvisionError{Guest: g.name, Err: fmt.Errorf("no address configured")}
	}
	if err := g.conn.Connect(ctx, g.connectionCfg()); err != nil {
		return &ProvisionError{Guest: g.name, Err: err}
	}
	if err := g.afterConnect(ctx); err != nil {
		return &ProvisionError{Guest: g.name, Err: err}
	}
	return g.transition(StateReady)
}

// Reboot supports the soft path only; there is no backend that could
// power-cycle a machine we merely connect to.
func (g *SSHGuest) Reboot(ctx context.Context, hard bool) error {
	if hard {
		return fmt.Errorf("guest %q: hard reboot is not supported for connected guests", g.name)
	}
	return g.softReboot(ctx)
}

func (g *SSHGuest) Remove(ctx context.Context) error {
	if g.state == StateRemoved {
		return nil
	}
	if err := g.conn.Close(); err != nil {
		logger.Get().Warnf("Closing connection to guest %s: %v", g.name, err)
	}
	return g.transition(StateRemoved)
}

func (g *SSHGuest) Record() Record {
	rec := g.rec
	rec.How = HowConnect
	return rec
}
