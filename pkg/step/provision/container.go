package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/distribution/reference"

	"github.com/mensylisir/testxm/pkg/container"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
)

// containerPhase creates an ephemeral container guest, destroyed at
// finish. The image reference is validated up front so a typo fails the
// plan before anything is started.
type containerPhase struct {
	name       string
	role       string
	image      string
	privileged bool
	volumes    []string
}

func newContainerPhase(cfg phase.Config) (Phase, error) {
	p := &containerPhase{name: cfg.Name}
	var err error
	if p.role, err = cfg.String("role"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.image, err = cfg.String("image"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.image == "" {
		return nil, configErr(cfg, "container needs an image")
	}
	if _, err := reference.ParseNormalizedNamed(p.image); err != nil {
		return nil, configErr(cfg, "bad image reference %q: %v", p.image, err)
	}
	if p.privileged, err = cfg.Bool("privileged", false); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	if p.volumes, err = cfg.StringList("volume"); err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	return p, nil
}

func (p *containerPhase) Provision(ctx context.Context, env *Env) (guest.Guest, error) {
	client, err := env.Docker(ctx)
	if err != nil {
		return nil, &guest.ProvisionError{Guest: p.name, Err: err}
	}

	containerName := containerName(env, p.name)
	id, err := client.Start(ctx, container.StartOptions{
		Image:      p.image,
		Name:       containerName,
		Hostname:   p.name,
		Privileged: p.privileged,
		Volumes:    p.volumes,
	})
	if err != nil {
		if id != "" {
			if rmErr := client.Remove(ctx, id); rmErr != nil {
				logger.Get().Warnf("Cleanup of container %s failed: %v", containerName, rmErr)
			}
		}
		return nil, &guest.ProvisionError{Guest: p.name, Err: err}
	}

	rec := guest.Record{
		Name:        p.name,
		Role:        p.role,
		How:         guest.HowContainer,
		Image:       p.image,
		ContainerID: id,
	}
	g := guest.NewContainer(rec, client)
	if err := g.Connect(ctx); err != nil {
		if rmErr := client.Remove(ctx, id); rmErr != nil {
			logger.Get().Warnf("Cleanup of container %s failed: %v", containerName, rmErr)
		}
		return nil, err
	}
	return g, nil
}

// containerName keeps containers from colliding across runs and plans.
func containerName(env *Env, guestName string) string {
	planSlug := strings.ReplaceAll(strings.TrimPrefix(env.Step.Plan.Name, "/"), "/", "-")
	return fmt.Sprintf("testxm-%s-%s-%s", env.Step.RunID, planSlug, guestName)
}
