package step

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/engine"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/topology"
)

// StageGuest readies one guest for a dispatched step: the plan's guest
// directories exist and the current topology files are pushed. The data
// dir is created without privileges so tests can write to it as the
// connecting user.
func StageGuest(ctx context.Context, s *Step, all []guest.Guest, g guest.Guest) error {
	mkdir := fmt.Sprintf("mkdir -p %s", connector.ShellEscape(s.GuestPlanDataDir()))
	if _, stderr, err := g.Execute(ctx, mkdir, &connector.ExecOptions{Hidden: true}); err != nil {
		return fmt.Errorf("create plan directories on guest %q: %w (stderr: %s)",
			g.Name(), err, strings.TrimSpace(string(stderr)))
	}

	localDir := filepath.Join(s.Workdir, g.Name())
	if _, _, err := topology.Push(ctx, all, g, localDir, s.GuestPlanDir()); err != nil {
		return err
	}
	return nil
}

// StageGuests stages every guest and splits the set into those ready for
// dispatch and the failures for the rest. A guest that cannot even be
// staged is not handed any phases.
func StageGuests(ctx context.Context, s *Step, guests []guest.Guest) ([]guest.Guest, []engine.Failure) {
	ready := make([]guest.Guest, 0, len(guests))
	var failed []engine.Failure
	for _, g := range guests {
		if err := StageGuest(ctx, s, guests, g); err != nil {
			logger.Get().Errorf("Guest %s could not be staged for %s: %v", g.Name(), s.Name, err)
			failed = append(failed, engine.Failure{Phase: "topology", Guest: g.Name(), Err: err})
			continue
		}
		ready = append(ready, g)
	}
	return ready, failed
}
