// Package engine dispatches guest-level phases across the guests of one
// plan. Work fans out one worker per guest so independent guests proceed
// concurrently, while each guest runs its own phases strictly one at a
// time. Phases are grouped by order with a barrier between groups, so a
// lower order finishes on every guest before a higher order starts
// anywhere.
package engine

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/logger"
	"github.com/mensylisir/testxm/pkg/phase"
)

// Work executes one phase on one guest. Returning an error marks the
// guest failed; its remaining queue is skipped while sibling guests
// continue. A ConfigurationError aborts the whole dispatch at the next
// phase boundary.
type Work func(ctx context.Context, ph phase.Config, g guest.Guest) error

// Options tunes one Dispatch call.
type Options struct {
	// MaxWorkers caps concurrent guest workers within an order group.
	// Zero or negative means no cap.
	MaxWorkers int

	// DryRun logs the schedule without executing anything.
	DryRun bool
}

// Failure records one failed phase execution.
type Failure struct {
	Phase string
	Guest string
	Err   error
}

// Group is one dispatch wave: every phase sharing an order value, with
// the per-guest queues the wave fans out to.
type Group struct {
	Order int
	// Queues holds each guest's phases in declaration order. Guests
	// without work are absent.
	Queues map[string][]phase.Config
}

// Schedule resolves where-selectors and splits phases into order groups.
// Groups come back in ascending order; queue order within a guest follows
// phase declaration order.
func Schedule(phases []phase.Config, guests []guest.Guest) []Group {
	sorted := make([]phase.Config, len(phases))
	copy(sorted, phases)
	phase.SortPhases(sorted)

	var groups []Group
	for _, ph := range sorted {
		targets := selectGuests(ph, guests)
		if len(targets) == 0 {
			logger.Get().Warnf("Phase %s matches no guest, skipping", ph.Name)
			continue
		}
		if len(groups) == 0 || groups[len(groups)-1].Order != ph.Order {
			groups = append(groups, Group{Order: ph.Order, Queues: make(map[string][]phase.Config)})
		}
		queues := groups[len(groups)-1].Queues
		for _, g := range targets {
			queues[g.Name()] = append(queues[g.Name()], ph)
		}
	}
	return groups
}

// selectGuests resolves a where-selector: a guest is picked when its name
// or role is listed. An empty selector picks every guest.
func selectGuests(ph phase.Config, guests []guest.Guest) []guest.Guest {
	if len(ph.Where) == 0 {
		return guests
	}
	want := sets.New(ph.Where...)
	var picked []guest.Guest
	for _, g := range guests {
		if want.Has(g.Name()) || (g.Role() != "" && want.Has(g.Role())) {
			picked = append(picked, g)
		}
	}
	return picked
}

// Dispatch runs fn for every scheduled (phase, guest) pair and returns
// the failures. Guests not targeted by a group idle until the next
// barrier. Cancelling ctx stops dispatching at the next phase boundary;
// the phase in flight finishes first.
func Dispatch(ctx context.Context, phases []phase.Config, guests []guest.Guest, opts Options, fn Work) []Failure {
	groups := Schedule(phases, guests)

	if opts.DryRun {
		logSchedule(groups, guests)
		return nil
	}

	var (
		mu       sync.Mutex
		failures []Failure
		failed   = make(map[string]bool)
		abort    bool
	)

	stopped := func(name string) bool {
		mu.Lock()
		defer mu.Unlock()
		return abort || failed[name]
	}
	aborted := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return abort
	}

	for _, group := range groups {
		if ctx.Err() != nil || aborted() {
			break
		}

		var eg errgroup.Group
		if opts.MaxWorkers > 0 {
			eg.SetLimit(opts.MaxWorkers)
		}

		for _, g := range guests {
			queue := group.Queues[g.Name()]
			if len(queue) == 0 {
				continue
			}
			g := g
			eg.Go(func() error {
				for _, ph := range queue {
					if ctx.Err() != nil || stopped(g.Name()) {
						return nil
					}
					logger.Get().Debugf("Guest %s running phase %s (order %d)", g.Name(), ph.Name, ph.Order)
					if err := fn(ctx, ph, g); err != nil {
						logger.Get().Errorf("Phase %s failed on guest %s: %v", ph.Name, g.Name(), err)
						mu.Lock()
						failures = append(failures, Failure{Phase: ph.Name, Guest: g.Name(), Err: err})
						failed[g.Name()] = true
						if phase.IsConfigurationError(err) {
							abort = true
						}
						mu.Unlock()
					}
				}
				return nil
			})
		}

		// Workers never return errors; Wait is the order barrier.
		eg.Wait()
	}

	return failures
}

func logSchedule(groups []Group, guests []guest.Guest) {
	log := logger.Get()
	if len(groups) == 0 {
		log.Infof("Nothing to dispatch")
		return
	}
	for _, group := range groups {
		log.Infof("Order %d:", group.Order)
		for _, g := range guests {
			queue := group.Queues[g.Name()]
			if len(queue) == 0 {
				continue
			}
			names := make([]string, len(queue))
			for i, ph := range queue {
				names[i] = ph.Name
			}
			log.Infof("  %s: %s", g.Name(), strings.Join(names, ", "))
		}
	}
}
