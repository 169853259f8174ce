package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/phase"
)

type fakeGuest struct {
	guest.Guest
	name, role string
}

func (f fakeGuest) Name() string { return f.name }
func (f fakeGuest) Role() string { return f.role }

func testGuests() []guest.Guest {
	return []guest.Guest{
		fakeGuest{name: "server", role: "web"},
		fakeGuest{name: "client-1", role: "client"},
		fakeGuest{name: "client-2", role: "client"},
	}
}

// configs assigns declaration indexes by position.
func configs(phs ...phase.Config) []phase.Config {
	for i := range phs {
		phs[i].DeclIndex = i
	}
	return phs
}

func queueNames(queue []phase.Config) []string {
	names := make([]string, len(queue))
	for i, ph := range queue {
		names[i] = ph.Name
	}
	return names
}

// recorder tracks phase completions and per-guest overlap.
type recorder struct {
	mu      sync.Mutex
	log     []string
	active  map[string]int
	overlap bool
}

func newRecorder() *recorder {
	return &recorder{active: make(map[string]int)}
}

func (r *recorder) run(ph phase.Config, g guest.Guest) {
	r.mu.Lock()
	r.active[g.Name()]++
	if r.active[g.Name()] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	time.Sleep(time.Millisecond)

	r.mu.Lock()
	r.active[g.Name()]--
	r.log = append(r.log, ph.Name+"@"+g.Name())
	r.mu.Unlock()
}

func (r *recorder) entries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

func (r *recorder) guestSequence(name string) []string {
	var out []string
	for _, entry := range r.entries() {
		phaseName, guestName, _ := strings.Cut(entry, "@")
		if guestName == name {
			out = append(out, phaseName)
		}
	}
	return out
}

func TestScheduleGroupsByOrder(t *testing.T) {
	phases := configs(
		phase.Config{Name: "update", How: "shell", Order: 50},
		phase.Config{Name: "early", How: "shell", Order: 10, Where: []string{"client"}},
		phase.Config{Name: "tweak", How: "shell", Order: 50, Where: []string{"client-1"}},
	)

	groups := Schedule(phases, testGuests())
	require.Len(t, groups, 2)

	assert.Equal(t, 10, groups[0].Order)
	assert.Equal(t, []string{"early"}, queueNames(groups[0].Queues["client-1"]))
	assert.Equal(t, []string{"early"}, queueNames(groups[0].Queues["client-2"]))
	assert.NotContains(t, groups[0].Queues, "server")

	assert.Equal(t, 50, groups[1].Order)
	assert.Equal(t, []string{"update"}, queueNames(groups[1].Queues["server"]))
	assert.Equal(t, []string{"update", "tweak"}, queueNames(groups[1].Queues["client-1"]))
	assert.Equal(t, []string{"update"}, queueNames(groups[1].Queues["client-2"]))
}

func TestScheduleSkipsPhaseMatchingNoGuest(t *testing.T) {
	phases := configs(phase.Config{Name: "orphan", How: "shell", Order: 50, Where: []string{"db"}})
	assert.Empty(t, Schedule(phases, testGuests()))
}

func TestDispatchOrdersAndBarriers(t *testing.T) {
	rec := newRecorder()
	phases := configs(
		phase.Config{Name: "a1", How: "shell", Order: 10},
		phase.Config{Name: "a2", How: "shell", Order: 10},
		phase.Config{Name: "b1", How: "shell", Order: 20},
	)

	failures := Dispatch(context.Background(), phases, testGuests(), Options{}, func(ctx context.Context, ph phase.Config, g guest.Guest) error {
		rec.run(ph, g)
		return nil
	})
	require.Empty(t, failures)
	assert.False(t, rec.overlap, "phases overlapped on one guest")

	for _, name := range []string{"server", "client-1", "client-2"} {
		assert.Equal(t, []string{"a1", "a2", "b1"}, rec.guestSequence(name))
	}

	// The order barrier: every order 10 phase completes everywhere before
	// any order 20 phase runs.
	sawSecondGroup := false
	for _, entry := range rec.entries() {
		if strings.HasPrefix(entry, "b1@") {
			sawSecondGroup = true
			continue
		}
		assert.False(t, sawSecondGroup, "order 10 entry %s after order 20 started", entry)
	}
}

func TestDispatchGuestsRunConcurrently(t *testing.T) {
	guests := testGuests()[:2]

	var wg sync.WaitGroup
	wg.Add(len(guests))
	bothStarted := make(chan struct{})
	go func() {
		wg.Wait()
		close(bothStarted)
	}()

	phases := configs(phase.Config{Name: "sync", How: "shell", Order: 50})
	failures := Dispatch(context.Background(), phases, guests, Options{}, func(ctx context.Context, ph phase.Config, g guest.Guest) error {
		wg.Done()
		select {
		case <-bothStarted:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("peer guest never started")
		}
	})
	assert.Empty(t, failures)
}

func TestDispatchFailureStopsOnlyThatGuest(t *testing.T) {
	rec := newRecorder()
	phases := configs(
		phase.Config{Name: "p1", How: "shell", Order: 10},
		phase.Config{Name: "p2", How: "shell", Order: 20},
	)

	failures := Dispatch(context.Background(), phases, testGuests()[:2], Options{}, func(ctx context.Context, ph phase.Config, g guest.Guest) error {
		if ph.Name == "p1" && g.Name() == "server" {
			return errors.New("boom")
		}
		rec.run(ph, g)
		return nil
	})

	require.Len(t, failures, 1)
	assert.Equal(t, "p1", failures[0].Phase)
	assert.Equal(t, "server", failures[0].Guest)
	assert.EqualError(t, failures[0].Err, "boom")

	assert.Equal(t, []string{"p1", "p2"}, rec.guestSequence("client-1"))
	assert.Empty(t, rec.guestSequence("server"), "failed guest must not run later phases")
}

func TestDispatchConfigurationErrorAborts(t *testing.T) {
	rec := newRecorder()
	phases := configs(
		phase.Config{Name: "bad", How: "shell", Order: 10, Where: []string{"server"}},
		phase.Config{Name: "p2", How: "shell", Order: 20},
	)

	failures := Dispatch(context.Background(), phases, testGuests()[:2], Options{}, func(ctx context.Context, ph phase.Config, g guest.Guest) error {
		if ph.Name == "bad" {
			return phase.NewConfigurationError("prepare/bad", "broken data")
		}
		rec.run(ph, g)
		return nil
	})

	require.Len(t, failures, 1)
	assert.True(t, phase.IsConfigurationError(failures[0].Err))
	assert.Empty(t, rec.entries(), "later groups must not run after a configuration error")
}

func TestDispatchDryRun(t *testing.T) {
	calls := 0
	phases := configs(phase.Config{Name: "p1", How: "shell", Order: 50})

	failures := Dispatch(context.Background(), phases, testGuests(), Options{DryRun: true}, func(ctx context.Context, ph phase.Config, g guest.Guest) error {
		calls++
		return nil
	})
	assert.Nil(t, failures)
	assert.Zero(t, calls)
}

func TestDispatchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	phases := configs(phase.Config{Name: "p1", How: "shell", Order: 50})
	failures := Dispatch(ctx, phases, testGuests(), Options{}, func(ctx context.Context, ph phase.Config, g guest.Guest) error {
		calls++
		return nil
	})
	assert.Empty(t, failures)
	assert.Zero(t, calls)
}

func TestDispatchWorkerLimit(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	phases := configs(phase.Config{Name: "p1", How: "shell", Order: 50})
	failures := Dispatch(context.Background(), phases, testGuests(), Options{MaxWorkers: 1}, func(ctx context.Context, ph phase.Config, g guest.Guest) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	require.Empty(t, failures)
	assert.Equal(t, 1, peak)
}
