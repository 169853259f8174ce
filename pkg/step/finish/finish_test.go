package finish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/plan"
	"github.com/mensylisir/testxm/pkg/runner"
)

type fakeGuest struct {
	guest.Guest
	name   string
	rec    guest.Record
	state  guest.State
	failOn string

	execs   []string
	pushes  []string
	pulls   [][2]string
	removed bool
}

func (g *fakeGuest) Name() string         { return g.name }
func (g *fakeGuest) Role() string         { return "" }
func (g *fakeGuest) Hostname() string     { return g.name + ".example.com" }
func (g *fakeGuest) State() guest.State   { return g.state }
func (g *fakeGuest) Record() guest.Record { return g.rec }
func (g *fakeGuest) Facts() *runner.Facts { return nil }

func (g *fakeGuest) Execute(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	g.execs = append(g.execs, cmd)
	if g.failOn != "" && strings.Contains(cmd, g.failOn) {
		return nil, []byte("boom"), fmt.Errorf("command failed")
	}
	return nil, nil, nil
}

func (g *fakeGuest) Push(ctx context.Context, localPath, remotePath string) error {
	g.pushes = append(g.pushes, remotePath)
	return nil
}

func (g *fakeGuest) Pull(ctx context.Context, remotePath, localPath string) error {
	g.pulls = append(g.pulls, [2]string{remotePath, localPath})
	return nil
}

func (g *fakeGuest) Remove(ctx context.Context) error {
	g.removed = true
	g.state = guest.StateRemoved
	return nil
}

func newEnv(t *testing.T, blocks []map[string]any, guests ...guest.Guest) *Env {
	t.Helper()
	p := &plan.Plan{
		Name:  "/plans/ci",
		Steps: map[string][]map[string]any{common.StepFinish: blocks},
	}
	st, err := NewStep(p, filepath.Join(t.TempDir(), "run-66666666"))
	require.NoError(t, err)
	return &Env{Step: st, Guests: guests}
}

func TestRunWithoutPhasesStillTearsDown(t *testing.T) {
	g := &fakeGuest{name: "server"}
	env := newEnv(t, nil, g)

	require.NoError(t, Run(context.Background(), env, Options{}))
	assert.True(t, env.Step.Status())
	assert.Empty(t, g.execs, "no phases means the guests are never staged")
	assert.True(t, g.removed)

	require.Len(t, g.pulls, 1)
	assert.Equal(t, env.Step.GuestPlanDataDir(), g.pulls[0][0])
	assert.Equal(t, env.Step.PlanDataDir(), g.pulls[0][1])
}

func TestRunExecutesCleanupScripts(t *testing.T) {
	g := &fakeGuest{name: "server"}
	env := newEnv(t, []map[string]any{
		{"how": HowShell, "script": []any{"./teardown.sh"}},
	}, g)

	require.NoError(t, Run(context.Background(), env, Options{}))

	cmd := fmt.Sprintf("cd %s && ./teardown.sh", connector.ShellEscape(env.Step.GuestPlanDir()))
	assert.Contains(t, g.execs, cmd)
	assert.Len(t, g.pushes, 2, "staging pushes the topology files first")
	assert.True(t, g.removed)
}

func TestRunKeepsGuests(t *testing.T) {
	g := &fakeGuest{name: "server", rec: guest.Record{How: guest.HowLocal}}
	env := newEnv(t, nil, g)

	require.NoError(t, Run(context.Background(), env, Options{Keep: true}))
	assert.False(t, g.removed)
	assert.Len(t, g.pulls, 1, "plan data still comes back from kept guests")
	assert.True(t, env.Step.Status())
}

func TestRunToleratesPhaseFailures(t *testing.T) {
	bad := &fakeGuest{name: "bad", failOn: "teardown"}
	good := &fakeGuest{name: "good"}
	env := newEnv(t, []map[string]any{
		{"how": HowShell, "script": []any{"./teardown.sh"}},
	}, bad, good)

	err := Run(context.Background(), env, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finish phases failed on 1 guests")

	assert.True(t, bad.removed, "failed guests are still removed")
	assert.True(t, good.removed)
	assert.True(t, env.Step.Status(), "finish never repeats on resume")
}

func TestRunSkipsRemovedGuests(t *testing.T) {
	g := &fakeGuest{name: "server", state: guest.StateRemoved}
	env := newEnv(t, nil, g)

	require.NoError(t, Run(context.Background(), env, Options{}))
	assert.False(t, g.removed, "Remove is not called twice")
}

func TestRunSkipsDoneStep(t *testing.T) {
	g := &fakeGuest{name: "server"}
	env := newEnv(t, nil, g)
	_, err := env.Step.Begin()
	require.NoError(t, err)
	require.NoError(t, env.Step.MarkDone())

	require.NoError(t, Run(context.Background(), env, Options{}))
	assert.False(t, g.removed)
	assert.Empty(t, g.pulls)
}

func TestRunDryRun(t *testing.T) {
	g := &fakeGuest{name: "server"}
	env := newEnv(t, []map[string]any{
		{"how": HowShell, "script": []any{"./teardown.sh"}},
	}, g)

	require.NoError(t, Run(context.Background(), env, Options{DryRun: true}))
	assert.Empty(t, g.execs)
	assert.Empty(t, g.pulls)
	assert.False(t, g.removed)
	assert.False(t, env.Step.Status())
}

func TestKeepHint(t *testing.T) {
	container := &fakeGuest{rec: guest.Record{
		How: guest.HowContainer, ContainerID: "0123456789abcdef0123",
	}}
	assert.Equal(t, "container 0123456789ab", keepHint(container))

	ssh := &fakeGuest{rec: guest.Record{
		How: guest.HowConnect, User: "root", Address: "10.0.0.5",
	}}
	assert.Equal(t, "root@10.0.0.5", keepHint(ssh))

	bare := &fakeGuest{rec: guest.Record{How: guest.HowConnect, Address: "10.0.0.6"}}
	assert.Equal(t, "10.0.0.6", keepHint(bare))

	local := &fakeGuest{rec: guest.Record{How: guest.HowLocal}}
	assert.Equal(t, guest.HowLocal, keepHint(local))
}

func TestShellPhaseNeedsScript(t *testing.T) {
	_, err := newShellPhase(phase.Config{Name: "cleanup", How: HowShell, Data: map[string]any{}})
	require.Error(t, err)
	assert.True(t, phase.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "needs a script")
}
