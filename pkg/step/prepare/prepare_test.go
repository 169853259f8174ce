package prepare

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
	"github.com/mensylisir/testxm/pkg/step"
)

type execRecord struct {
	cmd  string
	sudo bool
	env  []string
}

// fakeGuest records every command. The dispatcher serializes work per
// guest, so the slices need no locking.
type fakeGuest struct {
	guest.Guest
	name   string
	role   string
	facts  *runner.Facts
	failOn string

	execs  []execRecord
	pushes []string
}

func (g *fakeGuest) Name() string         { return g.name }
func (g *fakeGuest) Role() string         { return g.role }
func (g *fakeGuest) Hostname() string     { return g.name + ".example.com" }
func (g *fakeGuest) Facts() *runner.Facts { return g.facts }

func (g *fakeGuest) Push(ctx context.Context, localPath, remotePath string) error {
	g.pushes = append(g.pushes, remotePath)
	return nil
}

func (g *fakeGuest) Execute(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	rec := execRecord{cmd: cmd}
	if opts != nil {
		rec.sudo = opts.Sudo
		rec.env = opts.Env
	}
	g.execs = append(g.execs, rec)
	if g.failOn != "" && strings.Contains(cmd, g.failOn) {
		return nil, []byte("boom"), fmt.Errorf("command failed")
	}
	return nil, nil, nil
}

func (g *fakeGuest) commands() []string {
	out := make([]string, 0, len(g.execs))
	for _, rec := range g.execs {
		out = append(out, rec.cmd)
	}
	return out
}

func dnfFacts() *runner.Facts {
	return &runner.Facts{PackageManager: &runner.PackageInfo{
		Type:       runner.PackageManagerDnf,
		InstallCmd: "dnf install -y %s",
	}}
}

func aptFacts() *runner.Facts {
	return &runner.Facts{PackageManager: &runner.PackageInfo{
		Type:       runner.PackageManagerApt,
		InstallCmd: "apt-get install -y %s",
	}}
}

func newEnv(t *testing.T, blocks []map[string]any, guests ...guest.Guest) *Env {
	t.Helper()
	p := &plan.Plan{
		Name:  "/plans/ci",
		Steps: map[string][]map[string]any{common.StepPrepare: blocks},
	}
	st, err := NewStep(p, filepath.Join(t.TempDir(), "run-33333333"))
	require.NoError(t, err)
	return &Env{Step: st, Guests: guests}
}

func TestInstallPhasesDerivation(t *testing.T) {
	tests := []step.Test{
		{Name: "/a", Require: []string{"wget", "curl"}, Recommend: []string{"jq"}},
		{Name: "/b", Require: []string{"curl"}, Recommend: []string{"curl", "vim"}},
	}

	phases := installPhases(tests, 3)
	require.Len(t, phases, 2)

	requires := phases[0]
	assert.Equal(t, "requires", requires.Name)
	assert.Equal(t, HowInstall, requires.How)
	assert.Equal(t, common.OrderInstallRequires, requires.Order)
	assert.Equal(t, 3, requires.DeclIndex)
	assert.Equal(t, []string{"curl", "wget"}, requires.Data["package"])
	assert.Nil(t, requires.Data["missing-ok"])

	recommends := phases[1]
	assert.Equal(t, "recommends", recommends.Name)
	assert.Equal(t, common.OrderInstallRecommends, recommends.Order)
	assert.Equal(t, []string{"jq", "vim"}, recommends.Data["package"],
		"packages already required drop out of the recommends phase")
	assert.Equal(t, true, recommends.Data["missing-ok"])
}

func TestInstallPhasesWithoutPackages(t *testing.T) {
	assert.Empty(t, installPhases([]step.Test{{Name: "/a"}}, 0))
}

func TestShellPhaseNeedsScript(t *testing.T) {
	_, err := newShellPhase(phase.Config{Name: "setup", How: HowShell, Data: map[string]any{}})
	require.Error(t, err)
	assert.True(t, phase.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "needs a script")
}

func TestShellApply(t *testing.T) {
	env := newEnv(t, nil)
	g := &fakeGuest{name: "server"}

	p, err := newShellPhase(phase.Config{
		Name: "setup", How: HowShell,
		Data: map[string]any{"script": []any{"echo one", "echo two"}},
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(context.Background(), env, g))

	prefix := fmt.Sprintf("cd %s && ", connector.ShellEscape(env.Step.GuestPlanDir()))
	require.Len(t, g.execs, 2)
	assert.Equal(t, prefix+"echo one", g.execs[0].cmd)
	assert.Equal(t, prefix+"echo two", g.execs[1].cmd)
	assert.Contains(t, g.execs[0].env, "TMT_PLAN_DATA="+env.Step.GuestPlanDataDir())
}

func TestShellApplyStopsOnFailure(t *testing.T) {
	env := newEnv(t, nil)
	g := &fakeGuest{name: "server", failOn: "echo one"}

	p, err := newShellPhase(phase.Config{
		Name: "setup", How: HowShell,
		Data: map[string]any{"script": []any{"echo one", "echo two"}},
	})
	require.NoError(t, err)

	err = p.Apply(context.Background(), env, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `prepare script 1 on guest "server"`)
	assert.Contains(t, err.Error(), "stderr: boom")
	assert.Len(t, g.execs, 1)
}

func TestInstallApplyUsesGuestPackageManager(t *testing.T) {
	env := newEnv(t, nil)
	g := &fakeGuest{name: "server", facts: dnfFacts()}

	p, err := newInstallPhase(phase.Config{
		Name: "requires", How: HowInstall,
		Data: map[string]any{"package": []any{"curl", "jq"}},
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(context.Background(), env, g))

	require.Len(t, g.execs, 1)
	assert.Equal(t, "dnf install -y curl jq", g.execs[0].cmd)
	assert.True(t, g.execs[0].sudo)
}

func TestInstallApplyMissingOkContinues(t *testing.T) {
	env := newEnv(t, nil)
	g := &fakeGuest{name: "server", facts: dnfFacts(), failOn: "vim"}

	p, err := newInstallPhase(phase.Config{
		Name: "recommends", How: HowInstall,
		Data: map[string]any{"package": []any{"vim", "jq"}, "missing-ok": true},
	})
	require.NoError(t, err)
	require.NoError(t, p.Apply(context.Background(), env, g), "missing recommended packages only warn")

	assert.Equal(t, []string{"dnf install -y vim", "dnf install -y jq"}, g.commands())
}

func TestInstallApplyWithoutPackageManager(t *testing.T) {
	env := newEnv(t, nil)
	g := &fakeGuest{name: "server"}

	required, err := newInstallPhase(phase.Config{
		Name: "requires", How: HowInstall,
		Data: map[string]any{"package": []any{"curl"}},
	})
	require.NoError(t, err)
	err = required.Apply(context.Background(), env, g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no known package manager")

	optional, err := newInstallPhase(phase.Config{
		Name: "recommends", How: HowInstall,
		Data: map[string]any{"package": []any{"curl"}, "missing-ok": true},
	})
	require.NoError(t, err)
	assert.NoError(t, optional.Apply(context.Background(), env, g))
}

func TestRunPreparesAllGuests(t *testing.T) {
	server := &fakeGuest{name: "server", facts: dnfFacts()}
	client := &fakeGuest{name: "client", facts: aptFacts()}
	env := newEnv(t, []map[string]any{
		{"how": HowShell, "name": "setup", "script": []any{"./setup.sh"}},
	}, server, client)
	tests := []step.Test{{Name: "/a", Require: []string{"curl"}}}

	err := Run(context.Background(), env, tests, Options{})
	require.NoError(t, err)
	assert.True(t, env.Step.Status())

	prefix := fmt.Sprintf("cd %s && ", connector.ShellEscape(env.Step.GuestPlanDir()))
	expected := func(install string) []string {
		return []string{
			fmt.Sprintf("mkdir -p %s", connector.ShellEscape(env.Step.GuestPlanDataDir())),
			prefix + "./setup.sh",
			install + " install -y curl",
		}
	}
	assert.Equal(t, expected("dnf"), server.commands())
	assert.Equal(t, expected("apt-get"), client.commands())
	assert.Len(t, server.pushes, 2, "topology files precede the phases")
}

func TestRunFailedGuestDoesNotStopSiblings(t *testing.T) {
	bad := &fakeGuest{name: "bad", facts: dnfFacts(), failOn: "setup"}
	good := &fakeGuest{name: "good", facts: dnfFacts()}
	env := newEnv(t, []map[string]any{
		{"how": HowShell, "name": "setup", "script": []any{"./setup.sh"}},
	}, bad, good)
	tests := []step.Test{{Name: "/a", Require: []string{"curl"}}}

	err := Run(context.Background(), env, tests, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare failed on guests bad")
	assert.False(t, env.Step.Status())

	assert.Contains(t, good.commands(), "dnf install -y curl")
	assert.NotContains(t, bad.commands(), "dnf install -y curl",
		"a failed guest is skipped for the rest of the step")
}

func TestRunDryRun(t *testing.T) {
	g := &fakeGuest{name: "server", facts: dnfFacts()}
	env := newEnv(t, []map[string]any{
		{"how": HowShell, "script": []any{"./setup.sh"}},
	}, g)

	err := Run(context.Background(), env, nil, Options{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, g.execs)
	assert.False(t, env.Step.Status(), "a dry run leaves the step pending")
}

func TestRunSkipsDoneStep(t *testing.T) {
	g := &fakeGuest{name: "server"}
	env := newEnv(t, []map[string]any{
		{"how": HowShell, "script": []any{"./setup.sh"}},
	}, g)
	_, err := env.Step.Begin()
	require.NoError(t, err)
	require.NoError(t, env.Step.MarkDone())

	require.NoError(t, Run(context.Background(), env, nil, Options{}))
	assert.Empty(t, g.execs)
}

func TestRunWithNothingToPrepare(t *testing.T) {
	g := &fakeGuest{name: "server"}
	env := newEnv(t, nil, g)

	require.NoError(t, Run(context.Background(), env, nil, Options{}))
	assert.True(t, env.Step.Status())
	assert.Empty(t, g.execs, "no phases means the guests are never staged")
}
