package run

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/testxm/pkg/common"
)

func writeTreeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// sampleTree builds a metadata tree with one schedulable plan, two guests
// provisioned through the fake method and two tests, one of which fails.
func sampleTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTreeFile(t, root, "plans/ci.yaml", `
summary: Whole pipeline plan
discover:
  how: tree
provision:
  - how: fake
    name: server
    role: server
    fail-on: ./fail.sh
  - how: fake
    name: client
    role: client
    fail-on: ./fail.sh
prepare:
  how: shell
  script: ./setup.sh
execute:
  how: shell
`)
	writeTreeFile(t, root, "tests/smoke.yaml", "test: ./smoke.sh\norder: 10\n")
	writeTreeFile(t, root, "tests/fail.yaml", "test: ./fail.sh\norder: 20\n")
	return root
}

func newOpts(t *testing.T, tree string) Options {
	t.Helper()
	return Options{
		Root:     filepath.Join(t.TempDir(), "runs"),
		TreeRoot: tree,
		Quiet:    true,
	}
}

func TestNewRunCreatesWorkdir(t *testing.T) {
	opts := newOpts(t, sampleTree(t))
	r, err := New(opts)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(r.ID, common.RunIDPrefix))
	assert.Len(t, r.ID, len(common.RunIDPrefix)+common.RunIDRandomLen)
	assert.DirExists(t, r.Workdir())
	assert.FileExists(t, filepath.Join(r.Workdir(), common.RunStateFile))
	assert.FileExists(t, filepath.Join(r.Workdir(), "plans/ci", common.PlanStateFile))

	require.Len(t, r.Plans(), 1)
	assert.Equal(t, "/plans/ci", r.Plans()[0].Name)

	latest, err := os.ReadFile(filepath.Join(opts.Root, common.LatestPointerFile))
	require.NoError(t, err)
	assert.Equal(t, r.ID, strings.TrimSpace(string(latest)))
}

func TestNewRunAppliesOverrides(t *testing.T) {
	opts := newOpts(t, sampleTree(t))
	opts.Environment = map[string]string{"STAGE": "ci"}
	opts.Context = map[string][]string{"distro": {"fedora-40"}}

	r, err := New(opts)
	require.NoError(t, err)
	require.Len(t, r.Plans(), 1)
	assert.Equal(t, "ci", r.Plans()[0].Environment["STAGE"])
	assert.Equal(t, []string{"fedora-40"}, r.Plans()[0].Context["distro"])
}

func TestResumeLast(t *testing.T) {
	opts := newOpts(t, sampleTree(t))
	first, err := New(opts)
	require.NoError(t, err)

	resumed, err := New(Options{Root: opts.Root, Last: true, Quiet: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, resumed.ID)
	assert.Equal(t, first.TreeRoot, resumed.TreeRoot)
	require.Len(t, resumed.Plans(), 1)
	assert.Equal(t, "/plans/ci", resumed.Plans()[0].Name)
}

func TestResumeByID(t *testing.T) {
	opts := newOpts(t, sampleTree(t))
	first, err := New(opts)
	require.NoError(t, err)

	resumed, err := New(Options{Root: opts.Root, ID: first.ID, Quiet: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, resumed.ID)
}

func TestResumeUnknownRun(t *testing.T) {
	opts := newOpts(t, sampleTree(t))
	_, err := New(opts)
	require.NoError(t, err)

	_, err = New(Options{Root: opts.Root, ID: "run-deadbeef", Quiet: true})
	assert.ErrorContains(t, err, "no run at")
}

func TestResumeWithoutAnyRun(t *testing.T) {
	_, err := New(Options{Root: filepath.Join(t.TempDir(), "runs"), Last: true, Quiet: true})
	assert.ErrorContains(t, err, "no previous run")
}

func TestResumeAppliesFreshOverrides(t *testing.T) {
	opts := newOpts(t, sampleTree(t))
	opts.Environment = map[string]string{"STAGE": "ci"}
	first, err := New(opts)
	require.NoError(t, err)

	resumed, err := New(Options{
		Root:        opts.Root,
		ID:          first.ID,
		Environment: map[string]string{"STAGE": "prod", "EXTRA": "1"},
		Quiet:       true,
	})
	require.NoError(t, err)
	require.Len(t, resumed.Plans(), 1)
	env := resumed.Plans()[0].Environment
	assert.Equal(t, "prod", env["STAGE"])
	assert.Equal(t, "1", env["EXTRA"])
}

func TestResumeFiltersPlans(t *testing.T) {
	opts := newOpts(t, twoPlanTree(t))
	first, err := New(opts)
	require.NoError(t, err)
	require.Len(t, first.Plans(), 2)

	resumed, err := New(Options{
		Root:          opts.Root,
		ID:            first.ID,
		PlanSelectors: []string{"good"},
		Quiet:         true,
	})
	require.NoError(t, err)
	require.Len(t, resumed.Plans(), 1)
	assert.Equal(t, "/plans/good", resumed.Plans()[0].Name)
}

func TestNewRunWithoutPlans(t *testing.T) {
	root := t.TempDir()
	writeTreeFile(t, root, "tests/smoke.yaml", "test: ./smoke.sh\n")

	r, err := New(newOpts(t, root))
	require.NoError(t, err)
	assert.Empty(t, r.Plans())
	assert.Equal(t, common.ExitNoResults, r.Execute(context.Background()))
}

func TestSelectSteps(t *testing.T) {
	all := []string{"discover", "provision", "prepare", "execute", "report", "finish"}
	cases := []struct {
		name    string
		steps   []string
		until   string
		since   string
		want    []string
		wantErr string
	}{
		{name: "all by default", want: all},
		{name: "explicit subset", steps: []string{"report", "discover"}, want: []string{"discover", "report"}},
		{name: "until bounds", until: "execute", want: all[:4]},
		{name: "since bounds", since: "execute", want: all[3:]},
		{name: "range", since: "provision", until: "report", want: all[1:5]},
		{name: "intersection", steps: []string{"discover", "execute"}, until: "provision", want: []string{"discover"}},
		{name: "unknown step", steps: []string{"deploy"}, wantErr: "unknown step"},
		{name: "unknown until", until: "deploy", wantErr: "unknown step"},
		{name: "inverted range", since: "report", until: "prepare", wantErr: "begins after"},
		{name: "empty selection", steps: []string{"finish"}, until: "discover", wantErr: "excludes every step"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set, err := selectSteps(Options{Steps: tc.steps, Until: tc.until, Since: tc.since})
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			want := make(map[string]bool, len(tc.want))
			for _, s := range tc.want {
				want[s] = true
			}
			assert.Equal(t, want, set)
		})
	}
}

func TestStatusRoundtrip(t *testing.T) {
	r := &Run{ID: "run-11111111", workdir: t.TempDir()}
	r.markStep("/plans/a.b", common.StepDiscover, statusDone)
	r.markStep("/plans/a.b", common.StepProvision, statusFailed)
	r.markStep("/plans/other", common.StepDiscover, statusDone)

	rollup, err := Status(r.workdir)
	require.NoError(t, err)
	assert.Equal(t, "done", rollup["/plans/a.b"][common.StepDiscover])
	assert.Equal(t, "failed", rollup["/plans/a.b"][common.StepProvision])
	assert.Equal(t, "done", rollup["/plans/other"][common.StepDiscover])
}

func TestStatusWithoutStateFile(t *testing.T) {
	rollup, err := Status(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, rollup)
}

func TestCleanRemovesNamedRun(t *testing.T) {
	tree := sampleTree(t)
	root := filepath.Join(t.TempDir(), "runs")
	first, err := New(Options{Root: root, TreeRoot: tree, Quiet: true})
	require.NoError(t, err)
	second, err := New(Options{Root: root, TreeRoot: tree, Quiet: true})
	require.NoError(t, err)

	require.NoError(t, Clean(root, []string{first.ID}, false, false))
	assert.NoDirExists(t, first.Workdir())
	assert.DirExists(t, second.Workdir())

	latest, err := readLatest(root)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest, "removing an older run keeps the pointer")
}

func TestCleanLastDropsThePointer(t *testing.T) {
	tree := sampleTree(t)
	root := filepath.Join(t.TempDir(), "runs")
	r, err := New(Options{Root: root, TreeRoot: tree, Quiet: true})
	require.NoError(t, err)

	require.NoError(t, Clean(root, nil, true, false))
	assert.NoDirExists(t, r.Workdir())
	assert.NoFileExists(t, filepath.Join(root, common.LatestPointerFile))
}

func TestCleanAll(t *testing.T) {
	tree := sampleTree(t)
	root := filepath.Join(t.TempDir(), "runs")
	for i := 0; i < 2; i++ {
		_, err := New(Options{Root: root, TreeRoot: tree, Quiet: true})
		require.NoError(t, err)
	}
	stray := filepath.Join(root, "notes.txt")
	require.NoError(t, os.WriteFile(stray, []byte("keep me"), 0o644))

	require.NoError(t, Clean(root, nil, false, true))
	ids, err := listRuns(root)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.FileExists(t, stray, "clean only touches run workdirs")
}

func TestCleanUnknownRun(t *testing.T) {
	root := filepath.Join(t.TempDir(), "runs")
	require.NoError(t, os.MkdirAll(root, 0o755))
	err := Clean(root, []string{"run-nope"}, false, false)
	assert.ErrorContains(t, err, "could not be cleaned")
}

func TestCleanNeedsATarget(t *testing.T) {
	err := Clean(t.TempDir(), nil, false, false)
	assert.ErrorContains(t, err, "nothing to clean")
}
