package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/metadata"
)

type fakeTree struct {
	plans []metadata.Plan
	err   error
}

func (f fakeTree) Tests(metadata.TestFilter) ([]metadata.Test, error) { return nil, nil }

func (f fakeTree) Plans(metadata.PlanFilter) ([]metadata.Plan, error) { return f.plans, f.err }

func TestFromMetadataAppliesOverrides(t *testing.T) {
	rec := metadata.Plan{
		Name:        "/plans/ci",
		Summary:     "integration pipeline",
		Environment: map[string]string{"STAGE": "ci", "RETRIES": "1"},
		Context:     map[string][]string{"distro": {"fedora-40"}},
		Steps: map[string][]map[string]any{
			common.StepExecute: {{"how": "shell"}},
		},
	}
	ov := Overrides{
		Environment: map[string]string{"RETRIES": "3", "DEBUG": "yes"},
		Context:     map[string][]string{"distro": {"centos-stream-9"}, "arch": {"x86_64"}},
	}

	p := FromMetadata(rec, ov)
	assert.Equal(t, "/plans/ci", p.Name)
	assert.Equal(t, map[string]string{"STAGE": "ci", "RETRIES": "3", "DEBUG": "yes"}, p.Environment)
	assert.Equal(t, map[string][]string{
		"distro": {"centos-stream-9"},
		"arch":   {"x86_64"},
	}, p.Context)
	assert.True(t, p.HasStep(common.StepExecute))
	assert.False(t, p.HasStep(common.StepPrepare))
}

func TestLoadSkipsNonSchedulablePlans(t *testing.T) {
	tree := fakeTree{plans: []metadata.Plan{
		{Name: "/draft", Steps: map[string][]map[string]any{common.StepPrepare: {}}},
		{Name: "/ci", Steps: map[string][]map[string]any{common.StepExecute: {}}},
	}}

	plans, err := Load(tree, nil, Overrides{})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "/ci", plans[0].Name)
}

func TestLoadNoMatchingPlans(t *testing.T) {
	plans, err := Load(fakeTree{}, []string{"nomatch"}, Overrides{})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestLoadPropagatesTreeError(t *testing.T) {
	_, err := Load(fakeTree{err: errors.New("bad tree")}, nil, Overrides{})
	require.Error(t, err)
}

func TestPlanDirs(t *testing.T) {
	p := &Plan{Name: "/plans/ci"}
	wd := "/var/tmp/testxm/run-0a1b2c3d"

	assert.Equal(t, filepath.Join(wd, "plans", "ci"), p.Dir(wd))
	assert.Equal(t, filepath.Join(wd, "plans", "ci", "data"), p.DataDir(wd))
	assert.Equal(t, filepath.Join(wd, "plans", "ci", "discover"), p.StepDir(wd, common.StepDiscover))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	wd := t.TempDir()
	p := &Plan{
		Name:        "/plans/smoke",
		Summary:     "smoke pipeline",
		Environment: map[string]string{"STAGE": "ci"},
		Context:     map[string][]string{"distro": {"fedora-40"}},
		Steps: map[string][]map[string]any{
			common.StepDiscover: {{"how": "tree", "root": "/srv/tests"}},
			common.StepExecute:  {{"how": "shell", "order": 70}},
		},
	}

	require.NoError(t, p.Save(wd))

	loaded, err := LoadFile(filepath.Join(p.Dir(wd), common.PlanStateFile))
	require.NoError(t, err)
	assert.Equal(t, p, loaded)
	assert.Equal(t, 70, loaded.Steps[common.StepExecute][0]["order"])
}

func TestLoadFileRejectsNamelessPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("summary: nameless\n"), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name")
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
