package run

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/logger"
)

// Clean removes run workdirs under root: the named ids, the latest run,
// or every run. The latest pointer is dropped when the run it names goes.
func Clean(root string, ids []string, last, all bool) error {
	targets := append([]string{}, ids...)
	if last {
		id, err := readLatest(root)
		if err != nil {
			return err
		}
		targets = append(targets, id)
	}
	if all {
		found, err := listRuns(root)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			logger.Get().Infof("No runs under %s", root)
			return nil
		}
		targets = found
	}
	if len(targets) == 0 {
		return fmt.Errorf("nothing to clean: name a run id, --last or --all")
	}

	log := logger.Get()
	removed := make(map[string]bool, len(targets))
	failed := 0
	for _, id := range targets {
		if removed[id] {
			continue
		}
		workdir := filepath.Join(root, id)
		if _, err := os.Stat(filepath.Join(workdir, common.RunStateFile)); err != nil {
			log.Errorf("No run %s under %s", id, root)
			failed++
			continue
		}
		if err := os.RemoveAll(workdir); err != nil {
			log.Errorf("Could not remove run %s: %v", id, err)
			failed++
			continue
		}
		removed[id] = true
		log.Infof("Removed run %s", id)
	}

	dropStaleLatest(root, removed)
	if failed > 0 {
		return fmt.Errorf("%d runs could not be cleaned", failed)
	}
	return nil
}

// listRuns returns the ids of the run workdirs under root: directories
// carrying a run.yaml. Anything else in the root is left alone.
func listRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading workdir root %s: %w", root, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), common.RunStateFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func dropStaleLatest(root string, removed map[string]bool) {
	id, err := readLatest(root)
	if err != nil || !removed[id] {
		return
	}
	_ = os.Remove(filepath.Join(root, common.LatestPointerFile))
}
