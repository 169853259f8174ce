// Package config reads the user-level tool settings: a TOML file in the
// configuration directory with TESTXM_* environment overrides on top.
// Command line flags still win over everything here, so the precedence
// is flags, then environment, then file, then built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/mensylisir/testxm/pkg/common"
)

// FileName is the settings file inside the configuration directory.
const FileName = "config.toml"

// Settings are the user-tunable defaults of the tool.
type Settings struct {
	// WorkdirRoot is the directory run workdirs are created under.
	WorkdirRoot string `toml:"workdir-root"`
	// MaxPlans bounds plan pipelines running in parallel.
	MaxPlans int `toml:"max-plans"`
	// MaxGuestWorkers bounds concurrent guest workers inside one step.
	MaxGuestWorkers int `toml:"max-guest-workers"`
	// Color enables colored console output.
	Color bool `toml:"color"`
	// Debug raises the console log level to debug.
	Debug bool `toml:"debug"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		WorkdirRoot:     common.DefaultWorkdirRoot,
		MaxPlans:        common.DefaultMaxPlans,
		MaxGuestWorkers: common.DefaultMaxGuestWorkers,
		Color:           true,
	}
}

// Dir returns the configuration directory: TESTXM_CONFIG_DIR when set,
// otherwise testxm under the OS user configuration directory.
func Dir() string {
	if dir := os.Getenv(common.EnvConfigDir); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "testxm")
}

// Load assembles the settings. A missing file is fine, the defaults
// stand; a file that exists but does not parse is an error, silently
// ignoring a broken config helps nobody.
func Load() (Settings, error) {
	s := Default()
	if dir := Dir(); dir != "" {
		path := filepath.Join(dir, FileName)
		raw, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return s, fmt.Errorf("reading %s: %w", path, err)
		}
		if err == nil {
			// Keys absent from the file keep their defaults.
			if err := toml.Unmarshal(raw, &s); err != nil {
				return s, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}
	if err := applyEnv(&s); err != nil {
		return s, err
	}
	return s, nil
}

func applyEnv(s *Settings) error {
	if root := os.Getenv(common.EnvWorkdirRoot); root != "" {
		s.WorkdirRoot = root
	}
	if v := os.Getenv(common.EnvMaxPlans); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive number, got %q", common.EnvMaxPlans, v)
		}
		s.MaxPlans = n
	}
	// NO_COLOR disables color by its mere presence, per convention.
	if _, ok := os.LookupEnv(common.EnvNoColor); ok {
		s.Color = false
	}
	if v := os.Getenv(common.EnvDebug); v != "" && v != "0" {
		s.Debug = true
	}
	return nil
}
