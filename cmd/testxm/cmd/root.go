package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/config"
	"github.com/mensylisir/testxm/pkg/logger"
)

var (
	debugFlag   bool
	verboseFlag bool
	quietFlag   bool

	// settings are the file/environment defaults; flags override them.
	settings config.Settings

	// exitCode is what the process exits with. Commands that own a run set
	// it from the run's result; everything else leaves it at zero and
	// signals problems through the returned error.
	exitCode = common.ExitAllPassed
)

var rootCmd = &cobra.Command{
	Use:   "testxm",
	Short: "testxm runs tests across provisioned guests.",
	Long: `testxm discovers tests and plans from a metadata tree, provisions
guests, prepares them, executes the tests, reports the results and
cleans everything up again. Interrupted or partial runs can be resumed
step by step from their workdir.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if settings, err = config.Load(); err != nil {
			return err
		}
		opts := logger.DefaultOptions()
		opts.ColorConsole = settings.Color
		if debugFlag || verboseFlag || settings.Debug {
			opts.ConsoleLevel = logger.DebugLevel
		}
		logger.Init(opts)
		return nil
	},
}

// Execute runs the command line and returns the process exit code: the
// run's own code when a run happened, 0 or the generic error code
// otherwise.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return common.ExitError
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress progress reporting")
}
