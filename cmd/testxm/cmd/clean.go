package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mensylisir/testxm/pkg/run"
)

type cleanFlags struct {
	workdirRoot string
	last        bool
	all         bool
}

var cleanOpts = &cleanFlags{}

var cleanCmd = &cobra.Command{
	Use:   "clean [run-id...]",
	Short: "Remove run workdirs",
	Long: `Remove the named run workdirs, the most recent one (--last, also
the default when nothing is named) or all of them (--all). Guests of
the removed runs are expected to be finished already; clean only
deletes what is on disk.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := cleanOpts.workdirRoot
		if root == "" {
			root = settings.WorkdirRoot
		}
		last := cleanOpts.last
		if len(args) == 0 && !cleanOpts.all {
			last = true
		}
		return run.Clean(root, args, last, cleanOpts.all)
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().StringVar(&cleanOpts.workdirRoot, "workdir-root", "", "Workdir root to clean under (default from settings)")
	cleanCmd.Flags().BoolVarP(&cleanOpts.last, "last", "l", false, "Remove the most recent run")
	cleanCmd.Flags().BoolVar(&cleanOpts.all, "all", false, "Remove every run workdir")
}
