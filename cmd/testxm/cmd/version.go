package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mensylisir/testxm/pkg/common"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the testxm version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("testxm version %s\n", common.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
