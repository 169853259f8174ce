package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mensylisir/testxm/pkg/metadata"
)

var testsRoot string

var testsCmd = &cobra.Command{
	Use:   "tests",
	Short: "Inspect the tests of a metadata tree",
}

var testsLsCmd = &cobra.Command{
	Use:   "ls [pattern...]",
	Short: "List test names",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := openTree(testsRoot)
		if err != nil {
			return err
		}
		tests, err := tree.Tests(metadata.TestFilter{Names: args})
		if err != nil {
			return err
		}
		for _, t := range tests {
			fmt.Println(t.Name)
		}
		return nil
	},
}

var testsShowCmd = &cobra.Command{
	Use:   "show [pattern...]",
	Short: "Show test details",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := openTree(testsRoot)
		if err != nil {
			return err
		}
		tests, err := tree.Tests(metadata.TestFilter{Names: args})
		if err != nil {
			return err
		}
		for i, t := range tests {
			if i > 0 {
				fmt.Println()
			}
			showTest(t)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(testsCmd)
	testsCmd.AddCommand(testsLsCmd)
	testsCmd.AddCommand(testsShowCmd)
	testsCmd.PersistentFlags().StringVar(&testsRoot, "root", ".", "Metadata tree root")
}

func showTest(t metadata.Test) {
	color.New(color.Bold).Println(t.Name)
	printField("summary", t.Summary)
	printField("test", t.Test)
	printField("path", t.Path)
	printField("framework", t.Framework)
	printField("duration", t.Duration.String())
	printField("order", strconv.Itoa(t.Order))
	printField("result", t.Result)
	printStringMap("environment", t.Environment)
	printField("require", strings.Join(t.Require, ", "))
	printField("recommend", strings.Join(t.Recommend, ", "))
	printField("tags", strings.Join(t.Tags, ", "))
	for _, c := range t.Checks {
		line := c.How
		if c.Test != "" {
			line += " " + c.Test
		}
		if c.When != "" {
			line += " (" + c.When + ")"
		}
		printField("check", line)
	}
}
