package cmd

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/metadata"
)

var plansRoot string

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Inspect the plans of a metadata tree",
}

var plansLsCmd = &cobra.Command{
	Use:   "ls [pattern...]",
	Short: "List plan names",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := openTree(plansRoot)
		if err != nil {
			return err
		}
		plans, err := tree.Plans(metadata.PlanFilter{Names: args})
		if err != nil {
			return err
		}
		for _, p := range plans {
			if p.Schedulable() {
				fmt.Println(p.Name)
			} else {
				fmt.Printf("%s (no execute step)\n", p.Name)
			}
		}
		return nil
	},
}

var plansShowCmd = &cobra.Command{
	Use:   "show [pattern...]",
	Short: "Show plan details",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := openTree(plansRoot)
		if err != nil {
			return err
		}
		plans, err := tree.Plans(metadata.PlanFilter{Names: args})
		if err != nil {
			return err
		}
		for i, p := range plans {
			if i > 0 {
				fmt.Println()
			}
			showPlan(p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(plansCmd)
	plansCmd.AddCommand(plansLsCmd)
	plansCmd.AddCommand(plansShowCmd)
	plansCmd.PersistentFlags().StringVar(&plansRoot, "root", ".", "Metadata tree root")
}

func showPlan(p metadata.Plan) {
	color.New(color.Bold).Println(p.Name)
	printField("summary", p.Summary)
	printStringMap("environment", p.Environment)
	printContextMap("context", p.Context)
	var steps []string
	for _, s := range common.StepOrder {
		if _, ok := p.Steps[s]; ok {
			steps = append(steps, s)
		}
	}
	printField("steps", strings.Join(steps, ", "))
	if !p.Schedulable() {
		printField("note", "not schedulable, the plan has no execute step")
	}
}

func openTree(root string) (metadata.Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve tree root %s: %w", root, err)
	}
	tree, err := metadata.NewFileTree(abs)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Field printers shared by the plans and tests show commands. Empty
// values print nothing, so records stay as short as their metadata.

func printField(key, value string) {
	if value == "" {
		return
	}
	fmt.Printf("    %s: %s\n", key, value)
}

func printStringMap(key string, m map[string]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	printField(key, strings.Join(parts, " "))
}

func printContextMap(key string, m map[string][]string) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(m[k], ","))
	}
	printField(key, strings.Join(parts, " "))
}
