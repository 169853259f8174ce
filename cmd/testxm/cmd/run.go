package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/run"
	"github.com/mensylisir/testxm/pkg/util"
)

type runFlags struct {
	id       string
	last     bool
	force    bool
	dry      bool
	keep     bool
	until    string
	since    string
	root     string
	parallel int
	env      []string
	context  []string
}

var runOpts = &runFlags{}

var runCmd = &cobra.Command{
	Use:   "run [flags] [step...] [plan --name PATTERN]... [test --name PATTERN]...",
	Short: "Execute the plans of a metadata tree",
	Long: `Execute the plans of a metadata tree through the six step pipeline:
discover, provision, prepare, execute, report, finish.

Naming steps restricts the invocation to them; whatever order they are
given in, they run in the canonical order. Unnamed earlier steps
contribute the output of a previous invocation of the same run, so a
run can be driven step by step:

  testxm run --until provision
  testxm run --last --since prepare

plan and test blocks narrow what runs, with unanchored regular
expression patterns:

  testxm run plan --name /plans/smoke test --name basic`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, planSel, testSel, err := parseRunArgs(args)
		if err != nil {
			return err
		}
		env, err := parseEnv(runOpts.env)
		if err != nil {
			return err
		}
		dims, err := parseContext(runOpts.context)
		if err != nil {
			return err
		}

		showBanner()

		parallel := runOpts.parallel
		if parallel <= 0 {
			parallel = settings.MaxPlans
		}
		r, err := run.New(run.Options{
			Root:          settings.WorkdirRoot,
			TreeRoot:      runOpts.root,
			ID:            runOpts.id,
			Last:          runOpts.last,
			Force:         runOpts.force,
			DryRun:        runOpts.dry,
			Keep:          runOpts.keep,
			Quiet:         quietFlag,
			Steps:         steps,
			Until:         runOpts.until,
			Since:         runOpts.since,
			PlanSelectors: planSel,
			TestSelectors: testSel,
			Environment:   env,
			Context:       dims,
			MaxPlans:      parallel,
			MaxWorkers:    settings.MaxGuestWorkers,
		})
		if err != nil {
			return err
		}
		exitCode = r.Execute(cmd.Context())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	// Flags come before the positional step grammar; interspersing is off
	// so `plan --name X` reaches the argument parser untouched.
	runCmd.Flags().SetInterspersed(false)
	runCmd.Flags().StringVar(&runOpts.id, "id", "", "Resume the run with this id")
	runCmd.Flags().BoolVarP(&runOpts.last, "last", "l", false, "Resume the most recent run")
	runCmd.Flags().BoolVarP(&runOpts.force, "force", "f", false, "Re-run selected steps even when already done")
	runCmd.Flags().BoolVar(&runOpts.dry, "dry", false, "Log what would happen without touching any guest")
	runCmd.Flags().BoolVar(&runOpts.keep, "keep", false, "Leave the guests running after finish")
	runCmd.Flags().StringVar(&runOpts.until, "until", "", "Run the pipeline only up to this step")
	runCmd.Flags().StringVar(&runOpts.since, "since", "", "Run the pipeline from this step on")
	runCmd.Flags().StringVar(&runOpts.root, "root", ".", "Metadata tree root")
	runCmd.Flags().IntVar(&runOpts.parallel, "parallel", 0, "How many plans run in parallel (default from settings)")
	runCmd.Flags().StringArrayVarP(&runOpts.env, "env", "e", nil, "Environment override KEY=VALUE for every plan (repeatable)")
	runCmd.Flags().StringArrayVarP(&runOpts.context, "context", "c", nil, "Context adjustment dimension=value (repeatable)")
}

// parseRunArgs reads the positional grammar of run: bare step names plus
// plan/test selector blocks of the form `plan --name PATTERN`.
func parseRunArgs(args []string) (steps, planSel, testSel []string, err error) {
	i := 0
	for i < len(args) {
		tok := args[i]
		switch {
		case common.IsStep(tok):
			steps = append(steps, tok)
			i++
		case tok == "plan" || tok == "plans":
			names, n, err := parseNames(tok, args[i+1:])
			if err != nil {
				return nil, nil, nil, err
			}
			planSel = append(planSel, names...)
			i += 1 + n
		case tok == "test" || tok == "tests":
			names, n, err := parseNames(tok, args[i+1:])
			if err != nil {
				return nil, nil, nil, err
			}
			testSel = append(testSel, names...)
			i += 1 + n
		case strings.HasPrefix(tok, "-"):
			return nil, nil, nil, fmt.Errorf("flag %s must come before the step names", tok)
		default:
			return nil, nil, nil, fmt.Errorf(
				"unexpected argument %q (expected a step name, plan or test)", tok)
		}
	}
	return steps, planSel, testSel, nil
}

// parseNames consumes the --name patterns following a plan/test keyword
// and reports how many arguments it ate.
func parseNames(kind string, rest []string) ([]string, int, error) {
	var names []string
	i := 0
	for i < len(rest) {
		switch {
		case rest[i] == "--name":
			if i+1 >= len(rest) {
				return nil, 0, fmt.Errorf("%s --name needs a pattern", kind)
			}
			names = append(names, rest[i+1])
			i += 2
		case strings.HasPrefix(rest[i], "--name="):
			names = append(names, strings.TrimPrefix(rest[i], "--name="))
			i++
		default:
			// The next token belongs to the outer grammar.
			if len(names) == 0 {
				return nil, 0, fmt.Errorf("%s needs at least one --name pattern", kind)
			}
			return names, i, nil
		}
	}
	if len(names) == 0 {
		return nil, 0, fmt.Errorf("%s needs at least one --name pattern", kind)
	}
	return names, i, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("environment override %q is not KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

func parseContext(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("context adjustment %q is not dimension=value", p)
		}
		out[k] = append(out[k], v)
	}
	return out, nil
}

// showBanner prints the startup banner when stdout is a terminal and the
// invocation is not quiet.
func showBanner() {
	if quietFlag {
		return
	}
	fi, err := os.Stdout.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	fmt.Print(util.Banner("testxm"))
}
