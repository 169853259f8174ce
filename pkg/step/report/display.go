package report

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/mensylisir/testxm/pkg/phase"
	"github.com/mensylisir/testxm/pkg/results"
)

// displayPhase renders the result table on stdout.
type displayPhase struct {
	cfg phase.Config
	// showChecks adds a row per check result under its test.
	showChecks bool
}

func newDisplayPhase(cfg phase.Config) (Phase, error) {
	showChecks, err := cfg.Bool("display-checks", false)
	if err != nil {
		return nil, configErr(cfg, "%v", err)
	}
	return &displayPhase{cfg: cfg, showChecks: showChecks}, nil
}

func (p *displayPhase) Report(_ context.Context, env *Env, rs []results.Result) error {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(os.Stdout, "\n%s\n", bold(env.Step.Plan.Name))

	if len(rs) == 0 {
		fmt.Fprintln(os.Stdout, "    no results")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"RESULT", "TEST", "GUEST", "DURATION", "NOTE"})
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)

	for _, r := range rs {
		table.Append([]string{paintOutcome(r.Outcome), r.Name, r.GuestName, r.Duration, noteColumn(r)})
		for _, sub := range r.SubResults {
			table.Append([]string{paintOutcome(sub.Outcome), "  " + sub.Name, "", "", sub.Note})
		}
		if p.showChecks {
			for _, c := range r.Checks {
				table.Append([]string{paintOutcome(c.Outcome),
					fmt.Sprintf("  check %s (%s)", c.Name, c.Event), "", "", c.Note})
			}
		}
	}
	table.Render()

	fmt.Fprintf(os.Stdout, "\n    %s\n", results.Summarize(rs))
	return nil
}

var outcomePainters = map[results.Outcome]func(a ...interface{}) string{
	results.OutcomePass:  color.New(color.FgGreen).SprintFunc(),
	results.OutcomeFail:  color.New(color.FgRed).SprintFunc(),
	results.OutcomeError: color.New(color.FgRed, color.Bold).SprintFunc(),
	results.OutcomeWarn:  color.New(color.FgYellow).SprintFunc(),
	results.OutcomeInfo:  color.New(color.FgCyan).SprintFunc(),
	results.OutcomeSkip:  color.New(color.FgBlue).SprintFunc(),
}

func paintOutcome(o results.Outcome) string {
	if paint, ok := outcomePainters[o]; ok {
		return paint(string(o))
	}
	return string(o)
}

// noteColumn folds the original outcome into the note so interpreted
// results stay explainable at a glance.
func noteColumn(r results.Result) string {
	if r.OriginalOutcome == "" {
		return r.Note
	}
	original := fmt.Sprintf("original: %s", r.OriginalOutcome)
	if r.Note == "" {
		return original
	}
	return r.Note + " (" + original + ")"
}
