package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/policy"
	"github.com/openfroyo/galley/pkg/stores"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// printReport writes a human-readable run report.
func printReport(w io.Writer, report *engine.Report) {
	mode := ""
	if report.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %s %s%s in %s\n", report.RunID, report.Status, mode, report.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tACTION\tTRIGGER\tSTATUS\tDETAIL")
	for _, e := range report.Executions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Resource, e.Action, trigger(e), e.Status, detail(e))
	}
	_ = tw.Flush()

	s := report.Summary()
	fmt.Fprintf(w, "\n%d resources: %d changed, %d unchanged, %d skipped, %d failed\n",
		s.Total, s.Changed, s.Unchanged, s.Skipped, s.Failed)
	if report.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", report.Error)
	}
}

func trigger(e engine.Execution) string {
	if e.Source != nil {
		return fmt.Sprintf("%s by %s", e.Trigger, e.Source)
	}
	return string(e.Trigger)
}

func detail(e engine.Execution) string {
	var parts []string
	switch {
	case e.Guard != "":
		parts = append(parts, e.Guard)
	case e.SkipReason != "":
		parts = append(parts, string(e.SkipReason))
	}
	if e.Error != "" {
		parts = append(parts, e.Error)
	}
	if len(e.GuardErrors) > 0 {
		parts = append(parts, "guard errors: "+strings.Join(e.GuardErrors, "; "))
	}
	return strings.Join(parts, " ")
}

// printRuns writes a run history table.
func printRuns(w io.Writer, runs []*stores.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tDRY RUN\tCHANGED\tFAILED\tRUN LIST")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.RFC3339), r.Status, r.DryRun,
			r.Summary.Changed, r.Summary.Failed, strings.Join(r.RunList, ","))
	}
	_ = tw.Flush()
}

// printValidation writes the resources and policy findings of a validation.
func printValidation(w io.Writer, c *engine.Collection, result *policy.PolicyResult, policies []*policy.Policy) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tACTIONS\tRECIPE\tGUARDS")
	for _, r := range c.Resources() {
		actions := make([]string, len(r.Actions))
		for i, a := range r.Actions {
			actions[i] = string(a)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", r.ID, strings.Join(actions, ","), r.Recipe, len(r.Guards))
	}
	_ = tw.Flush()

	if result == nil {
		return
	}
	if len(policies) > 0 {
		fmt.Fprintln(w)
		printPolicies(w, policies)
	}
	if len(result.Violations) == 0 {
		fmt.Fprintf(w, "\nNo policy violations (%d policies)\n", len(result.EvaluatedPolicies))
		return
	}
	fmt.Fprintln(w)
	for _, v := range result.Violations {
		fmt.Fprintln(w, v.String())
	}
}

func printPolicies(w io.Writer, policies []*policy.Policy) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POLICY\tSEVERITY\tENABLED\tDESCRIPTION")
	for _, p := range policies {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, p.Description)
	}
	_ = tw.Flush()
}
