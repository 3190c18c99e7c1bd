package commands

import (
	"github.com/spf13/cobra"
)

func newRunCommand(opts *options) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run [recipe...]",
		Short: "Converge the host to the declared state",
		Long: `Evaluate the recipes of the run list and converge every declared resource.

Recipes are named "cookbook" (recipes/cookbook.cue or recipes/cookbook/default.cue)
or "cookbook::recipe" (recipes/cookbook/recipe.cue). With no arguments every
recipe of the cookbook runs, in name order.

The run stops at the first action that fails, unless the resource is marked
ignore_failure. Delayed notifications queued before the failure are not run.`,
		Example: `  # Converge with the nginx recipes
  galley run nginx --cookbook ./cookbook

  # Preview what would change
  galley run nginx --dry-run

  # Record history and export metrics for the node exporter
  galley run nginx --history /var/lib/galley/history.db \
    --metrics-file /var/lib/node_exporter/textfile/galley.prom`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			report, err := a.converge(cmd.Context(), args, dryRun)
			if report != nil {
				if opts.jsonOutput {
					if werr := writeJSON(a.out, report); werr != nil {
						return werr
					}
				} else {
					printReport(a.out, report)
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "probe current state without changing anything")

	return cmd
}
