package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/facts"
)

func newFactsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts [type...]",
		Short: "Collect and print host facts",
		Long: `Collect facts about this host and print them as they appear to recipes.

Fact types:
  os       OS name, version, platform family, kernel, hostname
  cpu      CPU model and count
  memory   RAM and swap
  disk     Mounted filesystems
  network  Interfaces and addresses

Facts are loaded into the forced attribute layer before every run, so they
override cookbook defaults and set_unless values.`,
		Example: `  # Print every fact
  galley facts

  # Only OS and memory facts, as JSON
  galley facts os memory --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			collected, err := facts.NewCollector(a.commander, a.logger).Collect(cmd.Context(), args)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(a.out, collected.Attributes())
			}
			return writeYAML(a.out, collected.Attributes())
		},
	}

	return cmd
}
