package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/attributes"
	"github.com/openfroyo/galley/pkg/config"
)

func newRecipesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recipes",
		Short: "List the recipes of the cookbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(opts.cookbook, attributes.NewStore(), nil, log.Logger)
			names, err := loader.Recipes()
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), names)
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
