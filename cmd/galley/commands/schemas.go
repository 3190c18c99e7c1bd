package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/attributes"
	"github.com/openfroyo/galley/pkg/config"
)

func newSchemasCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "schemas [NAME]",
		Short: "List recipe and property schemas, or print one",
		Long: `List the built-in recipe schemas and the property schemas of the cookbook.

A file schemas/TYPE.cue defining #Properties constrains the properties of
every TYPE resource. It is registered as properties.TYPE.`,
		Example: `  galley schemas
  galley schemas properties.file`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(opts.cookbook, attributes.NewStore(), nil, log.Logger)
			names, err := loader.Schemas()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				if opts.jsonOutput {
					return writeJSON(out, names)
				}
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			schema, ok := loader.Parser().GetSchemaRegistry().GetSchema(args[0])
			if !ok {
				return fmt.Errorf("schema %s not found", args[0])
			}
			fmt.Fprintf(out, "%v\n", schema)
			return nil
		},
	}
}
