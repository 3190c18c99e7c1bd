package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAttributesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "attributes",
		Aliases: []string{"attrs"},
		Short:   "Inspect resolved node attributes",
		Long: `Resolve attributes the way a run does: cookbook defaults, set_unless values
from the given recipes, then attribute files and host facts.`,
	}

	cmd.AddCommand(newAttributesGetCommand(opts))
	cmd.AddCommand(newAttributesShowCommand(opts))

	return cmd
}

func newAttributesGetCommand(opts *options) *cobra.Command {
	var recipes []string

	cmd := &cobra.Command{
		Use:   "get PATH",
		Short: "Print one attribute and the layer it resolves from",
		Args:  cobra.ExactArgs(1),
		Example: `  galley attributes get nginx.port
  galley attributes get platform.family --recipe base`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			attrs, loader, err := a.attributes(cmd.Context())
			if err != nil {
				return err
			}
			if len(recipes) > 0 {
				if _, err := loader.Expand(cmd.Context(), recipes); err != nil {
					return err
				}
			}

			path := args[0]
			value, ok := attrs.Lookup(path)
			if !ok {
				return fmt.Errorf("attribute %s is not set", path)
			}
			layer, _ := attrs.Origin(path)

			if opts.jsonOutput {
				return writeJSON(a.out, map[string]interface{}{
					"path":  path,
					"value": value,
					"layer": layer.String(),
				})
			}
			if _, nested := value.(map[string]interface{}); nested {
				fmt.Fprintf(a.out, "# %s (%s)\n", path, layer)
				return writeYAML(a.out, value)
			}
			fmt.Fprintf(a.out, "%v\t(%s)\n", value, layer)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&recipes, "recipe", "r", nil, "apply set_unless values from these recipes")

	return cmd
}

func newAttributesShowCommand(opts *options) *cobra.Command {
	var recipes []string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the merged attribute tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			attrs, loader, err := a.attributes(cmd.Context())
			if err != nil {
				return err
			}
			if len(recipes) > 0 {
				if _, err := loader.Expand(cmd.Context(), recipes); err != nil {
					return err
				}
			}

			if opts.jsonOutput {
				return writeJSON(a.out, attrs.Merged())
			}
			return writeYAML(a.out, attrs.Merged())
		},
	}

	cmd.Flags().StringSliceVarP(&recipes, "recipe", "r", nil, "apply set_unless values from these recipes")

	return cmd
}
