package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/config"
	"github.com/openfroyo/galley/pkg/stores"
	"github.com/openfroyo/galley/pkg/telemetry"
)

const (
	starterAttributes = `motd:
  message: Managed by galley
`

	starterRecipe = `resources: [{
	type: "template"
	name: "/etc/motd"
	properties: {
		source: "motd.tmpl"
		mode:   "0644"
	}
}]
`

	starterTemplate = `{{ .node.motd.message }}
Host: {{ attrOr "hostname" "unknown" }}
`

	starterPolicy = `# Warns when a template leaves the file mode to the umask.
# severity: warning
# tags: files
package galley.site.templates

import rego.v1

deny contains violation if {
	resource := input.resource
	resource.type == "template"
	not resource.properties.mode
	violation := {
		"message": "template has no explicit mode",
		"severity": "warning",
		"resource": resource.id,
	}
}
`
)

func newInitCommand(opts *options) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [DIR]",
		Short: "Create a starter cookbook",
		Long: `Create a cookbook with one recipe, its attributes and template, a site
policy and a telemetry configuration.

Existing files are kept unless --force is given. With --history the run
history database is created and migrated as well.`,
		Example: `  # Start a cookbook in ./cookbook
  galley init cookbook

  # Also prepare the run history
  galley init /srv/galley --history /var/lib/galley/history.db`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := opts.cookbook
			if len(args) == 1 {
				dir = args[0]
			}
			out := cmd.OutOrStdout()

			log.Info().Str("dir", dir).Bool("force", force).Msg("Initializing cookbook")

			var telemetryConfig bytes.Buffer
			if err := writeYAML(&telemetryConfig, telemetry.DefaultConfig()); err != nil {
				return err
			}

			files := []struct {
				path    string
				content string
			}{
				{filepath.Join(config.AttributesDir, "default.yaml"), starterAttributes},
				{filepath.Join(config.RecipesDir, "base.cue"), starterRecipe},
				{filepath.Join(config.TemplatesDir, "motd.tmpl"), starterTemplate},
				{filepath.Join("policies", "templates.rego"), starterPolicy},
				{"telemetry.yaml", telemetryConfig.String()},
			}

			for _, f := range files {
				path := filepath.Join(dir, f.path)
				if _, err := os.Stat(path); err == nil && !force {
					fmt.Fprintf(out, "✓ Kept existing %s\n", path)
					continue
				}
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
				}
				if err := os.WriteFile(path, []byte(f.content), 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				fmt.Fprintf(out, "✓ Created %s\n", path)
			}

			if opts.historyPath != "" {
				store, err := stores.Open(cmd.Context(), stores.Config{Path: opts.historyPath})
				if err != nil {
					return fmt.Errorf("failed to initialize history: %w", err)
				}
				if err := store.Close(); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Initialized run history: %s\n", opts.historyPath)
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  galley validate --cookbook %s --policy %s\n", dir, filepath.Join(dir, "policies"))
			fmt.Fprintf(out, "  galley run --cookbook %s --dry-run\n", dir)

			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}
