package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// ExitError carries a process exit code for a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Exit codes.
const (
	ExitRunFailed       = 1
	ExitPolicyBlocked   = 2
	ExitInvalidCookbook = 3
)

// options holds the persistent flags shared by every command.
type options struct {
	cookbook        string
	attributeFiles  []string
	jsonOutput      bool
	historyPath     string
	historyKeep     int
	policyPaths     []string
	enablePolicies  []string
	disablePolicies []string
	metricsFile     string
	telemetryConfig string
	noFacts         bool
	factTypes       []string
	awsRegion       string
	awsProfile      string
	maxDepth        int
	metricsAddr     string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "galley",
		Short: "galley - single-host configuration convergence",
		Long: `galley converges one host toward the state declared in a cookbook.

A cookbook is a directory of CUE recipes, YAML attribute files and templates.
Each run evaluates the recipes of a run list into an ordered resource
collection, checks it against declaration policies, then executes every
resource's actions in order. Guards suppress actions, and notifications
trigger actions on other resources when something changed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.cookbook, "cookbook", "C", ".", "cookbook directory")
	flags.StringSliceVarP(&opts.attributeFiles, "attributes", "a", nil, "YAML attribute files for the forced layer")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringVar(&opts.historyPath, "history", "", "SQLite run history database")
	flags.IntVar(&opts.historyKeep, "history-keep", 0, "runs to keep in the history database (0 keeps all)")
	flags.StringSliceVar(&opts.policyPaths, "policy", nil, "additional .rego policy files or directories")
	flags.StringSliceVar(&opts.enablePolicies, "enable-policy", nil, "enable policies by name")
	flags.StringSliceVar(&opts.disablePolicies, "disable-policy", nil, "disable policies by name")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile after each run")
	flags.StringVar(&opts.telemetryConfig, "telemetry-config", "", "telemetry YAML configuration")
	flags.BoolVar(&opts.noFacts, "no-facts", false, "skip host fact collection")
	flags.StringSliceVar(&opts.factTypes, "facts", nil, "fact types to collect (default all)")
	flags.StringVar(&opts.awsRegion, "aws-region", "", "AWS region for s3:// sources")
	flags.StringVar(&opts.awsProfile, "aws-profile", "", "AWS shared config profile for s3:// sources")
	flags.IntVar(&opts.maxDepth, "max-notification-depth", 0, "limit on nested immediate notifications")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newAttributesCommand(opts))
	rootCmd.AddCommand(newRecipesCommand(opts))
	rootCmd.AddCommand(newPolicyCommand(opts))
	rootCmd.AddCommand(newSchemasCommand(opts))
	rootCmd.AddCommand(newFactsCommand(opts))
	rootCmd.AddCommand(newInitCommand(opts))

	return rootCmd
}
