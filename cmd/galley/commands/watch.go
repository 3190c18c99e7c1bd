package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/config"
	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/policy"
)

func newWatchCommand(opts *options) *cobra.Command {
	var (
		dryRun   bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [recipe...]",
		Short: "Converge, then converge again whenever the cookbook changes",
		Long: `Run one convergence pass, then watch the cookbook and run a fresh pass
each time a recipe, attribute file or template changes.

Every pass re-evaluates the cookbook from scratch. Failed passes are logged
and watching continues. Policy files given with --policy are reloaded when
they change.`,
		Example: `  # Keep a development host converged while editing recipes
  galley watch nginx --cookbook ./cookbook

  # Serve metrics for Prometheus while watching
  galley watch --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			if opts.metricsAddr != "" {
				go func() {
					if err := a.tel.Metrics.Serve(ctx, a.logger); err != nil {
						a.logger.Error().Err(err).Msg("Metrics server stopped")
					}
				}()
			}

			if len(opts.policyPaths) > 0 {
				if err := policy.NewLoader(a.logger).Watch(ctx, opts.policyPaths, a.policies.ReplacePolicies); err != nil {
					return err
				}
			}

			runPass := func() {
				report, err := a.converge(ctx, args, dryRun)
				a.show(report)
				if err != nil {
					a.logger.Error().Err(err).Msg("Convergence pass failed")
				}
			}

			runPass()

			watcher := config.NewWatcher(opts.cookbook, debounce, a.logger)
			err = watcher.Watch(ctx, func(files []string) {
				a.logger.Info().Strs("files", files).Msg("Cookbook changed")
				runPass()
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "probe current state without changing anything")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "wait for changes to settle this long")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics on this address")

	return cmd
}

// show prints a report in the selected output format.
func (a *app) show(report *engine.Report) {
	if report == nil {
		return
	}
	if a.opts.jsonOutput {
		if err := writeJSON(a.out, report); err != nil {
			a.logger.Error().Err(err).Msg("Failed to write report")
		}
		return
	}
	printReport(a.out, report)
}
