package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/stores"
)

func newHistoryCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `Inspect the run history recorded with --history.

Every run stores its report: the executions in order, the aggregated result of
each declared resource and the event timeline.`,
	}

	cmd.AddCommand(newHistoryListCommand(opts))
	cmd.AddCommand(newHistoryShowCommand(opts))
	cmd.AddCommand(newHistoryPruneCommand(opts))
	cmd.AddCommand(newHistoryBackupCommand(opts))

	return cmd
}

func openHistory(ctx context.Context, opts *options) (*stores.SQLiteStore, error) {
	if opts.historyPath == "" {
		return nil, fmt.Errorf("--history is required")
	}
	return stores.Open(ctx, stores.Config{Path: opts.historyPath})
}

func newHistoryListCommand(opts *options) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Example: `  # Show the last ten runs
  galley history list --history /var/lib/galley/history.db --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(cmd.Context(), stores.ListOptions{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "runs to skip")

	return cmd
}

func newHistoryShowCommand(opts *options) *cobra.Command {
	var (
		events   bool
		severity string
	)

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the report of a run",
		Example: `  # Show a run report
  galley history show 6f1c... --history history.db

  # Include the warning events of the timeline
  galley history show 6f1c... --history history.db --events --severity warning`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			report, err := store.LoadReport(ctx, args[0])
			if err != nil {
				return err
			}

			if !events {
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			}

			timeline, err := store.GetEvents(ctx, args[0], stores.EventFilter{Severity: severity})
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"report": report,
					"events": timeline,
				})
			}
			printReport(cmd.OutOrStdout(), report)
			fmt.Fprintln(cmd.OutOrStdout())
			for _, e := range timeline {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-20s %s\n",
					e.Timestamp.Local().Format(time.RFC3339), e.Type, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include the event timeline")
	cmd.Flags().StringVar(&severity, "severity", "", "only events of this severity (info, warning, error)")

	return cmd
}

func newHistoryPruneCommand(opts *options) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := store.PruneRuns(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs\n", n)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "runs to keep")

	return cmd
}

func newHistoryBackupCommand(opts *options) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a consistent copy of the history database",
		Example: `  # Hot-copy the history before an upgrade
  galley history backup --history /var/lib/galley/history.db --out /tmp/history.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Backup(cmd.Context(), out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "backup file to create")
	_ = cmd.MarkFlagRequired("out")

	return cmd
}
