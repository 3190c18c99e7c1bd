package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/attributes"
	"github.com/openfroyo/galley/pkg/config"
	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/facts"
	"github.com/openfroyo/galley/pkg/policy"
	"github.com/openfroyo/galley/pkg/providers"
	"github.com/openfroyo/galley/pkg/render"
	"github.com/openfroyo/galley/pkg/stores"
	"github.com/openfroyo/galley/pkg/system"
	"github.com/openfroyo/galley/pkg/telemetry"
)

// app holds the long-lived collaborators of a command invocation.
type app struct {
	opts      *options
	out       io.Writer
	logger    zerolog.Logger
	tel       *telemetry.Telemetry
	commander system.Commander
	fetcher   *providers.SourceFetcher
	policies  *policy.Engine
	history   *stores.SQLiteStore
}

// pass is everything evaluated from the cookbook for one convergence pass.
type pass struct {
	runList    []string
	attrs      *attributes.Store
	loader     *config.Loader
	registry   *engine.Registry
	collection *engine.Collection
}

func newApp(cmd *cobra.Command, opts *options) (*app, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := telemetry.DefaultConfig()
	if opts.telemetryConfig != "" {
		loaded, err := telemetry.LoadConfig(opts.telemetryConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	err := cfg.Override(&telemetry.Config{
		Logging: telemetry.LoggingConfig{Level: os.Getenv("LOG_LEVEL")},
		Metrics: telemetry.MetricsConfig{
			TextfilePath:  opts.metricsFile,
			ListenAddress: opts.metricsAddr,
		},
	})
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLoggerTo(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.NewTelemetryWithLogger(cfg, logger, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	a := &app{
		opts:      opts,
		out:       cmd.OutOrStdout(),
		logger:    logger.Zerolog(),
		tel:       tel,
		commander: system.NewExecCommander(logger.Zerolog()),
		fetcher:   providers.NewSourceFetcher(opts.awsRegion, opts.awsProfile, nil),
	}

	a.policies, err = policy.NewEngine(a.logger)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if len(opts.policyPaths) > 0 {
		if err := a.policies.LoadPolicies(ctx, opts.policyPaths); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	for _, name := range opts.enablePolicies {
		if err := a.policies.EnablePolicy(name); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}
	for _, name := range opts.disablePolicies {
		if err := a.policies.DisablePolicy(name); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}

	if opts.historyPath != "" {
		a.history, err = stores.Open(ctx, stores.Config{Path: opts.historyPath, Logger: a.logger})
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		tel.Events.SubscribePublisher("history", a.history, nil)
	}

	return a, nil
}

// Close releases the history database and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// prepare evaluates the cookbook into a resource collection with fresh
// attributes. Precedence: cookbook defaults, then set_unless values, then
// attribute files and host facts in the forced layer.
func (a *app) prepare(ctx context.Context, runList []string) (*pass, error) {
	attrs, loader, err := a.attributes(ctx)
	if err != nil {
		return nil, err
	}

	if len(runList) == 0 {
		all, err := loader.Recipes()
		if err != nil {
			return nil, err
		}
		runList = all
	}

	collection, err := loader.Load(ctx, runList)
	if err != nil {
		return nil, err
	}

	registry := engine.NewRegistry()
	err = providers.RegisterAll(registry, providers.Deps{
		Commander: a.commander,
		Renderer:  render.New(loader.TemplateDir(), attrs),
		Fetcher:   a.fetcher,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}

	return &pass{
		runList:    runList,
		attrs:      attrs,
		loader:     loader,
		registry:   registry,
		collection: collection,
	}, nil
}

// attributes builds a cookbook loader over a fresh attribute store holding
// the cookbook defaults, the attribute files and the host facts.
func (a *app) attributes(ctx context.Context) (*attributes.Store, *config.Loader, error) {
	attrs := attributes.NewStore()
	loader := config.NewLoader(a.opts.cookbook, attrs, a.commander, a.logger)
	if err := loader.LoadAttributes(ctx); err != nil {
		return nil, nil, err
	}
	for _, f := range a.opts.attributeFiles {
		if err := attrs.LoadFile(attributes.LayerForced, f); err != nil {
			return nil, nil, err
		}
	}
	if !a.opts.noFacts {
		collector := facts.NewCollector(a.commander, a.logger)
		if _, err := collector.Load(ctx, attrs, a.opts.factTypes); err != nil {
			return nil, nil, err
		}
	}
	return attrs, loader, nil
}

// checkPolicies evaluates declaration policies and returns an error when a
// blocking violation is found.
func (a *app) checkPolicies(ctx context.Context, p *pass, operation string, dryRun bool) (*policy.PolicyResult, error) {
	result, err := a.policies.EvaluateCollection(ctx, p.collection, &policy.PolicyContext{
		RunList:   p.runList,
		Operation: operation,
		DryRun:    dryRun,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policies: %w", err)
	}

	for _, v := range result.Violations {
		a.tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		event := a.logger.Warn()
		if v.Severity.Blocking() {
			event = a.logger.Error()
		}
		event.Str("policy", v.Policy).
			Str("resource", v.Resource).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}
	for _, msg := range result.Errors {
		a.logger.Warn().Str("error", msg).Msg("Policy could not be evaluated")
	}

	if !result.Allowed {
		return result, &ExitError{Code: ExitPolicyBlocked, Err: result.Err()}
	}
	return result, nil
}

// converge runs one full pass and records it in the history.
func (a *app) converge(ctx context.Context, runList []string, dryRun bool) (*engine.Report, error) {
	p, err := a.prepare(ctx, runList)
	if err != nil {
		return nil, &ExitError{Code: ExitInvalidCookbook, Err: err}
	}
	if _, err := a.checkPolicies(ctx, p, "run", dryRun); err != nil {
		return nil, err
	}

	runnerOpts := append(a.tel.RunnerOptions(), engine.WithAttributes(p.attrs))
	if a.opts.maxDepth > 0 {
		runnerOpts = append(runnerOpts, engine.WithMaxNotificationDepth(a.opts.maxDepth))
	}
	runner := engine.NewRunner(p.registry, runnerOpts...)

	report, runErr := runner.Converge(ctx, p.collection, engine.RunOptions{
		DryRun:  dryRun,
		User:    currentUser(),
		RunList: p.runList,
	})
	if report == nil {
		return nil, &ExitError{Code: ExitInvalidCookbook, Err: runErr}
	}

	if a.history != nil {
		if err := a.history.SaveReport(ctx, report); err != nil {
			a.logger.Error().Err(err).Msg("Failed to save run history")
		} else if a.opts.historyKeep > 0 {
			if _, err := a.history.PruneRuns(ctx, a.opts.historyKeep); err != nil {
				a.logger.Warn().Err(err).Msg("Failed to prune run history")
			}
		}
	}
	if err := a.tel.Flush(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}

	if runErr != nil {
		return report, &ExitError{Code: ExitRunFailed, Err: runErr}
	}
	return report, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
