package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/openfroyo/galley/pkg/engine"
)

// Telemetry bundles the logger, tracer, metrics and event bus of a process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventBus
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration. Stdout
// trace spans go to traceOut, or stderr when it is nil.
func NewTelemetry(cfg *Config, traceOut io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger, traceOut)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger, traceOut io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger, traceOut)
}

func newTelemetry(cfg *Config, logger *Logger, traceOut io.Writer) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, traceOut)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events := NewEventBus(cfg.Events, logger.Zerolog())
	events.Subscribe("log", LogHandler(logger.NewComponentLogger("timeline").Zerolog()), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// RunnerOptions returns the engine options that wire this telemetry into a
// runner.
func (t *Telemetry) RunnerOptions() []engine.Option {
	return []engine.Option{
		engine.WithLogger(t.Logger.NewComponentLogger("runner").Zerolog()),
		engine.WithMetrics(t.Metrics),
		engine.WithTracer(t.Tracer.Tracer()),
		engine.WithEventPublisher(t.Events),
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Flush writes the metrics textfile when one is configured.
func (t *Telemetry) Flush(ctx context.Context) error {
	if err := t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath); err != nil {
		return err
	}
	return t.Tracer.ForceFlush(ctx)
}

// Shutdown drains events, flushes metrics and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down events: %w", err))
	}
	if err := t.Metrics.WriteTextfile(t.Config.Metrics.TextfilePath); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
	}
	if err := t.Logger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close log: %w", err))
	}
	return errors.Join(errs...)
}
