package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxNotificationDepth bounds chains of immediate notifications.
const DefaultMaxNotificationDepth = 32

// Runner walks a resource collection once, in declaration order, applying
// guards, executing actions and delivering notifications. A Runner may be
// reused across runs but a single run is strictly sequential.
type Runner struct {
	// registry resolves resource types to action tables
	registry *Registry

	// logger is the component logger
	logger zerolog.Logger

	// metrics records run and action measurements
	metrics MetricsRecorder

	// eventPublisher publishes run timeline events
	eventPublisher EventPublisher

	// tracer creates run and action spans
	tracer trace.Tracer

	// attributes is passed to guard predicates
	attributes PropertySource

	// maxDepth bounds immediate notification recursion
	maxDepth int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) Option {
	return func(r *Runner) { r.eventPublisher = p }
}

// WithTracer sets the tracer used for run and action spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithAttributes sets the property source passed to guards.
func WithAttributes(src PropertySource) Option {
	return func(r *Runner) {
		if src != nil {
			r.attributes = src
		}
	}
}

// WithMaxNotificationDepth bounds immediate notification chains.
func WithMaxNotificationDepth(depth int) Option {
	return func(r *Runner) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// NewRunner creates a new convergence runner.
func NewRunner(registry *Registry, opts ...Option) *Runner {
	r := &Runner{
		registry:   registry,
		logger:     zerolog.Nop(),
		metrics:    noopMetrics{},
		tracer:     otel.Tracer("github.com/openfroyo/galley/pkg/engine"),
		attributes: emptySource{},
		maxDepth:   DefaultMaxNotificationDepth,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate checks a collection against the runner's registry without running it.
func (r *Runner) Validate(c *Collection) error {
	return Validate(c, r.registry)
}

// Converge runs a single convergence pass over the collection.
//
// Declaration errors are returned before any action runs, with a nil report.
// Otherwise the report is always returned, and the error is non-nil when the
// run failed.
func (r *Runner) Converge(ctx context.Context, c *Collection, opts RunOptions) (*Report, error) {
	p, err := prepare(c, r.registry)
	if err != nil {
		return nil, err
	}

	ex := &execution{
		runner: r,
		plan:   p,
		opts:   opts,
		queue:  NewNotificationQueue(),
		report: &Report{
			RunID:     uuid.New().String(),
			Status:    RunStatusRunning,
			DryRun:    opts.DryRun,
			User:      opts.User,
			RunList:   opts.RunList,
			StartedAt: time.Now(),
		},
		results: make(map[ResourceID]*ResourceResult, c.Len()),
	}
	ex.logger = r.logger.With().Str("run_id", ex.report.RunID).Logger()

	ctx, span := r.tracer.Start(ctx, "converge", trace.WithAttributes(
		attribute.String("run.id", ex.report.RunID),
		attribute.Bool("run.dry_run", opts.DryRun),
		attribute.Int("run.resources", c.Len()),
	))
	defer span.End()

	ex.logger.Info().
		Int("resources", c.Len()).
		Bool("dry_run", opts.DryRun).
		Msg("Starting convergence run")
	ex.publish(ctx, EventTypeRunStarted, nil, "", "Run started", nil)

	runErr := ex.run(ctx)
	report := ex.finish(runErr)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		ex.logger.Error().Err(runErr).Msg("Convergence run failed")
		ex.publish(ctx, EventTypeRunFailed, nil, "", fmt.Sprintf("Run failed: %v", runErr), nil)
	} else {
		summary := report.Summary()
		ex.logger.Info().
			Int("changed", summary.Changed).
			Int("unchanged", summary.Unchanged).
			Int("skipped", summary.Skipped).
			Int("failed", summary.Failed).
			Dur("duration", report.Duration()).
			Msg("Convergence run completed")
		ex.publish(ctx, EventTypeRunCompleted, nil, "", "Run completed", map[string]interface{}{
			"changed": summary.Changed,
			"failed":  summary.Failed,
		})
	}
	r.metrics.RecordRun(report.Status, opts.DryRun, report.Duration())

	return report, runErr
}

// execution is the state of a single pass.
type execution struct {
	runner  *Runner
	plan    *plan
	opts    RunOptions
	queue   *NotificationQueue
	report  *Report
	results map[ResourceID]*ResourceResult
	logger  zerolog.Logger
}

func (ex *execution) run(ctx context.Context) error {
	resources := ex.plan.collection.Resources()

	for i, res := range resources {
		if err := ctx.Err(); err != nil {
			ex.abort(resources[i:])
			return NewInternalError("run cancelled", err).WithCode(ErrCodeRunAborted)
		}
		for _, action := range ex.plan.actionsFor(res) {
			if err := ex.execute(ctx, res, action, TriggerDeclared, nil, 0); err != nil {
				ex.abort(resources[i+1:])
				return err
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return NewInternalError("run cancelled", err).WithCode(ErrCodeRunAborted)
		}
		n, ok := ex.queue.Next()
		if !ok {
			return nil
		}
		target, _ := ex.plan.collection.Get(n.Target)
		source := n.Source
		if err := ex.execute(ctx, target, n.Action, TriggerDelayed, &source, 0); err != nil {
			return err
		}
	}
}

// execute runs one action of one resource: guards, then ensure (or probe),
// then notifications. It returns a non-nil error only for failures that
// must halt the run.
func (ex *execution) execute(
	ctx context.Context,
	res *Resource,
	action Action,
	trigger Trigger,
	source *ResourceID,
	depth int,
) error {
	rec := Execution{
		Resource:  res.ID,
		Action:    action,
		Trigger:   trigger,
		Source:    source,
		DryRun:    ex.opts.DryRun,
		StartedAt: time.Now(),
	}
	logger := ex.logger.With().
		Str("resource", res.ID.String()).
		Str("action", string(action)).
		Str("trigger", string(trigger)).
		Logger()

	if action == ActionNothing {
		rec.Status = StatusSkipped
		rec.SkipReason = SkipReasonActionNothing
		logger.Debug().Msg("Action is nothing, waiting for notification")
		ex.record(ctx, res, rec)
		return nil
	}

	ctx, span := ex.runner.tracer.Start(ctx, "action", trace.WithAttributes(
		attribute.String("resource.id", res.ID.String()),
		attribute.String("resource.type", res.ID.Type),
		attribute.String("action", string(action)),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()

	decision := EvaluateGuards(ctx, res.Guards, GuardContext{
		Resource:   res,
		Attributes: ex.runner.attributes,
	})
	for _, gerr := range decision.Errors {
		rec.GuardErrors = append(rec.GuardErrors, gerr.Error())
		ex.runner.metrics.RecordGuardError(res.ID.Type)
		logger.Warn().Err(gerr).Msg("Guard evaluation failed, treating predicate as false")
		ex.publish(ctx, EventTypeGuardError, res, action, gerr.Error(), nil)
	}
	if !decision.Run {
		rec.Status = StatusSkipped
		rec.SkipReason = SkipReasonGuard
		rec.Guard = decision.SuppressedBy.String()
		rec.Duration = time.Since(rec.StartedAt)
		span.SetAttributes(attribute.String("status", string(rec.Status)))
		logger.Info().Str("guard", rec.Guard).Msg("Skipped by guard")
		ex.record(ctx, res, rec)
		return nil
	}

	ex.publish(ctx, EventTypeActionStarted, res, action, fmt.Sprintf("Running %s %s", res.ID, action), nil)

	outcome, err := ex.invoke(ctx, res, action)
	rec.Duration = time.Since(rec.StartedAt)
	span.SetAttributes(attribute.String("status", string(outcome)))

	if err != nil {
		aerr := NewActionError("action failed", err).WithResource(res.ID).WithOperation(action)
		rec.Status = StatusFailed
		rec.Error = err.Error()
		span.RecordError(aerr)
		span.SetStatus(codes.Error, aerr.Error())
		ex.record(ctx, res, rec)

		if res.IgnoreFailure {
			ex.results[res.ID].IgnoredFailure = true
			logger.Warn().Err(err).Msg("Action failed, continuing because failures are ignored")
			return nil
		}
		logger.Error().Err(err).Msg("Action failed")
		return aerr
	}

	if outcome == OutcomeUnchanged {
		rec.Status = StatusUnchanged
		logger.Debug().Dur("duration", rec.Duration).Msg("Action up to date")
		ex.record(ctx, res, rec)
		return nil
	}

	rec.Status = StatusChanged
	logger.Info().Dur("duration", rec.Duration).Msg("Action changed resource")
	ex.record(ctx, res, rec)

	return ex.notify(ctx, res, depth)
}

// invoke calls the probe (dry run) or the ensure function. A panic in a
// provider is converted into a failure.
func (ex *execution) invoke(ctx context.Context, res *Resource, action Action) (outcome Outcome, err error) {
	table := ex.plan.tables[res.ID.Type]
	handler, ok := table.Handler(action)
	if !ok {
		return OutcomeFailed, fmt.Errorf("action %s is not supported by %s", action, res.ID.Type)
	}

	defer func() {
		if p := recover(); p != nil {
			outcome = OutcomeFailed
			err = fmt.Errorf("provider panicked: %v", p)
		}
	}()

	if ex.opts.DryRun {
		if handler.Probe == nil {
			return OutcomeChanged, nil
		}
		converged, err := handler.Probe(ctx, res)
		if err != nil {
			return OutcomeFailed, err
		}
		if converged {
			return OutcomeUnchanged, nil
		}
		return OutcomeChanged, nil
	}

	outcome, err = handler.Ensure(ctx, res)
	if err != nil {
		return OutcomeFailed, err
	}
	switch outcome {
	case OutcomeUnchanged, OutcomeChanged:
		return outcome, nil
	case OutcomeFailed:
		return OutcomeFailed, fmt.Errorf("ensure reported failure")
	default:
		return OutcomeFailed, fmt.Errorf("ensure returned invalid outcome %q", outcome)
	}
}

// notify delivers the notifications of a changed resource: immediate ones run
// now through execute, delayed ones are queued.
func (ex *execution) notify(ctx context.Context, res *Resource, depth int) error {
	for _, n := range ex.plan.notifications[res.ID] {
		target, _ := ex.plan.collection.Get(n.Target)

		if n.EffectiveTiming() == TimingImmediate {
			if depth+1 > ex.runner.maxDepth {
				return NewActionError(
					fmt.Sprintf("immediate notification chain exceeds %d levels", ex.runner.maxDepth), nil).
					WithResource(res.ID).
					WithOperation(n.Action).
					WithCode(ErrCodeNotificationLoop).
					WithDetail("target", n.Target.String())
			}
			ex.runner.metrics.RecordNotification(TimingImmediate)
			source := res.ID
			if err := ex.execute(ctx, target, n.Action, TriggerImmediate, &source, depth+1); err != nil {
				return err
			}
			continue
		}

		if ex.queue.Schedule(n) {
			ex.runner.metrics.RecordNotification(TimingDelayed)
			ex.logger.Debug().
				Str("source", res.ID.String()).
				Str("target", n.Target.String()).
				Str("action", string(n.Action)).
				Msg("Queued delayed notification")
			ex.publish(ctx, EventTypeNotificationQueued, target, n.Action,
				fmt.Sprintf("%s queued %s on %s", res.ID, n.Action, n.Target), nil)
		}
	}
	return nil
}

func (ex *execution) record(ctx context.Context, res *Resource, rec Execution) {
	ex.report.Executions = append(ex.report.Executions, rec)

	result, ok := ex.results[res.ID]
	if !ok {
		result = &ResourceResult{ID: res.ID}
		ex.results[res.ID] = result
	}
	aggregate(result, rec)

	ex.runner.metrics.RecordAction(res.ID.Type, rec.Action, rec.Status, rec.Duration)

	var eventType EventType
	switch rec.Status {
	case StatusFailed:
		eventType = EventTypeActionFailed
	case StatusSkipped:
		eventType = EventTypeActionSkipped
	default:
		eventType = EventTypeActionCompleted
	}
	data := map[string]interface{}{
		"status":  string(rec.Status),
		"trigger": string(rec.Trigger),
	}
	if rec.SkipReason != "" {
		data["skip_reason"] = string(rec.SkipReason)
	}
	if rec.Error != "" {
		data["error"] = rec.Error
	}
	ex.publish(ctx, eventType, res, rec.Action, fmt.Sprintf("%s %s: %s", res.ID, rec.Action, rec.Status), data)
}

// abort marks resources that were never reached.
func (ex *execution) abort(resources []*Resource) {
	for _, res := range resources {
		if _, ok := ex.results[res.ID]; ok {
			continue
		}
		ex.results[res.ID] = &ResourceResult{
			ID:         res.ID,
			Status:     StatusSkipped,
			SkipReason: SkipReasonAborted,
		}
	}
}

// finish builds the final report. Every declared resource gets a terminal status.
func (ex *execution) finish(runErr error) *Report {
	report := ex.report
	report.CompletedAt = time.Now()

	for _, res := range ex.plan.collection.Resources() {
		result, ok := ex.results[res.ID]
		if !ok {
			result = &ResourceResult{ID: res.ID, Status: StatusSkipped, SkipReason: SkipReasonAborted}
		}
		report.Resources = append(report.Resources, *result)
	}

	if runErr != nil {
		report.Status = RunStatusFailed
		report.Error = runErr.Error()
		report.err = runErr
	} else {
		report.Status = RunStatusSucceeded
	}
	return report
}

func (ex *execution) publish(
	ctx context.Context,
	eventType EventType,
	res *Resource,
	action Action,
	message string,
	data map[string]interface{},
) {
	if ex.runner.eventPublisher == nil {
		return
	}

	event := Event{
		ID:        uuid.New().String(),
		RunID:     ex.report.RunID,
		Type:      eventType,
		Action:    string(action),
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
	if res != nil {
		event.Resource = res.ID.String()
	}

	// Publish failures never fail the run.
	if err := ex.runner.eventPublisher.Publish(ctx, event); err != nil {
		ex.logger.Warn().Err(err).Str("event", string(eventType)).Msg("Failed to publish event")
	}
}
