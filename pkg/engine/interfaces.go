package engine

import (
	"context"
	"time"
)

// PropertySource resolves attribute paths with precedence already applied.
type PropertySource interface {
	// Lookup returns the value at a dot-separated path.
	Lookup(path string) (interface{}, bool)
}

// EventPublisher publishes events during a run.
type EventPublisher interface {
	// Publish publishes an event to subscribers.
	Publish(ctx context.Context, event Event) error
}

// MetricsRecorder records run and action measurements.
type MetricsRecorder interface {
	// RecordRun records a finished run.
	RecordRun(status RunStatus, dryRun bool, duration time.Duration)

	// RecordAction records a finished action execution.
	RecordAction(resourceType string, action Action, status ExecutionStatus, duration time.Duration)

	// RecordGuardError records a guard predicate that could not be evaluated.
	RecordGuardError(resourceType string)

	// RecordNotification records a notification scheduled or run.
	RecordNotification(timing Timing)
}

type noopMetrics struct{}

func (noopMetrics) RecordRun(RunStatus, bool, time.Duration) {}
func (noopMetrics) RecordAction(string, Action, ExecutionStatus, time.Duration) {}
func (noopMetrics) RecordGuardError(string) {}
func (noopMetrics) RecordNotification(Timing) {}

type emptySource struct{}

func (emptySource) Lookup(string) (interface{}, bool) { return nil, false }
