package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently converging.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every declared resource reached a terminal state
	// without an unhandled failure.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run halted on an action failure, a notification
	// loop, or cancellation.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Outcome is the result reported by an ensure function.
type Outcome string

const (
	// OutcomeUnchanged indicates the resource was already in the desired state.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeChanged indicates the ensure function modified the system.
	OutcomeChanged Outcome = "changed"

	// OutcomeFailed indicates the desired state could not be achieved.
	OutcomeFailed Outcome = "failed"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeUnchanged, OutcomeChanged, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// ExecutionStatus is the terminal status of a resource or of one action execution.
type ExecutionStatus string

const (
	// StatusUnchanged indicates the action ran and found nothing to do.
	StatusUnchanged ExecutionStatus = "unchanged"

	// StatusChanged indicates the action ran and modified the system.
	StatusChanged ExecutionStatus = "changed"

	// StatusFailed indicates the action ran and failed.
	StatusFailed ExecutionStatus = "failed"

	// StatusSkipped indicates the action did not run. See SkipReason.
	StatusSkipped ExecutionStatus = "skipped"
)

// IsTerminal returns true for every valid status; a report never holds
// in-flight entries.
func (s ExecutionStatus) IsTerminal() bool {
	return s.Validate() == nil
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case StatusUnchanged, StatusChanged, StatusFailed, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// rank orders statuses for per-resource aggregation: failed > changed > unchanged > skipped.
func (s ExecutionStatus) rank() int {
	switch s {
	case StatusFailed:
		return 3
	case StatusChanged:
		return 2
	case StatusUnchanged:
		return 1
	default:
		return 0
	}
}

// SkipReason explains why an execution was skipped.
type SkipReason string

const (
	// SkipReasonGuard indicates a guard suppressed the action.
	SkipReasonGuard SkipReason = "guard"

	// SkipReasonActionNothing indicates the declared action was "nothing".
	SkipReasonActionNothing SkipReason = "action_nothing"

	// SkipReasonAborted indicates the run halted before reaching the resource.
	SkipReasonAborted SkipReason = "aborted"
)

// Trigger records what caused an action to execute.
type Trigger string

const (
	// TriggerDeclared indicates the action ran as part of the declared list.
	TriggerDeclared Trigger = "declared"

	// TriggerImmediate indicates an immediate notification ran the action.
	TriggerImmediate Trigger = "immediate"

	// TriggerDelayed indicates a delayed notification ran the action during the flush.
	TriggerDelayed Trigger = "delayed"
)

// Timing controls when a notification fires.
type Timing string

const (
	// TimingDelayed runs the notification once, after every declared resource.
	TimingDelayed Timing = "delayed"

	// TimingImmediate runs the notification before the runner advances.
	TimingImmediate Timing = "immediate"
)

// Validate checks if the timing is valid.
func (t Timing) Validate() error {
	switch t {
	case TimingDelayed, TimingImmediate:
		return nil
	default:
		return fmt.Errorf("invalid notification timing: %s", t)
	}
}

// GuardKind selects how a guard predicate gates an action.
type GuardKind string

const (
	// GuardOnlyIf runs the action only if the predicate is true.
	GuardOnlyIf GuardKind = "only_if"

	// GuardNotIf runs the action only if the predicate is false.
	GuardNotIf GuardKind = "not_if"
)

// Validate checks if the guard kind is valid.
func (k GuardKind) Validate() error {
	switch k {
	case GuardOnlyIf, GuardNotIf:
		return nil
	default:
		return fmt.Errorf("invalid guard kind: %s", k)
	}
}

// EventType represents the type of event in the run timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run has completed successfully.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeActionStarted indicates an action has begun executing.
	EventTypeActionStarted EventType = "action_started"

	// EventTypeActionCompleted indicates an action finished unchanged or changed.
	EventTypeActionCompleted EventType = "action_completed"

	// EventTypeActionFailed indicates an action failed.
	EventTypeActionFailed EventType = "action_failed"

	// EventTypeActionSkipped indicates an action was skipped.
	EventTypeActionSkipped EventType = "action_skipped"

	// EventTypeNotificationQueued indicates a delayed notification was queued.
	EventTypeNotificationQueued EventType = "notification_queued"

	// EventTypeGuardError indicates a guard predicate could not be evaluated.
	EventTypeGuardError EventType = "guard_error"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeActionFailed:
		return "error"
	case EventTypeGuardError:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}
