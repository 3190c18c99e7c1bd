package engine

import (
	"fmt"
	"strings"
	"time"
)

// Action names a verb on a resource type (create, install, restart, ...).
type Action string

// ActionNothing is valid for every resource type and never runs unless notified.
const ActionNothing Action = "nothing"

// ResourceID uniquely identifies a resource within a collection.
type ResourceID struct {
	// Type is the resource type (e.g., "package", "service").
	Type string `json:"type"`

	// Name is the resource name, unique within its type.
	Name string `json:"name"`
}

// String returns the canonical form type[name].
func (id ResourceID) String() string {
	return id.Type + "[" + id.Name + "]"
}

// IsZero reports whether the identifier is empty.
func (id ResourceID) IsZero() bool {
	return id.Type == "" && id.Name == ""
}

// ParseResourceID parses the canonical form type[name].
func ParseResourceID(s string) (ResourceID, error) {
	open := strings.IndexByte(s, '[')
	if open <= 0 || !strings.HasSuffix(s, "]") || open == len(s)-2 {
		return ResourceID{}, fmt.Errorf("invalid resource reference %q: expected type[name]", s)
	}
	return ResourceID{Type: s[:open], Name: s[open+1 : len(s)-1]}, nil
}

// MustParseResourceID is like ParseResourceID but panics on malformed input.
func MustParseResourceID(s string) ResourceID {
	id, err := ParseResourceID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Resource is a named, typed declaration of desired state.
// Resources must not be modified after they are added to a Collection.
type Resource struct {
	// ID is the resource identifier.
	ID ResourceID `json:"id"`

	// Actions are the declared actions, executed in order. Empty means the
	// action table's default action.
	Actions []Action `json:"actions"`

	// Properties is the raw property bag as declared.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Spec holds the typed properties decoded by the action table during validation.
	Spec interface{} `json:"-"`

	// Guards gate every action of the resource, evaluated in declaration order.
	Guards []Guard `json:"-"`

	// Notifications are fired when one of the resource's actions reports Changed.
	Notifications []Notification `json:"notifications,omitempty"`

	// Subscriptions declare interest in another resource's changes. They are
	// converted into notifications on the subscribed-to resource during validation.
	Subscriptions []Subscription `json:"subscriptions,omitempty"`

	// IgnoreFailure marks the resource best-effort: its failures are recorded
	// but do not halt the run.
	IgnoreFailure bool `json:"ignore_failure,omitempty"`

	// Recipe is the name of the recipe that declared the resource.
	Recipe string `json:"recipe,omitempty"`

	// Index is the position of the resource in declaration order.
	Index int `json:"index"`
}

// Guard is a predicate gating a resource's actions.
type Guard struct {
	// Kind is only_if or not_if.
	Kind GuardKind

	// Predicate is evaluated fresh on every run.
	Predicate Predicate

	// Description is a human-readable rendering used in logs and reports.
	Description string
}

// String renders the guard for logs.
func (g Guard) String() string {
	if g.Description != "" {
		return string(g.Kind) + " " + g.Description
	}
	return string(g.Kind)
}

// Notification requests that Target run Action when the source resource changes.
type Notification struct {
	// Source is the resource whose change triggers the notification.
	Source ResourceID `json:"source"`

	// Target is the resource to notify.
	Target ResourceID `json:"target"`

	// Action is the action to run on the target.
	Action Action `json:"action"`

	// Timing is immediate or delayed. Empty means delayed.
	Timing Timing `json:"timing,omitempty"`
}

// key returns the deduplication key of a delayed notification.
func (n Notification) key() notificationKey {
	return notificationKey{target: n.Target, action: n.Action}
}

// EffectiveTiming returns the timing, defaulting to delayed.
func (n Notification) EffectiveTiming() Timing {
	if n.Timing == "" {
		return TimingDelayed
	}
	return n.Timing
}

// Subscription is the inverse of a notification: the declaring resource runs
// Action when Source changes.
type Subscription struct {
	// Source is the resource being watched.
	Source ResourceID `json:"source"`

	// Action is the action to run on the subscriber.
	Action Action `json:"action"`

	// Timing is immediate or delayed. Empty means delayed.
	Timing Timing `json:"timing,omitempty"`
}

// Execution records a single attempted action in execution order.
type Execution struct {
	// Resource is the resource the action belongs to.
	Resource ResourceID `json:"resource"`

	// Action is the action that was attempted.
	Action Action `json:"action"`

	// Trigger records whether the action was declared or notified.
	Trigger Trigger `json:"trigger"`

	// Source is the notifying resource, set for notification triggers.
	Source *ResourceID `json:"source,omitempty"`

	// Status is the terminal status of the action.
	Status ExecutionStatus `json:"status"`

	// SkipReason is set when Status is skipped.
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// Guard is the guard that suppressed the action, if any.
	Guard string `json:"guard,omitempty"`

	// Error is the failure message when Status is failed.
	Error string `json:"error,omitempty"`

	// GuardErrors lists guard predicates that could not be evaluated.
	GuardErrors []string `json:"guard_errors,omitempty"`

	// DryRun marks a simulated execution.
	DryRun bool `json:"dry_run,omitempty"`

	// StartedAt is when the action started.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the action took.
	Duration time.Duration `json:"duration"`
}

// ResourceResult is the aggregated terminal status of a declared resource.
type ResourceResult struct {
	// ID is the resource identifier.
	ID ResourceID `json:"id"`

	// Status is the aggregated status across every execution of the resource.
	Status ExecutionStatus `json:"status"`

	// SkipReason is set when Status is skipped.
	SkipReason SkipReason `json:"skip_reason,omitempty"`

	// Error is the last failure message, if any.
	Error string `json:"error,omitempty"`

	// IgnoredFailure marks a best-effort resource that failed.
	IgnoredFailure bool `json:"ignored_failure,omitempty"`
}

// Event represents a timeline event during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Resource is the resource involved, if any.
	Resource string `json:"resource,omitempty"`

	// Action is the action involved, if any.
	Action string `json:"action,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Data contains event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// RunOptions controls a single convergence pass.
type RunOptions struct {
	// DryRun probes current state instead of ensuring it.
	DryRun bool `json:"dry_run"`

	// User is recorded on the report for history.
	User string `json:"user,omitempty"`

	// RunList is the list of recipes that produced the collection.
	RunList []string `json:"run_list,omitempty"`
}
