package policy

import (
	"fmt"
	"time"

	"github.com/openfroyo/galley/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity: %s", s)
	}
}

// Blocking reports whether violations of this severity stop a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the resource that violated the policy, as type[name].
	Resource string `json:"resource,omitempty"`

	// Recipe is the recipe that declared the resource.
	Recipe string `json:"recipe,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// String formats the violation for terminal output.
func (v PolicyViolation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s: %s", v.Severity, v.Policy, v.Resource, v.Message)
}

// PolicyResult represents the result of policy evaluation.
type PolicyResult struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations in declaration order.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Errors lists policies that could not be evaluated.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that stop a run.
func (r *PolicyResult) Blocking() []PolicyViolation {
	var out []PolicyViolation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Err returns a validation error listing blocking violations, or nil when
// the collection is allowed.
func (r *PolicyResult) Err() error {
	blocking := r.Blocking()
	if len(blocking) == 0 {
		return nil
	}
	errs := make(engine.ValidationErrors, 0, len(blocking))
	for _, v := range blocking {
		e := engine.NewValidationError(v.Message, nil).
			WithCode(engine.ErrCodePolicyViolation).
			WithDetail("policy", v.Policy).
			WithDetail("severity", string(v.Severity))
		if id, err := engine.ParseResourceID(v.Resource); err == nil {
			e = e.WithResource(id)
		}
		errs = append(errs, e)
	}
	return errs
}

// PolicyInput represents the input document for policy evaluation.
type PolicyInput struct {
	// Resource is the resource being evaluated.
	Resource *ResourceInput `json:"resource"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// ResourceInput is the view of a declared resource exposed to policies.
type ResourceInput struct {
	// ID is the resource identifier as type[name].
	ID string `json:"id"`

	// Type is the resource type.
	Type string `json:"type"`

	// Name is the resource name.
	Name string `json:"name"`

	// Actions are the declared actions.
	Actions []string `json:"actions"`

	// Properties is the raw property bag.
	Properties map[string]interface{} `json:"properties"`

	// Guards are the guard descriptions, e.g. `only_if "test -f x"`.
	Guards []string `json:"guards"`

	// Notifies lists notification targets as type[name].
	Notifies []string `json:"notifies"`

	// Subscribes lists watched resources as type[name].
	Subscribes []string `json:"subscribes"`

	// IgnoreFailure marks a best-effort resource.
	IgnoreFailure bool `json:"ignore_failure"`

	// Recipe is the declaring recipe.
	Recipe string `json:"recipe,omitempty"`
}

// NewResourceInput builds the policy view of a resource.
func NewResourceInput(r *engine.Resource) *ResourceInput {
	in := &ResourceInput{
		ID:            r.ID.String(),
		Type:          r.ID.Type,
		Name:          r.ID.Name,
		Actions:       []string{},
		Properties:    r.Properties,
		Guards:        []string{},
		Notifies:      []string{},
		Subscribes:    []string{},
		IgnoreFailure: r.IgnoreFailure,
		Recipe:        r.Recipe,
	}
	if in.Properties == nil {
		in.Properties = map[string]interface{}{}
	}
	for _, a := range r.Actions {
		in.Actions = append(in.Actions, string(a))
	}
	for _, g := range r.Guards {
		in.Guards = append(in.Guards, g.String())
	}
	for _, n := range r.Notifications {
		in.Notifies = append(in.Notifies, n.Target.String())
	}
	for _, s := range r.Subscriptions {
		in.Subscribes = append(in.Subscribes, s.Source.String())
	}
	return in
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// RunList is the list of recipes being converged.
	RunList []string `json:"run_list,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is "validate" or "run".
	Operation string `json:"operation,omitempty"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
