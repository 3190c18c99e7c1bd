package engine

import (
	"context"
	"fmt"
)

// GuardContext is passed to guard predicates.
type GuardContext struct {
	// Resource is the resource being guarded.
	Resource *Resource

	// Attributes resolves node attributes.
	Attributes PropertySource
}

// Predicate is a boolean test evaluated at run time.
type Predicate interface {
	Evaluate(ctx context.Context, gc GuardContext) (bool, error)
}

// PredicateFunc adapts a function to the Predicate interface.
type PredicateFunc func(ctx context.Context, gc GuardContext) (bool, error)

// Evaluate calls f.
func (f PredicateFunc) Evaluate(ctx context.Context, gc GuardContext) (bool, error) {
	return f(ctx, gc)
}

// OnlyIf builds an only_if guard.
func OnlyIf(description string, p Predicate) Guard {
	return Guard{Kind: GuardOnlyIf, Predicate: p, Description: description}
}

// NotIf builds a not_if guard.
func NotIf(description string, p Predicate) Guard {
	return Guard{Kind: GuardNotIf, Predicate: p, Description: description}
}

// GuardDecision is the result of evaluating a resource's guards.
type GuardDecision struct {
	// Run is true when every guard permits the action.
	Run bool

	// SuppressedBy is the first guard that suppressed the action.
	SuppressedBy *Guard

	// Errors holds predicate errors. Each failed predicate counted as false.
	Errors []error
}

// EvaluateGuards evaluates guards in order with AND semantics, stopping at the
// first guard that suppresses. A predicate error is treated as false: only_if
// suppresses, not_if permits.
func EvaluateGuards(ctx context.Context, guards []Guard, gc GuardContext) GuardDecision {
	decision := GuardDecision{Run: true}
	for i := range guards {
		g := guards[i]
		value, err := evaluatePredicate(ctx, g, gc)
		if err != nil {
			gerr := NewGuardError(fmt.Sprintf("guard %s could not be evaluated", g), err)
			if gc.Resource != nil {
				gerr = gerr.WithResource(gc.Resource.ID)
			}
			decision.Errors = append(decision.Errors, gerr)
			value = false
		}

		permits := value
		if g.Kind == GuardNotIf {
			permits = !value
		}
		if !permits {
			decision.Run = false
			decision.SuppressedBy = &g
			return decision
		}
	}
	return decision
}

func evaluatePredicate(ctx context.Context, g Guard, gc GuardContext) (value bool, err error) {
	if g.Predicate == nil {
		return false, fmt.Errorf("guard has no predicate")
	}
	if err := g.Kind.Validate(); err != nil {
		return false, err
	}
	defer func() {
		if r := recover(); r != nil {
			value = false
			err = fmt.Errorf("predicate panicked: %v", r)
		}
	}()
	return g.Predicate.Evaluate(ctx, gc)
}
