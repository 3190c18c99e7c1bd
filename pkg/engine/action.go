package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EnsureFunc drives the system toward the desired state of an action.
// It must be idempotent. A non-nil error means the action failed.
type EnsureFunc func(ctx context.Context, r *Resource) (Outcome, error)

// ProbeFunc reports whether the system already satisfies an action without
// modifying it. Used for dry runs.
type ProbeFunc func(ctx context.Context, r *Resource) (converged bool, err error)

// DecodeFunc converts a raw property bag into the provider's typed spec.
type DecodeFunc func(props map[string]interface{}) (interface{}, error)

// ActionHandler implements a single action of a resource type.
type ActionHandler struct {
	// Ensure performs the action.
	Ensure EnsureFunc

	// Probe inspects current state. Optional.
	Probe ProbeFunc
}

// ActionTable maps the actions of a resource type to their handlers.
type ActionTable struct {
	// Type is the resource type served by the table.
	Type string

	// DefaultAction is used when a resource declares no action.
	DefaultAction Action

	// Decode validates and converts properties at declaration time. Optional.
	Decode DecodeFunc

	// Actions maps action names to handlers.
	Actions map[Action]ActionHandler
}

// Handler returns the handler for an action.
func (t *ActionTable) Handler(action Action) (ActionHandler, bool) {
	h, ok := t.Actions[action]
	return h, ok
}

// Supports reports whether the table accepts an action. ActionNothing is always accepted.
func (t *ActionTable) Supports(action Action) bool {
	if action == ActionNothing {
		return true
	}
	_, ok := t.Actions[action]
	return ok
}

// ActionNames returns the sorted list of supported actions.
func (t *ActionTable) ActionNames() []Action {
	names := make([]Action, 0, len(t.Actions))
	for a := range t.Actions {
		names = append(names, a)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Registry holds the action tables for every known resource type.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*ActionTable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*ActionTable)}
}

// Register adds an action table. Registering a type twice is an error.
func (r *Registry) Register(table *ActionTable) error {
	if table == nil || table.Type == "" {
		return fmt.Errorf("action table must have a type")
	}
	if len(table.Actions) == 0 {
		return fmt.Errorf("action table %s declares no actions", table.Type)
	}
	if table.DefaultAction != "" && !table.Supports(table.DefaultAction) {
		return fmt.Errorf("action table %s: default action %s is not declared", table.Type, table.DefaultAction)
	}
	for action, h := range table.Actions {
		if h.Ensure == nil {
			return fmt.Errorf("action table %s: action %s has no ensure function", table.Type, action)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tables[table.Type]; exists {
		return fmt.Errorf("resource type %s already registered", table.Type)
	}
	r.tables[table.Type] = table
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(table *ActionTable) {
	if err := r.Register(table); err != nil {
		panic(err)
	}
}

// Lookup returns the table for a resource type.
func (r *Registry) Lookup(resourceType string) (*ActionTable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[resourceType]
	return t, ok
}

// Types returns the registered resource types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.tables))
	for t := range r.tables {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
