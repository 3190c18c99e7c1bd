package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Recipe is a decoded recipe file.
type Recipe struct {
	// Name is the run-list name of the recipe (e.g., "mysql::server").
	Name string `json:"-"`

	// File is the recipe source file.
	File string `json:"-"`

	// Include lists recipes evaluated before this one's resources.
	Include []string `json:"include,omitempty"`

	// SetUnless sets computed attributes that are not already set, keyed by dotted path.
	SetUnless map[string]interface{} `json:"set_unless,omitempty"`

	// Resources are declared in order.
	Resources []ResourceConfig `json:"resources,omitempty" validate:"dive"`
}

// ResourceConfig is a resource declaration as written in a recipe.
type ResourceConfig struct {
	// Type is the resource type (e.g., "package", "template").
	Type string `json:"type" validate:"required"`

	// Name is the resource name, unique per type.
	Name string `json:"name" validate:"required"`

	// Action is a single action or a list of actions.
	Action StringList `json:"action,omitempty"`

	// Properties are the provider properties.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Notifies lists notifications sent when this resource changes.
	Notifies []NotificationConfig `json:"notifies,omitempty" validate:"dive"`

	// Subscribes lists resources whose changes trigger an action here.
	Subscribes []NotificationConfig `json:"subscribes,omitempty" validate:"dive"`

	// OnlyIf guards must all hold for the action to run.
	OnlyIf GuardList `json:"only_if,omitempty" validate:"dive"`

	// NotIf guards must all fail for the action to run.
	NotIf GuardList `json:"not_if,omitempty" validate:"dive"`

	// Creates skips the action when the path exists.
	Creates string `json:"creates,omitempty"`

	// IgnoreFailure continues the run when the action fails.
	IgnoreFailure bool `json:"ignore_failure,omitempty"`
}

// NotificationConfig is a notifies or subscribes entry.
type NotificationConfig struct {
	// Action is the action to trigger.
	Action string `json:"action" validate:"required"`

	// Resource is the other resource as "type[name]".
	Resource string `json:"resource" validate:"required"`

	// Timing is "delayed" (default) or "immediate".
	Timing string `json:"timing,omitempty" validate:"omitempty,oneof=delayed immediate immediately"`
}

// GuardConfig describes one guard predicate. Exactly one of Command, Path,
// Attribute or Starlark is set.
type GuardConfig struct {
	// Command holds when the shell command exits 0.
	Command string `json:"command,omitempty"`

	// Path holds when the path exists.
	Path string `json:"path,omitempty"`

	// Attribute holds when the attribute is truthy, or equals Equals when set.
	Attribute string `json:"attribute,omitempty"`

	// Equals is compared with the attribute value.
	Equals interface{} `json:"equals,omitempty"`

	// Starlark is an expression with attr(), has_attr() and exists() builtins.
	Starlark string `json:"starlark,omitempty"`

	// Timeout bounds command guards.
	Timeout string `json:"timeout,omitempty"`
}

// kind returns which predicate the guard uses.
func (g GuardConfig) kind() (string, error) {
	var kinds []string
	if g.Command != "" {
		kinds = append(kinds, "command")
	}
	if g.Path != "" {
		kinds = append(kinds, "path")
	}
	if g.Attribute != "" {
		kinds = append(kinds, "attribute")
	}
	if g.Starlark != "" {
		kinds = append(kinds, "starlark")
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("guard must set one of command, path, attribute or starlark")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("guard sets more than one of %v", kinds)
	}
}

// StringList accepts either a string or a list of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = list
	return nil
}

// GuardList accepts a command string, a guard object, or a list of either.
type GuardList []GuardConfig

// UnmarshalJSON implements json.Unmarshaler.
func (l *GuardList) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	items, ok := raw.([]interface{})
	if !ok {
		items = []interface{}{raw}
	}

	guards := make(GuardList, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			guards = append(guards, GuardConfig{Command: v})
		case map[string]interface{}:
			b, err := json.Marshal(v)
			if err != nil {
				return err
			}
			var g GuardConfig
			if err := json.Unmarshal(b, &g); err != nil {
				return err
			}
			guards = append(guards, g)
		default:
			return fmt.Errorf("guard must be a command string or object, got %T", item)
		}
	}
	*l = guards
	return nil
}

// ValidationError represents a recipe error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "resources[2].properties").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// String formats the error with its location.
func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		loc = fmt.Sprintf("%s %s", loc, e.Path)
	}
	if loc == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", loc, e.Message)
}

// RecipeError collects the errors of one recipe file.
type RecipeError struct {
	Recipe string
	Errors []ValidationError
}

// Error implements error.
func (e *RecipeError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("recipe %s: %s", e.Recipe, e.Errors[0])
	}
	msg := fmt.Sprintf("recipe %s: %d errors", e.Recipe, len(e.Errors))
	for _, ve := range e.Errors {
		msg += "\n  " + ve.String()
	}
	return msg
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
