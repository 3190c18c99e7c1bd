package config

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	builtins := map[string]string{
		"recipe":       "#Recipe",
		"resource":     "#Resource",
		"notification": "#Notification",
		"guard":        "#Guard",
	}
	for name, def := range builtins {
		if err := sr.RegisterSchema(name, builtinRecipeSchema, def); err != nil {
			panic(fmt.Sprintf("invalid built-in schema %s: %v", name, err))
		}
	}
}

// RegisterSchema compiles source and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, source, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateValue validates a CUE value against a named schema, keeping source positions.
func (sr *SchemaRegistry) ValidateValue(schemaName string, val cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(val).Validate(cue.Concrete(true))
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PropertiesSchema names the schema that constrains the properties of a
// resource type.
func PropertiesSchema(resourceType string) string {
	return "properties." + resourceType
}

// ValidateProperties validates resource properties against the schema
// registered for the resource type. Types without a schema always pass.
func (sr *SchemaRegistry) ValidateProperties(ctx context.Context, resourceType string, properties map[string]interface{}) error {
	name := PropertiesSchema(resourceType)
	if _, ok := sr.GetSchema(name); !ok {
		return nil
	}
	if properties == nil {
		properties = map[string]interface{}{}
	}
	return sr.ValidateAgainstSchema(ctx, name, integral(properties))
}

// integral converts whole float64 values to int64 so that int constraints
// hold for recipe numbers, which decode as float64.
func integral(v interface{}) interface{} {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = integral(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = integral(item)
		}
		return out
	default:
		return v
	}
}

const builtinRecipeSchema = `
// Notification links two resources.
#Notification: {
	// Action is the action triggered on the receiving resource.
	action: string & !=""

	// Resource is the other resource as "type[name]".
	resource: =~"^[a-z_][a-z0-9_]*\\[.+\\]$"

	// Timing defaults to delayed.
	timing?: "delayed" | "immediate" | "immediately"
}

// Guard is a command string or a predicate object.
#Guard: string | {
	command?:   string
	path?:      string
	attribute?: string
	equals?:    _
	starlark?:  string
	timeout?:   string
}

// Resource is one declared resource.
#Resource: {
	type:            =~"^[a-z_][a-z0-9_]*$"
	name:            string & !=""
	action?:         string | [...string]
	properties?:     {...}
	notifies?:       [...#Notification]
	subscribes?:     [...#Notification]
	only_if?:        #Guard | [...#Guard]
	not_if?:         #Guard | [...#Guard]
	creates?:        string
	ignore_failure?: bool
}

// Recipe is a recipe file. Other top-level fields are allowed as helpers.
#Recipe: {
	include?:    [...string]
	set_unless?: {[string]: _}
	resources?:  [...#Resource]
	...
}
`
