package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// CUEParser parses and validates recipe files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ParseFile parses a recipe file. node is visible to the recipe as the
// identifier "node".
func (cp *CUEParser) ParseFile(name, path string, node map[string]interface{}) (*Recipe, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe %s: %w", name, err)
	}
	return cp.Parse(name, path, content, node)
}

// ParseInline parses recipe content that does not come from a file.
func (cp *CUEParser) ParseInline(name, content string, node map[string]interface{}) (*Recipe, error) {
	return cp.Parse(name, name+".cue", []byte(content), node)
}

// Preamble holds the parts of a recipe needed before its resources are
// evaluated.
type Preamble struct {
	// Include lists recipes to evaluate first.
	Include []string

	// SetUnless maps attribute paths to computed defaults.
	SetUnless map[string]interface{}
}

// ParsePreamble reads include and set_unless without validating the rest of
// the recipe, which may reference attributes that are not yet set.
func (cp *CUEParser) ParsePreamble(name, filename string, content []byte, node map[string]interface{}) (*Preamble, error) {
	if node == nil {
		node = map[string]interface{}{}
	}
	scope := cp.ctx.Encode(map[string]interface{}{"node": node})
	if err := scope.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode node attributes: %w", err)
	}
	val := cp.ctx.CompileBytes(content, cue.Filename(filename), cue.Scope(scope))

	pre := &Preamble{}
	if inc := val.LookupPath(cue.ParsePath("include")); inc.Exists() {
		if err := inc.Decode(&pre.Include); err != nil {
			return nil, &RecipeError{Recipe: name, Errors: cp.convertCUEErrors(err)}
		}
	}
	if su := val.LookupPath(cue.ParsePath("set_unless")); su.Exists() {
		if err := su.Decode(&pre.SetUnless); err != nil {
			return nil, &RecipeError{Recipe: name, Errors: cp.convertCUEErrors(err)}
		}
	}
	return pre, nil
}

func (cp *CUEParser) compile(name, filename string, content []byte, node map[string]interface{}) (cue.Value, error) {
	if node == nil {
		node = map[string]interface{}{}
	}
	scope := cp.ctx.Encode(map[string]interface{}{"node": node})
	if err := scope.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to encode node attributes: %w", err)
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(filename), cue.Scope(scope))
	if err := val.Err(); err != nil {
		return cue.Value{}, &RecipeError{Recipe: name, Errors: cp.convertCUEErrors(err)}
	}
	return val, nil
}

// Parse compiles, schema-checks and decodes recipe content.
func (cp *CUEParser) Parse(name, filename string, content []byte, node map[string]interface{}) (*Recipe, error) {
	val, err := cp.compile(name, filename, content, node)
	if err != nil {
		return nil, err
	}

	if err := cp.schemaRegistry.ValidateValue("recipe", val); err != nil {
		return nil, &RecipeError{Recipe: name, Errors: cp.convertCUEErrors(err)}
	}

	data, err := val.MarshalJSON()
	if err != nil {
		return nil, &RecipeError{Recipe: name, Errors: cp.convertCUEErrors(err)}
	}

	recipe := &Recipe{Name: name, File: filename}
	if err := json.Unmarshal(data, recipe); err != nil {
		return nil, &RecipeError{Recipe: name, Errors: []ValidationError{{
			File:     filename,
			Message:  fmt.Sprintf("failed to decode recipe: %v", err),
			Severity: "error",
		}}}
	}

	if errs := cp.check(recipe); len(errs) > 0 {
		return nil, &RecipeError{Recipe: name, Errors: errs}
	}
	return recipe, nil
}

// check applies struct validation and guard shape rules to a decoded recipe.
func (cp *CUEParser) check(recipe *Recipe) []ValidationError {
	var errs []ValidationError
	if err := cp.validator.Struct(recipe); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					File:     recipe.File,
					Path:     fieldPath(fe.Namespace()),
					Message:  fmt.Sprintf("failed %s validation", fe.Tag()),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, ValidationError{File: recipe.File, Message: err.Error(), Severity: "error"})
		}
	}

	for i, rc := range recipe.Resources {
		for kind, guards := range map[string]GuardList{"only_if": rc.OnlyIf, "not_if": rc.NotIf} {
			for j, g := range guards {
				if _, err := g.kind(); err != nil {
					errs = append(errs, ValidationError{
						File:     recipe.File,
						Path:     fmt.Sprintf("resources[%d].%s[%d]", i, kind, j),
						Message:  err.Error(),
						Severity: "error",
					})
				}
			}
		}
	}
	return errs
}

// fieldPath turns a validator namespace such as "Recipe.Resources[0].Name"
// into "resources[0].name".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Recipe.")
	return strings.ToLower(ns)
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
