package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/galley/pkg/attributes"
	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// Cookbook directory layout.
const (
	RecipesDir    = "recipes"
	AttributesDir = "attributes"
	TemplatesDir  = "templates"
	SchemasDir    = "schemas"
)

// Loader turns a cookbook directory and a run list into a resource collection.
type Loader struct {
	dir      string
	attrs    *attributes.Store
	parser   *CUEParser
	guards   *GuardBuilder
	starlark *StarlarkEvaluator
	logger   zerolog.Logger

	schemasLoaded bool
}

// NewLoader creates a loader for the cookbook at dir. Computed attributes from
// set_unless are written into attrs; command guards run through commander.
func NewLoader(dir string, attrs *attributes.Store, commander system.Commander, logger zerolog.Logger) *Loader {
	if attrs == nil {
		attrs = attributes.NewStore()
	}
	starlark := NewStarlarkEvaluator(0)
	return &Loader{
		dir:      dir,
		attrs:    attrs,
		parser:   NewCUEParser(),
		guards:   NewGuardBuilder(commander, starlark),
		starlark: starlark,
		logger:   logger.With().Str("component", "cookbook").Logger(),
	}
}

// Dir returns the cookbook directory.
func (l *Loader) Dir() string {
	return l.dir
}

// TemplateDir returns the directory templates are resolved against.
func (l *Loader) TemplateDir() string {
	return filepath.Join(l.dir, TemplatesDir)
}

// Attributes returns the attribute store the loader writes into.
func (l *Loader) Attributes() *attributes.Store {
	return l.attrs
}

// Parser returns the recipe parser.
func (l *Loader) Parser() *CUEParser {
	return l.parser
}

// LoadAttributes loads attributes/*.yaml in lexical order into the default
// layer, then runs attributes/*.star scripts in lexical order. A script sees
// the defaults loaded so far as node and its public globals become defaults.
func (l *Loader) LoadAttributes(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(l.dir, AttributesDir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("failed to list attribute files: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		if err := l.attrs.LoadFile(attributes.LayerDefault, f); err != nil {
			return err
		}
		l.logger.Debug().Str("file", f).Msg("Attribute file loaded")
	}

	scripts, err := filepath.Glob(filepath.Join(l.dir, AttributesDir, "*.star"))
	if err != nil {
		return fmt.Errorf("failed to list attribute scripts: %w", err)
	}
	sort.Strings(scripts)

	for _, f := range scripts {
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("failed to read attribute script %s: %w", f, err)
		}
		result, err := l.starlark.Evaluate(ctx, filepath.Base(f), string(content), map[string]interface{}{
			"node": l.attrs.Merged(),
		})
		if err != nil {
			return fmt.Errorf("attribute script %s: %w", f, err)
		}
		if err := l.attrs.Merge(attributes.LayerDefault, result.Output); err != nil {
			return err
		}
		l.logger.Debug().Str("file", f).Dur("duration", result.ExecutionTime).Msg("Attribute script evaluated")
	}
	return nil
}

// RecipePath resolves a recipe name. "mysql::server" maps to
// recipes/mysql/server.cue; "mysql" maps to recipes/mysql.cue or, failing
// that, recipes/mysql/default.cue.
func (l *Loader) RecipePath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty recipe name")
	}
	base := filepath.Join(l.dir, RecipesDir)

	var candidates []string
	if cookbook, recipe, ok := strings.Cut(name, "::"); ok {
		candidates = []string{filepath.Join(base, cookbook, recipe+".cue")}
	} else {
		candidates = []string{
			filepath.Join(base, name+".cue"),
			filepath.Join(base, name, "default.cue"),
		}
	}

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("recipe %s not found in %s", name, base)
}

// Recipes lists the recipe names available in the cookbook, sorted.
func (l *Loader) Recipes() ([]string, error) {
	base := filepath.Join(l.dir, RecipesDir)
	var names []string

	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".cue") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(filepath.ToSlash(rel), ".cue")
		if cookbook, recipe, ok := strings.Cut(rel, "/"); ok {
			if recipe == "default" {
				names = append(names, cookbook)
			} else {
				names = append(names, cookbook+"::"+recipe)
			}
			return nil
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recipes: %w", err)
	}

	sort.Strings(names)
	return slices.Compact(names), nil
}

// Expand evaluates the run list. Includes are expanded depth-first before
// the including recipe's own resources, and each recipe is evaluated once.
func (l *Loader) Expand(ctx context.Context, runList []string) ([]*Recipe, error) {
	seen := make(map[string]bool)
	var recipes []*Recipe
	for _, name := range runList {
		if err := l.expand(ctx, name, seen, &recipes); err != nil {
			return nil, err
		}
	}
	return recipes, nil
}

func (l *Loader) expand(ctx context.Context, name string, seen map[string]bool, out *[]*Recipe) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = canonicalRecipe(name)
	if seen[name] {
		return nil
	}
	seen[name] = true

	path, err := l.RecipePath(name)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read recipe %s: %w", name, err)
	}

	pre, err := l.parser.ParsePreamble(name, path, content, l.attrs.Merged())
	if err != nil {
		return err
	}
	for _, inc := range pre.Include {
		if err := l.expand(ctx, inc, seen, out); err != nil {
			return fmt.Errorf("included from %s: %w", name, err)
		}
	}

	for _, key := range sortedKeys(pre.SetUnless) {
		set, err := l.attrs.SetUnless(attributes.LayerComputed, key, pre.SetUnless[key])
		if err != nil {
			return fmt.Errorf("recipe %s: set_unless %s: %w", name, key, err)
		}
		if set {
			l.logger.Debug().Str("recipe", name).Str("attribute", key).Msg("Computed attribute set")
		}
	}

	recipe, err := l.parser.Parse(name, path, content, l.attrs.Merged())
	if err != nil {
		return err
	}
	*out = append(*out, recipe)

	l.logger.Debug().
		Str("recipe", name).
		Int("resources", len(recipe.Resources)).
		Msg("Recipe evaluated")
	return nil
}

// Load expands the run list and builds the resource collection in
// declaration order.
func (l *Loader) Load(ctx context.Context, runList []string) (*engine.Collection, error) {
	recipes, err := l.Expand(ctx, runList)
	if err != nil {
		return nil, err
	}

	if _, err := l.Schemas(); err != nil {
		return nil, err
	}
	schemas := l.parser.GetSchemaRegistry()

	collection := engine.NewCollection()
	for _, recipe := range recipes {
		for i, rc := range recipe.Resources {
			res, err := l.Resource(recipe.Name, rc)
			if err != nil {
				return nil, fmt.Errorf("recipe %s: resources[%d]: %w", recipe.Name, i, err)
			}
			if err := schemas.ValidateProperties(ctx, rc.Type, rc.Properties); err != nil {
				return nil, engine.NewValidationError("properties do not match the cookbook schema", err).
					WithResource(res.ID).
					WithCode(engine.ErrCodeInvalidProperties).
					WithDetail("recipe", recipe.Name)
			}
			if err := collection.Add(res); err != nil {
				return nil, err
			}
		}
	}

	l.logger.Info().
		Strs("run_list", runList).
		Int("recipes", len(recipes)).
		Int("resources", collection.Len()).
		Msg("Cookbook loaded")

	return collection, nil
}

// Schemas registers the cookbook's property schemas on first use and returns
// every registered schema name. schemas/TYPE.cue must define #Properties; it
// then constrains the properties of every TYPE resource.
func (l *Loader) Schemas() ([]string, error) {
	registry := l.parser.GetSchemaRegistry()
	if l.schemasLoaded {
		return registry.ListSchemas(), nil
	}

	files, err := filepath.Glob(filepath.Join(l.dir, SchemasDir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("failed to list schema files: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", f, err)
		}
		resourceType := strings.TrimSuffix(filepath.Base(f), ".cue")
		if err := registry.RegisterSchema(PropertiesSchema(resourceType), string(content), "#Properties"); err != nil {
			return nil, err
		}
		l.logger.Debug().Str("file", f).Str("type", resourceType).Msg("Property schema registered")
	}
	l.schemasLoaded = true
	return registry.ListSchemas(), nil
}

// Resource converts a declaration into an engine resource.
func (l *Loader) Resource(recipe string, rc ResourceConfig) (*engine.Resource, error) {
	res := &engine.Resource{
		ID:            engine.ResourceID{Type: rc.Type, Name: rc.Name},
		Properties:    rc.Properties,
		IgnoreFailure: rc.IgnoreFailure,
		Recipe:        recipe,
	}
	for _, a := range rc.Action {
		res.Actions = append(res.Actions, engine.Action(a))
	}

	for _, n := range rc.Notifies {
		target, err := engine.ParseResourceID(n.Resource)
		if err != nil {
			return nil, fmt.Errorf("notifies: %w", err)
		}
		res.Notifications = append(res.Notifications, engine.Notification{
			Source: res.ID,
			Target: target,
			Action: engine.Action(n.Action),
			Timing: timing(n.Timing),
		})
	}

	for _, s := range rc.Subscribes {
		source, err := engine.ParseResourceID(s.Resource)
		if err != nil {
			return nil, fmt.Errorf("subscribes: %w", err)
		}
		res.Subscriptions = append(res.Subscriptions, engine.Subscription{
			Source: source,
			Action: engine.Action(s.Action),
			Timing: timing(s.Timing),
		})
	}

	guards, err := l.guards.Build(rc)
	if err != nil {
		return nil, err
	}
	res.Guards = guards
	return res, nil
}

func timing(s string) engine.Timing {
	switch s {
	case "immediate", "immediately":
		return engine.TimingImmediate
	case "":
		return ""
	default:
		return engine.TimingDelayed
	}
}

// canonicalRecipe strips the "::default" suffix so both spellings name one recipe.
func canonicalRecipe(name string) string {
	return strings.TrimSuffix(name, "::default")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
