package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/galley/pkg/attributes"
	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// GuardBuilder turns guard declarations into engine predicates.
type GuardBuilder struct {
	commander system.Commander
	starlark  *StarlarkEvaluator
}

// NewGuardBuilder creates a guard builder. Command guards run through commander.
func NewGuardBuilder(commander system.Commander, starlark *StarlarkEvaluator) *GuardBuilder {
	if starlark == nil {
		starlark = NewStarlarkEvaluator(0)
	}
	return &GuardBuilder{commander: commander, starlark: starlark}
}

// Build converts the only_if, not_if and creates declarations of a resource,
// in that order.
func (b *GuardBuilder) Build(rc ResourceConfig) ([]engine.Guard, error) {
	var guards []engine.Guard
	for _, g := range rc.OnlyIf {
		desc, pred, err := b.predicate(g)
		if err != nil {
			return nil, fmt.Errorf("only_if: %w", err)
		}
		guards = append(guards, engine.OnlyIf(desc, pred))
	}
	for _, g := range rc.NotIf {
		desc, pred, err := b.predicate(g)
		if err != nil {
			return nil, fmt.Errorf("not_if: %w", err)
		}
		guards = append(guards, engine.NotIf(desc, pred))
	}
	if rc.Creates != "" {
		guards = append(guards, engine.NotIf("creates "+rc.Creates, pathExists(rc.Creates)))
	}
	return guards, nil
}

func (b *GuardBuilder) predicate(g GuardConfig) (string, engine.Predicate, error) {
	kind, err := g.kind()
	if err != nil {
		return "", nil, err
	}

	switch kind {
	case "command":
		var timeout time.Duration
		if g.Timeout != "" {
			timeout, err = time.ParseDuration(g.Timeout)
			if err != nil {
				return "", nil, fmt.Errorf("invalid guard timeout %q: %w", g.Timeout, err)
			}
		}
		return fmt.Sprintf("%q", g.Command), b.command(g.Command, timeout), nil
	case "path":
		return "path " + g.Path, pathExists(g.Path), nil
	case "attribute":
		if g.Equals != nil {
			return fmt.Sprintf("attribute %s == %v", g.Attribute, g.Equals), attributeEquals(g.Attribute, g.Equals), nil
		}
		return "attribute " + g.Attribute, attributeTruthy(g.Attribute), nil
	default:
		return "starlark " + g.Starlark, b.starlark.Predicate(g.Starlark), nil
	}
}

// command holds when the command line exits 0. A command that cannot be
// started is an evaluation error.
func (b *GuardBuilder) command(line string, timeout time.Duration) engine.Predicate {
	return engine.PredicateFunc(func(ctx context.Context, _ engine.GuardContext) (bool, error) {
		if b.commander == nil {
			return false, fmt.Errorf("no command runner configured")
		}
		cmd := system.Shell(line)
		cmd.Timeout = timeout
		res, err := b.commander.Run(ctx, cmd)
		if err != nil {
			return false, err
		}
		return res.Success(), nil
	})
}

func pathExists(path string) engine.Predicate {
	return engine.PredicateFunc(func(context.Context, engine.GuardContext) (bool, error) {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return true, nil
		case os.IsNotExist(err):
			return false, nil
		default:
			return false, err
		}
	})
}

func attributeTruthy(path string) engine.Predicate {
	return engine.PredicateFunc(func(_ context.Context, gc engine.GuardContext) (bool, error) {
		v, err := lookupAttribute(gc, path)
		if err != nil {
			return false, err
		}
		return truthy(v), nil
	})
}

func attributeEquals(path string, want interface{}) engine.Predicate {
	return engine.PredicateFunc(func(_ context.Context, gc engine.GuardContext) (bool, error) {
		v, err := lookupAttribute(gc, path)
		if err != nil {
			return false, err
		}
		// Recipe numbers arrive as float64 and attribute files as int.
		return fmt.Sprint(v) == fmt.Sprint(want), nil
	})
}

// lookupAttribute fails with attributes.ErrNotFound for unset paths so the
// guard error reaches the report.
func lookupAttribute(gc engine.GuardContext, path string) (interface{}, error) {
	if gc.Attributes != nil {
		if v, ok := gc.Attributes.Lookup(path); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", attributes.ErrNotFound, path)
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}
