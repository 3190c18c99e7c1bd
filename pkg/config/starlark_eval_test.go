package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/galley/pkg/engine"
)

type mapSource map[string]interface{}

func (m mapSource) Lookup(path string) (interface{}, bool) {
	v, ok := m[path]
	return v, ok
}

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)

	result, err := evaluator.Evaluate(context.Background(), "sysctl.star", `
def sysctl(key, value):
    return {"key": key, "value": value}

settings = [sysctl("vm.swappiness", swappiness), sysctl("net.core.somaxconn", 1024)]
_hidden = True
`, map[string]interface{}{"swappiness": 10})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if _, ok := result.Output["_hidden"]; ok {
		t.Error("expected private globals to be dropped")
	}
	if _, ok := result.Output["sysctl"]; ok {
		t.Error("expected functions to be dropped")
	}
	settings, ok := result.Output["settings"].([]interface{})
	if !ok || len(settings) != 2 {
		t.Fatalf("expected 2 settings, got %v", result.Output["settings"])
	}
	first := settings[0].(map[string]interface{})
	if first["key"] != "vm.swappiness" || first["value"] != int64(10) {
		t.Errorf("unexpected first setting: %v", first)
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)

	script := `
def slow_function():
    result = 0
    for i in range(100000000):
        result = result + i
    return result

output = slow_function()
`

	result, err := evaluator.Evaluate(context.Background(), "slow.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result == nil || result.Error == "" {
		t.Error("expected timeout error in result")
	}
}

func TestStarlarkEvaluator_Predicate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	gc := engine.GuardContext{Attributes: mapSource{
		"platform_family": "debian",
		"mysql.port":      3306,
	}}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{expr: `attr("platform_family") == "debian"`, want: true},
		{expr: `attr("mysql.port") > 1024`, want: true},
		{expr: `attr("missing", default="x") == "x"`, want: true},
		{expr: `has_attr("missing")`, want: false},
		{expr: `exists("` + marker + `")`, want: true},
		{expr: `exists("` + filepath.Join(dir, "absent") + `")`, want: false},
		{expr: `undefined_name`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evaluator.Predicate(tt.expr).Evaluate(context.Background(), gc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStarlarkEvaluator_TypeConversion(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
	}{
		{"bool", true},
		{"int", 42},
		{"whole float", float64(3)},
		{"string", "nginx"},
		{"list", []interface{}{"a", int64(1)}},
		{"map", map[string]interface{}{"k": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sv, err := toStarlarkValue(tt.input)
			if err != nil {
				t.Fatalf("toStarlarkValue failed: %v", err)
			}
			if _, err := fromStarlarkValue(sv); err != nil {
				t.Fatalf("fromStarlarkValue failed: %v", err)
			}
		})
	}

	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
