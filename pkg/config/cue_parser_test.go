package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	node := map[string]interface{}{
		"nginx": map[string]interface{}{"conf_dir": "/etc/nginx"},
	}

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Recipe)
	}{
		{
			name: "resources in order",
			content: `
resources: [
	{type: "package", name: "nginx", action: "install"},
	{
		type:   "service"
		name:   "nginx"
		action: ["enable", "start"]
		subscribes: [{action: "restart", resource: "package[nginx]", timing: "immediately"}]
	},
]
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				if len(r.Resources) != 2 {
					t.Fatalf("expected 2 resources, got %d", len(r.Resources))
				}
				if r.Resources[0].Type != "package" || r.Resources[0].Action[0] != "install" {
					t.Errorf("unexpected first resource: %+v", r.Resources[0])
				}
				svc := r.Resources[1]
				if len(svc.Action) != 2 || svc.Action[1] != "start" {
					t.Errorf("expected [enable start], got %v", svc.Action)
				}
				if len(svc.Subscribes) != 1 || svc.Subscribes[0].Timing != "immediately" {
					t.Errorf("unexpected subscriptions: %+v", svc.Subscribes)
				}
			},
		},
		{
			name: "node interpolation",
			content: `
resources: [{
	type: "template"
	name: "\(node.nginx.conf_dir)/nginx.conf"
	properties: source: "nginx.conf.tmpl"
}]
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				if r.Resources[0].Name != "/etc/nginx/nginx.conf" {
					t.Errorf("expected interpolated name, got %s", r.Resources[0].Name)
				}
				if r.Resources[0].Properties["source"] != "nginx.conf.tmpl" {
					t.Errorf("unexpected properties: %v", r.Resources[0].Properties)
				}
			},
		},
		{
			name: "comprehension over hidden helper",
			content: `
_settings: {
	"vm.swappiness": "10"
	"fs.file-max":   "65536"
}
resources: [for k, v in _settings {
	type: "execute"
	name: "sysctl \(k)"
	properties: command: "sysctl -w \(k)=\(v)"
}]
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				if len(r.Resources) != 2 {
					t.Fatalf("expected 2 resources, got %d", len(r.Resources))
				}
				if r.Resources[0].Name != "sysctl vm.swappiness" {
					t.Errorf("expected declaration order, got %s", r.Resources[0].Name)
				}
			},
		},
		{
			name: "guard forms",
			content: `
resources: [{
	type:    "execute"
	name:    "init"
	only_if: "test -d /srv"
	not_if: [{path: "/srv/.done"}, {attribute: "init.skip", equals: true}]
	creates: "/srv/data"
}]
`,
			checkFunc: func(t *testing.T, r *Recipe) {
				rc := r.Resources[0]
				if len(rc.OnlyIf) != 1 || rc.OnlyIf[0].Command != "test -d /srv" {
					t.Errorf("unexpected only_if: %+v", rc.OnlyIf)
				}
				if len(rc.NotIf) != 2 || rc.NotIf[0].Path != "/srv/.done" || rc.NotIf[1].Equals != true {
					t.Errorf("unexpected not_if: %+v", rc.NotIf)
				}
				if rc.Creates != "/srv/data" {
					t.Errorf("expected creates, got %q", rc.Creates)
				}
			},
		},
		{
			name:    "undefined attribute",
			content: `resources: [{type: "file", name: node.nginx.missing}]`,
			wantErr: true,
		},
		{
			name:    "schema violation",
			content: `resources: [{type: "file"}]`,
			wantErr: true,
		},
		{
			name:    "ambiguous guard",
			content: `resources: [{type: "file", name: "x", only_if: {command: "true", path: "/tmp"}}]`,
			wantErr: true,
		},
		{
			name:    "invalid syntax",
			content: "resources: [\n\tinvalid syntax here\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipe, err := parser.ParseInline("test", tt.content, node)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInline() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var re *RecipeError
				if !errors.As(err, &re) {
					t.Errorf("expected RecipeError, got %T", err)
				}
				return
			}
			if recipe.Name != "test" {
				t.Errorf("expected recipe name test, got %s", recipe.Name)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, recipe)
			}
		})
	}
}

func TestCUEParser_ErrorLocation(t *testing.T) {
	parser := NewCUEParser()

	_, err := parser.ParseInline("broken", "resources: [{type: \"file\", name: \"x\", only_if: {command: \"a\", path: \"b\"}}]", nil)
	var re *RecipeError
	if !errors.As(err, &re) {
		t.Fatalf("expected RecipeError, got %v", err)
	}
	if len(re.Errors) != 1 || re.Errors[0].Path != "resources[0].only_if[0]" {
		t.Errorf("unexpected errors: %+v", re.Errors)
	}

	_, err = parser.ParseInline("syntax", "a: {\n\tb c\n}\n", nil)
	if !errors.As(err, &re) {
		t.Fatalf("expected RecipeError, got %v", err)
	}
	if len(re.Errors) == 0 || re.Errors[0].Line == 0 {
		t.Errorf("expected a line number, got %+v", re.Errors)
	}
}

func TestCUEParser_ParseFile(t *testing.T) {
	parser := NewCUEParser()
	dir := t.TempDir()

	path := filepath.Join(dir, "base.cue")
	content := `
include: ["users"]
set_unless: {
	"base.motd": "managed by galley"
}
resources: [{type: "file", name: "/etc/motd", properties: content: "hello"}]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	recipe, err := parser.ParseFile("base", path, nil)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if recipe.File != path {
		t.Errorf("expected file %s, got %s", path, recipe.File)
	}
	if len(recipe.Include) != 1 || recipe.Include[0] != "users" {
		t.Errorf("unexpected include: %v", recipe.Include)
	}
	if recipe.SetUnless["base.motd"] != "managed by galley" {
		t.Errorf("unexpected set_unless: %v", recipe.SetUnless)
	}

	pre, err := parser.ParsePreamble("base", path, []byte(content), nil)
	if err != nil {
		t.Fatalf("ParsePreamble failed: %v", err)
	}
	if len(pre.Include) != 1 || pre.SetUnless["base.motd"] != "managed by galley" {
		t.Errorf("unexpected preamble: %+v", pre)
	}

	if _, err := parser.ParseFile("missing", filepath.Join(dir, "missing.cue"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCUEParser_PreambleToleratesUnsetAttributes(t *testing.T) {
	parser := NewCUEParser()
	content := []byte(`
set_unless: {"app.user": "app"}
resources: [{type: "user", name: node.app.user}]
`)

	pre, err := parser.ParsePreamble("app", "app.cue", content, nil)
	if err != nil {
		t.Fatalf("ParsePreamble failed: %v", err)
	}
	if pre.SetUnless["app.user"] != "app" {
		t.Errorf("unexpected set_unless: %v", pre.SetUnless)
	}

	node := map[string]interface{}{"app": map[string]interface{}{"user": "app"}}
	recipe, err := parser.Parse("app", "app.cue", content, node)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if recipe.Resources[0].Name != "app" {
		t.Errorf("expected user app, got %s", recipe.Resources[0].Name)
	}
}
