package providers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/render"
	"github.com/openfroyo/galley/pkg/system"
)

// fakeCommander returns scripted results keyed by the rendered command line.
type fakeCommander struct {
	responses map[string]*system.Result
	ran       []string
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{responses: make(map[string]*system.Result)}
}

func (f *fakeCommander) on(cmd string, exit int, stdout string) {
	f.responses[cmd] = &system.Result{ExitCode: exit, Stdout: stdout}
}

func (f *fakeCommander) Run(ctx context.Context, cmd system.Command) (*system.Result, error) {
	key := cmd.String()
	f.ran = append(f.ran, key)
	if res, ok := f.responses[key]; ok {
		return res, nil
	}
	return &system.Result{}, nil
}

func (f *fakeCommander) didRun(cmd string) bool {
	for _, c := range f.ran {
		if c == cmd {
			return true
		}
	}
	return false
}

func table(t *testing.T, deps Deps, typ string) *engine.ActionTable {
	t.Helper()
	for _, tbl := range Tables(deps) {
		if tbl.Type == typ {
			return tbl
		}
	}
	t.Fatalf("no table for %s", typ)
	return nil
}

// resource builds a resource and decodes its spec the way validation does.
func resource(t *testing.T, tbl *engine.ActionTable, name string, props map[string]interface{}) *engine.Resource {
	t.Helper()
	spec, err := tbl.Decode(props)
	require.NoError(t, err)
	return &engine.Resource{
		ID:         engine.ResourceID{Type: tbl.Type, Name: name},
		Properties: props,
		Spec:       spec,
	}
}

func ensure(t *testing.T, tbl *engine.ActionTable, action engine.Action, r *engine.Resource) engine.Outcome {
	t.Helper()
	h, ok := tbl.Handler(action)
	require.True(t, ok, "action %s", action)
	out, err := h.Ensure(context.Background(), r)
	require.NoError(t, err)
	return out
}

func probe(t *testing.T, tbl *engine.ActionTable, action engine.Action, r *engine.Resource) bool {
	t.Helper()
	h, ok := tbl.Handler(action)
	require.True(t, ok)
	require.NotNil(t, h.Probe)
	converged, err := h.Probe(context.Background(), r)
	require.NoError(t, err)
	return converged
}

func TestRegisterAll(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, RegisterAll(reg, Deps{Commander: newFakeCommander()}))

	want := []string{"bash", "directory", "execute", "file", "group", "link", "package",
		"remote_file", "service", "ssh_key", "template", "user"}
	assert.Equal(t, want, reg.Types())

	err := RegisterAll(reg, Deps{Commander: newFakeCommander()})
	assert.Error(t, err, "registering twice must fail")
}

func TestDecode(t *testing.T) {
	t.Run("unknown property", func(t *testing.T) {
		_, err := decode[FileSpec](map[string]interface{}{"contents": "x"})
		assert.Error(t, err)
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := decode[FileSpec](map[string]interface{}{"mode": "0999"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "octal file mode")
	})

	t.Run("required field", func(t *testing.T) {
		_, err := decode[TemplateSpec](map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "source is required")
	})

	t.Run("timeout as string", func(t *testing.T) {
		spec, err := decode[ExecuteSpec](map[string]interface{}{"timeout": "1m30s"})
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, spec.Timeout)
	})

	t.Run("timeout as seconds", func(t *testing.T) {
		spec, err := decode[ExecuteSpec](map[string]interface{}{"timeout": 30})
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, spec.Timeout)
	})

	t.Run("weak types", func(t *testing.T) {
		spec, err := decode[FileSpec](map[string]interface{}{"backup": "true", "content": "x"})
		require.NoError(t, err)
		assert.True(t, spec.Backup)
		require.NotNil(t, spec.Content)
		assert.Equal(t, "x", *spec.Content)
	})

	t.Run("enum", func(t *testing.T) {
		_, err := decode[PackageSpec](map[string]interface{}{"manager": "brew"})
		assert.Error(t, err)
	})
}

func TestFileCreateIsIdempotent(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "file")
	path := filepath.Join(t.TempDir(), "etc", "motd")
	r := resource(t, tbl, path, map[string]interface{}{"content": "hello\n", "mode": "0640"})

	assert.False(t, probe(t, tbl, "create", r))
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r))
	assert.True(t, probe(t, tbl, "create", r))
	assert.Equal(t, engine.OutcomeUnchanged, ensure(t, tbl, "create", r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestFileModeDriftIsRepaired(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "file")
	path := filepath.Join(t.TempDir(), "conf")
	require.NoError(t, os.WriteFile(path, []byte("same"), 0o666))
	require.NoError(t, os.Chmod(path, 0o666))

	r := resource(t, tbl, "conf", map[string]interface{}{"path": path, "content": "same", "mode": "0600"})
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileBackupAndDelete(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "file")
	path := filepath.Join(t.TempDir(), "app.conf")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	r := resource(t, tbl, path, map[string]interface{}{"content": "new", "backup": true})
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))

	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "delete", r))
	assert.True(t, probe(t, tbl, "delete", r))
	assert.Equal(t, engine.OutcomeUnchanged, ensure(t, tbl, "delete", r))
}

func TestFileCreateIfMissing(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "file")
	path := filepath.Join(t.TempDir(), "seed")
	require.NoError(t, os.WriteFile(path, []byte("local edits"), 0o644))

	r := resource(t, tbl, path, map[string]interface{}{"content": "default"})
	assert.Equal(t, engine.OutcomeUnchanged, ensure(t, tbl, "create_if_missing", r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "local edits", string(data))
}

func TestFileTouchAlwaysChanges(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "file")
	path := filepath.Join(t.TempDir(), "stamp")
	r := resource(t, tbl, path, nil)

	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "touch", r))
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "touch", r))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestDirectory(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "directory")
	path := filepath.Join(t.TempDir(), "a", "b", "c")

	flat := resource(t, tbl, path, map[string]interface{}{"mode": "0750"})
	h, _ := tbl.Handler("create")
	_, err := h.Ensure(context.Background(), flat)
	assert.Error(t, err, "non-recursive create needs the parent")

	r := resource(t, tbl, path, map[string]interface{}{"mode": "0750", "recursive": true})
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r))
	assert.Equal(t, engine.OutcomeUnchanged, ensure(t, tbl, "create", r))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	root := resource(t, tbl, filepath.Dir(filepath.Dir(path)), map[string]interface{}{"recursive": true})
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "delete", root))
	assert.True(t, probe(t, tbl, "delete", root))
}

func TestLink(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "link")
	dir := t.TempDir()
	link := filepath.Join(dir, "current")

	r := resource(t, tbl, link, map[string]interface{}{"to": "/opt/app/v1"})
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r))
	assert.Equal(t, engine.OutcomeUnchanged, ensure(t, tbl, "create", r))

	r2 := resource(t, tbl, link, map[string]interface{}{"to": "/opt/app/v2"})
	assert.False(t, probe(t, tbl, "create", r2))
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r2))

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "/opt/app/v2", target)

	regular := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(regular, nil, 0o644))
	h, _ := tbl.Handler("create")
	_, err = h.Ensure(context.Background(), resource(t, tbl, regular, map[string]interface{}{"to": "/tmp"}))
	assert.Error(t, err)

	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "delete", r2))
	assert.Equal(t, engine.OutcomeUnchanged, ensure(t, tbl, "delete", r2))
}

func TestTemplate(t *testing.T) {
	tmplDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "vhost.tmpl"), []byte("server_name {{ .server_name }};\n"), 0o644))

	deps := Deps{Commander: newFakeCommander(), Renderer: render.New(tmplDir, nil)}
	tbl := table(t, deps, "template")
	path := filepath.Join(t.TempDir(), "vhost.conf")

	r := resource(t, tbl, path, map[string]interface{}{
		"source":    "vhost.tmpl",
		"variables": map[string]interface{}{"server_name": "example.org"},
	})
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r))
	assert.True(t, probe(t, tbl, "create", r))
	assert.Equal(t, engine.OutcomeUnchanged, ensure(t, tbl, "create", r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "server_name example.org;\n", string(data))
}

func TestTemplateWithoutRenderer(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "template")
	r := resource(t, tbl, filepath.Join(t.TempDir(), "x"), map[string]interface{}{"source": "x.tmpl"})
	h, _ := tbl.Handler("create")
	_, err := h.Ensure(context.Background(), r)
	assert.Error(t, err)
}

func TestSpecDecodedLazily(t *testing.T) {
	tbl := table(t, Deps{Commander: newFakeCommander()}, "file")
	path := filepath.Join(t.TempDir(), "lazy")
	r := &engine.Resource{
		ID:         engine.ResourceID{Type: "file", Name: path},
		Properties: map[string]interface{}{"content": "x"},
	}
	assert.Equal(t, engine.OutcomeChanged, ensure(t, tbl, "create", r))
	assert.True(t, strings.HasSuffix(r.ID.Name, "lazy"))
}
