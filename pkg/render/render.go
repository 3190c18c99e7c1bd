// Package render renders cookbook templates.
//
// Rendering is a pure function of the template file and the data passed in:
// the declared variables plus a read-only copy of the node attributes under
// the "node" key.
package render

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Attributes is the attribute view available to templates.
type Attributes interface {
	Lookup(path string) (interface{}, bool)
	Merged() map[string]interface{}
}

// Renderer renders templates from a cookbook template directory.
type Renderer struct {
	dir   string
	attrs Attributes
}

// New creates a renderer rooted at dir. attrs may be nil.
func New(dir string, attrs Attributes) *Renderer {
	return &Renderer{dir: dir, attrs: attrs}
}

// Dir returns the template directory.
func (r *Renderer) Dir() string {
	return r.dir
}

// Render renders the named template file with variables.
func (r *Renderer) Render(templateID string, variables map[string]interface{}) (string, error) {
	path, err := r.resolve(templateID)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template %s: %w", templateID, err)
	}
	return r.execute(templateID, string(content), variables)
}

// RenderString renders an inline template.
func (r *Renderer) RenderString(name, text string, variables map[string]interface{}) (string, error) {
	return r.execute(name, text, variables)
}

func (r *Renderer) execute(name, text string, variables map[string]interface{}) (string, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(r.funcs()).
		Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	data := make(map[string]interface{}, len(variables)+1)
	for k, v := range variables {
		data[k] = v
	}
	if _, ok := data["node"]; !ok {
		if r.attrs != nil {
			data["node"] = r.attrs.Merged()
		} else {
			data["node"] = map[string]interface{}{}
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// resolve maps a template ID onto a file inside the template directory.
func (r *Renderer) resolve(templateID string) (string, error) {
	if templateID == "" {
		return "", fmt.Errorf("template source is required")
	}
	if filepath.IsAbs(templateID) {
		return templateID, nil
	}
	clean := filepath.Clean(templateID)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("template %s escapes the template directory", templateID)
	}
	return filepath.Join(r.dir, clean), nil
}

func (r *Renderer) funcs() template.FuncMap {
	return template.FuncMap{
		"attr": func(path string) (interface{}, error) {
			if r.attrs == nil {
				return nil, fmt.Errorf("attribute %s not found", path)
			}
			v, ok := r.attrs.Lookup(path)
			if !ok {
				return nil, fmt.Errorf("attribute %s not found", path)
			}
			return v, nil
		},
		"attrOr": func(path string, fallback interface{}) interface{} {
			if r.attrs == nil {
				return fallback
			}
			if v, ok := r.attrs.Lookup(path); ok {
				return v
			}
			return fallback
		},
		"default": func(fallback, v interface{}) interface{} {
			if v == nil || v == "" {
				return fallback
			}
			return v
		},
		"join": func(sep string, items interface{}) string {
			switch list := items.(type) {
			case []string:
				return strings.Join(list, sep)
			case []interface{}:
				parts := make([]string, len(list))
				for i, item := range list {
					parts[i] = fmt.Sprint(item)
				}
				return strings.Join(parts, sep)
			default:
				return fmt.Sprint(items)
			}
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"quote": func(v interface{}) string { return fmt.Sprintf("%q", fmt.Sprint(v)) },
	}
}
