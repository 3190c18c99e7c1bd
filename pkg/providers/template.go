package providers

import (
	"context"
	"fmt"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// TemplateSpec is the desired state of a rendered file.
type TemplateSpec struct {
	// Path is the destination path. Defaults to the resource name.
	Path string `mapstructure:"path"`

	// Source is the template file inside the cookbook template directory.
	Source string `mapstructure:"source" validate:"required"`

	// Variables are passed to the template.
	Variables map[string]interface{} `mapstructure:"variables"`

	// Mode is the octal permission string.
	Mode string `mapstructure:"mode" validate:"omitempty,filemode"`

	// Owner is the owning user.
	Owner string `mapstructure:"owner"`

	// Group is the owning group.
	Group string `mapstructure:"group"`

	// Backup keeps a .bak copy of replaced content.
	Backup bool `mapstructure:"backup"`
}

func templateTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*TemplateSpec, string, fileAttrs, error) {
		spec, err := specOf[TemplateSpec](r)
		if err != nil {
			return nil, "", fileAttrs{}, err
		}
		attrs := fileAttrs{
			mode:   spec.Mode,
			owner:  system.Ownership{Owner: spec.Owner, Group: spec.Group},
			backup: spec.Backup,
		}
		return spec, orName(spec.Path, r), attrs, nil
	}
	render := func(spec *TemplateSpec) ([]byte, error) {
		if deps.Renderer == nil {
			return nil, fmt.Errorf("no template renderer configured")
		}
		out, err := deps.Renderer.Render(spec.Source, spec.Variables)
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}

	create := engine.ActionHandler{
		Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
			spec, path, attrs, err := load(r)
			if err != nil {
				return engine.OutcomeFailed, err
			}
			content, err := render(spec)
			if err != nil {
				return engine.OutcomeFailed, err
			}
			return ensureContent(path, content, attrs)
		},
		Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
			spec, path, attrs, err := load(r)
			if err != nil {
				return false, err
			}
			content, err := render(spec)
			if err != nil {
				return false, err
			}
			return contentConverged(path, content, attrs)
		},
	}

	return &engine.ActionTable{
		Type:          "template",
		DefaultAction: "create",
		Decode:        decoder[TemplateSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": create,
			"create_if_missing": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					_, path, _, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if ok, err := present(path); err != nil || ok {
						return engine.OutcomeUnchanged, err
					}
					return create.Ensure(ctx, r)
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					_, path, _, err := load(r)
					if err != nil {
						return false, err
					}
					return present(path)
				},
			},
			"delete": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					_, path, attrs, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					return removePath(path, attrs.backup)
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					_, path, _, err := load(r)
					if err != nil {
						return false, err
					}
					return absent(path)
				},
			},
		},
	}
}
