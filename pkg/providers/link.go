package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// LinkSpec is the desired state of a symbolic link.
type LinkSpec struct {
	// TargetFile is the link path. Defaults to the resource name.
	TargetFile string `mapstructure:"target_file"`

	// To is the path the link points at.
	To string `mapstructure:"to" validate:"required"`
}

func linkTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*LinkSpec, string, error) {
		spec, err := specOf[LinkSpec](r)
		if err != nil {
			return nil, "", err
		}
		return spec, orName(spec.TargetFile, r), nil
	}

	return &engine.ActionTable{
		Type:          "link",
		DefaultAction: "create",
		Decode:        decoder[LinkSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, path, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					st, err := system.Stat(path)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if st.IsLink {
						current, err := os.Readlink(path)
						if err != nil {
							return engine.OutcomeFailed, fmt.Errorf("failed to read link: %w", err)
						}
						if current == spec.To {
							return engine.OutcomeUnchanged, nil
						}
						if err := os.Remove(path); err != nil {
							return engine.OutcomeFailed, fmt.Errorf("failed to replace link: %w", err)
						}
					} else if st.Exists {
						return engine.OutcomeFailed, fmt.Errorf("%s exists and is not a symlink", path)
					}
					if err := os.Symlink(spec.To, path); err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to create link: %w", err)
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					spec, path, err := load(r)
					if err != nil {
						return false, err
					}
					current, err := os.Readlink(path)
					if err != nil {
						return false, nil
					}
					return current == spec.To, nil
				},
			},
			"delete": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					_, path, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					st, err := system.Stat(path)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if !st.Exists {
						return engine.OutcomeUnchanged, nil
					}
					if !st.IsLink {
						return engine.OutcomeFailed, fmt.Errorf("%s is not a symlink", path)
					}
					if err := os.Remove(path); err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to remove link: %w", err)
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					_, path, err := load(r)
					if err != nil {
						return false, err
					}
					return absent(path)
				},
			},
		},
	}
}
