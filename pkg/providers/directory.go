package providers

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

const defaultDirMode os.FileMode = 0o755

// DirectorySpec is the desired state of a directory resource.
type DirectorySpec struct {
	// Path is the directory path. Defaults to the resource name.
	Path string `mapstructure:"path"`

	// Mode is the octal permission string.
	Mode string `mapstructure:"mode" validate:"omitempty,filemode"`

	// Owner is the owning user.
	Owner string `mapstructure:"owner"`

	// Group is the owning group.
	Group string `mapstructure:"group"`

	// Recursive creates missing parents, or deletes contents on delete.
	Recursive bool `mapstructure:"recursive"`
}

func directoryTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*DirectorySpec, string, fileAttrs, error) {
		spec, err := specOf[DirectorySpec](r)
		if err != nil {
			return nil, "", fileAttrs{}, err
		}
		attrs := fileAttrs{mode: spec.Mode, owner: system.Ownership{Owner: spec.Owner, Group: spec.Group}}
		return spec, orName(spec.Path, r), attrs, nil
	}

	return &engine.ActionTable{
		Type:          "directory",
		DefaultAction: "create",
		Decode:        decoder[DirectorySpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, path, attrs, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					return ensureDirectory(path, spec.Recursive, attrs)
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					_, path, attrs, err := load(r)
					if err != nil {
						return false, err
					}
					st, err := system.Stat(path)
					if err != nil || !st.Exists || !st.IsDir {
						return false, err
					}
					return metadataConverged(st, attrs)
				},
			},
			"delete": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, path, _, err := load(r)
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
					if !st.IsDir {
						return engine.OutcomeFailed, fmt.Errorf("%s is not a directory", path)
					}
					if spec.Recursive {
						err = os.RemoveAll(path)
					} else {
						err = os.Remove(path)
					}
					if err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to remove directory: %w", err)
					}
					return engine.OutcomeChanged, nil
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

func ensureDirectory(path string, recursive bool, attrs fileAttrs) (engine.Outcome, error) {
	st, err := system.Stat(path)
	if err != nil {
		return engine.OutcomeFailed, err
	}
	if st.Exists && !st.IsDir {
		return engine.OutcomeFailed, fmt.Errorf("%s exists and is not a directory", path)
	}

	created := false
	if !st.Exists {
		mode, ok, err := attrs.parsedMode()
		if err != nil {
			return engine.OutcomeFailed, err
		}
		if !ok {
			mode = defaultDirMode
		}
		if recursive {
			err = os.MkdirAll(path, mode)
		} else {
			err = os.Mkdir(path, mode)
		}
		if err != nil {
			return engine.OutcomeFailed, fmt.Errorf("failed to create directory: %w", err)
		}
		// Mkdir is subject to the umask.
		if err := os.Chmod(path, mode); err != nil {
			return engine.OutcomeFailed, fmt.Errorf("failed to set mode: %w", err)
		}
		created = true
		if st, err = system.Stat(path); err != nil {
			return engine.OutcomeFailed, err
		}
	}

	updated, err := ensureMetadata(path, st, attrs)
	if err != nil {
		return engine.OutcomeFailed, err
	}
	return changed(created || updated), nil
}
