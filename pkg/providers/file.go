package providers

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

const defaultFileMode os.FileMode = 0o644

// FileSpec is the desired state of a file resource.
type FileSpec struct {
	// Path is the file path. Defaults to the resource name.
	Path string `mapstructure:"path"`

	// Content is the desired content. Nil leaves existing content alone.
	Content *string `mapstructure:"content"`

	// Mode is the octal permission string, e.g. "0644".
	Mode string `mapstructure:"mode" validate:"omitempty,filemode"`

	// Owner is the owning user.
	Owner string `mapstructure:"owner"`

	// Group is the owning group.
	Group string `mapstructure:"group"`

	// Backup keeps a .bak copy of replaced content.
	Backup bool `mapstructure:"backup"`
}

// fileAttrs are the metadata shared by every file-like resource.
type fileAttrs struct {
	mode   string
	owner  system.Ownership
	backup bool
}

func (a fileAttrs) parsedMode() (os.FileMode, bool, error) {
	if a.mode == "" {
		return 0, false, nil
	}
	m, err := system.ParseMode(a.mode)
	if err != nil {
		return 0, false, err
	}
	return m, true, nil
}

// metadataConverged reports whether mode and ownership already match.
func metadataConverged(st *system.FileState, attrs fileAttrs) (bool, error) {
	mode, ok, err := attrs.parsedMode()
	if err != nil {
		return false, err
	}
	if ok && st.Mode != mode {
		return false, nil
	}
	return attrs.owner.Matches(st)
}

// ensureMetadata applies mode and ownership to an existing path.
func ensureMetadata(path string, st *system.FileState, attrs fileAttrs) (bool, error) {
	changed := false
	mode, ok, err := attrs.parsedMode()
	if err != nil {
		return false, err
	}
	if ok && st.Mode != mode {
		if err := os.Chmod(path, mode); err != nil {
			return false, fmt.Errorf("failed to set mode: %w", err)
		}
		changed = true
	}
	matches, err := attrs.owner.Matches(st)
	if err != nil {
		return false, err
	}
	if !matches {
		if err := attrs.owner.Apply(path); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// contentConverged reports whether a regular file holds content with the desired metadata.
func contentConverged(path string, content []byte, attrs fileAttrs) (bool, error) {
	st, err := system.Stat(path)
	if err != nil {
		return false, err
	}
	if !st.Exists || st.IsDir || st.IsLink {
		return false, nil
	}
	if content != nil && st.Checksum != system.Checksum(content) {
		return false, nil
	}
	return metadataConverged(st, attrs)
}

// ensureContent converges a regular file on content and metadata. A nil
// content only ensures the file exists.
func ensureContent(path string, content []byte, attrs fileAttrs) (engine.Outcome, error) {
	st, err := system.Stat(path)
	if err != nil {
		return engine.OutcomeFailed, err
	}
	if st.IsDir {
		return engine.OutcomeFailed, fmt.Errorf("%s is a directory", path)
	}

	wrote := false
	if !st.Exists || st.IsLink || (content != nil && st.Checksum != system.Checksum(content)) {
		if content == nil {
			content = []byte{}
		}
		if st.Exists && !st.IsLink && attrs.backup {
			if err := system.CopyFile(path, path+".bak"); err != nil {
				return engine.OutcomeFailed, fmt.Errorf("failed to create backup: %w", err)
			}
		}

		mode, ok, err := attrs.parsedMode()
		if err != nil {
			return engine.OutcomeFailed, err
		}
		if !ok {
			mode = defaultFileMode
			if st.Exists && !st.IsLink {
				mode = st.Mode
			}
		}
		if err := system.WriteFileAtomic(path, content, mode); err != nil {
			return engine.OutcomeFailed, err
		}
		if st.Exists && !st.IsLink && os.Geteuid() == 0 {
			if err := os.Lchown(path, st.UID, st.GID); err != nil {
				return engine.OutcomeFailed, fmt.Errorf("failed to restore ownership: %w", err)
			}
		}
		wrote = true

		if st, err = system.Stat(path); err != nil {
			return engine.OutcomeFailed, err
		}
	}

	updated, err := ensureMetadata(path, st, attrs)
	if err != nil {
		return engine.OutcomeFailed, err
	}
	return changed(wrote || updated), nil
}

// removePath deletes a file or link if present.
func removePath(path string, backup bool) (engine.Outcome, error) {
	st, err := system.Stat(path)
	if err != nil {
		return engine.OutcomeFailed, err
	}
	if !st.Exists {
		return engine.OutcomeUnchanged, nil
	}
	if st.IsDir {
		return engine.OutcomeFailed, fmt.Errorf("%s is a directory", path)
	}
	if backup && !st.IsLink {
		if err := system.CopyFile(path, path+".bak"); err != nil {
			return engine.OutcomeFailed, fmt.Errorf("failed to create backup: %w", err)
		}
	}
	if err := os.Remove(path); err != nil {
		return engine.OutcomeFailed, fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return engine.OutcomeChanged, nil
}

func absent(path string) (bool, error) {
	st, err := system.Stat(path)
	if err != nil {
		return false, err
	}
	return !st.Exists, nil
}

func present(path string) (bool, error) {
	gone, err := absent(path)
	return !gone, err
}

func fileTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*FileSpec, string, fileAttrs, error) {
		spec, err := specOf[FileSpec](r)
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
	content := func(spec *FileSpec) []byte {
		if spec.Content == nil {
			return nil
		}
		return []byte(*spec.Content)
	}

	return &engine.ActionTable{
		Type:          "file",
		DefaultAction: "create",
		Decode:        decoder[FileSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, path, attrs, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					return ensureContent(path, content(spec), attrs)
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					spec, path, attrs, err := load(r)
					if err != nil {
						return false, err
					}
					return contentConverged(path, content(spec), attrs)
				},
			},
			"create_if_missing": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, path, attrs, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if ok, err := present(path); err != nil || ok {
						return engine.OutcomeUnchanged, err
					}
					return ensureContent(path, content(spec), attrs)
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
			"touch": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, path, attrs, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if _, err := ensureContent(path, content(spec), attrs); err != nil {
						return engine.OutcomeFailed, err
					}
					now := time.Now()
					if err := os.Chtimes(path, now, now); err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to touch %s: %w", path, err)
					}
					return engine.OutcomeChanged, nil
				},
			},
		},
	}
}
