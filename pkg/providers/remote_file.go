package providers

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// maxRemoteFileSize bounds downloads held in memory.
const maxRemoteFileSize = 512 << 20

// RemoteFileSpec is the desired state of a downloaded file.
type RemoteFileSpec struct {
	// Path is the destination path. Defaults to the resource name.
	Path string `mapstructure:"path"`

	// Source is an s3://, http(s):// or file:// URL.
	Source string `mapstructure:"source" validate:"required"`

	// Checksum is the expected sha256 of the content.
	Checksum string `mapstructure:"checksum" validate:"omitempty,len=64,hexadecimal"`

	// Mode is the octal permission string.
	Mode string `mapstructure:"mode" validate:"omitempty,filemode"`

	// Owner is the owning user.
	Owner string `mapstructure:"owner"`

	// Group is the owning group.
	Group string `mapstructure:"group"`

	// Backup keeps a .bak copy of replaced content.
	Backup bool `mapstructure:"backup"`
}

func remoteFileTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*RemoteFileSpec, string, fileAttrs, error) {
		spec, err := specOf[RemoteFileSpec](r)
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

	download := func(ctx context.Context, spec *RemoteFileSpec) ([]byte, error) {
		if deps.Fetcher == nil {
			return nil, fmt.Errorf("no remote source fetcher configured")
		}
		body, err := deps.Fetcher.Fetch(ctx, spec.Source)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		content, err := io.ReadAll(io.LimitReader(body, maxRemoteFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", spec.Source, err)
		}
		if len(content) > maxRemoteFileSize {
			return nil, fmt.Errorf("%s exceeds %d bytes", spec.Source, maxRemoteFileSize)
		}
		if spec.Checksum != "" {
			if sum := system.Checksum(content); sum != strings.ToLower(spec.Checksum) {
				return nil, fmt.Errorf("checksum mismatch for %s: expected %s, got %s", spec.Source, spec.Checksum, sum)
			}
		}
		return content, nil
	}

	// create skips the download when the declared checksum already matches.
	create := func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
		spec, path, attrs, err := load(r)
		if err != nil {
			return engine.OutcomeFailed, err
		}
		if spec.Checksum != "" {
			st, err := system.Stat(path)
			if err != nil {
				return engine.OutcomeFailed, err
			}
			if st.Exists && !st.IsDir && !st.IsLink && st.Checksum == strings.ToLower(spec.Checksum) {
				updated, err := ensureMetadata(path, st, attrs)
				if err != nil {
					return engine.OutcomeFailed, err
				}
				return changed(updated), nil
			}
		}
		content, err := download(ctx, spec)
		if err != nil {
			return engine.OutcomeFailed, err
		}
		return ensureContent(path, content, attrs)
	}

	return &engine.ActionTable{
		Type:          "remote_file",
		DefaultAction: "create",
		Decode:        decoder[RemoteFileSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": {
				Ensure: create,
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					spec, path, attrs, err := load(r)
					if err != nil {
						return false, err
					}
					if spec.Checksum == "" {
						// Without a checksum the content can only be compared by downloading.
						content, err := download(ctx, spec)
						if err != nil {
							return false, err
						}
						return contentConverged(path, content, attrs)
					}
					st, err := system.Stat(path)
					if err != nil || !st.Exists || st.Checksum != strings.ToLower(spec.Checksum) {
						return false, err
					}
					return metadataConverged(st, attrs)
				},
			},
			"create_if_missing": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					_, path, _, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if ok, err := present(path); err != nil || ok {
						return engine.OutcomeUnchanged, err
					}
					return create(ctx, r)
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					_, path, _, err := load(r)
					if err != nil {
						return false, err
					}
					return present(path)
				},
			},
		},
	}
}
