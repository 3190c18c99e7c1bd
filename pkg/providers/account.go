package providers

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// UserSpec is the desired state of a local account.
type UserSpec struct {
	// Username defaults to the resource name.
	Username string `mapstructure:"username"`

	// UID pins the numeric user id.
	UID *int `mapstructure:"uid" validate:"omitempty,gte=0"`

	// GID is the primary group name or id.
	GID string `mapstructure:"gid"`

	// Home is the home directory.
	Home string `mapstructure:"home"`

	// Shell is the login shell.
	Shell string `mapstructure:"shell"`

	// Comment is the GECOS field.
	Comment string `mapstructure:"comment"`

	// ManageHome creates the home directory, and removes it on remove.
	ManageHome bool `mapstructure:"manage_home"`

	// System creates a system account.
	System bool `mapstructure:"system"`
}

// GroupSpec is the desired state of a local group.
type GroupSpec struct {
	// GroupName defaults to the resource name.
	GroupName string `mapstructure:"group_name"`

	// GID pins the numeric group id.
	GID *int `mapstructure:"gid" validate:"omitempty,gte=0"`

	// Members are the desired group members.
	Members []string `mapstructure:"members"`

	// Append adds members without removing others.
	Append bool `mapstructure:"append"`

	// System creates a system group.
	System bool `mapstructure:"system"`
}

type passwdEntry struct {
	uid     int
	gid     int
	comment string
	home    string
	shell   string
}

type groupEntry struct {
	gid     int
	members []string
}

// getent returns the colon-separated fields of a database entry, or nil when absent.
func getent(ctx context.Context, deps Deps, database, key string) ([]string, error) {
	res, err := deps.Commander.Run(ctx, system.Program("getent", database, key))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", database, err)
	}
	// getent exits 2 when the key is not found.
	if res.ExitCode == 2 {
		return nil, nil
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", database, err)
	}
	line := strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0])
	if line == "" {
		return nil, nil
	}
	return strings.Split(line, ":"), nil
}

func lookupPasswd(ctx context.Context, deps Deps, name string) (*passwdEntry, error) {
	fields, err := getent(ctx, deps, "passwd", name)
	if err != nil || fields == nil {
		return nil, err
	}
	if len(fields) < 7 {
		return nil, fmt.Errorf("malformed passwd entry for %s", name)
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid uid for %s: %w", name, err)
	}
	gid, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("invalid gid for %s: %w", name, err)
	}
	return &passwdEntry{uid: uid, gid: gid, comment: fields[4], home: fields[5], shell: fields[6]}, nil
}

func lookupGroupEntry(ctx context.Context, deps Deps, name string) (*groupEntry, error) {
	fields, err := getent(ctx, deps, "group", name)
	if err != nil || fields == nil {
		return nil, err
	}
	if len(fields) < 4 {
		return nil, fmt.Errorf("malformed group entry for %s", name)
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid gid for %s: %w", name, err)
	}
	entry := &groupEntry{gid: gid}
	if fields[3] != "" {
		entry.members = strings.Split(fields[3], ",")
	}
	return entry, nil
}

func runAdmin(ctx context.Context, deps Deps, name string, args ...string) error {
	res, err := deps.Commander.Run(ctx, system.Program(name, args...))
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%s failed: %w", name, err)
	}
	return nil
}

// userDrift returns usermod arguments for the fields that differ.
func userDrift(ctx context.Context, deps Deps, spec *UserSpec, cur *passwdEntry) ([]string, error) {
	var args []string
	if spec.UID != nil && *spec.UID != cur.uid {
		args = append(args, "-u", strconv.Itoa(*spec.UID))
	}
	if spec.GID != "" {
		gid, err := strconv.Atoi(spec.GID)
		if err != nil {
			g, err := lookupGroupEntry(ctx, deps, spec.GID)
			if err != nil {
				return nil, err
			}
			if g == nil {
				return nil, fmt.Errorf("group %s does not exist", spec.GID)
			}
			gid = g.gid
		}
		if gid != cur.gid {
			args = append(args, "-g", spec.GID)
		}
	}
	if spec.Home != "" && spec.Home != cur.home {
		args = append(args, "-d", spec.Home)
		if spec.ManageHome {
			args = append(args, "-m")
		}
	}
	if spec.Shell != "" && spec.Shell != cur.shell {
		args = append(args, "-s", spec.Shell)
	}
	if spec.Comment != "" && spec.Comment != cur.comment {
		args = append(args, "-c", spec.Comment)
	}
	return args, nil
}

func userTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*UserSpec, string, error) {
		spec, err := specOf[UserSpec](r)
		if err != nil {
			return nil, "", err
		}
		return spec, orName(spec.Username, r), nil
	}

	return &engine.ActionTable{
		Type:          "user",
		DefaultAction: "create",
		Decode:        decoder[UserSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, name, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					cur, err := lookupPasswd(ctx, deps, name)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if cur == nil {
						var args []string
						if spec.UID != nil {
							args = append(args, "-u", strconv.Itoa(*spec.UID))
						}
						if spec.GID != "" {
							args = append(args, "-g", spec.GID)
						}
						if spec.Home != "" {
							args = append(args, "-d", spec.Home)
						}
						if spec.Shell != "" {
							args = append(args, "-s", spec.Shell)
						}
						if spec.Comment != "" {
							args = append(args, "-c", spec.Comment)
						}
						if spec.ManageHome {
							args = append(args, "-m")
						} else {
							args = append(args, "-M")
						}
						if spec.System {
							args = append(args, "-r")
						}
						if err := runAdmin(ctx, deps, "useradd", append(args, name)...); err != nil {
							return engine.OutcomeFailed, err
						}
						return engine.OutcomeChanged, nil
					}

					args, err := userDrift(ctx, deps, spec, cur)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if len(args) == 0 {
						return engine.OutcomeUnchanged, nil
					}
					if err := runAdmin(ctx, deps, "usermod", append(args, name)...); err != nil {
						return engine.OutcomeFailed, err
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					spec, name, err := load(r)
					if err != nil {
						return false, err
					}
					cur, err := lookupPasswd(ctx, deps, name)
					if err != nil || cur == nil {
						return false, err
					}
					args, err := userDrift(ctx, deps, spec, cur)
					return len(args) == 0, err
				},
			},
			"remove": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, name, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					cur, err := lookupPasswd(ctx, deps, name)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if cur == nil {
						return engine.OutcomeUnchanged, nil
					}
					args := []string{name}
					if spec.ManageHome {
						args = []string{"-r", name}
					}
					if err := runAdmin(ctx, deps, "userdel", args...); err != nil {
						return engine.OutcomeFailed, err
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					_, name, err := load(r)
					if err != nil {
						return false, err
					}
					cur, err := lookupPasswd(ctx, deps, name)
					return cur == nil, err
				},
			},
		},
	}
}

// missingMembers returns desired members absent from current.
func missingMembers(current, desired []string) []string {
	have := make(map[string]bool, len(current))
	for _, m := range current {
		have[m] = true
	}
	var missing []string
	for _, m := range desired {
		if !have[m] {
			missing = append(missing, m)
		}
	}
	return missing
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func groupConverged(spec *GroupSpec, cur *groupEntry) bool {
	if spec.GID != nil && *spec.GID != cur.gid {
		return false
	}
	if spec.Members == nil {
		return true
	}
	if spec.Append {
		return len(missingMembers(cur.members, spec.Members)) == 0
	}
	return sameMembers(cur.members, spec.Members)
}

func groupTable(deps Deps) *engine.ActionTable {
	load := func(r *engine.Resource) (*GroupSpec, string, error) {
		spec, err := specOf[GroupSpec](r)
		if err != nil {
			return nil, "", err
		}
		return spec, orName(spec.GroupName, r), nil
	}

	syncMembers := func(ctx context.Context, spec *GroupSpec, name string, current []string) error {
		if spec.Members == nil {
			return nil
		}
		if !spec.Append {
			if sameMembers(current, spec.Members) {
				return nil
			}
			return runAdmin(ctx, deps, "gpasswd", "-M", strings.Join(spec.Members, ","), name)
		}
		for _, m := range missingMembers(current, spec.Members) {
			if err := runAdmin(ctx, deps, "gpasswd", "-a", m, name); err != nil {
				return err
			}
		}
		return nil
	}

	return &engine.ActionTable{
		Type:          "group",
		DefaultAction: "create",
		Decode:        decoder[GroupSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"create": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, name, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					cur, err := lookupGroupEntry(ctx, deps, name)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if cur == nil {
						var args []string
						if spec.GID != nil {
							args = append(args, "-g", strconv.Itoa(*spec.GID))
						}
						if spec.System {
							args = append(args, "-r")
						}
						if err := runAdmin(ctx, deps, "groupadd", append(args, name)...); err != nil {
							return engine.OutcomeFailed, err
						}
						if err := syncMembers(ctx, spec, name, nil); err != nil {
							return engine.OutcomeFailed, err
						}
						return engine.OutcomeChanged, nil
					}
					if groupConverged(spec, cur) {
						return engine.OutcomeUnchanged, nil
					}
					if spec.GID != nil && *spec.GID != cur.gid {
						if err := runAdmin(ctx, deps, "groupmod", "-g", strconv.Itoa(*spec.GID), name); err != nil {
							return engine.OutcomeFailed, err
						}
					}
					if err := syncMembers(ctx, spec, name, cur.members); err != nil {
						return engine.OutcomeFailed, err
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					spec, name, err := load(r)
					if err != nil {
						return false, err
					}
					cur, err := lookupGroupEntry(ctx, deps, name)
					if err != nil || cur == nil {
						return false, err
					}
					return groupConverged(spec, cur), nil
				},
			},
			"remove": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					_, name, err := load(r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					cur, err := lookupGroupEntry(ctx, deps, name)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if cur == nil {
						return engine.OutcomeUnchanged, nil
					}
					if err := runAdmin(ctx, deps, "groupdel", name); err != nil {
						return engine.OutcomeFailed, err
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					_, name, err := load(r)
					if err != nil {
						return false, err
					}
					cur, err := lookupGroupEntry(ctx, deps, name)
					return cur == nil, err
				},
			},
		},
	}
}
