package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// PackageSpec is the desired state of an OS package.
type PackageSpec struct {
	// PackageName is the package to manage. Defaults to the resource name.
	PackageName string `mapstructure:"package_name"`

	// Version pins the installed version.
	Version string `mapstructure:"version"`

	// Options are extra package manager arguments.
	Options []string `mapstructure:"options"`

	// Manager forces a package manager instead of detecting one.
	Manager string `mapstructure:"manager" validate:"omitempty,oneof=apt dnf yum zypper"`
}

type packageManager struct {
	deps Deps
}

func (p *packageManager) detect(spec *PackageSpec) (string, error) {
	if spec.Manager != "" {
		return spec.Manager, nil
	}
	for _, mgr := range []string{"apt", "dnf", "yum", "zypper"} {
		if _, err := p.deps.LookPath(mgr); err == nil {
			return mgr, nil
		}
	}
	return "", fmt.Errorf("no supported package manager found")
}

// installed returns whether the package is installed and its version.
func (p *packageManager) installed(ctx context.Context, manager, name string) (bool, string, error) {
	var cmd system.Command
	switch manager {
	case "apt":
		cmd = system.Program("dpkg-query", "-W", "-f=${Version}", name)
	case "dnf", "yum", "zypper":
		cmd = system.Program("rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := p.deps.Commander.Run(ctx, cmd)
	if err != nil {
		return false, "", fmt.Errorf("failed to check package status: %w", err)
	}
	version := strings.TrimSpace(res.Stdout)
	if !res.Success() || version == "" {
		return false, "", nil
	}
	return true, version, nil
}

// upgradable reports whether a newer version than the installed one is available.
func (p *packageManager) upgradable(ctx context.Context, manager, name string) (bool, error) {
	switch manager {
	case "apt":
		out, err := system.Output(ctx, p.deps.Commander, system.Program("apt-cache", "policy", name))
		if err != nil {
			return false, err
		}
		var installed, candidate string
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if v, ok := strings.CutPrefix(line, "Installed:"); ok {
				installed = strings.TrimSpace(v)
			}
			if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
				candidate = strings.TrimSpace(v)
			}
		}
		return candidate != "" && candidate != "(none)" && candidate != installed, nil
	case "dnf", "yum":
		res, err := p.deps.Commander.Run(ctx, system.Program(manager, "-q", "check-update", name))
		if err != nil {
			return false, err
		}
		// check-update exits 100 when updates are available.
		switch res.ExitCode {
		case 0:
			return false, nil
		case 100:
			return true, nil
		default:
			return false, res.Err()
		}
	case "zypper":
		out, err := system.Output(ctx, p.deps.Commander, system.Program("zypper", "-q", "list-updates"))
		if err != nil {
			return false, err
		}
		for _, line := range strings.Split(out, "\n") {
			cols := strings.Split(line, "|")
			if len(cols) > 2 && strings.TrimSpace(cols[2]) == name {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unsupported package manager: %s", manager)
	}
}

func (p *packageManager) run(ctx context.Context, manager, verb string, options []string, target string) error {
	if manager == "zypper" && verb == "upgrade" {
		verb = "update"
	}
	args := append([]string{verb, "-y"}, options...)
	args = append(args, target)

	cmd := system.Program(manager, args...)
	if manager == "apt" {
		cmd.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
	}
	res, err := p.deps.Commander.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("%s %s %s failed: %w", manager, verb, target, err)
	}
	return nil
}

func versionSpec(manager, name, version string) string {
	if version == "" {
		return name
	}
	switch manager {
	case "apt":
		return fmt.Sprintf("%s=%s", name, version)
	case "dnf", "yum":
		return fmt.Sprintf("%s-%s", name, version)
	case "zypper":
		return fmt.Sprintf("%s=%s", name, version)
	}
	return name
}

// versionMatches compares an installed version with a pinned one. Pins may omit the release.
func versionMatches(installed, pinned string) bool {
	return installed == pinned || strings.HasPrefix(installed, pinned+"-")
}

func packageTable(deps Deps) *engine.ActionTable {
	pm := &packageManager{deps: deps}

	type state struct {
		spec      *PackageSpec
		name      string
		manager   string
		installed bool
		version   string
	}
	inspect := func(ctx context.Context, r *engine.Resource) (*state, error) {
		spec, err := specOf[PackageSpec](r)
		if err != nil {
			return nil, err
		}
		manager, err := pm.detect(spec)
		if err != nil {
			return nil, err
		}
		name := orName(spec.PackageName, r)
		installed, version, err := pm.installed(ctx, manager, name)
		if err != nil {
			return nil, err
		}
		return &state{spec: spec, name: name, manager: manager, installed: installed, version: version}, nil
	}
	satisfied := func(s *state) bool {
		if !s.installed {
			return false
		}
		return s.spec.Version == "" || versionMatches(s.version, s.spec.Version)
	}

	return &engine.ActionTable{
		Type:          "package",
		DefaultAction: "install",
		Decode:        decoder[PackageSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"install": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					s, err := inspect(ctx, r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if satisfied(s) {
						return engine.OutcomeUnchanged, nil
					}
					target := versionSpec(s.manager, s.name, s.spec.Version)
					if err := pm.run(ctx, s.manager, "install", s.spec.Options, target); err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to install package: %w", err)
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					s, err := inspect(ctx, r)
					if err != nil {
						return false, err
					}
					return satisfied(s), nil
				},
			},
			"upgrade": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					s, err := inspect(ctx, r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if !s.installed {
						if err := pm.run(ctx, s.manager, "install", s.spec.Options, s.name); err != nil {
							return engine.OutcomeFailed, fmt.Errorf("failed to install package: %w", err)
						}
						return engine.OutcomeChanged, nil
					}
					available, err := pm.upgradable(ctx, s.manager, s.name)
					if err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to check for upgrades: %w", err)
					}
					if !available {
						return engine.OutcomeUnchanged, nil
					}
					if err := pm.run(ctx, s.manager, "upgrade", s.spec.Options, s.name); err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to upgrade package: %w", err)
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					s, err := inspect(ctx, r)
					if err != nil || !s.installed {
						return false, err
					}
					available, err := pm.upgradable(ctx, s.manager, s.name)
					return !available, err
				},
			},
			"remove": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					s, err := inspect(ctx, r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					if !s.installed {
						return engine.OutcomeUnchanged, nil
					}
					if err := pm.run(ctx, s.manager, "remove", s.spec.Options, s.name); err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to remove package: %w", err)
					}
					return engine.OutcomeChanged, nil
				},
				Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
					s, err := inspect(ctx, r)
					if err != nil {
						return false, err
					}
					return !s.installed, nil
				},
			},
		},
	}
}
