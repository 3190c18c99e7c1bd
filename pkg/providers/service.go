package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// ServiceSpec is the desired state of a systemd unit.
type ServiceSpec struct {
	// ServiceName is the unit name. Defaults to the resource name.
	ServiceName string `mapstructure:"service_name"`

	// ReloadCommand replaces "systemctl reload" when set.
	ReloadCommand string `mapstructure:"reload_command"`

	// RestartCommand replaces "systemctl restart" when set.
	RestartCommand string `mapstructure:"restart_command"`
}

type serviceStatus struct {
	active  bool
	enabled bool
}

type systemd struct {
	deps Deps
}

func (s *systemd) status(ctx context.Context, name string) (*serviceStatus, error) {
	active, err := s.deps.Commander.Run(ctx, system.Program("systemctl", "is-active", name))
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}
	enabled, err := s.deps.Commander.Run(ctx, system.Program("systemctl", "is-enabled", name))
	if err != nil {
		return nil, fmt.Errorf("failed to get service status: %w", err)
	}
	return &serviceStatus{
		active:  strings.TrimSpace(active.Stdout) == "active",
		enabled: strings.TrimSpace(enabled.Stdout) == "enabled",
	}, nil
}

func (s *systemd) systemctl(ctx context.Context, verb, name string) error {
	res, err := s.deps.Commander.Run(ctx, system.Program("systemctl", verb, name))
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to %s service: %w", verb, err)
	}
	return nil
}

func (s *systemd) shell(ctx context.Context, line string) error {
	res, err := s.deps.Commander.Run(ctx, system.Shell(line))
	if err != nil {
		return err
	}
	return res.Err()
}

func serviceTable(deps Deps) *engine.ActionTable {
	sd := &systemd{deps: deps}

	load := func(r *engine.Resource) (*ServiceSpec, string, error) {
		spec, err := specOf[ServiceSpec](r)
		if err != nil {
			return nil, "", err
		}
		return spec, orName(spec.ServiceName, r), nil
	}

	// toggle builds an idempotent action that runs verb unless want(status) already holds.
	toggle := func(verb string, want func(*serviceStatus) bool) engine.ActionHandler {
		return engine.ActionHandler{
			Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
				_, name, err := load(r)
				if err != nil {
					return engine.OutcomeFailed, err
				}
				st, err := sd.status(ctx, name)
				if err != nil {
					return engine.OutcomeFailed, err
				}
				if want(st) {
					return engine.OutcomeUnchanged, nil
				}
				if err := sd.systemctl(ctx, verb, name); err != nil {
					return engine.OutcomeFailed, err
				}
				return engine.OutcomeChanged, nil
			},
			Probe: func(ctx context.Context, r *engine.Resource) (bool, error) {
				_, name, err := load(r)
				if err != nil {
					return false, err
				}
				st, err := sd.status(ctx, name)
				if err != nil {
					return false, err
				}
				return want(st), nil
			},
		}
	}

	// always builds an action that changes the system every time it runs.
	always := func(verb string, override func(*ServiceSpec) string) engine.ActionHandler {
		return engine.ActionHandler{
			Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
				spec, name, err := load(r)
				if err != nil {
					return engine.OutcomeFailed, err
				}
				if line := override(spec); line != "" {
					if err := sd.shell(ctx, line); err != nil {
						return engine.OutcomeFailed, fmt.Errorf("failed to %s service: %w", verb, err)
					}
					return engine.OutcomeChanged, nil
				}
				if err := sd.systemctl(ctx, verb, name); err != nil {
					return engine.OutcomeFailed, err
				}
				return engine.OutcomeChanged, nil
			},
		}
	}

	return &engine.ActionTable{
		Type:          "service",
		DefaultAction: engine.ActionNothing,
		Decode:        decoder[ServiceSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"start":   toggle("start", func(s *serviceStatus) bool { return s.active }),
			"stop":    toggle("stop", func(s *serviceStatus) bool { return !s.active }),
			"enable":  toggle("enable", func(s *serviceStatus) bool { return s.enabled }),
			"disable": toggle("disable", func(s *serviceStatus) bool { return !s.enabled }),
			"restart": always("restart", func(s *ServiceSpec) string { return s.RestartCommand }),
			"reload":  always("reload", func(s *ServiceSpec) string { return s.ReloadCommand }),
		},
	}
}
