package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// ExecuteSpec describes a command resource. Commands always report changed
// when they run, so they are usually guarded or notified.
type ExecuteSpec struct {
	// Command is the command line. Defaults to the resource name.
	Command string `mapstructure:"command"`

	// Cwd is the working directory.
	Cwd string `mapstructure:"cwd"`

	// Environment is added to the inherited environment.
	Environment map[string]string `mapstructure:"environment"`

	// User runs the command as this user.
	User string `mapstructure:"user"`

	// Group runs the command with this group.
	Group string `mapstructure:"group"`

	// Timeout bounds the run time, as a duration string or seconds.
	Timeout time.Duration `mapstructure:"timeout"`

	// Returns lists the accepted exit codes. Defaults to [0].
	Returns []int `mapstructure:"returns"`
}

// BashSpec describes an inline script resource.
type BashSpec struct {
	// Code is the script body.
	Code string `mapstructure:"code" validate:"required"`

	// Interpreter runs the script. Defaults to /bin/bash.
	Interpreter string `mapstructure:"interpreter"`

	// Cwd is the working directory.
	Cwd string `mapstructure:"cwd"`

	// Environment is added to the inherited environment.
	Environment map[string]string `mapstructure:"environment"`

	// User runs the script as this user.
	User string `mapstructure:"user"`

	// Group runs the script with this group.
	Group string `mapstructure:"group"`

	// Timeout bounds the run time.
	Timeout time.Duration `mapstructure:"timeout"`

	// Returns lists the accepted exit codes. Defaults to [0].
	Returns []int `mapstructure:"returns"`
}

func runCommand(ctx context.Context, deps Deps, cmd system.Command, returns []int) (engine.Outcome, error) {
	res, err := deps.Commander.Run(ctx, cmd)
	if err != nil {
		return engine.OutcomeFailed, err
	}
	if len(returns) == 0 {
		returns = []int{0}
	}
	for _, code := range returns {
		if res.ExitCode == code {
			deps.Logger.Debug().
				Str("command", cmd.String()).
				Int("exit_code", res.ExitCode).
				Msg("Command completed")
			return engine.OutcomeChanged, nil
		}
	}
	if err := res.Err(); err != nil {
		return engine.OutcomeFailed, fmt.Errorf("command %q failed: %w", cmd.String(), err)
	}
	return engine.OutcomeFailed, fmt.Errorf("command %q exited %d, expected one of %v", cmd.String(), res.ExitCode, returns)
}

func executeTable(deps Deps) *engine.ActionTable {
	return &engine.ActionTable{
		Type:          "execute",
		DefaultAction: "run",
		Decode:        decoder[ExecuteSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"run": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, err := specOf[ExecuteSpec](r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					cmd := system.Shell(orName(spec.Command, r))
					cmd.Dir = spec.Cwd
					cmd.Env = spec.Environment
					cmd.User = spec.User
					cmd.Group = spec.Group
					cmd.Timeout = spec.Timeout
					return runCommand(ctx, deps, cmd, spec.Returns)
				},
			},
		},
	}
}

func bashTable(deps Deps) *engine.ActionTable {
	return &engine.ActionTable{
		Type:          "bash",
		DefaultAction: "run",
		Decode:        decoder[BashSpec](),
		Actions: map[engine.Action]engine.ActionHandler{
			"run": {
				Ensure: func(ctx context.Context, r *engine.Resource) (engine.Outcome, error) {
					spec, err := specOf[BashSpec](r)
					if err != nil {
						return engine.OutcomeFailed, err
					}
					interpreter := spec.Interpreter
					if interpreter == "" {
						interpreter = "/bin/bash"
					}
					cmd := system.Program(interpreter, "-e", "-s")
					cmd.Stdin = spec.Code
					cmd.Dir = spec.Cwd
					cmd.Env = spec.Environment
					cmd.User = spec.User
					cmd.Group = spec.Group
					cmd.Timeout = spec.Timeout
					return runCommand(ctx, deps, cmd, spec.Returns)
				},
			},
		},
	}
}
