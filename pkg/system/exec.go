// Package system runs local commands and manipulates files on behalf of
// resource providers, guards and fact collection.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DefaultShell is used for commands without explicit arguments.
const DefaultShell = "/bin/sh"

// Command describes a process to run.
type Command struct {
	// Path is the program to run, or a shell command line when Args is empty.
	Path string `json:"path"`

	// Args are the program arguments. When empty, Path runs through Shell.
	Args []string `json:"args,omitempty"`

	// Shell is the shell used for command lines. Defaults to /bin/sh.
	Shell string `json:"shell,omitempty"`

	// Dir is the working directory.
	Dir string `json:"dir,omitempty"`

	// Env is added to the inherited environment.
	Env map[string]string `json:"env,omitempty"`

	// User runs the process as this user (name or uid).
	User string `json:"user,omitempty"`

	// Group runs the process with this group (name or gid).
	Group string `json:"group,omitempty"`

	// Stdin is written to the process standard input.
	Stdin string `json:"-"`

	// Timeout bounds the process run time. Zero means no timeout.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Shell builds a command that runs a command line through the default shell.
func Shell(line string) Command {
	return Command{Path: line}
}

// Program builds a command that runs a program with arguments.
func Program(path string, args ...string) Command {
	if args == nil {
		args = []string{}
	}
	return Command{Path: path, Args: args}
}

// String renders the command for logs.
func (c Command) String() string {
	if c.Args == nil {
		return c.Path
	}
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a finished process.
type Result struct {
	// ExitCode is the process exit status.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is how long the process ran.
	Duration time.Duration `json:"duration"`
}

// Success reports whether the process exited with status 0.
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Err returns an error describing a non-zero exit, or nil.
func (r *Result) Err() error {
	if r.Success() {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	if msg == "" {
		return fmt.Errorf("exit status %d", r.ExitCode)
	}
	return fmt.Errorf("exit status %d: %s", r.ExitCode, msg)
}

// Commander runs commands. A non-zero exit is reported in the Result, not as
// an error; errors mean the process could not be run at all.
type Commander interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// waitDelay bounds how long Run waits for orphaned children holding the
// output pipes after the process was killed.
const waitDelay = 2 * time.Second

// ErrTimeout is returned when a command exceeds its timeout.
var ErrTimeout = errors.New("command timed out")

// ExecCommander runs commands on the local host with os/exec.
type ExecCommander struct {
	logger zerolog.Logger
}

// NewExecCommander creates a local commander.
func NewExecCommander(logger zerolog.Logger) *ExecCommander {
	return &ExecCommander{logger: logger.With().Str("component", "exec").Logger()}
}

// Run executes a command and captures its output.
func (e *ExecCommander) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("command is required")
	}

	parent := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var cmd *exec.Cmd
	if c.Args != nil {
		cmd = exec.CommandContext(ctx, c.Path, c.Args...)
	} else {
		shell := c.Shell
		if shell == "" {
			shell = DefaultShell
		}
		cmd = exec.CommandContext(ctx, shell, "-c", c.Path)
	}

	if c.Dir != "" {
		cmd.Dir = c.Dir
	}

	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := os.Environ()
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%s", k, c.Env[k]))
		}
		cmd.Env = env
	}

	if c.User != "" || c.Group != "" {
		cred, err := credential(c.User, c.Group)
		if err != nil {
			return nil, err
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	e.logger.Debug().
		Str("command", c.String()).
		Dur("duration", result.Duration).
		Msg("Command finished")

	if err != nil {
		if cerr := parent.Err(); cerr != nil {
			return result, fmt.Errorf("command interrupted: %s: %w", c, cerr)
		}
		if c.Timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("%w after %s: %s", ErrTimeout, c.Timeout, c)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	return result, nil
}

// Output runs a command and returns its trimmed stdout, failing on non-zero exit.
func Output(ctx context.Context, commander Commander, cmd Command) (string, error) {
	res, err := commander.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func credential(user, group string) (*syscall.Credential, error) {
	cred := &syscall.Credential{
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	if user != "" {
		uid, gid, err := LookupUser(user)
		if err != nil {
			return nil, err
		}
		cred.Uid = uint32(uid)
		cred.Gid = uint32(gid)
	}
	if group != "" {
		gid, err := LookupGroup(group)
		if err != nil {
			return nil, err
		}
		cred.Gid = uint32(gid)
	}
	return cred, nil
}
