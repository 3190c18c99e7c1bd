// Package providers implements the built-in resource types. Each provider
// registers an engine.ActionTable whose ensure functions are idempotent and
// whose probes never modify the system.
package providers

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/system"
)

// Renderer renders a named template with variables.
type Renderer interface {
	Render(templateID string, variables map[string]interface{}) (string, error)
}

// Fetcher downloads remote content.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (io.ReadCloser, error)
}

// Deps are the collaborators shared by every provider.
type Deps struct {
	// Commander runs package managers, systemctl and user commands.
	Commander system.Commander

	// Renderer renders template resources.
	Renderer Renderer

	// Fetcher downloads remote_file sources.
	Fetcher Fetcher

	// LookPath finds executables. Defaults to exec.LookPath.
	LookPath func(string) (string, error)

	// Logger is the provider logger.
	Logger zerolog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.LookPath == nil {
		d.LookPath = exec.LookPath
	}
	if d.Commander == nil {
		d.Commander = system.NewExecCommander(d.Logger)
	}
	return d
}

// Tables returns the action tables of every built-in resource type.
func Tables(deps Deps) []*engine.ActionTable {
	deps = deps.withDefaults()
	return []*engine.ActionTable{
		fileTable(deps),
		directoryTable(deps),
		templateTable(deps),
		linkTable(deps),
		packageTable(deps),
		serviceTable(deps),
		executeTable(deps),
		bashTable(deps),
		userTable(deps),
		groupTable(deps),
		remoteFileTable(deps),
		sshKeyTable(deps),
	}
}

// RegisterAll registers every built-in resource type.
func RegisterAll(registry *engine.Registry, deps Deps) error {
	for _, table := range Tables(deps) {
		if err := registry.Register(table); err != nil {
			return fmt.Errorf("failed to register %s provider: %w", table.Type, err)
		}
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		_, err := system.ParseMode(fl.Field().String())
		return err == nil
	})
	return v
}

// decoder returns a DecodeFunc producing a validated *T.
func decoder[T any]() engine.DecodeFunc {
	return func(props map[string]interface{}) (interface{}, error) {
		return decode[T](props)
	}
}

func decode[T any](props map[string]interface{}) (*T, error) {
	var spec T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	if props == nil {
		props = map[string]interface{}{}
	}
	if err := dec.Decode(props); err != nil {
		return nil, err
	}
	if err := validate.Struct(&spec); err != nil {
		return nil, formatValidationError(err)
	}
	return &spec, nil
}

// specOf returns the typed spec of a resource, decoding it if validation has
// not run yet.
func specOf[T any](r *engine.Resource) (*T, error) {
	if spec, ok := r.Spec.(*T); ok {
		return spec, nil
	}
	return decode[T](r.Properties)
}

// secondsToDurationHook lets timeouts be declared as plain numbers of seconds.
func secondsToDurationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return data, nil
	}
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "filemode":
			msgs = append(msgs, fmt.Sprintf("%s must be an octal file mode", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func orName(value string, r *engine.Resource) string {
	if value != "" {
		return value
	}
	return r.ID.Name
}

func changed(b bool) engine.Outcome {
	if b {
		return engine.OutcomeChanged
	}
	return engine.OutcomeUnchanged
}
