package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/galley/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp" }, true},
		{"otlp", func(c *Config) { c.Tracing.Exporter = "otlp"; c.Tracing.Endpoint = "localhost:4317" }, false},
		{"jaeger", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
		{"sampling", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"async without buffer", func(c *Config) { c.Events.Async = true; c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: json
tracing:
  exporter: stdout
  export_timeout: 5s
metrics:
  textfile_path: /var/lib/node_exporter/galley.prom
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "galley", cfg.ServiceName)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5*time.Second, cfg.Tracing.ExportTimeout)
	assert.Equal(t, "/var/lib/node_exporter/galley.prom", cfg.Metrics.TextfilePath)
	assert.True(t, cfg.Metrics.Enabled)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigOverride(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Override(&Config{
		Logging: LoggingConfig{Level: "warn"},
		Metrics: MetricsConfig{TextfilePath: "/tmp/galley.prom"},
	}))
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "/tmp/galley.prom", cfg.Metrics.TextfilePath)
	assert.Equal(t, "galley", cfg.Metrics.Namespace)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Len(t, cfg.Metrics.Buckets, 10)

	require.NoError(t, cfg.Override(&Config{}))
	assert.Equal(t, "warn", cfg.Logging.Level)

	assert.Error(t, cfg.Override(&Config{Logging: LoggingConfig{Level: "loud"}}))
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerTo(LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.NewComponentLogger("runner").WithRunID("run-1").WithResource("service[nginx]", "start").Info("Action started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "runner", entry["component"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "service[nginx]", entry["resource"])
	assert.Equal(t, "start", entry["action"])
	assert.Equal(t, "Action started", entry["message"])

	buf.Reset()
	quiet, err := NewLoggerTo(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	quiet.Info("hidden")
	assert.Zero(t, buf.Len())

	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordRun(engine.RunStatusSucceeded, false, 2*time.Second)
	m.RecordRun(engine.RunStatusFailed, true, time.Second)
	m.RecordAction("file", "create", engine.StatusChanged, 10*time.Millisecond)
	m.RecordAction("file", "create", engine.StatusChanged, 10*time.Millisecond)
	m.RecordAction("service", "start", engine.StatusSkipped, 0)
	m.RecordGuardError("execute")
	m.RecordNotification(engine.TimingDelayed)
	m.RecordPolicyViolation("world-writable-mode", "error")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("succeeded", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("failed", "true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.lastRunSuccess))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.actions.WithLabelValues("file", "create", "changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("service", "start", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.guardErrors.WithLabelValues("execute")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("delayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyViolation.WithLabelValues("world-writable-mode", "error")))

	path := filepath.Join(t.TempDir(), "galley.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `galley_actions_total{action="create",resource_type="file",status="changed"} 2`)
	assert.Contains(t, string(data), "galley_last_run_success 0")
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	assert.False(t, m.Enabled())
	m.RecordRun(engine.RunStatusSucceeded, false, time.Second)
	m.RecordAction("file", "create", engine.StatusChanged, time.Second)
	assert.Nil(t, m.Registry())

	path := filepath.Join(t.TempDir(), "galley.prom")
	require.NoError(t, m.WriteTextfile(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTracerExporters(t *testing.T) {
	noopTracer, err := NewTracer(TracingConfig{Exporter: "none"}, "galley", "test", nil)
	require.NoError(t, err)
	_, span := noopTracer.Start(context.Background(), "converge")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, noopTracer.Shutdown(context.Background()))

	var buf bytes.Buffer
	tracer, err := NewTracer(TracingConfig{Exporter: "stdout", SamplingRate: 1}, "galley", "test", &buf)
	require.NoError(t, err)

	ctx, span := tracer.Start(context.Background(), "converge")
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(span, errors.New("boom"))
	span.End()
	require.NoError(t, tracer.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"converge"`)

	_, err = NewTracer(TracingConfig{Exporter: "zipkin"}, "galley", "test", nil)
	assert.Error(t, err)
}

func TestEventBusSyncOrderAndFilters(t *testing.T) {
	bus := NewEventBus(EventsConfig{}, zerolog.Nop())

	var all, failures []engine.EventType
	bus.Subscribe("all", func(_ context.Context, e engine.Event) error {
		all = append(all, e.Type)
		return nil
	}, nil)
	bus.Subscribe("failures", func(_ context.Context, e engine.Event) error {
		failures = append(failures, e.Type)
		return nil
	}, FilterByType(engine.EventTypeActionFailed, engine.EventTypeRunFailed))
	bus.Subscribe("broken", func(context.Context, engine.Event) error {
		return errors.New("disk full")
	}, FilterByResource("file[/etc/motd]"))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, engine.Event{Type: engine.EventTypeRunStarted}))
	require.NoError(t, bus.Publish(ctx, engine.Event{Type: engine.EventTypeActionFailed, Resource: "service[nginx]"}))
	err := bus.Publish(ctx, engine.Event{Type: engine.EventTypeActionCompleted, Resource: "file[/etc/motd]"})
	assert.ErrorContains(t, err, "broken: disk full")

	assert.Equal(t, []engine.EventType{
		engine.EventTypeRunStarted, engine.EventTypeActionFailed, engine.EventTypeActionCompleted,
	}, all)
	assert.Equal(t, []engine.EventType{engine.EventTypeActionFailed}, failures)

	require.NoError(t, bus.Shutdown(ctx))
	assert.ErrorIs(t, bus.Publish(ctx, engine.Event{Type: engine.EventTypeRunCompleted}), ErrBusClosed)
}

func TestEventBusAsyncDrainsOnShutdown(t *testing.T) {
	bus := NewEventBus(EventsConfig{Async: true, BufferSize: 4}, zerolog.Nop())

	var mu sync.Mutex
	var got []string
	bus.Subscribe("collect", func(_ context.Context, e engine.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.ID)
		return nil
	}, nil)

	ctx := context.Background()
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		require.NoError(t, bus.Publish(ctx, engine.Event{ID: id, Type: engine.EventTypeActionStarted}))
	}
	require.NoError(t, bus.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "1 2 3 4 5 6 7 8", strings.Join(got, " "))
}

func TestFilterBySeverity(t *testing.T) {
	warn := FilterBySeverity("warning")
	assert.False(t, warn(engine.Event{Type: engine.EventTypeActionCompleted}))
	assert.True(t, warn(engine.Event{Type: engine.EventTypeGuardError}))
	assert.True(t, warn(engine.Event{Type: engine.EventTypeRunFailed}))
}

func TestTelemetryWiresRunner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.TextfilePath = filepath.Join(t.TempDir(), "galley.prom")

	var logs bytes.Buffer
	logger, err := NewLoggerTo(LoggingConfig{Level: "debug", Format: "json"}, &logs)
	require.NoError(t, err)

	tel, err := NewTelemetryWithLogger(cfg, logger, nil)
	require.NoError(t, err)

	var seen []engine.EventType
	tel.Events.Subscribe("test", func(_ context.Context, e engine.Event) error {
		seen = append(seen, e.Type)
		return nil
	}, nil)

	runner := engine.NewRunner(engine.NewRegistry(), tel.RunnerOptions()...)
	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))

	report, err := runner.Converge(ctx, engine.NewCollection(), engine.RunOptions{})
	require.NoError(t, err)
	assert.True(t, report.Succeeded())

	require.NoError(t, tel.Shutdown(context.Background()))
	require.NotEmpty(t, seen)
	assert.Equal(t, engine.EventTypeRunStarted, seen[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.Metrics.runs.WithLabelValues("succeeded", "false")))

	data, err := os.ReadFile(cfg.Metrics.TextfilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "galley_runs_total")
	assert.Contains(t, logs.String(), `"component":"timeline"`)
}
