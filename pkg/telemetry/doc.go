// Package telemetry wires observability into galley runs.
//
// It combines four pieces behind one Telemetry value:
//
//  1. Logger - zerolog, console or JSON, with run and resource fields
//  2. Tracer - OpenTelemetry with stdout, otlp (gRPC) or no-op export
//  3. Metrics - Prometheus counters and histograms in a private registry
//  4. EventBus - ordered fan-out of the run timeline to handlers
//
// Metrics implements engine.MetricsRecorder and EventBus implements
// engine.EventPublisher, so a runner is instrumented with:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig(), nil)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	runner := engine.NewRunner(registry, tel.RunnerOptions()...)
//
// For a one-shot run the metrics are written to MetricsConfig.TextfilePath
// for the node exporter textfile collector. While watching they can also be
// served over HTTP from MetricsConfig.ListenAddress.
package telemetry
