// Package telemetry wires OpenTelemetry for flow pipelines.
//
// It bootstraps the process-wide tracer provider with an OTLP gRPC exporter
// and records per-element execution metrics so operators can see which
// elements fail, how long they take and how often caches answer for them.
package telemetry
