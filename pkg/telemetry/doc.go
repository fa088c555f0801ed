// Package telemetry provides structured logging, Prometheus metrics,
// OpenTelemetry tracing and an in-process event bus for the Caldera
// orchestration engine.
//
// The engine publishes stack and resource lifecycle events on the
// EventBus; the API server and CLI subscribe to it for live output.
// Metrics are exposed on the API server's /metrics endpoint via
// Metrics.Handler.
package telemetry
