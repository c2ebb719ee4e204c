// Package observability provides OpenTelemetry integration for distributed tracing.
//
// Traces are shipped through a local Datadog Agent via OTLP HTTP rather than
// the direct Datadog intake. The agent buffers and retries locally, handles
// authentication, and keeps DD_API_KEY out of the application process.
//
// Environment variables (optional):
//   - DD_AGENT_HOST: Override agent host (default: localhost:4318)
//   - DD_ENV: Environment tag (default: dev)
//   - DD_SERVICE: Service name (default: sage)
//
// Config file (~/.sage/config.yaml):
//
//	datadog:
//	  agent_host: "localhost:4318"
//	  environment: "dev"
//	  service_name: "sage"
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for Datadog OTEL setup.
type Config struct {
	// AgentHost is the Datadog Agent OTLP endpoint (default: localhost:4318)
	AgentHost string
	// Environment is the deployment environment (dev, staging, prod)
	Environment string
	// ServiceName is the service name shown in Datadog APM
	ServiceName string
}

// DefaultAgentHost is the default Datadog Agent OTLP HTTP endpoint.
const DefaultAgentHost = "localhost:4318"

// SetupDatadog registers a Datadog Agent exporter with Genkit's TracerProvider.
// Traces are sent to the local Datadog Agent via OTLP HTTP protocol.
//
// Returns a shutdown function that flushes pending spans.
// If AgentHost is empty, uses DefaultAgentHost (localhost:4318).
func SetupDatadog(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	agentHost := cfg.AgentHost
	if agentHost == "" {
		agentHost = DefaultAgentHost
	}

	// Set OTEL_SERVICE_NAME for Genkit's TracerProvider to pick up
	// This ensures the service name appears correctly in Datadog APM
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	// Create OTLP HTTP exporter pointing to local Datadog Agent
	// Agent handles authentication and forwarding to Datadog backend
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(agentHost),
		otlptracehttp.WithInsecure(), // localhost doesn't need TLS
	)
	if err != nil {
		slog.Warn("failed to create datadog exporter, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	// Register BatchSpanProcessor with Genkit's TracerProvider
	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	slog.Debug("datadog tracing enabled",
		"agent", agentHost,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
