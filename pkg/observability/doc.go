// Package observability provides structured logging, prometheus metrics,
// distributed tracing, and health checks for the Skyhook authentication service.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler and context plumbing for
// request IDs, user IDs, and team IDs so that every log line emitted while
// handling a login attempt can be correlated back to the attempt:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithFields(map[string]interface{}{
//		"team_id":  teamID,
//		"provider": "saml",
//	}).Warn("assertion signature mismatch")
//
// # Metrics
//
// Prometheus collectors track login outcomes per provider, replay rejections,
// and identity-provider round-trip latency. Register them once at startup:
//
//	metrics := observability.NewAuthMetrics()
//	metrics.MustRegister(prometheus.DefaultRegisterer)
//
// # Tracing
//
// InitTracing configures an OTLP gRPC trace exporter when enabled; handlers
// are wrapped with otelhttp at the router level.
package observability
