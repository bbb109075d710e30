// Package telemetry provides OpenTelemetry instrumentation for statekeeper.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using the
// OpenTelemetry Go SDK. It exports telemetry data over OTLP gRPC to a
// collector. Prometheus metrics are served separately on /metrics.
//
// # Usage
//
// Create telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("statekeeper.http")
//	ctx, span := tracer.Start(ctx, "http.PutState")
//	defer span.End()
//
//	meter := tel.Meter("statekeeper.http")
//	counter, _ := meter.Int64Counter("statekeeper.http.requests_total")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  service_name: "statekeeper"
//	  insecure: true
//	  sample_rate: 1.0  # 100% in dev, lower in prod
//
// # Error Handling
//
// Telemetry failures do not crash the application. If telemetry cannot be
// initialized, the instance degrades gracefully and returns no-op providers.
//
// # Testing
//
// Use TestTelemetry to capture spans from services that resolve their
// tracer from the global provider:
//
//	tt := telemetry.NewTestTelemetry()
//	tt.Install(t)
//	svc, _ := learning.NewService(nil, doc, nil)
//	svc.RecordAttempt(ctx, rec)
//	tt.AssertSpanExists(t, "learning.RecordAttempt")
package telemetry
