// Package telemetry provides OpenTelemetry instrumentation for faultline.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version),
//	    telemetry.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Once New returns, the global tracer and meter providers export over
// OTLP (gRPC or HTTP/protobuf). The suggestion aggregator and HTTP
// middleware pick them up through otel.GetTracerProvider and
// otel.GetMeterProvider.
//
// # Configuration
//
//	observability:
//	  enable_telemetry: true
//	  otlp_endpoint: "localhost:4317"
//	  otlp_protocol: grpc
//	  otlp_insecure: true
//
// Plaintext export is refused for non-loopback endpoints.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "suggest.fanout")
//	span.End()
//	tt.AssertSpanExists(t, "suggest.fanout")
package telemetry
