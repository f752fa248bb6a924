package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	tabScopeKey  struct{}
	signalIDKey  struct{}
	requestIDKey struct{}
	loggerKey    struct{}
)

// maxIDLen caps correlation values copied into every entry; tab scopes come
// from untrusted pages.
const maxIDLen = 128

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := TabScopeFromContext(ctx); v != "" {
		fields = append(fields, zap.String("tab_scope", v))
	}
	if v := SignalIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("signal_id", v))
	}
	if v := RequestIDFromContext(ctx); v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	return fields
}

func clip(s string) string {
	if len(s) > maxIDLen {
		return s[:maxIDLen]
	}
	return s
}

func stringValue(ctx context.Context, key any) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithTabScope tags ctx with the originating browsing context.
func WithTabScope(ctx context.Context, tab string) context.Context {
	return context.WithValue(ctx, tabScopeKey{}, clip(tab))
}

// TabScopeFromContext returns the tab scope or "".
func TabScopeFromContext(ctx context.Context) string { return stringValue(ctx, tabScopeKey{}) }

// WithSignalID tags ctx with the signal being processed.
func WithSignalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, signalIDKey{}, clip(id))
}

// SignalIDFromContext returns the signal ID or "".
func SignalIDFromContext(ctx context.Context) string { return stringValue(ctx, signalIDKey{}) }

// WithRequestID tags ctx with an HTTP request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, clip(id))
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string { return stringValue(ctx, requestIDKey{}) }

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
