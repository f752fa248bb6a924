// Package logging provides structured logging for faultline.
//
// Logger wraps zap with:
//   - a Trace level below Debug for per-signal wire detail
//   - stdout and/or OpenTelemetry output (via the otelzap bridge)
//   - automatic context fields: trace/span IDs, tab scope, signal ID, request ID
//   - redaction of credential-looking fields and values
//   - level-aware sampling, errors are never sampled
//
// Typical use:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTabScope(ctx, "tab-17")
//	logger.Info(ctx, "signal accepted", zap.String("kind", "network"))
//
// Library packages take a plain *zap.Logger; pass logger.Underlying() to them.
// Tests use NewTestLogger and its Assert helpers.
package logging
