// Package logging provides structured logging for pulsed.
//
// It wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and optional OpenTelemetry output
//   - correlation fields pulled from context (trace_id, session.id, client.id, request.id)
//   - redaction of sensitive keys such as payload and passphrase
//   - level-aware sampling (errors are never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	logger.Info(ctx, "event stored", zap.String("event_id", id))
//
// Components that only need a *zap.Logger receive logger.Underlying().
package logging
