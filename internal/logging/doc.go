// Package logging provides structured logging with OpenTelemetry integration.
//
// The Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout output with an optional OpenTelemetry tee
//   - correlation fields taken from the context (trace_id, run.id, phase, unit.id)
//   - redaction of credential-shaped keys and values
//   - level-aware sampling where errors are never sampled
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithPhase(ctx, "analysis")
//	logger.Info(ctx, "phase completed", zap.Duration("duration", d))
//
// Output:
//
//	{"level":"info","ts":"2026-03-02T10:15:30Z","msg":"phase completed",
//	 "run.id":"5c0f...","phase":"analysis","duration":"4.2s"}
package logging
