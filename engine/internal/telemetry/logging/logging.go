// Package logging wraps log/slog with trace/span correlation: every line
// logged with a sampled tick's context carries the tick's trace_id and
// span_id, so
// operator log search can reconstruct a single tick's scoring, decisions,
// and mutations across components.
package logging

import (
	"context"
	"log/slog"

	"lnautopilot/engine/internal/telemetry/tracing"
)

// Logger is the logging surface engine components depend on. Components
// never log through the bare log package; correlation injection only works
// when the context flows through here.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

// New wraps base (slog.Default when nil) with correlation injection.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

type correlatedLogger struct {
	base *slog.Logger
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, correlate(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, correlate(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, correlate(ctx, attrs)...)
}

func correlate(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID == "" && spanID == "" {
		return attrs
	}
	return append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
}
