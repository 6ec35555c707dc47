// Package tracing provides the lightweight in-process spans the engine
// stamps onto each control tick. Trace and span IDs ride the tick's context
// so log lines and bus events emitted anywhere in the pipeline can be
// correlated back to the tick that produced them.
package tracing

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"
)

// SpanContext identifies one span within a trace.
type SpanContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Start, End   time.Time
}

// Span is one timed unit of work, usually a tick phase.
type Span interface {
	End()
	SetAttribute(key string, value any)
	Context() SpanContext
	IsEnded() bool
}

// Tracer starts spans. Child spans started from a context carrying a span
// inherit its trace ID and record it as parent.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Noop() bool
}

// NewTracer returns a tracer sampling the given percentage of new traces.
// samplePercent <= 0 disables tracing entirely; >= 100 traces every tick.
// A span whose context already carries a trace is always recorded, so a
// sampled tick never produces half a trace.
func NewTracer(samplePercent float64) Tracer {
	if samplePercent <= 0 {
		return noopTracer{}
	}
	return &tracer{samplePercent: samplePercent}
}

type tracer struct {
	samplePercent float64
}

func (t *tracer) Noop() bool { return false }

func (t *tracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	parent := spanFromContext(ctx)
	traceID := parent.sc.TraceID
	if traceID == "" {
		if t.samplePercent < 100 && rand.Float64()*100 > t.samplePercent {
			return ctx, noopSpan{}
		}
		traceID = newID(16)
	}
	sp := &span{
		name: name,
		sc: SpanContext{
			TraceID:      traceID,
			SpanID:       newID(8),
			ParentSpanID: parent.sc.SpanID,
			Start:        time.Now(),
		},
		attrs: make(map[string]any),
	}
	return context.WithValue(ctx, spanKey{}, sp), sp
}

type span struct {
	name string

	mu    sync.Mutex
	sc    SpanContext
	ended bool
	attrs map[string]any
}

func (s *span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.sc.End = time.Now()
		s.ended = true
	}
}

func (s *span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

func (s *span) Context() SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sc
}

func (s *span) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type noopTracer struct{}

func (noopTracer) Noop() bool { return true }
func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                     {}
func (noopSpan) SetAttribute(string, any) {}
func (noopSpan) Context() SpanContext     { return SpanContext{} }
func (noopSpan) IsEnded() bool            { return true }

type spanKey struct{}

func spanFromContext(ctx context.Context) *span {
	if ctx == nil {
		return &span{}
	}
	if sp, ok := ctx.Value(spanKey{}).(*span); ok {
		return sp
	}
	return &span{}
}

// ExtractIDs returns the trace/span IDs carried by ctx, or empty strings
// when ctx has no recorded span. Loggers and the event bus call this to
// stamp correlation fields.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sp := spanFromContext(ctx)
	sc := sp.Context()
	return sc.TraceID, sc.SpanID
}

func newID(n int) string {
	b := make([]byte, n)
	_, _ = cryptorand.Read(b)
	return hex.EncodeToString(b)
}
