package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Span represents a single trace span for an operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// SpanExporter receives completed spans for export to a tracing backend.
type SpanExporter interface {
	ExportSpan(span Span)
}

// SpanExporterFunc is a function adapter for SpanExporter.
type SpanExporterFunc func(span Span)

// ExportSpan calls the function.
func (f SpanExporterFunc) ExportSpan(span Span) { f(span) }

// LogExporter writes completed spans as debug log events.
func LogExporter(logger zerolog.Logger) SpanExporter {
	return SpanExporterFunc(func(s Span) {
		ev := logger.Debug().
			Str("trace_id", s.TraceID).
			Str("span_id", s.SpanID).
			Str("operation", s.Operation).
			Str("status", s.Status).
			Dur("duration", s.Duration)
		if s.ParentID != "" {
			ev = ev.Str("parent_id", s.ParentID)
		}
		for k, v := range s.Tags {
			ev = ev.Str(k, v)
		}
		ev.Msg("span")
	})
}

// Tracer creates and manages trace spans. The zero value discards spans.
type Tracer struct {
	// Exporter receives completed spans. If nil, spans are discarded.
	Exporter SpanExporter
}

// NewTracer creates a new tracer with an optional exporter.
func NewTracer(exporter SpanExporter) *Tracer {
	return &Tracer{Exporter: exporter}
}

type traceContextKey struct{}

// StartSpan creates a new span and adds it to the context. The trace id is
// inherited from a parent span, else taken from the correlation id.
func (t *Tracer) StartSpan(ctx context.Context, operation string, tags map[string]string) (context.Context, *Span) {
	span := &Span{
		SpanID:    NewID(),
		Operation: operation,
		StartTime: time.Now(),
		Status:    "ok",
		Tags:      tags,
	}

	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	} else if id := CorrelationID(ctx); id != "" {
		span.TraceID = id
	} else {
		span.TraceID = NewID()
	}

	return context.WithValue(ctx, traceContextKey{}, span), span
}

// EndSpan completes a span and exports it. A non-nil err marks it failed.
func (t *Tracer) EndSpan(span *Span, err error) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = "error"
		if span.Tags == nil {
			span.Tags = make(map[string]string)
		}
		span.Tags["error"] = err.Error()
	}
	if t != nil && t.Exporter != nil {
		t.Exporter.ExportSpan(*span)
	}
}

// InvocationTags returns standard tags for an invocation span.
func InvocationTags(sessionID, userID string) map[string]string {
	return map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
	}
}
