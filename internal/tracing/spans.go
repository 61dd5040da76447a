package tracing

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "codex-acp"
	maxAttrValueLen = 8192
)

// StartRequest starts a span for an incoming ACP request such as
// "prompt" or "session/new".
func StartRequest(ctx context.Context, method, sessionID string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "acp."+method, trace.WithSpanKind(trace.SpanKindServer))
	if sessionID != "" {
		span.SetAttributes(attribute.String("session_id", sessionID))
	}
	return ctx, span
}

// StartSubmit starts a span for an operation submitted to the engine.
func StartSubmit(ctx context.Context, sessionID, opType string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "engine.submit", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("op", opType),
	)
	return ctx, span
}

// AddEngineEvent records an engine event on the span in ctx. The raw
// payload is truncated.
func AddEngineEvent(ctx context.Context, eventType string, raw json.RawMessage) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("event_type", eventType)}
	if len(raw) > 0 {
		attrs = append(attrs, attribute.String("data", truncate(string(raw), maxAttrValueLen)))
	}
	span.AddEvent("engine_event", trace.WithAttributes(attrs...))
}

// EndWithError records err on span, if any, and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
