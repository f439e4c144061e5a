package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/dialtone"

// Tracer returns dialtone's tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }

// StartSpan starts a span named name as a child of any span in ctx.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type callIDKey struct{}

// StartCall opens the root span of a phone call and tags ctx with callID so
// that turn spans nest under it and [Logger] reports the call.
func StartCall(ctx context.Context, callID, agentID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, callIDKey{}, callID)
	return StartSpan(ctx, "call", trace.WithAttributes(
		attribute.String("call_id", callID),
		attribute.String("agent_id", agentID),
	))
}

// CallID returns the call ID set by [StartCall], or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// TraceID returns the hex trace ID of the span in ctx, or "" if there is none.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with whatever ctx knows about: the call
// ID from [StartCall] and the active trace and span IDs.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := CallID(ctx); id != "" {
		attrs = append(attrs, slog.String("call_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
