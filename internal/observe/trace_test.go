package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID(background) = %q, want empty", got)
	}

	useTestTracer(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "probe")
		id := TraceID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("TraceID = %q, want 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate trace ID %s", id)
		}
		seen[id] = true
	}
}

func TestStartCall_NestsTurns(t *testing.T) {
	exp := useTestTracer(t)

	ctx, call := StartCall(context.Background(), "CA42", "bakery")
	if got := CallID(ctx); got != "CA42" {
		t.Errorf("CallID = %q, want CA42", got)
	}
	_, turn := StartSpan(ctx, "call.turn")
	turn.End()
	call.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	turnSpan, callSpan := spans[0], spans[1]
	if callSpan.Name != "call" || turnSpan.Name != "call.turn" {
		t.Fatalf("span names = %q, %q", callSpan.Name, turnSpan.Name)
	}
	if turnSpan.Parent.SpanID() != callSpan.SpanContext.SpanID() {
		t.Error("turn span is not a child of the call span")
	}
	attrs := map[string]string{}
	for _, kv := range callSpan.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["call_id"] != "CA42" || attrs["agent_id"] != "bakery" {
		t.Errorf("call span attributes = %v", attrs)
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	cases := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     context.Background,
			notWant: []string{"call_id", "trace_id"},
		},
		{
			name: "span only",
			ctx: func() context.Context {
				ctx, _ := StartSpan(context.Background(), "x")
				return ctx
			},
			want:    []string{"trace_id=", "span_id="},
			notWant: []string{"call_id"},
		},
		{
			name: "call",
			ctx: func() context.Context {
				ctx, _ := StartCall(context.Background(), "CA123", "bakery")
				return ctx
			},
			want: []string{"call_id=CA123", "trace_id="},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tc.ctx()).Info("hello")
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
