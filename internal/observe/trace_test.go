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

// useTracer installs an in-memory tracer provider as the global one.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("background = %q, want empty", got)
	}
	if got := CorrelationID(WithRequestID(context.Background(), "req-1")); got != "req-1" {
		t.Errorf("request id = %q, want req-1", got)
	}

	exp := useTracer(t)
	ctx, span := StartSpan(WithRequestID(context.Background(), "req-1"), "upload.speech")
	cid := CorrelationID(ctx)
	span.End()

	// The trace ID wins over the request ID.
	if len(cid) != 32 || cid == "req-1" {
		t.Errorf("traced correlation id = %q, want 32-char trace id", cid)
	}
	if spans := exp.GetSpans(); len(spans) != 1 || spans[0].Name != "upload.speech" {
		t.Errorf("spans = %v", spans)
	}
}

func TestSessionID(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-9")
	if got := SessionID(ctx); got != "sess-9" {
		t.Errorf("SessionID = %q", got)
	}
	if got := SessionID(context.Background()); got != "" {
		t.Errorf("SessionID(background) = %q, want empty", got)
	}
}

func TestLogger_Attributes(t *testing.T) {
	buf := captureLogs(t, slog.LevelInfo)

	Logger(context.Background()).Info("plain")
	if strings.Contains(buf.String(), "trace_id") || strings.Contains(buf.String(), "session_id") {
		t.Errorf("plain log has ids: %s", buf)
	}
	buf.Reset()

	ctx := WithSessionID(WithRequestID(context.Background(), "req-2"), "sess-1")
	Logger(ctx).Info("tagged")
	out := buf.String()
	if !strings.Contains(out, "request_id=req-2") || !strings.Contains(out, "session_id=sess-1") {
		t.Errorf("tagged log = %s", out)
	}
	buf.Reset()

	useTracer(t)
	ctx, span := StartSpan(ctx, "poll.feedback")
	defer span.End()
	Logger(ctx).Info("traced")
	out = buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("traced log = %s", out)
	}
	if strings.Contains(out, "request_id") {
		t.Errorf("traced log should not carry request_id: %s", out)
	}
}
