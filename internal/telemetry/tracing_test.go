package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestTracerProviderLogsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp := NewTracerProvider(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := Tracer(tp).Start(context.Background(), "pipeline.vlm")
	span.SetAttributes(attribute.String("model", "openai/gpt-4o-mini"))
	span.RecordError(errors.New("boom"))
	span.SetStatus(codes.Error, "boom")
	span.End()

	out := buf.String()
	for _, want := range []string{"trace.span", "span=pipeline.vlm", "model=openai/gpt-4o-mini", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestTracerProviderQuietAboveDebug(t *testing.T) {
	var buf bytes.Buffer
	tp := NewTracerProvider(slog.New(slog.NewTextHandler(&buf, nil)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := Tracer(tp).Start(context.Background(), "pipeline.ocr")
	span.End()
	if buf.Len() != 0 {
		t.Fatalf("unexpected output at info level: %s", buf.String())
	}
}
