package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/joseph-ayodele/receipts-extractor"

// Tracer returns tp's pipeline tracer, or the global provider's when tp is nil.
// Without an installed SDK the global provider is a no-op.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

// NewTracerProvider installs an SDK provider whose finished spans are written to
// logger at debug level.
func NewTracerProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&logProcessor{logger: logger}))
	otel.SetTracerProvider(tp)
	return tp
}

type logProcessor struct {
	logger *slog.Logger
}

func (p *logProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if !p.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{
		"span", s.Name(),
		"trace_id", s.SpanContext().TraceID().String(),
		"elapsed_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
	}
	if s.Status().Code == codes.Error {
		attrs = append(attrs, "error", s.Status().Description)
	}
	for _, kv := range s.Attributes() {
		attrs = append(attrs, string(kv.Key), kv.Value.Emit())
	}
	p.logger.Debug("trace.span", attrs...)
}

func (p *logProcessor) Shutdown(context.Context) error   { return nil }
func (p *logProcessor) ForceFlush(context.Context) error { return nil }
