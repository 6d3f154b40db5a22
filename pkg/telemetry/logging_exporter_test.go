package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type captureWriter struct {
	entries []string
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.entries = append(c.entries, string(p))
	return len(p), nil
}

func TestLoggingExporterEmitsSpan(t *testing.T) {
	writer := &captureWriter{}
	exporter := newLoggingExporterWithLogger(zerolog.New(writer))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)

	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "ingest-scan")
	span.SetAttributes(attribute.String("machine.id", "m-1"))
	span.End()

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if len(writer.entries) == 0 {
		t.Fatal("expected a log entry for the completed span")
	}
	if !strings.Contains(writer.entries[0], "ingest-scan") {
		t.Errorf("log entry missing span name: %s", writer.entries[0])
	}
}
