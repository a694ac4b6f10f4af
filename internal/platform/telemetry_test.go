package platform

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTracingExportsSpansOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	tracing, err := NewTracing("fieldsync-test", &buf)
	if err != nil {
		t.Fatalf("NewTracing() error = %v", err)
	}
	_, span := otel.Tracer("platform-test").Start(context.Background(), "drain")
	span.End()

	if err := tracing.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"Name": "drain"`) && !strings.Contains(out, `"Name":"drain"`) {
		t.Fatalf("expected exported span, got %q", out)
	}
	if !strings.Contains(out, "fieldsync-test") {
		t.Fatalf("expected service name resource, got %q", out)
	}
}

func TestTracingShutdownNil(t *testing.T) {
	var tracing *Tracing
	if err := tracing.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
