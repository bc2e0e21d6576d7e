package tracing

import (
	"context"
	"testing"
)

func TestNewTracerProvider_StdoutDefaultsAndShutsDown(t *testing.T) {
	ctx := context.Background()
	tp, shutdown, err := NewTracerProvider(ctx, Config{ServiceName: "test-service"})
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	if tp == nil {
		t.Fatalf("tp is nil")
	}

	tracer := tp.Tracer("test")
	_, span := tracer.Start(ctx, "op")
	span.End()

	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewTracerProvider_UnknownExporterErrors(t *testing.T) {
	_, _, err := NewTracerProvider(context.Background(), Config{Exporter: "bogus"})
	if err == nil {
		t.Fatalf("expected error for unknown exporter kind")
	}
}
