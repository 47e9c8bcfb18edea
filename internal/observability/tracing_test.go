package observability

import (
	"context"
	"testing"
)

func TestInitTracing_NoneIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "none", ServiceName: "test"})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	defer shutdown(context.Background())

	_, span := StartSpan(context.Background(), "noop.span")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("no-op провайдер не должен создавать валидный SpanContext")
	}
}

func TestInitTracing_Stdout(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Exporter: "stdout", ServiceName: "test", Version: "dev"})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}

	_, span := StartSpan(context.Background(), "stdout.span")
	if !span.SpanContext().IsValid() {
		t.Error("ожидался валидный SpanContext")
	}
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	// Возвращаем no-op, чтобы не влиять на другие тесты
	_, _ = InitTracing(context.Background(), TracingConfig{})
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Exporter: "zipkin"}); err == nil {
		t.Error("ожидалась ошибка для неизвестного экспортера")
	}
}
