package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "eventlog-api"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func TestNewTracerProviderHonorsSampleRatio(t *testing.T) {
	testCases := []struct {
		name     string
		ratio    float64
		expected int
	}{
		{name: "always", ratio: 1, expected: 1},
		{name: "never", ratio: 0, expected: 0},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := tracetest.NewSpanRecorder()
			provider := NewTracerProvider(TracerConfig{ServiceName: "eventlog-api", SampleRatio: testCase.ratio},
				sdktrace.WithSpanProcessor(recorder))
			defer func() {
				_ = provider.Shutdown(context.Background())
			}()

			_, span := provider.Tracer("test").Start(context.Background(), "probe")
			span.End()

			if ended := len(recorder.Ended()); ended != testCase.expected {
				t.Fatalf("expected %d recorded spans, got %d", testCase.expected, ended)
			}
		})
	}
}
