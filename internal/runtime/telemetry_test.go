package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-pipeline/internal/config"
)

func TestTelemetryServesOwnRegistry(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()

	// Two setups in one process must both serve metrics.
	for i := 0; i < 2; i++ {
		tel, err := setupTelemetry(ctx, cfg, newLogger())
		if err != nil {
			t.Fatalf("setup %d: %v", i, err)
		}
		counter, err := tel.meter.Meter("test").Int64Counter("loqa.telemetry.check")
		if err != nil {
			t.Fatalf("counter: %v", err)
		}
		counter.Add(ctx, 3)

		rec := httptest.NewRecorder()
		tel.metrics.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		body := rec.Body.String()
		if rec.Code != http.StatusOK {
			t.Fatalf("setup %d: expected 200, got %d", i, rec.Code)
		}
		if !strings.Contains(body, "loqa_telemetry_check_total") || !strings.Contains(body, "go_goroutines") {
			t.Fatalf("setup %d: metrics missing from scrape:\n%s", i, body)
		}
		if err := tel.shutdown(ctx); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}
}

func TestTelemetrySampleRatio(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		ratio   float64
		sampled bool
	}{{0, false}, {1, true}} {
		cfg := testConfig()
		cfg.Telemetry.TraceSampleRatio = tc.ratio
		tel, err := setupTelemetry(ctx, cfg, newLogger())
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
		_, span := tel.tracer.Tracer("test").Start(ctx, "sampled")
		got := span.SpanContext().IsSampled()
		span.End()
		_ = tel.shutdown(ctx)
		if got != tc.sampled {
			t.Fatalf("ratio %v: expected sampled=%v, got %v", tc.ratio, tc.sampled, got)
		}
	}
}

func TestSpanExporterSelection(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		cfg     config.TelemetryConfig
		kind    string
		wantNil bool
		wantErr bool
	}{
		{"auto without endpoint", config.TelemetryConfig{TraceExporter: "auto"}, "stdout", false, false},
		{"auto with endpoint", config.TelemetryConfig{OTLPEndpoint: "127.0.0.1:4317", OTLPInsecure: true}, "otlp", false, false},
		{"disabled", config.TelemetryConfig{TraceExporter: "none", OTLPEndpoint: "127.0.0.1:4317"}, "none", true, false},
		{"unknown", config.TelemetryConfig{TraceExporter: "zipkin"}, "zipkin", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exp, kind, err := spanExporter(ctx, tc.cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if kind != tc.kind {
				t.Fatalf("expected %s exporter, got %s", tc.kind, kind)
			}
			if (exp == nil) != tc.wantNil {
				t.Fatalf("unexpected exporter %T", exp)
			}
			if exp != nil {
				_ = exp.Shutdown(ctx)
			}
		})
	}
}
