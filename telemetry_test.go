package relayd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/relayd/internal/loggingutil"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		in   string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:5555", otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{"grpcs://collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{"http://collector/v1/traces/", otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{"https://collector:443", otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "ftp://collector"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetrySettings{}, nil)
	if err != nil || bundle != nil {
		t.Fatalf("expected no telemetry, got %v %v", bundle, err)
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestTelemetryMetricsEndpoint(t *testing.T) {
	ctx := context.Background()
	bundle, err := setupTelemetry(ctx, telemetrySettings{metricsListen: "127.0.0.1:0", instanceID: "inst-a"}, loggingutil.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer bundle.Shutdown(ctx)
	counter, err := otel.Meter("pkt.systems/relayd/test").Int64Counter("relayd.test.hits")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(ctx, 3, metric.WithAttributes())
	resp, err := http.Get("http://" + bundle.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if body := string(raw); !strings.Contains(body, "test_hits") && !strings.Contains(body, "test.hits") {
		t.Fatalf("counter missing from scrape:\n%s", raw)
	}
}
