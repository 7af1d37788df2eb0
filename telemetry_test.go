package kolabd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestSetupTelemetryDisabled(t *testing.T) {
	tel, err := setupTelemetry(context.Background(), Config{}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if tel != nil {
		t.Fatalf("expected nil telemetry when every surface is disabled")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestSetupTelemetryServesMetricsAndPprof(t *testing.T) {
	cfg := Config{MetricsListen: "127.0.0.1:0", PprofListen: "127.0.0.1:0"}
	tel, err := setupTelemetry(context.Background(), cfg, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	})
	httpClient := &http.Client{Timeout: 2 * time.Second}
	get := func(url string) string {
		t.Helper()
		resp, err := httpClient.Get(url)
		if err != nil {
			t.Fatalf("GET %s: %v", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", url, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		return string(body)
	}
	metrics := get("http://" + tel.metricsAddr.String() + "/metrics")
	if !strings.Contains(metrics, "go_goroutines") {
		t.Fatalf("expected go collector output, got:\n%s", metrics)
	}
	index := get("http://" + tel.pprofAddr.String() + "/debug/pprof/")
	if !strings.Contains(index, "goroutine") {
		t.Fatalf("unexpected pprof index:\n%s", index)
	}
}

func TestSetupTelemetryRequiresMetricsForProfiling(t *testing.T) {
	if _, err := setupTelemetry(context.Background(), Config{EnableProfilingMetrics: true}, pslog.NoopLogger()); err == nil {
		t.Fatal("expected error when profiling metrics lack a metrics listener")
	}
}

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		in   string
		want otlpTarget
	}{
		{in: "collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{in: "grpc://collector:5555", want: otlpTarget{protocol: "grpc", endpoint: "collector:5555", insecure: true}},
		{in: "grpcs://collector", want: otlpTarget{protocol: "grpc", endpoint: "collector:4317"}},
		{in: "http://collector/v1/traces", want: otlpTarget{protocol: "http", endpoint: "collector:4318", path: "/v1/traces", insecure: true}},
		{in: "https://collector:443", want: otlpTarget{protocol: "http", endpoint: "collector:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.in)
		if err != nil {
			t.Fatalf("resolveOTLPTarget(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("resolveOTLPTarget(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "ftp://collector", "grpc://"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
