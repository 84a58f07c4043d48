package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/alexshd/mixpower"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetrics_RecordsTrialsAndPower(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.TrialDone(ctx, 100, mixpower.TrialResult{Significant: true, FitTime: 20 * time.Millisecond})
	m.TrialDone(ctx, 100, mixpower.TrialResult{Significant: true, FitTime: 30 * time.Millisecond})
	m.TrialDone(ctx, 100, mixpower.TrialResult{FitTime: 25 * time.Millisecond})
	m.TrialDone(ctx, 100, mixpower.TrialResult{Discarded: true, Reason: "did not converge"})
	m.BreakpointDone(ctx, mixpower.CurvePoint{Breakpoint: 100, Power: 2.0 / 3})

	got := collect(t, reader)

	trials, ok := got["mixpower_trials_total"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("trials metric missing or wrong type: %T", got["mixpower_trials_total"].Data)
	}
	counts := map[string]int64{}
	for _, dp := range trials.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		counts[v.AsString()] += dp.Value
	}
	want := map[string]int64{OutcomeSignificant: 2, OutcomeNotSignificant: 1, OutcomeDiscarded: 1}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("outcome %s = %d, want %d", k, counts[k], n)
		}
	}

	hist, ok := got["mixpower_fit_duration_seconds"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("fit duration histogram missing: %+v", got["mixpower_fit_duration_seconds"])
	}
	if hist.DataPoints[0].Count != 3 {
		t.Errorf("histogram count = %d, want 3 (discarded trial has no fit time)", hist.DataPoints[0].Count)
	}

	gauge, ok := got["mixpower_breakpoint_power"].Data.(metricdata.Gauge[float64])
	if !ok || len(gauge.DataPoints) != 1 {
		t.Fatalf("power gauge missing: %+v", got["mixpower_breakpoint_power"])
	}
	if p := gauge.DataPoints[0].Value; p < 0.666 || p > 0.667 {
		t.Errorf("power gauge = %v, want 2/3", p)
	}
	t.Logf("✓ Trials by outcome %v, power gauge %.3f", counts, gauge.DataPoints[0].Value)
}

func TestSetup_NoEndpoint(t *testing.T) {
	mp, shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, err := NewMetrics(mp); err != nil {
		t.Errorf("NewMetrics on no-op provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_Endpoint(t *testing.T) {
	// The gRPC client dials lazily, so construction succeeds without a collector.
	mp, shutdown, err := Setup(context.Background(), Config{
		Endpoint: "localhost:4317",
		Insecure: true,
		Interval: time.Hour,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if _, ok := mp.(*sdkmetric.MeterProvider); !ok {
		t.Errorf("expected SDK provider, got %T", mp)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx) // nothing recorded; error from an absent collector is fine
}
