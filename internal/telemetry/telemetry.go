// Package telemetry exports power-run metrics over OTLP/gRPC.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/alexshd/mixpower"
)

const (
	serviceName = "mixpower"
	meterName   = "github.com/alexshd/mixpower"
)

// Config holds exporter settings. An empty Endpoint disables export.
type Config struct {
	Endpoint string
	Insecure bool
	Interval time.Duration
	Version  string
}

// Setup builds a meter provider exporting to cfg.Endpoint. With no endpoint
// it returns a no-op provider. shutdown flushes pending metrics.
func Setup(ctx context.Context, cfg Config) (mp metric.MeterProvider, shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, nil, fmt.Errorf("creating resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	return provider, provider.Shutdown, nil
}

// Metrics records trial outcomes and breakpoint power. It implements
// mixpower.TrialObserver.
type Metrics struct {
	trials      metric.Int64Counter
	fitDuration metric.Float64Histogram

	mu    sync.Mutex
	power map[int]float64 // last power per breakpoint
}

var _ mixpower.TrialObserver = (*Metrics)(nil)

// NewMetrics registers the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{power: make(map[int]float64)}

	var err error
	m.trials, err = meter.Int64Counter(
		"mixpower_trials_total",
		metric.WithDescription("Power trials by breakpoint and outcome"),
		metric.WithUnit("{trial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating trials counter: %w", err)
	}

	m.fitDuration, err = meter.Float64Histogram(
		"mixpower_fit_duration_seconds",
		metric.WithDescription("Refit wall time per trial"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fit duration histogram: %w", err)
	}

	_, err = meter.Float64ObservableGauge(
		"mixpower_breakpoint_power",
		metric.WithDescription("Estimated power at each finished breakpoint"),
		metric.WithUnit("1"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for levels, p := range m.power {
				o.Observe(p, metric.WithAttributes(attribute.Int("levels", levels)))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating power gauge: %w", err)
	}
	return m, nil
}

// Outcome labels for mixpower_trials_total.
const (
	OutcomeSignificant    = "significant"
	OutcomeNotSignificant = "not_significant"
	OutcomeDiscarded      = "discarded"
)

func outcome(r mixpower.TrialResult) string {
	switch {
	case r.Discarded:
		return OutcomeDiscarded
	case r.Significant:
		return OutcomeSignificant
	default:
		return OutcomeNotSignificant
	}
}

// TrialDone counts the trial and records its fit time.
func (m *Metrics) TrialDone(ctx context.Context, breakpoint int, r mixpower.TrialResult) {
	ctx = context.WithoutCancel(ctx)
	levels := attribute.Int("levels", breakpoint)
	m.trials.Add(ctx, 1, metric.WithAttributes(levels, attribute.String("outcome", outcome(r))))
	if r.FitTime > 0 {
		m.fitDuration.Record(ctx, r.FitTime.Seconds(), metric.WithAttributes(levels))
	}
}

// BreakpointDone publishes the point's power on the gauge.
func (m *Metrics) BreakpointDone(_ context.Context, p mixpower.CurvePoint) {
	m.mu.Lock()
	m.power[p.Breakpoint] = p.Power
	m.mu.Unlock()
}
