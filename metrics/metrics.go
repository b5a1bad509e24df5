// Package metrics exports limiter events as Prometheus counters through
// OpenTelemetry instruments.
//
//	mp, err := metrics.NewPrometheusProvider(prometheus.DefaultRegisterer)
//	collector, err := metrics.NewCollector(mp)
//	limiter := ratekit.NewLimiter(st, reg, ratekit.WithObserver(collector))
//	r.Handle("/metrics", promhttp.Handler())
//
// Exported series:
//
//	ratekit_denied_total{policy}    requests rejected by a policy
//	ratekit_degraded_total{policy}  decisions made by the failure mode because the store failed
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/nhalm/ratekit"
)

const meterName = "github.com/nhalm/ratekit"

// Collector counts denials and degradations per policy. It implements
// ratekit.Observer.
type Collector struct {
	denied   metric.Int64Counter
	degraded metric.Int64Counter
}

// NewCollector creates the counters on mp.
func NewCollector(mp metric.MeterProvider) (*Collector, error) {
	meter := mp.Meter(meterName)

	denied, err := meter.Int64Counter(
		"ratekit_denied",
		metric.WithDescription("Requests rejected by a rate limit policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create denied counter: %w", err)
	}

	degraded, err := meter.Int64Counter(
		"ratekit_degraded",
		metric.WithDescription("Rate limit decisions made without the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create degraded counter: %w", err)
	}

	return &Collector{denied: denied, degraded: degraded}, nil
}

// Observe implements ratekit.Observer.
func (c *Collector) Observe(ctx context.Context, ev ratekit.Event) {
	if c == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("policy", ev.Policy))
	switch ev.Kind {
	case ratekit.EventDenied:
		c.denied.Add(ctx, 1, attrs)
	case ratekit.EventDegraded:
		c.degraded.Add(ctx, 1, attrs)
	}
}

// NewPrometheusProvider returns a meter provider whose instruments are
// exposed on reg.
func NewPrometheusProvider(reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutTargetInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}
