package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the daemon's instruments.
type Metrics struct {
	RequestDuration    metric.Float64Histogram
	ClickUpDuration    metric.Float64Histogram
	ClickUpErrors      metric.Int64Counter
	ReconcileScans     metric.Int64Counter
	ReconcileCoalesced metric.Int64Counter
	Verifications      metric.Int64Counter
	Prunes             metric.Int64Counter
	SideEffectFailures metric.Int64Counter
	ActivePages        metric.Int64UpDownCounter
	RateLimitRejects   metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("taskbridge.request.duration",
		metric.WithDescription("Gateway action duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ClickUpDuration, err = meter.Float64Histogram("taskbridge.clickup.duration",
		metric.WithDescription("Task service call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ClickUpErrors, err = meter.Int64Counter("taskbridge.clickup.errors",
		metric.WithDescription("Task service calls that returned an error"),
	); err != nil {
		return nil, err
	}
	if m.ReconcileScans, err = meter.Int64Counter("taskbridge.reconcile.scans",
		metric.WithDescription("Reconciliation passes run"),
	); err != nil {
		return nil, err
	}
	if m.ReconcileCoalesced, err = meter.Int64Counter("taskbridge.reconcile.coalesced",
		metric.WithDescription("Page change notifications absorbed by the debouncer"),
	); err != nil {
		return nil, err
	}
	if m.Verifications, err = meter.Int64Counter("taskbridge.reconcile.verifications",
		metric.WithDescription("Thread link verifications started"),
	); err != nil {
		return nil, err
	}
	if m.Prunes, err = meter.Int64Counter("taskbridge.reconcile.prunes",
		metric.WithDescription("Task links removed because the task is gone"),
	); err != nil {
		return nil, err
	}
	if m.SideEffectFailures, err = meter.Int64Counter("taskbridge.flow.side_effect_failures",
		metric.WithDescription("Non-fatal failures during task creation or attachment"),
	); err != nil {
		return nil, err
	}
	if m.ActivePages, err = meter.Int64UpDownCounter("taskbridge.pages.active",
		metric.WithDescription("Mail pages currently mirrored"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("taskbridge.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}
