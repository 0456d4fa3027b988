// Package metrics provides Prometheus metrics instrumentation for the routing controller.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides metrics recording interface.
// This allows components to record metrics without direct prometheus dependency.
//
//nolint:interfacebloat // All methods are needed for comprehensive metrics coverage
type Collector interface {
	// Reconciliation metrics
	RecordReconcileDuration(ctx context.Context, status string, duration time.Duration)
	RecordTriggers(ctx context.Context, kind string, count int)
	RecordGeneratedResources(ctx context.Context, kind string, count int)
	RecordSyncError(ctx context.Context, errorType string)

	// Kubernetes API metrics
	RecordMutation(ctx context.Context, kind, operation, status string)
	RecordAPIError(ctx context.Context, operation, errorType string)

	// Cut-over metrics
	RecordCutover(ctx context.Context, result string)
	RecordRefreshSignal(ctx context.Context, reason string)
}

// prometheusCollector implements Collector using Prometheus metrics.
type prometheusCollector struct {
	// Reconciliation metrics
	reconcileDuration  *prometheus.HistogramVec
	triggers           *prometheus.GaugeVec
	generatedResources *prometheus.GaugeVec
	syncErrorsTotal    *prometheus.CounterVec

	// Kubernetes API metrics
	mutationsTotal *prometheus.CounterVec
	apiErrorsTotal *prometheus.CounterVec

	// Cut-over metrics
	cutoversTotal       *prometheus.CounterVec
	refreshSignalsTotal *prometheus.CounterVec
}

// NewCollector creates a new Prometheus metrics collector and registers metrics.
func NewCollector(reg prometheus.Registerer) Collector {
	c := &prometheusCollector{}
	c.initReconcileMetrics()
	c.initAPIMetrics()
	c.initCutoverMetrics()
	c.register(reg)

	return c
}

// RecordReconcileDuration records the duration of one reconciliation pass.
func (c *prometheusCollector) RecordReconcileDuration(_ context.Context, status string, duration time.Duration) {
	c.reconcileDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTriggers records the number of discovered triggers by kind.
func (c *prometheusCollector) RecordTriggers(_ context.Context, kind string, count int) {
	c.triggers.WithLabelValues(kind).Set(float64(count))
}

// RecordGeneratedResources records the number of desired generated objects by kind.
func (c *prometheusCollector) RecordGeneratedResources(_ context.Context, kind string, count int) {
	c.generatedResources.WithLabelValues(kind).Set(float64(count))
}

// RecordSyncError records a reconciliation error by type.
func (c *prometheusCollector) RecordSyncError(_ context.Context, errorType string) {
	c.syncErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordMutation records a create, update or delete issued against the API server.
func (c *prometheusCollector) RecordMutation(_ context.Context, kind, operation, status string) {
	c.mutationsTotal.WithLabelValues(kind, operation, status).Inc()
}

// RecordAPIError records a Kubernetes API error.
func (c *prometheusCollector) RecordAPIError(_ context.Context, operation, errorType string) {
	c.apiErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// RecordCutover records the result of a service selector cut-over attempt.
func (c *prometheusCollector) RecordCutover(_ context.Context, result string) {
	c.cutoversTotal.WithLabelValues(result).Inc()
}

// RecordRefreshSignal records a debouncer signal by reason (quiet or forced).
func (c *prometheusCollector) RecordRefreshSignal(_ context.Context, reason string) {
	c.refreshSignalsTotal.WithLabelValues(reason).Inc()
}

func (c *prometheusCollector) initReconcileMetrics() {
	c.reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routing_reconcile_duration_seconds",
			Help:    "Duration of routing reconciliation passes",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	c.triggers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routing_triggers",
			Help: "Number of routing triggers discovered by kind",
		},
		[]string{"kind"},
	)
	c.generatedResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routing_generated_resources",
			Help: "Number of desired generated objects by kind",
		},
		[]string{"kind"},
	)
	c.syncErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_sync_errors_total",
			Help: "Total reconciliation errors by type",
		},
		[]string{"error_type"},
	)
}

func (c *prometheusCollector) initAPIMetrics() {
	c.mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_mutations_total",
			Help: "Total mutations issued to the Kubernetes API",
		},
		[]string{"kind", "operation", "status"},
	)
	c.apiErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_kubernetes_api_errors_total",
			Help: "Total Kubernetes API errors by type",
		},
		[]string{"operation", "error_type"},
	)
}

func (c *prometheusCollector) initCutoverMetrics() {
	c.cutoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_cutovers_total",
			Help: "Total service selector cut-over attempts by result",
		},
		[]string{"result"},
	)
	c.refreshSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_refresh_signals_total",
			Help: "Total refresh signals emitted by the change debouncer",
		},
		[]string{"reason"},
	)
}

func (c *prometheusCollector) register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.reconcileDuration,
		c.triggers,
		c.generatedResources,
		c.syncErrorsTotal,
		c.mutationsTotal,
		c.apiErrorsTotal,
		c.cutoversTotal,
		c.refreshSignalsTotal,
	)
}

// NoopCollector is a no-op implementation of Collector for testing.
type NoopCollector struct{}

// NewNoopCollector creates a new no-op collector.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// RecordReconcileDuration is a no-op.
func (c *NoopCollector) RecordReconcileDuration(_ context.Context, _ string, _ time.Duration) {}

// RecordTriggers is a no-op.
func (c *NoopCollector) RecordTriggers(_ context.Context, _ string, _ int) {}

// RecordGeneratedResources is a no-op.
func (c *NoopCollector) RecordGeneratedResources(_ context.Context, _ string, _ int) {}

// RecordSyncError is a no-op.
func (c *NoopCollector) RecordSyncError(_ context.Context, _ string) {}

// RecordMutation is a no-op.
func (c *NoopCollector) RecordMutation(_ context.Context, _, _, _ string) {}

// RecordAPIError is a no-op.
func (c *NoopCollector) RecordAPIError(_ context.Context, _, _ string) {}

// RecordCutover is a no-op.
func (c *NoopCollector) RecordCutover(_ context.Context, _ string) {}

// RecordRefreshSignal is a no-op.
func (c *NoopCollector) RecordRefreshSignal(_ context.Context, _ string) {}
