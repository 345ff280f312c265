// Package metrics provides Prometheus instrumentation for blobdict.
//
// A nil *Metrics is valid and disables collection with zero overhead, so
// components accept an optional *Metrics and never need to check whether
// metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants.
const (
	LabelOperation = "operation"
	LabelOutcome   = "outcome"
)

// Outcome values for backend operations.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics tracks lease, index and backend activity.
type Metrics struct {
	leaseRenewals        prometheus.Counter
	leaseRenewalFailures prometheus.Counter
	leasesExpired        prometheus.Counter
	activeLeases         prometheus.Gauge

	indexMerges    prometheus.Counter
	indexConflicts prometheus.Counter

	backendOps *prometheus.HistogramVec
}

// New creates and registers the blobdict metric set. If registry is nil
// the collectors are created but not registered, which is convenient in
// tests.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		leaseRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobdict",
			Subsystem: "leases",
			Name:      "renewals_total",
			Help:      "Total number of successful background lease renewals",
		}),

		leaseRenewalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobdict",
			Subsystem: "leases",
			Name:      "renewal_failures_total",
			Help:      "Total number of failed background lease renewals",
		}),

		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobdict",
			Subsystem: "leases",
			Name:      "expired_total",
			Help:      "Total number of leases dropped because their requested duration elapsed",
		}),

		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blobdict",
			Subsystem: "leases",
			Name:      "active",
			Help:      "Number of leases currently tracked by the registry",
		}),

		indexMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobdict",
			Subsystem: "index",
			Name:      "merges_total",
			Help:      "Total number of three-way index merges performed after a write conflict",
		}),

		indexConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobdict",
			Subsystem: "index",
			Name:      "conflicts_total",
			Help:      "Total number of conditional index writes rejected by the backend",
		}),

		backendOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blobdict",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Latency of backend object store operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelOperation, LabelOutcome}),
	}

	if registry != nil {
		registry.MustRegister(
			m.leaseRenewals,
			m.leaseRenewalFailures,
			m.leasesExpired,
			m.activeLeases,
			m.indexMerges,
			m.indexConflicts,
			m.backendOps,
		)
	}

	return m
}

// LeaseRenewed records one successful background renewal.
func (m *Metrics) LeaseRenewed() {
	if m == nil {
		return
	}
	m.leaseRenewals.Inc()
}

// LeaseRenewalFailed records one failed background renewal.
func (m *Metrics) LeaseRenewalFailed() {
	if m == nil {
		return
	}
	m.leaseRenewalFailures.Inc()
}

// LeaseExpired records a lease dropped by local expiry.
func (m *Metrics) LeaseExpired() {
	if m == nil {
		return
	}
	m.leasesExpired.Inc()
}

// SetActiveLeases updates the tracked-lease gauge.
func (m *Metrics) SetActiveLeases(n int) {
	if m == nil {
		return
	}
	m.activeLeases.Set(float64(n))
}

// IndexMerged records one completed three-way merge.
func (m *Metrics) IndexMerged() {
	if m == nil {
		return
	}
	m.indexMerges.Inc()
}

// IndexConflict records one conditional index write rejection.
func (m *Metrics) IndexConflict() {
	if m == nil {
		return
	}
	m.indexConflicts.Inc()
}

// ObserveBackendOp records the latency and outcome of one backend call.
func (m *Metrics) ObserveBackendOp(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}

	m.backendOps.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}
