// Package metrics exposes prometheus collectors for the rotation core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pool's collectors behind nil-safe record helpers, so
// components can run without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	picksTotal        *prometheus.CounterVec
	pickConflicts     prometheus.Counter
	exchangesTotal    *prometheus.CounterVec
	dispatchesTotal   *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	accountsAvailable prometheus.Gauge
}

// New creates a collector set on its own registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		picksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_picks_total",
			Help:      "Accepted rotation picks per account.",
		}, []string{"account_id"}),
		pickConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_pick_conflicts_total",
			Help:      "Cursor compare-and-swap conflicts that forced a retry.",
		}),
		exchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_exchanges_total",
			Help:      "Upstream credential exchanges by result.",
		}, []string{"result"}),
		dispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Chat dispatches by result.",
		}, []string{"result"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		accountsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accounts_available",
			Help:      "Accounts currently eligible for rotation.",
		}),
	}

	registry.MustRegister(
		m.picksTotal,
		m.pickConflicts,
		m.exchangesTotal,
		m.dispatchesTotal,
		m.dispatchDuration,
		m.accountsAvailable,
	)
	return m
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPick counts one accepted rotation pick.
func (m *Metrics) RecordPick(accountID string) {
	if m == nil {
		return
	}
	m.picksTotal.WithLabelValues(accountID).Inc()
}

// RecordPickConflict counts one cursor CAS conflict.
func (m *Metrics) RecordPickConflict() {
	if m == nil {
		return
	}
	m.pickConflicts.Inc()
}

// RecordExchange counts one credential exchange attempt.
func (m *Metrics) RecordExchange(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.exchangesTotal.WithLabelValues(result).Inc()
}

// RecordDispatch counts one finished dispatch with its latency.
func (m *Metrics) RecordDispatch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(result).Inc()
	m.dispatchDuration.Observe(d.Seconds())
}

// SetAvailableAccounts records the current eligible account count.
func (m *Metrics) SetAvailableAccounts(n int) {
	if m == nil {
		return
	}
	m.accountsAvailable.Set(float64(n))
}
