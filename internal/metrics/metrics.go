// Package metrics exposes prometheus collectors for the session engine.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bartab_session"

type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	dedupJoinsTotal   prometheus.Counter
	refreshTotal      *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	storeDegradations prometheus.Counter
}

// New builds the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Outbound requests by method and final outcome",
		}, []string{"method", "outcome"}),

		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_retries_total",
			Help:      "Retry attempts scheduled, by cause",
		}, []string{"cause"}),

		dedupJoinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_dedup_joins_total",
			Help:      "Calls that attached to an identical in-flight request",
		}),

		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Refresh network operations by result",
		}, []string{"result"}),

		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session monitor phase transitions, by target phase",
		}, []string{"phase"}),

		storeDegradations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_store_degraded_total",
			Help:      "Token store writes that fell back to memory",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.requestsTotal,
		m.retriesTotal,
		m.dedupJoinsTotal,
		m.refreshTotal,
		m.transitionsTotal,
		m.storeDegradations,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) RequestFinished(method, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) RetryScheduled(cause string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(cause).Inc()
}

func (m *Metrics) DedupJoined() {
	if m == nil {
		return
	}
	m.dedupJoinsTotal.Inc()
}

func (m *Metrics) Refreshed(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionTransition(phase string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(phase).Inc()
}

func (m *Metrics) StoreDegraded() {
	if m == nil {
		return
	}
	m.storeDegradations.Inc()
}
