// Package metrics defines the Prometheus collectors shared by nodes and notaries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iouflow"

// Metrics groups every collector. A nil registerer yields unregistered
// collectors, which is what tests use.
type Metrics struct {
	FlowsStarted      *prometheus.CounterVec
	FlowsFinalized    *prometheus.CounterVec
	FlowsFailed       *prometheus.CounterVec
	Endorsements      prometheus.Counter
	ResponderOutcomes *prometheus.CounterVec
	Notarizations     *prometheus.CounterVec
	FinalizeDuration  prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FlowsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_started_total",
			Help:      "Proposals started by this node, by command kind.",
		}, []string{"kind"}),
		FlowsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_finalized_total",
			Help:      "Proposals notarized and committed by this node, by command kind.",
		}, []string{"kind"}),
		FlowsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_failed_total",
			Help:      "Proposals that terminated without commit, by command kind and phase.",
		}, []string{"kind", "phase"}),
		Endorsements: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endorsements_received_total",
			Help:      "Verified counterparty endorsements collected.",
		}),
		ResponderOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responder_outcomes_total",
			Help:      "Responder sessions by terminal state.",
		}, []string{"state"}),
		Notarizations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notarizations_total",
			Help:      "Notarization requests handled, by result.",
		}, []string{"result"}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Time from proposal build to local commit.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Nop returns collectors that are not registered anywhere.
func Nop() *Metrics {
	return New(nil)
}

// ObserveSince records the time elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
