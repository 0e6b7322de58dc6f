// Package metrics exposes the session's Prometheus collectors. Every method
// is safe on a nil *Metrics, so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one process. Sessions share it and
// distinguish themselves with the account label.
type Metrics struct {
	registry *prometheus.Registry

	ordersPlaced      *prometheus.CounterVec
	ordersRejected    *prometheus.CounterVec
	orderTransitions  *prometheus.CounterVec
	submitAttempts    *prometheus.CounterVec
	submitLatency     prometheus.Histogram
	noncesIssued      *prometheus.CounterVec
	eventsApplied     *prometheus.CounterVec
	sequenceGaps      *prometheus.CounterVec
	resnapshots       *prometheus.CounterVec
	predictionErrors  *prometheus.CounterVec
	consistencyFaults *prometheus.CounterVec
	confirmedSequence *prometheus.GaugeVec
	overlayEntries    *prometheus.GaugeVec
	feedReconnects    *prometheus.CounterVec
}

// New creates the collectors under namespace on a private registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the pre-trade check",
		}, []string{"account", "instrument"}),

		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders rejected locally or by the venue, by reason",
		}, []string{"account", "source", "reason"}),

		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order state transitions by target state",
		}, []string{"account", "state"}),

		submitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "Transport submit calls by result",
		}, []string{"account", "result"}),

		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_latency_seconds",
			Help:      "Latency of a single transport submit call",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		noncesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nonces_issued_total",
			Help:      "Nonces assigned to submissions",
		}, []string{"account"}),

		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Feed events handled by type and outcome",
		}, []string{"account", "type", "outcome"}),

		sequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Deltas that arrived ahead of the confirmed sequence",
		}, []string{"account"}),

		resnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resnapshots_total",
			Help:      "Snapshot fetches by outcome",
		}, []string{"account", "outcome"}),

		predictionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_errors_total",
			Help:      "Orders whose confirmed locked margin differed from the local reservation",
		}, []string{"account", "instrument"}),

		consistencyFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_faults_total",
			Help:      "Confirmed updates refused for breaking an account invariant",
		}, []string{"account"}),

		confirmedSequence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "confirmed_sequence",
			Help:      "Last confirmed account sequence",
		}, []string{"account"}),

		overlayEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overlay_reservations",
			Help:      "Outstanding optimistic reservations",
		}, []string{"account"}),

		feedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "Account feed reconnects by transport",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.ordersPlaced,
		m.ordersRejected,
		m.orderTransitions,
		m.submitAttempts,
		m.submitLatency,
		m.noncesIssued,
		m.eventsApplied,
		m.sequenceGaps,
		m.resnapshots,
		m.predictionErrors,
		m.consistencyFaults,
		m.confirmedSequence,
		m.overlayEntries,
		m.feedReconnects,
	)
	return m
}

// Registry returns the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OrderPlaced(account, instrument string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(account, instrument).Inc()
}

// OrderRejected counts a rejection; source is "local" or "venue".
func (m *Metrics) OrderRejected(account, source, reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(account, source, reason).Inc()
}

func (m *Metrics) OrderTransition(account, state string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(account, state).Inc()
}

// SubmitAttempt records one transport call and its result class.
func (m *Metrics) SubmitAttempt(account, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.submitAttempts.WithLabelValues(account, result).Inc()
	m.submitLatency.Observe(took.Seconds())
}

func (m *Metrics) NonceIssued(account string) {
	if m == nil {
		return
	}
	m.noncesIssued.WithLabelValues(account).Inc()
}

func (m *Metrics) EventHandled(account, eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(account, eventType, outcome).Inc()
}

func (m *Metrics) SequenceGap(account string) {
	if m == nil {
		return
	}
	m.sequenceGaps.WithLabelValues(account).Inc()
}

func (m *Metrics) Resnapshot(account, outcome string) {
	if m == nil {
		return
	}
	m.resnapshots.WithLabelValues(account, outcome).Inc()
}

func (m *Metrics) PredictionError(account, instrument string) {
	if m == nil {
		return
	}
	m.predictionErrors.WithLabelValues(account, instrument).Inc()
}

func (m *Metrics) ConsistencyFault(account string) {
	if m == nil {
		return
	}
	m.consistencyFaults.WithLabelValues(account).Inc()
}

func (m *Metrics) ConfirmedSequence(account string, seq uint64) {
	if m == nil {
		return
	}
	m.confirmedSequence.WithLabelValues(account).Set(float64(seq))
}

func (m *Metrics) OverlaySize(account string, n int) {
	if m == nil {
		return
	}
	m.overlayEntries.WithLabelValues(account).Set(float64(n))
}

func (m *Metrics) FeedReconnect(transport string) {
	if m == nil {
		return
	}
	m.feedReconnects.WithLabelValues(transport).Inc()
}
