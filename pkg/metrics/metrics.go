package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft role/log metrics
	RaftTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_raft_term",
			Help: "Current Raft term observed by this node",
		},
	)

	RaftRole = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_raft_role",
			Help: "Whether this node currently holds the given role (1) or not (0)",
		},
		[]string{"role"},
	)

	RaftLastIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_raft_last_index",
			Help: "Index of the most recent Raft log entry, committed or not",
		},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_raft_commit_index",
			Help: "Highest durably committed Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_raft_applied_index",
			Help: "Highest Raft log index applied to the state machine",
		},
	)

	RaftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_raft_elections_total",
			Help: "Total number of elections this node has started as a candidate",
		},
	)

	RaftHeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_raft_heartbeats_sent_total",
			Help: "Total number of heartbeats broadcast while this node was leader",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_raft_apply_duration_seconds",
			Help:    "Time taken to apply a committed Raft log entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MVCC / transaction metrics
	MVCCTxnsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_mvcc_txns_total",
			Help: "Total number of transactions begun since the store opened",
		},
	)

	MVCCTxnsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_mvcc_txns_active",
			Help: "Number of transactions currently active (not yet committed or aborted)",
		},
	)

	MVCCSerializationConflicts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_mvcc_serialization_conflicts",
			Help: "Write-write conflicts detected since the store opened",
		},
	)

	// Catalog / client request metrics
	ClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_client_requests_total",
			Help: "Total number of client requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ClientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_client_request_duration_seconds",
			Help:    "Client request latency by kind, from Submit to response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Transport metrics
	TransportOutboundDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transport_outbound_dropped_total",
			Help: "Total number of outbound messages dropped due to a full per-peer queue",
		},
		[]string{"peer"},
	)

	TransportReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transport_reconnects_total",
			Help: "Total number of outbound reconnect attempts per peer",
		},
		[]string{"peer"},
	)
)

func init() {
	prometheus.MustRegister(RaftTerm)
	prometheus.MustRegister(RaftRole)
	prometheus.MustRegister(RaftLastIndex)
	prometheus.MustRegister(RaftCommitIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftElectionsTotal)
	prometheus.MustRegister(RaftHeartbeatsSentTotal)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(MVCCTxnsTotal)
	prometheus.MustRegister(MVCCTxnsActive)
	prometheus.MustRegister(MVCCSerializationConflicts)

	prometheus.MustRegister(ClientRequestsTotal)
	prometheus.MustRegister(ClientRequestDuration)

	prometheus.MustRegister(TransportOutboundDroppedTotal)
	prometheus.MustRegister(TransportReconnectsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
