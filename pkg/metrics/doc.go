/*
Package metrics provides Prometheus metrics collection and exposition for a
ledger node.

Metrics are registered at package init and updated by the Collector (sampling
raft.Node, driver.Driver, and mvcc.MVCC on a timer) plus direct instrumentation
in pkg/server and pkg/transport. They are exposed over HTTP for scraping.

# Metrics Catalog

Raft:

ledger_raft_term (Gauge): current term.
ledger_raft_role{role} (GaugeVec): 1 for the role this node currently holds, 0 for the other two.
ledger_raft_last_index (Gauge): index of the most recent log entry, committed or not.
ledger_raft_commit_index (Gauge): highest durably committed index.
ledger_raft_applied_index (Gauge): highest index applied to the state machine.
ledger_raft_elections_total (Counter): elections started as a candidate.
ledger_raft_heartbeats_sent_total (Counter): heartbeats broadcast while leader.
ledger_raft_apply_duration_seconds (Histogram): time to apply one committed entry.

MVCC:

ledger_mvcc_txns_total (Gauge): transactions begun since the store opened.
ledger_mvcc_txns_active (Gauge): transactions not yet committed or aborted.
ledger_mvcc_serialization_conflicts (Gauge): write-write conflicts detected since the store opened.

Client:

ledger_client_requests_total{kind,outcome} (CounterVec): requests by kind (mutate/query/status) and outcome (ok/error).
ledger_client_request_duration_seconds{kind} (HistogramVec): Submit-to-response latency by kind.

Transport:

ledger_transport_outbound_dropped_total{peer} (CounterVec): messages dropped from a full outbound queue.
ledger_transport_reconnects_total{peer} (CounterVec): outbound reconnect attempts.

# Usage

	timer := metrics.NewTimer()
	replies, err := drv.Handle(instr)
	timer.ObserveDuration(metrics.RaftApplyDuration)

	metrics.ClientRequestsTotal.WithLabelValues("mutate", "ok").Inc()

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
