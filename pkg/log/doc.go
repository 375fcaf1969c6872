/*
Package log provides structured logging for the database core using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
the patterns used throughout storage, MVCC, Raft, the driver, and the server
event loop. All logs include timestamps and support filtering by severity
level.

# Levels

Debug is for per-message Raft stepping and MVCC key traces, Info for role
transitions and commit/apply progress, Warn for dropped or rejected protocol
messages (message validation errors are logged at WARN and the
message is dropped; the node does not disconnect peers on protocol noise),
Error for operations that failed and were returned to a client, Fatal only
for startup failures before the event loop exists.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	raftLog := log.WithComponent("raft").With().Str("node_id", cfg.NodeID).Logger()
	raftLog.Info().Uint64("term", term).Msg("became leader")

	log.WithComponent("transport").Warn().
		Str("peer", peerID).
		Msg("outbound queue full, dropping message")

Component loggers in use: "raft" (role transitions, ticks), "mvcc" (txn
begin/commit/rollback, serialization conflicts), "driver" (apply/notify/query
bookkeeping), "server" (event loop), "transport" (peer connections).
*/
package log
