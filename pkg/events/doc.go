// Package events provides a lightweight in-process publish/subscribe broker
// for telling observers about notable occurrences on a node: a role change,
// a new election, a commit advancing, an entry applied, a peer connection
// coming up or going down.
//
// The broker is deliberately decoupled from pkg/raft, pkg/driver, and
// pkg/mvcc: none of those packages import it. The server's event loop (and,
// for peer lifecycle, the transport's session goroutines) publishes after it
// has already decided what happened from a Step or Tick outcome. This keeps
// the role state machine and the state machine driver free of side channels
// and easy to test in isolation.
//
// Subscribers receive events on a buffered channel and must keep up or miss
// events: Publish and broadcast never block on a slow subscriber. A
// subscriber that falls behind silently drops events rather than stall the
// broker for everyone else. Callers that need every event (e.g. an audit
// log) should size their own buffer generously and drain promptly.
package events
