/*
Package server wires the role-state-machine core (pkg/raft), the command
driver (pkg/driver), and the wire transport (pkg/transport) into one running
node: a single event-loop goroutine that owns the raft.Node and driver.Driver
exclusively, following a single-node-task event loop model, plus the
client-facing Submit API (client.go) that hands a request to that loop and
waits for its response.

Every other package in this module can be exercised without a network; this
one is what turns a handful of role-state-machine packages into a
replicated, addressable node.
*/
package server

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ledger/pkg/driver"
	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/events"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/mvcc"
	"github.com/cuemby/ledger/pkg/raft"
	"github.com/cuemby/ledger/pkg/store"
	"github.com/cuemby/ledger/pkg/transport"
)

// Server owns one cluster member end to end: its Raft log, its role state
// machine, its driver-owned state machine, and its peer transport. Start
// runs the event loop in its own goroutine; every field below is only ever
// touched from that goroutine except the channels declared here and
// pending, which Submit shares with the loop under mu.
type Server struct {
	cfg Config

	node      *raft.Node
	driver    *driver.Driver
	transport *transport.Transport
	mv        *mvcc.MVCC

	metaStore *store.MetadataStore
	logStore  *store.LogStore

	collector *metrics.Collector
	events    *events.Broker

	clientCh chan clientRequest
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan raft.Response

	lastRole   raft.Role
	lastCommit uint64

	logger zerolog.Logger
}

// Events returns the node's event broker. Subscribers see role changes,
// elections, commits, applies, and peer connection churn as they happen.
func (s *Server) Events() *events.Broker { return s.events }

// clientRequest is one Submit call waiting to be handled by the event loop.
type clientRequest struct {
	id  string
	req raft.Request
}

// Open builds a Server from cfg: it opens the durable log and metadata
// stores under cfg.DataDir, constructs the Raft log and node, builds the
// catalog-backed state machine, replays any committed-but-unapplied
// entries, and builds the peer transport (Start opens it). The returned
// Server is not yet running; call Start to begin its event loop.
func Open(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.WithComponent("server").With().Str("node_id", cfg.NodeID).Logger()

	committed, err := store.OpenLogStore(filepath.Join(cfg.DataDir, "raft-log"), cfg.Sync)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "open raft log store")
	}
	meta, err := store.OpenMetadataStore(filepath.Join(cfg.DataDir, "raft-metadata"), cfg.Sync)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "open raft metadata store")
	}

	raftLog, err := raft.OpenLog(committed, meta)
	if err != nil {
		return nil, err
	}

	node, err := raft.NewNode(cfg.NodeID, cfg.peerIDs(), raftLog, cfg.raftConfig())
	if err != nil {
		return nil, err
	}

	mv := mvcc.New(store.NewBTreeStore(store.DefaultOrder))
	machine, err := driver.NewCatalogMachine(mv)
	if err != nil {
		return nil, err
	}

	// The catalog machine keeps its state in memory, so a restart rebuilds
	// it by replaying the whole committed log from index 1. The persisted
	// applied_index is still written on every apply: a durable state
	// backend resumes from it instead of replaying everything.
	d := driver.New(machine, 0, raftLog.SaveAppliedIndex)

	if raftLog.CommitIndex() > 0 {
		entries, err := raftLog.Scan(1, raftLog.CommitIndex())
		if err != nil {
			return nil, err
		}
		if err := d.Replay(entries); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "replay committed entries at startup")
		}
	}

	broker := events.NewBroker()
	tr := transport.New(cfg.NodeID, cfg.Peers)
	tr.SetBroker(broker)

	s := &Server{
		cfg: cfg, node: node, driver: d, transport: tr, mv: mv,
		metaStore: meta, logStore: committed,
		collector:  metrics.NewCollector(node, d, mv),
		events:     broker,
		clientCh:   make(chan clientRequest),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		pending:    make(map[string]chan raft.Response),
		lastCommit: raftLog.CommitIndex(),
		logger:     logger,
	}
	return s, nil
}

// Start opens the peer transport and begins the event loop in a new
// goroutine.
func (s *Server) Start() error {
	s.events.Start()
	if err := s.transport.Start(s.cfg.ListenAddr); err != nil {
		return errs.Wrap(errs.KindInternal, err, "start transport")
	}
	s.collector.Start()
	go s.run()
	s.logger.Info().Str("listen_addr", s.cfg.ListenAddr).Msg("server started")
	return nil
}

// Stop halts the event loop and closes every durable resource. It blocks
// until the event loop goroutine has exited.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.collector.Stop()
		s.events.Stop()
		s.transport.Stop()
		s.logStore.Close()
		s.metaStore.Close()
	})
}

// run is the single node task: a fair select over the tick clock, inbound
// wire traffic, and local client submissions, each handled to completion
// before the next iteration (one writer per node, never concurrent).
func (s *Server) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(time.Duration(s.cfg.TickPeriodMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			msgs, instrs, err := s.node.Tick()
			s.handleOutcome(msgs, instrs, err)

		case msg := <-s.transport.Inbound():
			msg.To = raft.Local()
			msgs, instrs, err := s.node.Step(msg)
			if err != nil {
				// Protocol noise (stale terms, bad routing) is dropped, not
				// fatal: the node does not disconnect peers over it.
				s.logger.Warn().Err(err).Msg("dropping invalid peer message")
				continue
			}
			s.handleOutcome(msgs, instrs, nil)

		case cr := <-s.clientCh:
			msg := raft.Message{From: raft.Client(), To: raft.Local(), Event: raft.ClientRequestEvent(cr.id, cr.req)}
			msgs, instrs, err := s.node.Step(msg)
			s.handleOutcome(msgs, instrs, err)

		case <-s.stopCh:
			return
		}
	}
}

// handleOutcome dispatches the outbound messages and driver instructions
// produced by one Step/Tick call. An error here is always KindInternal
// (raft.Node and driver.Driver only ever return that kind) and is fatal to
// the node task: the server logs it and stops rather than continue from a
// state it can no longer trust.
func (s *Server) handleOutcome(msgs []raft.Message, instrs []raft.Instruction, err error) {
	if err != nil {
		s.logger.Error().Err(err).Msg("fatal error in node task, stopping")
		go s.Stop()
		return
	}
	s.observeRole()
	s.observeCommit()
	s.dispatchMessages(msgs)
	for _, instr := range instrs {
		timer := metrics.NewTimer()
		replies, err := s.driver.Handle(instr)
		if err != nil {
			s.logger.Error().Err(err).Msg("fatal error in driver task, stopping")
			go s.Stop()
			return
		}
		if instr.Kind == raft.InstructionApply {
			timer.ObserveDuration(metrics.RaftApplyDuration)
			s.events.Publish(&events.Event{Type: events.EventEntryApplied, Message: fmt.Sprintf("index %d", instr.Entry.Index)})
		}
		s.dispatchReplies(replies)
	}
}

// observeRole publishes a RoleChanged event whenever the node's role differs
// from what it was after the previous Step/Tick call.
func (s *Server) observeRole() {
	role := s.node.Role()
	if role == s.lastRole {
		return
	}
	s.lastRole = role
	if role == raft.RoleCandidate {
		s.events.Publish(&events.Event{Type: events.EventLeaderLost, Message: s.cfg.NodeID})
	}
	s.events.Publish(&events.Event{
		Type:    events.EventRoleChanged,
		Message: role.String(),
		Metadata: map[string]string{
			"node_id": s.cfg.NodeID,
			"role":    role.String(),
		},
	})
}

// observeCommit publishes an EntryCommitted event whenever the log's commit
// index has advanced since the previous Step/Tick call.
func (s *Server) observeCommit() {
	commit := s.node.Log.CommitIndex()
	if commit == s.lastCommit {
		return
	}
	s.lastCommit = commit
	s.events.Publish(&events.Event{Type: events.EventEntryCommitted, Message: fmt.Sprintf("index %d", commit)})
}

// dispatchMessages routes each Message a role node produced: broadcasts
// (To=Peers()) fan out one wire copy per peer, unicasts (To=Peer(id)) go
// straight to the transport, messages to Client() (a follower relaying or
// aborting a proxied request) go to the waiting Submit call, and anything
// else is dropped.
func (s *Server) dispatchMessages(msgs []raft.Message) {
	self := raft.Peer(s.cfg.NodeID)
	for _, msg := range msgs {
		switch msg.Event.Kind {
		case raft.EventSolicitVote:
			if msg.To.IsPeers() {
				metrics.RaftElectionsTotal.Inc()
				s.events.Publish(&events.Event{Type: events.EventElectionStarted, Message: s.cfg.NodeID})
			}
		case raft.EventHeartbeat:
			if msg.To.IsPeers() {
				metrics.RaftHeartbeatsSentTotal.Inc()
			}
		}
		switch {
		case msg.To.IsPeers():
			for _, peer := range s.cfg.peerIDs() {
				wire := msg
				wire.From = self
				wire.To = raft.Peer(peer)
				s.transport.Send(wire)
			}
		case msg.To.IsPeer():
			wire := msg
			wire.From = self
			s.transport.Send(wire)
		case msg.To.IsClient():
			// A follower relaying the leader's ClientResponse back to the
			// client that submitted directly to it (see stepFollower's
			// EventClientResponse handling).
			s.deliverLocal(msg.Event)
		default:
			s.logger.Warn().Str("to", msg.To.String()).Msg("dropping outbound message with unroutable destination")
		}
	}
}

// dispatchReplies delivers each driver Reply: a Peer address means the
// request was proxied in from that peer and the response must cross the
// wire back to it; a Client address means this node itself is holding the
// pending Submit call.
func (s *Server) dispatchReplies(replies []driver.Reply) {
	self := raft.Peer(s.cfg.NodeID)
	for _, reply := range replies {
		switch {
		case reply.Address.IsClient():
			s.deliverLocal(reply.Event)
		case reply.Address.IsPeer():
			s.transport.Send(raft.Message{From: self, To: reply.Address, Event: reply.Event})
		default:
			s.logger.Warn().Str("to", reply.Address.String()).Msg("dropping reply with unroutable destination")
		}
	}
}

// deliverLocal hands a ClientResponse event to whichever Submit call is
// waiting on its request id, if any is still waiting.
func (s *Server) deliverLocal(ev raft.Event) {
	s.mu.Lock()
	ch, ok := s.pending[ev.RequestID]
	if ok {
		delete(s.pending, ev.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- ev.Response
}

// String reports the node id and current role, used for log lines and
// status output.
func (s *Server) String() string {
	return fmt.Sprintf("%s(%s)", s.cfg.NodeID, s.node.Role())
}
