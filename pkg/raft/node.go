package raft

import (
	"hash/fnv"
	"math/rand"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/rs/zerolog"
)

// Role identifies which of the three Raft roles a Node currently occupies.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// Config holds the tick-driven timing constants every Node is built with.
// ElectionTimeout is sampled uniformly in [Min, Max) ticks each time a
// follower or candidate resets its timer: the jitter keeps
// competing candidates from splitting votes forever.
type Config struct {
	HeartbeatInterval  int // ticks between leader heartbeats
	ElectionTimeoutMin int
	ElectionTimeoutMax int
}

// DefaultConfig matches the constants named in the role-state-machine
// design: a 100ms tick period, 1-tick heartbeats, and an 8-15 tick election
// timeout.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 1, ElectionTimeoutMin: 8, ElectionTimeoutMax: 15}
}

// Node is the Raft role state machine for one cluster member. Exactly one
// of follower/candidate/leader is populated, selected by role; transition
// helpers (becomeFollower/becomeCandidate/becomeLeader) swap both role and
// the corresponding state in one step, discarding the state from the
// previous role the same way ownership of a RoleNode<R> in the original
// design is consumed and replaced on transition.
type Node struct {
	ID    string
	Peers []string
	Log   *Log
	Term  uint64

	cfg Config
	rng *rand.Rand

	role      Role
	follower  *followerState
	candidate *candidateState
	leader    *leaderState

	logger zerolog.Logger
}

// NewNode builds a Node starting as a Follower with no known leader, as
// every node does on first startup (it learns of a leader from the first
// Heartbeat or ReplicateEntries it receives, or times out into a Candidate
// itself).
func NewNode(id string, peers []string, l *Log, cfg Config) (*Node, error) {
	term, votedFor, err := l.LoadTerm()
	if err != nil {
		return nil, err
	}
	// The election jitter source is seeded from the node id: deterministic
	// per node (reproducible tests) but distinct across the cluster, so
	// competing candidates don't sample identical timeouts forever.
	h := fnv.New64a()
	h.Write([]byte(id))
	n := &Node{
		ID: id, Peers: append([]string(nil), peers...), Log: l, Term: term,
		cfg: cfg, rng: rand.New(rand.NewSource(int64(h.Sum64()))),
		logger: log.WithComponent("raft").With().Str("node_id", id).Logger(),
	}
	n.becomeFollower(term, "", votedFor)
	return n, nil
}

// Role reports the node's current role, for status reporting.
func (n *Node) Role() Role { return n.role }

// quorum is a strict majority of (len(Peers)+1) voting members.
func (n *Node) quorum() int { return (len(n.Peers)+1)/2 + 1 }

// electionTimeout samples a fresh uniformly-random timeout in
// [Min, Max) ticks, re-sampled on every transition into or reset of
// Follower/Candidate so competing nodes don't perpetually tie.
func (n *Node) electionTimeout() int {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	if span <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	return n.cfg.ElectionTimeoutMin + n.rng.Intn(span)
}

func (n *Node) send(to Address, event Event) Message {
	return Message{Term: n.Term, From: Local(), To: to, Event: event}
}

// Step validates an inbound message against the routing/term rules every
// role shares, then dispatches it to the current role's handler. It
// returns outbound messages and driver instructions produced as a result.
func (n *Node) Step(msg Message) ([]Message, []Instruction, error) {
	if err := n.validateInbound(msg); err != nil {
		return nil, nil, err
	}
	switch n.role {
	case RoleFollower:
		return n.stepFollower(msg)
	case RoleCandidate:
		return n.stepCandidate(msg)
	case RoleLeader:
		return n.stepLeader(msg)
	default:
		return nil, nil, errs.Internalf("node in unknown role %v", n.role)
	}
}

// Tick advances the node's clock by one tick and dispatches to the current
// role's timeout handling (election timeout for Follower/Candidate,
// heartbeat interval for Leader).
func (n *Node) Tick() ([]Message, []Instruction, error) {
	switch n.role {
	case RoleFollower:
		return n.tickFollower()
	case RoleCandidate:
		return n.tickCandidate()
	case RoleLeader:
		return n.tickLeader()
	default:
		return nil, nil, errs.Internalf("node in unknown role %v", n.role)
	}
}

func (n *Node) validateInbound(msg Message) error {
	from := msg.From
	isRouting := from.IsPeers() || from.IsLocal() || from.IsClient()
	if isRouting && msg.Event.Kind != EventClientRequest {
		return errs.Internalf("message from invalid sender address %s", from)
	}
	if msg.Term < n.Term && msg.Event.Kind != EventClientRequest && msg.Event.Kind != EventClientResponse {
		return errs.Internalf("stale message term %d < current term %d", msg.Term, n.Term)
	}
	if !msg.To.IsLocal() && !msg.To.IsPeers() {
		return errs.Internalf("message addressed to %s is not for this node", msg.To)
	}
	return nil
}

// persistTerm saves (term, votedFor) before any outbound message tied to
// that term/vote is allowed to leave the node.
func (n *Node) persistTerm(term uint64, votedFor string) error {
	return n.Log.SaveTerm(term, votedFor)
}
