/*
Package driver implements the single cooperative task that owns the user
state machine: it consumes Instructions produced by a
pkg/raft.Node's Step/Tick and turns them into calls against a StateMachine,
tracking pending client notifications and buffered linearizable reads along
the way.

The driver never talks to pkg/raft directly; it only ever receives
Instructions and produces outbound ClientResponses, mirroring the node/
driver ownership split: they do not share memory.
*/
package driver

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/ledger/pkg/errs"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/raft"
)

// StateMachine is the user state machine a Driver drives. mutate executes a
// committed command and returns its result (or an error); query executes a
// read-only command without advancing any index. Internal errors from
// either method are fatal to the Driver.
type StateMachine interface {
	Mutate(index uint64, command []byte) ([]byte, error)
	Query(command []byte) ([]byte, error)
}

// Reply is one outbound ClientResponse the caller (pkg/server) must deliver
// to the address it names.
type Reply struct {
	Address raft.Address
	Event   raft.Event
}

// pendingNotify is a registered Notify waiting for index to be applied.
type pendingNotify struct {
	requestID string
	address   raft.Address
	index     uint64
}

// pendingQuery is a registered linearizable read waiting for applied_index
// to reach index and for a quorum of distinct-address votes at term or
// later.
type pendingQuery struct {
	requestID string
	address   raft.Address
	command   []byte
	term      uint64
	index     uint64
	quorum    int
	voters    map[string]struct{}
}

// Driver owns the StateMachine and all bookkeeping around applying
// committed entries, notifying waiting clients, and resolving linearizable
// reads. It is not safe for concurrent use; the caller (pkg/server's event
// loop) must serialize access: Driver is a single-task model, not thread-safe.
type Driver struct {
	sm           StateMachine
	appliedIndex uint64

	notifies []pendingNotify
	queries  []pendingQuery

	logger zerolog.Logger

	// saveApplied persists applied_index alongside each Mutate call, if
	// set. See the Open Question recorded in DESIGN.md about atomicity.
	saveApplied func(uint64) error
}

// New builds a Driver over sm, starting at appliedIndex (as loaded from
// persistent storage at startup).
func New(sm StateMachine, appliedIndex uint64, saveApplied func(uint64) error) *Driver {
	return &Driver{
		sm: sm, appliedIndex: appliedIndex, saveApplied: saveApplied,
		logger: log.WithComponent("driver"),
	}
}

// AppliedIndex reports the highest index this driver has applied.
func (d *Driver) AppliedIndex() uint64 { return d.appliedIndex }

// Replay runs mutate over every entry in (appliedIndex, commitIndex] at
// startup, following the startup-replay rule. entries must be supplied in
// ascending index order and cover exactly that range.
func (d *Driver) Replay(entries []raft.Entry) error {
	for _, e := range entries {
		if e.Index <= d.appliedIndex {
			continue
		}
		if len(e.Command) > 0 {
			if _, err := d.sm.Mutate(e.Index, e.Command); err != nil {
				if errs.KindOf(err) == errs.KindInternal {
					return err
				}
				d.logger.Warn().Err(err).Uint64("index", e.Index).Msg("replay mutation returned error")
			}
		}
		d.appliedIndex = e.Index
		if d.saveApplied != nil {
			if err := d.saveApplied(d.appliedIndex); err != nil {
				return err
			}
		}
	}
	return nil
}

// Handle processes one Instruction from the Raft node, returning any
// replies that must be delivered to clients. An error returned here is
// always errs.KindInternal and is fatal to the driver loop.
func (d *Driver) Handle(instr raft.Instruction) ([]Reply, error) {
	switch instr.Kind {
	case raft.InstructionApply:
		return d.handleApply(instr)
	case raft.InstructionNotify:
		return d.handleNotify(instr)
	case raft.InstructionQuery:
		return d.handleQuery(instr)
	case raft.InstructionVote:
		return d.handleVote(instr)
	case raft.InstructionStatus:
		return d.handleStatus(instr)
	case raft.InstructionAbort:
		return d.handleAbort(), nil
	default:
		return nil, errs.Internalf("driver received unknown instruction kind %d", instr.Kind)
	}
}

func (d *Driver) handleApply(instr raft.Instruction) ([]Reply, error) {
	e := instr.Entry
	if e.Index != d.appliedIndex+1 {
		return nil, errs.Internalf("apply index %d is not the next expected index %d", e.Index, d.appliedIndex+1)
	}

	var result []byte
	var applyErr error
	if len(e.Command) > 0 {
		result, applyErr = d.sm.Mutate(e.Index, e.Command)
		if applyErr != nil && errs.KindOf(applyErr) == errs.KindInternal {
			return nil, applyErr
		}
	}
	d.appliedIndex = e.Index
	if d.saveApplied != nil {
		if err := d.saveApplied(d.appliedIndex); err != nil {
			return nil, err
		}
	}

	var replies []Reply
	kept := d.notifies[:0]
	for _, p := range d.notifies {
		if p.index != e.Index {
			kept = append(kept, p)
			continue
		}
		var resp raft.Response
		if applyErr != nil {
			resp = raft.ErrorResponse(applyErr.Error())
		} else {
			resp = raft.StateResponse(result)
		}
		replies = append(replies, Reply{Address: p.address, Event: raft.ClientResponseEvent(p.requestID, resp)})
	}
	d.notifies = kept

	queryReplies, err := d.resolveQueries()
	if err != nil {
		return nil, err
	}
	return append(replies, queryReplies...), nil
}

func (d *Driver) handleNotify(instr raft.Instruction) ([]Reply, error) {
	if instr.Index <= d.appliedIndex {
		resp := raft.ErrorResponse(errs.ErrAbort.Error())
		return []Reply{{Address: instr.Address, Event: raft.ClientResponseEvent(instr.RequestID, resp)}}, nil
	}
	d.notifies = append(d.notifies, pendingNotify{requestID: instr.RequestID, address: instr.Address, index: instr.Index})
	return nil, nil
}

func (d *Driver) handleQuery(instr raft.Instruction) ([]Reply, error) {
	d.queries = append(d.queries, pendingQuery{
		requestID: instr.RequestID, address: instr.Address, command: instr.Command,
		term: instr.Term, index: instr.Index, quorum: instr.Quorum,
		voters: make(map[string]struct{}),
	})
	return d.resolveQueries()
}

func (d *Driver) handleVote(instr raft.Instruction) ([]Reply, error) {
	voter := instr.Address.String()
	for i := range d.queries {
		q := &d.queries[i]
		if instr.Term < q.term || instr.Index < q.index {
			continue
		}
		q.voters[voter] = struct{}{}
	}
	return d.resolveQueries()
}

func (d *Driver) handleStatus(instr raft.Instruction) ([]Reply, error) {
	status := instr.Status
	status.AppliedIndex = d.appliedIndex
	return []Reply{{Address: instr.Address, Event: raft.ClientResponseEvent(instr.RequestID, raft.StatusResponse(status))}}, nil
}

func (d *Driver) handleAbort() []Reply {
	var replies []Reply
	for _, p := range d.notifies {
		resp := raft.ErrorResponse(errs.ErrAbort.Error())
		replies = append(replies, Reply{Address: p.address, Event: raft.ClientResponseEvent(p.requestID, resp)})
	}
	d.notifies = nil
	for _, q := range d.queries {
		resp := raft.ErrorResponse(errs.ErrAbort.Error())
		replies = append(replies, Reply{Address: q.address, Event: raft.ClientResponseEvent(q.requestID, resp)})
	}
	d.queries = nil
	return replies
}

// resolveQueries answers every pending query whose applied_index and vote
// requirements are both satisfied, per the linearizable-read rule.
func (d *Driver) resolveQueries() ([]Reply, error) {
	var replies []Reply
	kept := d.queries[:0]
	for _, q := range d.queries {
		if d.appliedIndex < q.index || len(q.voters) < q.quorum {
			kept = append(kept, q)
			continue
		}
		result, err := d.sm.Query(q.command)
		var resp raft.Response
		if err != nil {
			if errs.KindOf(err) == errs.KindInternal {
				return nil, err
			}
			resp = raft.ErrorResponse(err.Error())
		} else {
			resp = raft.StateResponse(result)
		}
		replies = append(replies, Reply{Address: q.address, Event: raft.ClientResponseEvent(q.requestID, resp)})
	}
	d.queries = kept
	return replies, nil
}
