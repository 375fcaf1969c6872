package raft

// followerState holds everything specific to the Follower role: the
// leader it currently recognizes (if any), the vote it has cast this
// term, its election-timeout clock, and requests it is waiting on a
// leader for.
type followerState struct {
	leader      string
	votedFor    string
	seenTicks   int
	seenTimeout int

	// queuedReqs holds ClientRequests received before any leader was
	// known; they are replayed (forwarded) as soon as a leader appears.
	queuedReqs []Message

	// proxiedReqs maps a proxied request id to the address the eventual
	// ClientResponse must be forwarded back to.
	proxiedReqs map[string]Address
}

func (n *Node) becomeFollower(term uint64, leader, votedFor string) {
	n.Term = term
	n.role = RoleFollower
	n.candidate = nil
	n.leader = nil
	n.follower = &followerState{
		leader: leader, votedFor: votedFor,
		seenTimeout: n.electionTimeout(),
		proxiedReqs: make(map[string]Address),
	}
	n.logger.Debug().Uint64("term", term).Str("leader", leader).Msg("became follower")
}

func (n *Node) stepFollower(msg Message) ([]Message, []Instruction, error) {
	f := n.follower

	// A higher term always means a new leader epoch; adopt the sender as
	// leader (if this message actually carries leadership, i.e. not a
	// stray vote solicitation from a lagging candidate at a higher term
	// we haven't seen win yet: we still bump our term and clear our vote,
	// but we don't record anyone as leader unless the event implies it).
	if msg.Term > n.Term {
		leader := ""
		if msg.Event.Kind == EventHeartbeat || msg.Event.Kind == EventReplicateEntries {
			leader = msg.From.PeerID()
		}
		if err := n.persistTerm(msg.Term, ""); err != nil {
			return nil, nil, err
		}
		var aborts []Message
		for id, addr := range f.proxiedReqs {
			aborts = append(aborts, n.send(addr, ClientResponseEvent(id, ErrorResponse("aborted: leader changed"))))
		}
		queued := f.queuedReqs
		n.becomeFollower(msg.Term, leader, "")
		f = n.follower
		f.queuedReqs = nil
		msgs, instructions, err := n.stepFollowerAtCurrentTerm(msg)
		if err != nil {
			return nil, nil, err
		}
		for _, qm := range queued {
			qmsgs, qinstr, err := n.stepFollowerAtCurrentTerm(qm)
			if err != nil {
				continue
			}
			msgs = append(msgs, qmsgs...)
			instructions = append(instructions, qinstr...)
		}
		return append(aborts, msgs...), instructions, nil
	}
	return n.stepFollowerAtCurrentTerm(msg)
}

func (n *Node) stepFollowerAtCurrentTerm(msg Message) ([]Message, []Instruction, error) {
	f := n.follower
	switch msg.Event.Kind {
	case EventHeartbeat:
		var forwarded []Message
		if msg.From.PeerID() != f.leader {
			if f.leader == "" {
				f.leader = msg.From.PeerID()
				forwarded = n.forwardQueued()
			} else {
				return nil, nil, nil
			}
		}
		f.seenTicks = 0
		ev := msg.Event
		hasCommitted := n.Log.Has(ev.CommitIndex, ev.CommitTerm)
		var instructions []Instruction
		if hasCommitted && ev.CommitIndex > n.Log.CommitIndex() {
			entries, err := n.Log.Scan(n.Log.CommitIndex()+1, ev.CommitIndex)
			if err != nil {
				return nil, nil, err
			}
			if err := n.Log.Commit(ev.CommitIndex); err != nil {
				return nil, nil, err
			}
			for _, e := range entries {
				instructions = append(instructions, Apply(e))
			}
		}
		reply := n.send(Peer(msg.From.PeerID()), ConfirmLeader(n.Log.CommitIndex(), hasCommitted))
		return append(forwarded, reply), instructions, nil

	case EventSolicitVote:
		ev := msg.Event
		canVote := f.votedFor == "" || f.votedFor == msg.From.PeerID()
		upToDate := ev.LastLogTerm > n.Log.LastTerm() ||
			(ev.LastLogTerm == n.Log.LastTerm() && ev.LastLogIndex >= n.Log.LastIndex())
		if !canVote || !upToDate {
			return nil, nil, nil
		}
		f.votedFor = msg.From.PeerID()
		if err := n.persistTerm(n.Term, f.votedFor); err != nil {
			return nil, nil, err
		}
		reply := n.send(Peer(msg.From.PeerID()), GrantVote())
		return []Message{reply}, nil, nil

	case EventReplicateEntries:
		ev := msg.Event
		var forwarded []Message
		if f.leader == "" {
			f.leader = msg.From.PeerID()
			forwarded = n.forwardQueued()
		}
		f.seenTicks = 0
		if ev.BaseIndex != 0 && !n.Log.Has(ev.BaseIndex, ev.BaseTerm) {
			reply := n.send(Peer(msg.From.PeerID()), RejectEntries())
			return append(forwarded, reply), nil, nil
		}
		if err := n.Log.Splice(ev.Entries); err != nil {
			return nil, nil, err
		}
		reply := n.send(Peer(msg.From.PeerID()), AcceptEntries(n.Log.LastIndex()))
		return append(forwarded, reply), nil, nil

	case EventClientRequest:
		if f.leader == "" {
			f.queuedReqs = append(f.queuedReqs, msg)
			return nil, nil, nil
		}
		f.proxiedReqs[msg.Event.RequestID] = msg.From
		fwd := n.send(Peer(f.leader), msg.Event)
		return []Message{fwd}, nil, nil

	case EventClientResponse:
		addr, ok := f.proxiedReqs[msg.Event.RequestID]
		if !ok {
			return nil, nil, nil
		}
		delete(f.proxiedReqs, msg.Event.RequestID)
		ev := msg.Event
		if ev.Response.Kind == ResponseStatus {
			ev.Response.Status.Server = n.ID
		}
		reply := n.send(addr, ev)
		return []Message{reply}, nil, nil

	default:
		return nil, nil, nil
	}
}

// forwardQueued proxies every request buffered while no leader was known to
// the leader the follower has just learned of.
func (n *Node) forwardQueued() []Message {
	f := n.follower
	if f.leader == "" || len(f.queuedReqs) == 0 {
		return nil
	}
	var msgs []Message
	for _, qm := range f.queuedReqs {
		f.proxiedReqs[qm.Event.RequestID] = qm.From
		msgs = append(msgs, n.send(Peer(f.leader), qm.Event))
	}
	f.queuedReqs = nil
	return msgs
}

func (n *Node) tickFollower() ([]Message, []Instruction, error) {
	f := n.follower
	f.seenTicks++
	if f.seenTicks < f.seenTimeout {
		return nil, nil, nil
	}
	return n.becomeCandidate()
}
