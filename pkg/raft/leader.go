package raft

import "sort"

// leaderState holds everything specific to the Leader role: the heartbeat
// clock and Raft's classic per-peer replication progress (next_index,
// match_index), used both to decide what to replicate and to compute the
// commit index.
type leaderState struct {
	heartTicks int
	nextIndex  map[string]uint64
	matchIndex map[string]uint64
}

// becomeLeader initializes per-peer replication progress, appends a no-op
// entry at the new term (so the commit rule's current-term restriction has
// something to advance past), and broadcasts a heartbeat announcing the new
// leader.
func (n *Node) becomeLeader() ([]Message, []Instruction, error) {
	n.role = RoleLeader
	n.follower = nil
	n.candidate = nil
	ls := &leaderState{
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
	}
	for _, p := range n.Peers {
		ls.nextIndex[p] = n.Log.LastIndex() + 1
		ls.matchIndex[p] = 0
	}
	n.leader = ls
	n.logger.Info().Uint64("term", n.Term).Msg("became leader")

	if _, err := n.Log.Append(n.Term, nil); err != nil {
		return nil, nil, err
	}

	var instructions []Instruction
	if len(n.Peers) == 0 {
		from := n.Log.CommitIndex() + 1
		if err := n.Log.Commit(n.Log.LastIndex()); err != nil {
			return nil, nil, err
		}
		entries, err := n.Log.Scan(from, n.Log.CommitIndex())
		if err != nil {
			return nil, nil, err
		}
		for _, e := range entries {
			instructions = append(instructions, Apply(e))
		}
	}
	hb := n.send(Peers(), Heartbeat(n.Log.CommitIndex(), n.Log.CommitTerm()))
	return []Message{hb}, instructions, nil
}

func (n *Node) stepLeader(msg Message) ([]Message, []Instruction, error) {
	l := n.leader

	if msg.Term > n.Term {
		if err := n.persistTerm(msg.Term, ""); err != nil {
			return nil, nil, err
		}
		n.becomeFollower(msg.Term, "", "")
		return nil, []Instruction{Abort()}, nil
	}

	switch msg.Event.Kind {
	case EventConfirmLeader:
		peer := msg.From.PeerID()
		instructions := []Instruction{Vote(n.Term, msg.Event.CommitIndex, Peer(peer))}
		if !msg.Event.HasCommitted {
			m, err := n.replicateTo(peer)
			if err != nil {
				return nil, nil, err
			}
			return []Message{m}, instructions, nil
		}
		return nil, instructions, nil

	case EventAcceptEntries:
		peer := msg.From.PeerID()
		l.matchIndex[peer] = msg.Event.LastIndex
		l.nextIndex[peer] = msg.Event.LastIndex + 1
		return n.advanceCommit()

	case EventRejectEntries:
		peer := msg.From.PeerID()
		if l.nextIndex[peer] > 1 {
			l.nextIndex[peer]--
		}
		m, err := n.replicateTo(peer)
		if err != nil {
			return nil, nil, err
		}
		return []Message{m}, nil, nil

	case EventClientRequest:
		return n.stepLeaderClientRequest(msg)

	default:
		return nil, nil, nil
	}
}

func (n *Node) stepLeaderClientRequest(msg Message) ([]Message, []Instruction, error) {
	req := msg.Event.Request
	id := msg.Event.RequestID
	switch req.Kind {
	case RequestMutate:
		index, err := n.Log.Append(n.Term, req.Command)
		if err != nil {
			return nil, nil, err
		}
		instructions := []Instruction{Notify(id, msg.From, index)}
		if len(n.Peers) == 0 {
			if err := n.Log.Commit(index); err != nil {
				return nil, nil, err
			}
			entries, err := n.Log.Scan(index, index)
			if err != nil {
				return nil, nil, err
			}
			for _, e := range entries {
				instructions = append(instructions, Apply(e))
			}
			return nil, instructions, nil
		}
		msgs, replicateInstr, err := n.broadcastReplicate()
		if err != nil {
			return nil, nil, err
		}
		return msgs, append(instructions, replicateInstr...), nil

	case RequestQuery:
		instructions := []Instruction{
			Query(id, msg.From, req.Command, n.Term, n.Log.CommitIndex(), n.quorum()),
			Vote(n.Term, n.Log.CommitIndex(), Local()),
		}
		hb := n.send(Peers(), Heartbeat(n.Log.CommitIndex(), n.Log.CommitTerm()))
		return []Message{hb}, instructions, nil

	case RequestStatus:
		status := Status{
			Server:      n.ID,
			Leader:      n.ID,
			Term:        n.Term,
			LastIndex:   n.Log.LastIndex(),
			CommitIndex: n.Log.CommitIndex(),
		}
		return nil, []Instruction{StatusInstruction(id, msg.From, status)}, nil

	default:
		return nil, nil, nil
	}
}

func (n *Node) tickLeader() ([]Message, []Instruction, error) {
	l := n.leader
	l.heartTicks++
	if l.heartTicks < n.cfg.HeartbeatInterval {
		return nil, nil, nil
	}
	l.heartTicks = 0
	hb := n.send(Peers(), Heartbeat(n.Log.CommitIndex(), n.Log.CommitTerm()))
	return []Message{hb}, nil, nil
}

// replicateTo builds a ReplicateEntries message for peer bringing it from
// its recorded next_index up to the leader's tail.
func (n *Node) replicateTo(peer string) (Message, error) {
	l := n.leader
	base := l.nextIndex[peer] - 1
	var baseTerm uint64
	if base > 0 {
		e, ok, err := n.Log.Get(base)
		if err != nil {
			return Message{}, err
		}
		if ok {
			baseTerm = e.Term
		}
	}
	entries, err := n.Log.Scan(base+1, n.Log.LastIndex())
	if err != nil {
		return Message{}, err
	}
	return n.send(Peer(peer), ReplicateEntries(base, baseTerm, entries)), nil
}

func (n *Node) broadcastReplicate() ([]Message, []Instruction, error) {
	var msgs []Message
	for _, p := range n.Peers {
		m, err := n.replicateTo(p)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil, nil
}

// advanceCommit recomputes the quorum index per the commit rule:
// among [log.last_index] union match_index.values(), sorted descending,
// the entry at position quorum-1 is the quorum index. It only advances
// commit_index if that entry's term matches the leader's current term
// (Raft's current-term-only commit restriction), and feeds the newly
// committed range to the driver as Apply instructions.
func (n *Node) advanceCommit() ([]Message, []Instruction, error) {
	l := n.leader
	indices := make([]uint64, 0, len(l.matchIndex)+1)
	indices = append(indices, n.Log.LastIndex())
	for _, idx := range l.matchIndex {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })

	quorumIndex := indices[n.quorum()-1]
	if quorumIndex <= n.Log.CommitIndex() {
		return nil, nil, nil
	}
	entry, ok, err := n.Log.Get(quorumIndex)
	if err != nil {
		return nil, nil, err
	}
	if !ok || entry.Term != n.Term {
		return nil, nil, nil
	}

	from := n.Log.CommitIndex() + 1
	entries, err := n.Log.Scan(from, quorumIndex)
	if err != nil {
		return nil, nil, err
	}
	if err := n.Log.Commit(quorumIndex); err != nil {
		return nil, nil, err
	}
	instructions := make([]Instruction, 0, len(entries))
	for _, e := range entries {
		instructions = append(instructions, Apply(e))
	}
	return nil, instructions, nil
}
