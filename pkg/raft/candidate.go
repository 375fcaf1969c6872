package raft

// candidateState holds everything specific to the Candidate role: the
// election timeout clock and the set of peers that have granted a vote
// this term (tracked as a count since every peer can only answer once per
// SolicitVote broadcast).
type candidateState struct {
	ticks   int
	timeout int
	votes   int

	// queuedReqs holds ClientRequests received while no leader is known;
	// they are replayed once the election resolves into a Follower (new
	// leader found) or Leader (this node won) role.
	queuedReqs []Message
}

// becomeCandidate starts a new election: bump the term, vote for self,
// persist the vote before any SolicitVote leaves the node, and broadcast.
// Returns the broadcast and no instructions; in a single-member cluster
// (quorum 1) the node instead becomes leader at once and returns what
// becomeLeader returns, including an Apply for the committed no-op.
func (n *Node) becomeCandidate() ([]Message, []Instruction, error) {
	term := n.Term + 1
	if err := n.persistTerm(term, n.ID); err != nil {
		return nil, nil, err
	}
	n.Term = term
	n.role = RoleCandidate
	n.follower = nil
	n.leader = nil
	n.candidate = &candidateState{
		timeout: n.electionTimeout(),
		votes:   1,
	}
	n.logger.Info().Uint64("term", term).Msg("became candidate")

	if n.quorum() <= 1 {
		return n.becomeLeader()
	}

	solicit := n.send(Peers(), SolicitVote(n.Log.LastIndex(), n.Log.LastTerm()))
	return []Message{solicit}, nil, nil
}

func (n *Node) stepCandidate(msg Message) ([]Message, []Instruction, error) {
	c := n.candidate

	if msg.Term > n.Term {
		if err := n.persistTerm(msg.Term, ""); err != nil {
			return nil, nil, err
		}
		leader := ""
		if msg.Event.Kind == EventHeartbeat || msg.Event.Kind == EventReplicateEntries {
			leader = msg.From.PeerID()
		}
		queued := c.queuedReqs
		n.becomeFollower(msg.Term, leader, "")
		msgs, instructions, err := n.stepFollower(msg)
		if err != nil {
			return nil, nil, err
		}
		n.follower.queuedReqs = append(n.follower.queuedReqs, queued...)
		msgs = append(msgs, n.forwardQueued()...)
		return msgs, instructions, nil
	}

	switch msg.Event.Kind {
	case EventHeartbeat, EventReplicateEntries:
		// A valid leader at our own term means we lost the election;
		// step down and re-process the message as a follower.
		queued := c.queuedReqs
		n.becomeFollower(n.Term, msg.From.PeerID(), n.ID)
		msgs, instructions, err := n.stepFollower(msg)
		if err != nil {
			return nil, nil, err
		}
		n.follower.queuedReqs = append(n.follower.queuedReqs, queued...)
		msgs = append(msgs, n.forwardQueued()...)
		return msgs, instructions, nil

	case EventGrantVote:
		c.votes++
		if c.votes >= n.quorum() {
			queued := c.queuedReqs
			msgs, instructions, err := n.becomeLeader()
			if err != nil {
				return nil, nil, err
			}
			for _, qm := range queued {
				qmsgs, qinstr, err := n.stepLeader(qm)
				if err != nil {
					continue
				}
				msgs = append(msgs, qmsgs...)
				instructions = append(instructions, qinstr...)
			}
			return msgs, instructions, nil
		}
		return nil, nil, nil

	case EventClientRequest:
		// No leader known yet; buffer until the election resolves.
		c.queuedReqs = append(c.queuedReqs, msg)
		return nil, nil, nil

	default:
		return nil, nil, nil
	}
}

func (n *Node) tickCandidate() ([]Message, []Instruction, error) {
	c := n.candidate
	c.ticks++
	if c.ticks < c.timeout {
		return nil, nil, nil
	}
	return n.becomeCandidate()
}
