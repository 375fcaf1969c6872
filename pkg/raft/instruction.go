package raft

// InstructionKind discriminates the Instruction union a role node sends to
// the state machine driver (pkg/driver). Role nodes never call the driver
// directly; they only ever produce a slice of these.
type InstructionKind int

const (
	InstructionAbort InstructionKind = iota
	InstructionApply
	InstructionNotify
	InstructionQuery
	InstructionStatus
	InstructionVote
)

// Instruction is one message from a role node to the driver.
type Instruction struct {
	Kind InstructionKind

	// Apply
	Entry Entry

	// Notify
	RequestID string
	Address   Address
	Index     uint64

	// Query
	Term    uint64
	Command []byte
	Quorum  int

	// Status
	Status Status

	// Vote (also uses Term, Index, Address above)
}

func Apply(entry Entry) Instruction {
	return Instruction{Kind: InstructionApply, Entry: entry}
}

func Notify(requestID string, address Address, index uint64) Instruction {
	return Instruction{Kind: InstructionNotify, RequestID: requestID, Address: address, Index: index}
}

func Query(requestID string, address Address, command []byte, term, index uint64, quorum int) Instruction {
	return Instruction{
		Kind: InstructionQuery, RequestID: requestID, Address: address,
		Command: command, Term: term, Index: index, Quorum: quorum,
	}
}

func StatusInstruction(requestID string, address Address, status Status) Instruction {
	return Instruction{Kind: InstructionStatus, RequestID: requestID, Address: address, Status: status}
}

func Vote(term, index uint64, address Address) Instruction {
	return Instruction{Kind: InstructionVote, Term: term, Index: index, Address: address}
}

func Abort() Instruction { return Instruction{Kind: InstructionAbort} }
