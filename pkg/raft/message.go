package raft

import (
	"bytes"
	"encoding/gob"
)

// Address tags who a Message is from or routed to.
type Address struct {
	kind addressKind
	peer string
}

// GobEncode/GobDecode let Address travel over pkg/transport's gob-encoded
// wire frames despite its fields being unexported: gob's default struct
// codec only ever sees exported fields, so without these methods every
// Address would decode as the zero value on the other end of the wire.
func (a Address) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(int(a.kind)); err != nil {
		return nil, err
	}
	if err := enc.Encode(a.peer); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *Address) GobDecode(data []byte) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var kind int
	if err := dec.Decode(&kind); err != nil {
		return err
	}
	var peer string
	if err := dec.Decode(&peer); err != nil {
		return err
	}
	a.kind = addressKind(kind)
	a.peer = peer
	return nil
}

type addressKind int

const (
	addrLocal addressKind = iota
	addrPeer
	addrPeers
	addrClient
)

// Local addresses this node itself (used for node-to-driver instructions,
// never sent over the wire).
func Local() Address { return Address{kind: addrLocal} }

// Peer addresses a single named peer.
func Peer(id string) Address { return Address{kind: addrPeer, peer: id} }

// Peers addresses every peer except the sender (a broadcast).
func Peers() Address { return Address{kind: addrPeers} }

// Client addresses the client that originated a request, routed back
// through the server's correlation-id table.
func Client() Address { return Address{kind: addrClient} }

func (a Address) IsLocal() bool  { return a.kind == addrLocal }
func (a Address) IsPeer() bool   { return a.kind == addrPeer }
func (a Address) IsPeers() bool  { return a.kind == addrPeers }
func (a Address) IsClient() bool { return a.kind == addrClient }

// PeerID returns the peer name for an IsPeer address; empty otherwise.
func (a Address) PeerID() string { return a.peer }

func (a Address) String() string {
	switch a.kind {
	case addrLocal:
		return "local"
	case addrPeers:
		return "peers"
	case addrClient:
		return "client"
	case addrPeer:
		return "peer:" + a.peer
	default:
		return "unknown"
	}
}

// EventKind discriminates the Event union carried by a Message.
type EventKind int

const (
	EventHeartbeat EventKind = iota
	EventConfirmLeader
	EventSolicitVote
	EventGrantVote
	EventReplicateEntries
	EventAcceptEntries
	EventRejectEntries
	EventClientRequest
	EventClientResponse
)

// Event is a tagged union of every message payload a Raft node can send or
// receive. Only the fields relevant to Kind are populated; this mirrors an
// enum-with-payload in a language that doesn't have one natively.
type Event struct {
	Kind EventKind

	// Heartbeat / ConfirmLeader
	CommitIndex  uint64
	CommitTerm   uint64
	HasCommitted bool

	// SolicitVote
	LastLogIndex uint64
	LastLogTerm  uint64

	// ReplicateEntries / AcceptEntries / RejectEntries
	BaseIndex uint64
	BaseTerm  uint64
	Entries   []Entry
	LastIndex uint64

	// ClientRequest / ClientResponse
	RequestID string
	Request   Request
	Response  Response
}

func Heartbeat(commitIndex, commitTerm uint64) Event {
	return Event{Kind: EventHeartbeat, CommitIndex: commitIndex, CommitTerm: commitTerm}
}

func ConfirmLeader(commitIndex uint64, hasCommitted bool) Event {
	return Event{Kind: EventConfirmLeader, CommitIndex: commitIndex, HasCommitted: hasCommitted}
}

func SolicitVote(lastIndex, lastTerm uint64) Event {
	return Event{Kind: EventSolicitVote, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
}

func GrantVote() Event { return Event{Kind: EventGrantVote} }

func ReplicateEntries(baseIndex, baseTerm uint64, entries []Entry) Event {
	return Event{Kind: EventReplicateEntries, BaseIndex: baseIndex, BaseTerm: baseTerm, Entries: entries}
}

func AcceptEntries(lastIndex uint64) Event {
	return Event{Kind: EventAcceptEntries, LastIndex: lastIndex}
}

func RejectEntries() Event { return Event{Kind: EventRejectEntries} }

func ClientRequestEvent(id string, req Request) Event {
	return Event{Kind: EventClientRequest, RequestID: id, Request: req}
}

func ClientResponseEvent(id string, resp Response) Event {
	return Event{Kind: EventClientResponse, RequestID: id, Response: resp}
}

// RequestKind discriminates the Request union a client sends a Raft node.
type RequestKind int

const (
	RequestQuery RequestKind = iota
	RequestMutate
	RequestStatus
)

// Request is what a client asks a node to do: read (Query), write
// (Mutate), or report (Status). Command is the gob-encoded command
// envelope the driver's state machine understands (see pkg/driver).
type Request struct {
	Kind    RequestKind
	Command []byte
}

func QueryRequest(command []byte) Request  { return Request{Kind: RequestQuery, Command: command} }
func MutateRequest(command []byte) Request { return Request{Kind: RequestMutate, Command: command} }
func StatusRequest() Request               { return Request{Kind: RequestStatus} }

// ResponseKind discriminates the Response union a node sends back to a
// client request.
type ResponseKind int

const (
	ResponseState ResponseKind = iota
	ResponseStatus
	ResponseError
)

// Status reports a node's view of the cluster, filled in by the driver
// from the Raft log and role state.
type Status struct {
	Server       string
	Leader       string
	Term         uint64
	LastIndex    uint64
	CommitIndex  uint64
	AppliedIndex uint64
}

// Response is what a node's driver sends back for a Request: a raw result
// (State, for Query/Mutate), a Status record, or an error message.
type Response struct {
	Kind   ResponseKind
	State  []byte
	Status Status
	Error  string
}

func StateResponse(state []byte) Response   { return Response{Kind: ResponseState, State: state} }
func StatusResponse(status Status) Response { return Response{Kind: ResponseStatus, Status: status} }
func ErrorResponse(msg string) Response     { return Response{Kind: ResponseError, Error: msg} }

// Message is the envelope every Raft wire exchange travels in.
type Message struct {
	Term  uint64
	From  Address
	To    Address
	Event Event
}
