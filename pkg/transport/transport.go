/*
Package transport implements the inter-node wire protocol treated as
an external collaborator: a length-prefixed, gob-encoded Message frame over
TCP. One outbound session per peer carries a bounded queue (overflow drops
with a WARN log, never blocking the Raft event loop); one
inbound receiver goroutine per peer decodes frames into a single inbound
channel the event loop drains. That channel is buffered to 4096 messages;
while it is full, receivers block until the event loop takes a message.

Nothing here interprets a Message; it only moves raft.Message values
between nodes.
*/
package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ledger/pkg/events"
	"github.com/cuemby/ledger/pkg/log"
	"github.com/cuemby/ledger/pkg/metrics"
	"github.com/cuemby/ledger/pkg/raft"
)

const (
	// maxFrameSize bounds a single decoded frame, guarding against a
	// corrupt length prefix turning into an unbounded allocation.
	maxFrameSize = 64 << 20

	// outboundQueueDepth is the bound on a peer's outbound queue
	// (bounded queues, e.g. 1000 messages deep).
	outboundQueueDepth = 1000

	// reconnectBackoff is the fixed delay between outbound reconnect
	// attempts.
	reconnectBackoff = time.Second
)

// writeFrame writes a u32-big-endian-length-prefixed gob encoding of msg to
// w.
func writeFrame(w io.Writer, msg raft.Message) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(msg); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(body.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// readFrame reads one length-prefixed gob-encoded Message from r.
func readFrame(r io.Reader) (raft.Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return raft.Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return raft.Message{}, fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return raft.Message{}, err
	}
	var msg raft.Message
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
		return raft.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Transport owns one outbound session per peer and the single inbound
// channel every received Message lands on. Callers feed outbound messages
// with Send and drain Inbound() from the event loop.
type Transport struct {
	nodeID string

	mu      sync.Mutex
	peers   map[string]string // peer id -> dial address
	outbox  map[string]chan raft.Message
	closeCh chan struct{}

	inbound chan raft.Message

	listener net.Listener
	broker   *events.Broker
	logger   zerolog.Logger
}

// New builds a Transport for nodeID with the given static peer addresses
// (a "peers: map<id -> address>" table). It does not start listening or
// dialing until Start is called.
func New(nodeID string, peers map[string]string) *Transport {
	return &Transport{
		nodeID:  nodeID,
		peers:   peers,
		outbox:  make(map[string]chan raft.Message),
		closeCh: make(chan struct{}),
		inbound: make(chan raft.Message, 4096),
		logger:  log.WithComponent("transport").With().Str("node_id", nodeID).Logger(),
	}
}

// Inbound returns the channel every Message received from any peer is
// delivered to, in per-peer FIFO order.
func (t *Transport) Inbound() <-chan raft.Message { return t.inbound }

// SetBroker attaches an event broker that peer connect/disconnect events are
// published to. Must be called before Start.
func (t *Transport) SetBroker(b *events.Broker) { t.broker = b }

func (t *Transport) publish(typ events.EventType, peer string) {
	if t.broker == nil {
		return
	}
	t.broker.Publish(&events.Event{Type: typ, Message: peer, Metadata: map[string]string{"peer": peer}})
}

// Start begins listening on listenAddr for inbound peer connections and
// opens one outbound session per configured peer.
func (t *Transport) Start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	t.listener = ln
	go t.acceptLoop()

	t.mu.Lock()
	for peer, addr := range t.peers {
		ch := make(chan raft.Message, outboundQueueDepth)
		t.outbox[peer] = ch
		go t.outboundLoop(peer, addr, ch)
	}
	t.mu.Unlock()
	return nil
}

// Stop closes the listener and every outbound session.
func (t *Transport) Stop() {
	close(t.closeCh)
	if t.listener != nil {
		t.listener.Close()
	}
}

// Send enqueues msg for delivery to the peer named by msg.To. Overflow
// drops the message with a WARN log rather than blocking the caller.
// Send is the only way the event loop pushes outbound traffic, so it
// must never stall the node task.
func (t *Transport) Send(msg raft.Message) {
	t.mu.Lock()
	ch, ok := t.outbox[msg.To.PeerID()]
	t.mu.Unlock()
	if !ok {
		t.logger.Warn().Str("peer", msg.To.PeerID()).Msg("send to unknown peer dropped")
		return
	}
	select {
	case ch <- msg:
	default:
		t.logger.Warn().Str("peer", msg.To.PeerID()).Msg("outbound queue full, dropping message")
		metrics.TransportOutboundDroppedTotal.WithLabelValues(msg.To.PeerID()).Inc()
	}
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				t.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go t.receiveLoop(conn)
	}
}

// receiveLoop decodes frames from one inbound connection and forwards them
// to the single inbound channel, preserving per-sender FIFO order.
func (t *Transport) receiveLoop(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				t.logger.Warn().Err(err).Msg("inbound frame decode failed, closing connection")
			}
			return
		}
		select {
		case t.inbound <- msg:
		case <-t.closeCh:
			return
		}
	}
}

// outboundLoop owns one persistent connection to peer, reconnecting with a
// fixed backoff on any I/O error, and drains ch in order.
func (t *Transport) outboundLoop(peer, addr string, ch chan raft.Message) {
	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.logger.Warn().Err(err).Str("peer", peer).Msg("dial failed, retrying")
			metrics.TransportReconnectsTotal.WithLabelValues(peer).Inc()
			if !t.sleepOrClose(reconnectBackoff) {
				return
			}
			continue
		}
		t.publish(events.EventPeerConnected, peer)

		if !t.drainTo(conn, ch) {
			conn.Close()
			return
		}
		conn.Close()
		t.publish(events.EventPeerDisconnected, peer)
	}
}

// drainTo writes every message from ch to conn until an I/O error occurs or
// the transport is stopped. Returns false if the transport was stopped.
func (t *Transport) drainTo(conn net.Conn, ch chan raft.Message) bool {
	w := bufio.NewWriter(conn)
	for {
		select {
		case msg := <-ch:
			if err := writeFrame(w, msg); err != nil || w.Flush() != nil {
				t.logger.Warn().Err(err).Str("peer", msg.To.PeerID()).Msg("send failed, reconnecting")
				return true
			}
		case <-t.closeCh:
			return false
		}
	}
}

func (t *Transport) sleepOrClose(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-t.closeCh:
		return false
	}
}
