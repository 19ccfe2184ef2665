package dlmnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/godlm/internal/dlm/message"
)

// Handler processes a decoded frame received from a peer. The sending
// node id is carried in frame.Header.SourceNode.
type Handler func(frame message.Frame)

// Transport owns one listener and a persistent outbound connection per
// peer node. Grounded on internal/protocol/nlm/callback/client.go's
// dial-then-frame style, adapted from a fresh dial per call to one
// long-lived connection per peer, since the DLM holds a connection open
// for the life of a membership epoch rather than per-RPC.
type Transport struct {
	selfNode uint16
	listener net.Listener
	handler  Handler

	mu    sync.Mutex
	conns map[uint16]*peerConn
	addrs map[uint16]string

	closed bool
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// New starts listening on addr for inbound peer connections.
func New(selfNode uint16, addr string, handler Handler) (*Transport, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dlmnet: listen on %s: %w", addr, err)
	}
	t := &Transport{
		selfNode: selfNode,
		listener: l,
		handler:  handler,
		conns:    make(map[uint16]*peerConn),
		addrs:    make(map[uint16]string),
	}
	go t.acceptLoop()
	return t, nil
}

// Addr returns the transport's bound listen address.
func (t *Transport) Addr() net.Addr { return t.listener.Addr() }

// SetPeer registers the dial address for a peer node. Either side of a
// pair dials on its first Send to the other, so two nodes that both send
// hold two connections; inbound connections are only read from.
func (t *Transport) SetPeer(nodeID uint16, addr string) {
	t.mu.Lock()
	t.addrs[nodeID] = addr
	t.mu.Unlock()
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.serve(conn)
	}
}

func (t *Transport) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		frame, err := message.ReadFrame(conn)
		if err != nil {
			return
		}
		t.handler(frame)
	}
}

// Send delivers a frame to nodeID, dialing (and caching) a connection to
// the peer's registered address if none exists yet.
func (t *Transport) Send(ctx context.Context, nodeID uint16, h message.Header, body []byte) error {
	pc, err := t.connFor(ctx, nodeID)
	if err != nil {
		return err
	}
	h.SourceNode = uint32(t.selfNode)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := message.WriteFrame(pc.conn, h, body); err != nil {
		_ = pc.conn.Close()
		t.mu.Lock()
		delete(t.conns, nodeID)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) connFor(ctx context.Context, nodeID uint16) (*peerConn, error) {
	t.mu.Lock()
	if pc, ok := t.conns[nodeID]; ok {
		t.mu.Unlock()
		return pc, nil
	}
	addr, ok := t.addrs[nodeID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dlmnet: no address registered for node %d", nodeID)
	}

	d := net.Dialer{}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dlmnet: dial node %d at %s: %w", nodeID, addr, err)
	}

	pc := &peerConn{conn: conn}
	t.mu.Lock()
	t.conns[nodeID] = pc
	t.mu.Unlock()
	go t.serve(conn)
	return pc, nil
}

// Close shuts down the listener and every peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()

	for _, pc := range conns {
		_ = pc.conn.Close()
	}
	return t.listener.Close()
}
