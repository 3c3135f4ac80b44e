package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// maxIdleConns bounds the idle connections kept per node.
const maxIdleConns = 4

// peerConns pools the connections to one node. A request holds a
// connection for its whole round trip, so a slow call never delays other
// traffic to the same node.
type peerConns struct {
	mu     sync.Mutex
	addr   string
	idle   []net.Conn
	active map[net.Conn]string
	closed bool
}

func newPeerConns() *peerConns {
	return &peerConns{active: make(map[net.Conn]string)}
}

// acquire returns an idle connection to addr or dials a new one.
func (p *peerConns) acquire(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrTransportClosed
	}
	if p.addr != addr {
		// The server moved.
		p.closeIdle()
		p.addr = addr
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.active[conn] = addr
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "dial %s", addr), ErrConnectFailed)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return nil, ErrTransportClosed
	}
	p.active[conn] = addr
	return conn, nil
}

// release returns a connection after a round trip. Broken connections and
// connections beyond the idle limit are closed.
func (p *peerConns) release(conn net.Conn, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := p.active[conn]
	delete(p.active, conn)
	if !healthy || p.closed || addr != p.addr || len(p.idle) >= maxIdleConns {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	p.idle = append(p.idle, conn)
}

// closeIdle closes idle connections. Callers hold p.mu.
func (p *peerConns) closeIdle() {
	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
}

// close closes every connection, including those in use.
func (p *peerConns) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeIdle()
	for conn := range p.active {
		conn.Close()
	}
}

// TCPTransport implements Transport over TCP, resolving server ids through
// an AddressMap.
type TCPTransport struct {
	addr     string
	listener net.Listener
	addrs    *AddressMap
	peers    map[raft.ServerID]*peerConns
	inbound  map[net.Conn]struct{}
	handler  Handler
	timeout  time.Duration
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewTCPTransport creates a TCP transport listening on addr.
func NewTCPTransport(addr string, addrs *AddressMap) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		addrs:   addrs,
		peers:   make(map[raft.ServerID]*peerConns),
		inbound: make(map[net.Conn]struct{}),
		timeout: 5 * time.Second,
	}
}

// SetTimeout sets the dial and I/O timeout.
func (t *TCPTransport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// LocalAddr returns the listen address, resolved once listening.
func (t *TCPTransport) LocalAddr() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

func (t *TCPTransport) peer(to raft.ServerID) (*peerConns, string, time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, "", 0, ErrTransportClosed
	}
	addr, ok := t.addrs.Find(to)
	if !ok {
		return nil, "", 0, errors.Wrapf(ErrUnknownAddress, "server %s", to)
	}
	p, ok := t.peers[to]
	if !ok {
		p = newPeerConns()
		t.peers[to] = p
	}
	return p, addr, t.timeout, nil
}

// Send sends a frame and waits for the response.
// Frame format: [type:1][length:4][data:N]
func (t *TCPTransport) Send(ctx context.Context, to raft.ServerID, frameType uint8, data []byte) ([]byte, error) {
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	p, addr, timeout, err := t.peer(to)
	if err != nil {
		return nil, err
	}

	conn, err := p.acquire(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	resp, err := roundTrip(ctx, conn, timeout, frameType, data)
	p.release(conn, err == nil)
	return resp, err
}

func roundTrip(ctx context.Context, conn net.Conn, timeout time.Duration, frameType uint8, data []byte) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	header := make([]byte, 5)
	header[0] = frameType
	binary.LittleEndian.PutUint32(header[1:5], uint32(len(data)))
	if _, err := conn.Write(append(header, data...)); err != nil {
		return nil, err
	}

	respHeader := make([]byte, 5)
	if _, err := io.ReadFull(conn, respHeader); err != nil {
		return nil, err
	}
	respLen := binary.LittleEndian.Uint32(respHeader[1:5])
	if respLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	resp := make([]byte, respLen)
	if respLen > 0 {
		if _, err := io.ReadFull(conn, resp); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Listen starts accepting connections.
func (t *TCPTransport) Listen(handler Handler) error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.addr)
	}
	t.mu.Lock()
	t.listener = ln
	t.handler = handler
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

func (t *TCPTransport) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		conn.Close()
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
	}()

	t.mu.RLock()
	handler, timeout := t.handler, t.timeout
	t.mu.RUnlock()

	header := make([]byte, 5)
	for {
		t.mu.RLock()
		closed := t.closed
		t.mu.RUnlock()
		if closed {
			return
		}

		// Idle connections are kept for a while; peers reconnect on demand.
		conn.SetReadDeadline(time.Now().Add(timeout * 12))
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		frameType := header[0]
		dataLen := binary.LittleEndian.Uint32(header[1:5])
		if dataLen > MaxFrameSize {
			return
		}

		data := make([]byte, dataLen)
		if dataLen > 0 {
			if _, err := io.ReadFull(conn, data); err != nil {
				return
			}
		}

		var resp []byte
		if handler != nil {
			resp = handler(frameType, data)
		}

		respHeader := make([]byte, 5)
		respHeader[0] = frameType
		binary.LittleEndian.PutUint32(respHeader[1:5], uint32(len(resp)))

		conn.SetWriteDeadline(time.Now().Add(timeout))
		if _, err := conn.Write(append(respHeader, resp...)); err != nil {
			return
		}
	}
}

// Disconnect closes the connection to a server, if any.
func (t *TCPTransport) Disconnect(id raft.ServerID) {
	t.mu.Lock()
	p, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()
	if ok {
		p.close()
	}
}

// Close shuts down the transport.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	peers := t.peers
	t.peers = make(map[raft.ServerID]*peerConns)
	for conn := range t.inbound {
		conn.Close()
	}
	t.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		p.close()
	}

	t.wg.Wait()
	return nil
}

var _ Transport = (*TCPTransport)(nil)
