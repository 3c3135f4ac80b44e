package transport

import (
	"context"
	"sync"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// InMemoryNetwork connects InMemoryTransports in one process.
type InMemoryNetwork struct {
	transports map[raft.ServerID]*InMemoryTransport
	blocked    map[[2]raft.ServerID]bool
	mu         sync.RWMutex
}

// NewInMemoryNetwork creates a new in-memory network.
func NewInMemoryNetwork() *InMemoryNetwork {
	return &InMemoryNetwork{
		transports: make(map[raft.ServerID]*InMemoryTransport),
		blocked:    make(map[[2]raft.ServerID]bool),
	}
}

// NewTransport creates the transport of a node.
func (n *InMemoryNetwork) NewTransport(id raft.ServerID, addr string) *InMemoryTransport {
	t := &InMemoryTransport{
		id:      id,
		addr:    addr,
		network: n,
	}

	n.mu.Lock()
	n.transports[id] = t
	n.mu.Unlock()

	return t
}

// Block drops all frames between a and b.
func (n *InMemoryNetwork) Block(a, b raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[[2]raft.ServerID{a, b}] = true
	n.blocked[[2]raft.ServerID{b, a}] = true
}

// Heal removes all blocks.
func (n *InMemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[[2]raft.ServerID]bool)
}

// InMemoryTransport implements Transport for tests.
type InMemoryTransport struct {
	id      raft.ServerID
	addr    string
	network *InMemoryNetwork
	handler Handler
	closed  bool
	mu      sync.RWMutex
}

// Send delivers a frame synchronously to the peer's handler.
func (t *InMemoryTransport) Send(ctx context.Context, to raft.ServerID, frameType uint8, data []byte) ([]byte, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.network.mu.RLock()
	peer, ok := t.network.transports[to]
	blocked := t.network.blocked[[2]raft.ServerID{t.id, to}]
	t.network.mu.RUnlock()
	if !ok || blocked {
		return nil, ErrConnectFailed
	}

	peer.mu.RLock()
	handler := peer.handler
	closed = peer.closed
	peer.mu.RUnlock()
	if closed || handler == nil {
		return nil, ErrConnectFailed
	}

	// Handlers may keep the data, so give them their own copy.
	return handler(frameType, append([]byte(nil), data...)), nil
}

// Listen registers the handler.
func (t *InMemoryTransport) Listen(handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	return nil
}

// Close shuts down the transport.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.handler = nil
	return nil
}

// LocalAddr returns the local address.
func (t *InMemoryTransport) LocalAddr() string {
	return t.addr
}

var _ Transport = (*InMemoryTransport)(nil)
