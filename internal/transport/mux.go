package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

const (
	defaultRequestTimeout  = 5 * time.Second
	defaultSnapshotTimeout = time.Minute
	outboxSize             = 256
)

// Mux shares one Transport between the Raft groups of a node. It routes
// incoming frames to the registered group servers and queues outgoing
// one-way messages per destination.
type Mux struct {
	id        raft.ServerID
	transport Transport
	addrs     *AddressMap
	logger    logging.Logger

	requestTimeout  time.Duration
	snapshotTimeout time.Duration

	mu        sync.RWMutex
	groups    map[raft.GroupID]raft.RPCServer
	outboxes  map[raft.ServerID]*outbox
	onContact func(raft.ServerID)
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMux creates a mux for the node id. addrs may be nil when the
// transport does not resolve addresses.
func NewMux(id raft.ServerID, t Transport, addrs *AddressMap, logger logging.Logger) *Mux {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Mux{
		id:              id,
		transport:       t,
		addrs:           addrs,
		logger:          logger,
		requestTimeout:  defaultRequestTimeout,
		snapshotTimeout: defaultSnapshotTimeout,
		groups:          make(map[raft.GroupID]raft.RPCServer),
		outboxes:        make(map[raft.ServerID]*outbox),
		stopCh:          make(chan struct{}),
	}
}

// Start starts serving incoming frames.
func (m *Mux) Start() error {
	return m.transport.Listen(m.handle)
}

// ID returns the id of the local node.
func (m *Mux) ID() raft.ServerID {
	return m.id
}

// Addresses returns the address map, or nil.
func (m *Mux) Addresses() *AddressMap {
	return m.addrs
}

// Register routes frames of group to srv.
func (m *Mux) Register(group raft.GroupID, srv raft.RPCServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group] = srv
}

// Unregister stops routing frames of group.
func (m *Mux) Unregister(group raft.GroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, group)
}

// OnContact sets a callback invoked for every frame received from a node.
func (m *Mux) OnContact(fn func(raft.ServerID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onContact = fn
}

// Ping checks that node to answers.
func (m *Mux) Ping(ctx context.Context, to raft.ServerID) error {
	_, err := m.call(ctx, FramePing, raft.GroupID{}, to, nil)
	return err
}

// Group returns the raft.RPC of one group.
func (m *Mux) Group(group raft.GroupID) *GroupRPC {
	return &GroupRPC{mux: m, group: group, members: make(map[raft.ServerID]string)}
}

// Close stops the outboxes and the transport.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	return m.transport.Close()
}

func (m *Mux) envelope(group raft.GroupID, to raft.ServerID, body []byte) []byte {
	e := envelope{group: group, from: m.id, to: to, fromAddr: m.transport.LocalAddr(), body: body}
	return e.encode()
}

// call sends a request frame and decodes the response status.
func (m *Mux) call(ctx context.Context, frameType uint8, group raft.GroupID, to raft.ServerID, body []byte) ([]byte, error) {
	resp, err := m.transport.Send(ctx, to, frameType, m.envelope(group, to, body))
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

// enqueue sends a one-way frame without waiting. Frames are dropped when
// the destination's queue is full.
func (m *Mux) enqueue(group raft.GroupID, to raft.ServerID, body []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrTransportClosed
	}
	o, ok := m.outboxes[to]
	if !ok {
		o = &outbox{to: to, frames: make(chan []byte, outboxSize)}
		m.outboxes[to] = o
		m.wg.Add(1)
		go m.drain(o)
	}
	m.mu.Unlock()

	select {
	case o.frames <- m.envelope(group, to, body):
		return nil
	default:
		return ErrQueueFull
	}
}

type outbox struct {
	to     raft.ServerID
	frames chan []byte
}

func (m *Mux) drain(o *outbox) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case frame := <-o.frames:
			ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
			resp, err := m.transport.Send(ctx, o.to, FrameMessage, frame)
			cancel()
			if err == nil {
				_, err = decodeResponse(resp)
			}
			if err != nil {
				m.logger.Debug("failed to deliver raft message", "to", o.to, "error", err)
			}
		}
	}
}

func (m *Mux) handle(frameType uint8, data []byte) []byte {
	env, err := decodeEnvelope(data)
	if err != nil {
		return errorResponse(err)
	}
	if m.addrs != nil && env.from != m.id {
		m.addrs.SetExpiring(env.from, env.fromAddr)
	}

	m.mu.RLock()
	srv := m.groups[env.group]
	onContact := m.onContact
	m.mu.RUnlock()
	if onContact != nil {
		onContact(env.from)
	}
	if frameType == FramePing {
		return okResponse(nil)
	}
	if srv == nil {
		return errorResponse(errors.Wrapf(ErrUnknownGroup, "group %s", env.group))
	}

	timeout := m.requestTimeout
	if frameType == FrameInstallSnapshot || frameType == FrameModifyConfig {
		timeout = m.snapshotTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch frameType {
	case FrameMessage:
		if len(env.body) == 0 {
			return errorResponse(ErrMalformedFrame)
		}
		msg, err := raft.DecodeMessage(env.body[0], env.body[1:])
		if err != nil {
			return errorResponse(err)
		}
		srv.Handle(env.from, msg)
		return okResponse(nil)

	case FrameInstallSnapshot:
		msg, err := raft.DecodeMessage(raft.MsgInstallSnapshot, env.body)
		if err != nil {
			return errorResponse(err)
		}
		reply, err := srv.HandleInstallSnapshot(ctx, env.from, msg.(raft.InstallSnapshot))
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(raft.EncodeMessage(reply))

	case FrameAddEntry:
		term, idx, err := srv.HandleAddEntry(ctx, env.from, env.body)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(encodeTermIndex(term, idx))

	case FrameModifyConfig:
		add, del, err := decodeModifyConfig(env.body)
		if err != nil {
			return errorResponse(err)
		}
		if err := srv.HandleModifyConfig(ctx, env.from, add, del); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)

	case FrameReadBarrier:
		idx, err := srv.HandleReadBarrier(ctx, env.from)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(encodeIndex(idx))

	default:
		return errorResponse(errors.Wrapf(ErrMalformedFrame, "unknown frame type %d", frameType))
	}
}
