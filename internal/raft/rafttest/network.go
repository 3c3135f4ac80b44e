// Package rafttest provides in-process fakes of the collaborators of a
// raft.Server: a lossy network with partitions, in-memory persistence, a
// hashing state machine and a cluster harness built from them.
package rafttest

import (
	"context"
	"math/rand"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// ErrUnreachable is returned by synchronous calls to a server that is
// partitioned away or not serving.
var ErrUnreachable = errors.New("rafttest: server unreachable")

const linkQueueSize = 1024

type link struct {
	from, to raft.ServerID
}

type delivery struct {
	from raft.ServerID
	msg  raft.Message
}

// Network connects the RPCs of a set of servers. One-way messages are
// delivered asynchronously and in order per pair of servers.
type Network struct {
	mu       sync.Mutex
	servers  map[raft.ServerID]*RPC
	cut      map[link]bool
	queues   map[link]chan delivery
	rng      *rand.Rand
	dropRate float64
	dropFunc func(from, to raft.ServerID, m raft.Message) bool
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewNetwork creates a fully connected network.
func NewNetwork() *Network {
	return &Network{
		servers: make(map[raft.ServerID]*RPC),
		cut:     make(map[link]bool),
		queues:  make(map[link]chan delivery),
		rng:     rand.New(rand.NewSource(1)),
		stopCh:  make(chan struct{}),
	}
}

// Connect returns the RPC of server id. The server receives messages once
// Serve is called on the returned RPC.
func (n *Network) Connect(id raft.ServerID) *RPC {
	return &RPC{network: n, id: id}
}

// Cut drops all traffic from one server to another.
func (n *Network) Cut(from, to raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{from, to}] = true
}

// Partition cuts every link between the two sides.
func (n *Network) Partition(a, b []raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range a {
		for _, y := range b {
			n.cut[link{x, y}] = true
			n.cut[link{y, x}] = true
		}
	}
}

// Isolate cuts id off from every other server.
func (n *Network) Isolate(id raft.ServerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.servers {
		if other != id {
			n.cut[link{id, other}] = true
			n.cut[link{other, id}] = true
		}
	}
}

// Heal restores every link.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut = make(map[link]bool)
}

// SetDropRate makes the network lose a fraction of one-way messages.
func (n *Network) SetDropRate(rate float64, seed int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
	n.rng = rand.New(rand.NewSource(seed))
}

// SetDropFunc installs a filter; messages for which fn returns true are
// lost.
func (n *Network) SetDropFunc(fn func(from, to raft.ServerID, m raft.Message) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropFunc = fn
}

// Reachable reports whether messages from one server currently reach
// another.
func (n *Network) Reachable(from, to raft.ServerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reachableLocked(from, to)
}

func (n *Network) reachableLocked(from, to raft.ServerID) bool {
	if n.closed || n.cut[link{from, to}] {
		return false
	}
	r, ok := n.servers[to]
	return ok && r.server != nil
}

// FailureDetector returns a failure detector that sees the network from id.
func (n *Network) FailureDetector(id raft.ServerID) *FailureDetector {
	return &FailureDetector{network: n, id: id}
}

// Close stops message delivery.
func (n *Network) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.stopCh)
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Network) send(from, to raft.ServerID, m raft.Message) error {
	n.mu.Lock()
	if !n.reachableLocked(from, to) {
		n.mu.Unlock()
		return ErrUnreachable
	}
	if n.dropRate > 0 && n.rng.Float64() < n.dropRate {
		n.mu.Unlock()
		return nil
	}
	if n.dropFunc != nil && n.dropFunc(from, to, m) {
		n.mu.Unlock()
		return nil
	}
	l := link{from, to}
	q, ok := n.queues[l]
	if !ok {
		q = make(chan delivery, linkQueueSize)
		n.queues[l] = q
		n.wg.Add(1)
		go n.deliver(l, q)
	}
	n.mu.Unlock()

	select {
	case q <- delivery{from: from, msg: m}:
		return nil
	default:
		return errors.New("rafttest: link queue full")
	}
}

func (n *Network) deliver(l link, q chan delivery) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case d := <-q:
			// A partition that appeared while the message was queued
			// still loses it.
			srv := n.target(l.from, l.to)
			if srv != nil {
				srv.Handle(d.from, d.msg)
			}
		}
	}
}

func (n *Network) target(from, to raft.ServerID) raft.RPCServer {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.reachableLocked(from, to) {
		return nil
	}
	return n.servers[to].server
}

// RPC implements raft.RPC on a Network.
type RPC struct {
	network *Network
	id      raft.ServerID
	server  raft.RPCServer

	mu      sync.Mutex
	members map[raft.ServerID]raft.ServerAddress
}

// Serve registers srv as the receiver of messages addressed to the RPC's
// server, replacing an earlier registration.
func (r *RPC) Serve(srv raft.RPCServer) {
	n := r.network
	n.mu.Lock()
	defer n.mu.Unlock()
	r.server = srv
	n.servers[r.id] = r
}

// Members returns the servers announced through OnConfigurationChange.
func (r *RPC) Members() []raft.ServerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]raft.ServerID, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

func (r *RPC) target(to raft.ServerID) (raft.RPCServer, error) {
	srv := r.network.target(r.id, to)
	if srv == nil {
		return nil, ErrUnreachable
	}
	return srv, nil
}

func (r *RPC) SendVoteRequest(_ context.Context, to raft.ServerID, m raft.VoteRequest) error {
	return r.network.send(r.id, to, m)
}

func (r *RPC) SendVoteReply(_ context.Context, to raft.ServerID, m raft.VoteReply) error {
	return r.network.send(r.id, to, m)
}

func (r *RPC) SendAppendEntries(_ context.Context, to raft.ServerID, m raft.AppendRequest) error {
	return r.network.send(r.id, to, m)
}

func (r *RPC) SendAppendEntriesReply(_ context.Context, to raft.ServerID, m raft.AppendReply) error {
	return r.network.send(r.id, to, m)
}

func (r *RPC) SendTimeoutNow(_ context.Context, to raft.ServerID, m raft.TimeoutNow) error {
	return r.network.send(r.id, to, m)
}

func (r *RPC) SendReadQuorum(_ context.Context, to raft.ServerID, m raft.ReadQuorum) error {
	return r.network.send(r.id, to, m)
}

func (r *RPC) SendReadQuorumReply(_ context.Context, to raft.ServerID, m raft.ReadQuorumReply) error {
	return r.network.send(r.id, to, m)
}

func (r *RPC) SendInstallSnapshot(ctx context.Context, to raft.ServerID, m raft.InstallSnapshot) (raft.SnapshotReply, error) {
	srv, err := r.target(to)
	if err != nil {
		return raft.SnapshotReply{}, err
	}
	return srv.HandleInstallSnapshot(ctx, r.id, m)
}

func (r *RPC) ExecuteAddEntry(ctx context.Context, to raft.ServerID, command []byte) (raft.Term, raft.Index, error) {
	srv, err := r.target(to)
	if err != nil {
		return 0, 0, err
	}
	return srv.HandleAddEntry(ctx, r.id, command)
}

func (r *RPC) ExecuteModifyConfig(ctx context.Context, to raft.ServerID, add []raft.ServerAddress, del []raft.ServerID) error {
	srv, err := r.target(to)
	if err != nil {
		return err
	}
	return srv.HandleModifyConfig(ctx, r.id, add, del)
}

func (r *RPC) ExecuteReadBarrierOnLeader(ctx context.Context, to raft.ServerID) (raft.Index, error) {
	srv, err := r.target(to)
	if err != nil {
		return 0, err
	}
	return srv.HandleReadBarrier(ctx, r.id)
}

func (r *RPC) OnConfigurationChange(added []raft.ServerAddress, removed []raft.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members == nil {
		r.members = make(map[raft.ServerID]raft.ServerAddress)
	}
	for _, a := range added {
		r.members[a.ID] = a
	}
	for _, id := range removed {
		delete(r.members, id)
	}
}

// Close stops delivering messages to the RPC's server.
func (r *RPC) Close() error {
	n := r.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.servers[r.id]; ok && cur == r {
		delete(n.servers, r.id)
	}
	return nil
}

var _ raft.RPC = (*RPC)(nil)

// FailureDetector reports a server alive when the network delivers to it.
type FailureDetector struct {
	network *Network
	id      raft.ServerID
}

func (d *FailureDetector) IsAlive(id raft.ServerID) bool {
	return d.network.Reachable(d.id, id)
}

var _ raft.FailureDetector = (*FailureDetector)(nil)
