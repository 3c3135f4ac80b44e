package rafttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// Node is one member of a test cluster.
type Node struct {
	ID          raft.ServerID
	Server      *raft.Server
	Persistence *MemoryPersistence
	SM          *HashStateMachine
	RPC         *RPC
}

// Cluster runs a set of servers on a Network and ticks them in the
// background.
type Cluster struct {
	t       testing.TB
	Network *Network
	Config  raft.ServerConfig
	tick    time.Duration

	mu    sync.Mutex
	nodes map[raft.ServerID]*Node
	order []raft.ServerID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithServerConfig changes the server configuration used for every node.
func WithServerConfig(fn func(*raft.ServerConfig)) Option {
	return func(c *Cluster) { fn(&c.Config) }
}

// WithTickInterval sets the wall-clock interval between ticks.
func WithTickInterval(d time.Duration) Option {
	return func(c *Cluster) { c.tick = d }
}

// NewCluster creates size servers bootstrapped with a configuration in
// which all of them vote. Nothing runs until Start.
func NewCluster(t testing.TB, size int, opts ...Option) *Cluster {
	t.Helper()
	c := &Cluster{
		t:       t,
		Network: NewNetwork(),
		Config:  raft.DefaultServerConfig(),
		tick:    10 * time.Millisecond,
		nodes:   make(map[raft.ServerID]*Node),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Config.TickInterval = c.tick

	members := raft.NewServerAddressSet()
	for i := 0; i < size; i++ {
		id := raft.NewServerID()
		members[id] = raft.ServerAddress{ID: id, CanVote: true}
		c.order = append(c.order, id)
	}
	for _, id := range c.order {
		p := NewMemoryPersistence()
		if err := raft.Bootstrap(context.Background(), p, raft.NewConfiguration(members)); err != nil {
			t.Fatalf("bootstrap %s: %v", id, err)
		}
		c.nodes[id] = c.newNode(id, p, NewHashStateMachine())
	}
	return c
}

func (c *Cluster) newNode(id raft.ServerID, p *MemoryPersistence, sm *HashStateMachine) *Node {
	c.t.Helper()
	rpc := c.Network.Connect(id)
	srv, err := raft.NewServer(id, c.Config, p, rpc, sm, c.Network.FailureDetector(id))
	if err != nil {
		c.t.Fatalf("create server %s: %v", id, err)
	}
	rpc.Serve(srv)
	return &Node{ID: id, Server: srv, Persistence: p, SM: sm, RPC: rpc}
}

// Start starts all servers and the ticker.
func (c *Cluster) Start() {
	c.t.Helper()
	for _, n := range c.Nodes() {
		if err := n.Server.Start(context.Background()); err != nil {
			c.t.Fatalf("start %s: %v", n.ID, err)
		}
	}
	c.wg.Add(1)
	go c.runTicker()
}

func (c *Cluster) runTicker() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			for _, n := range c.Nodes() {
				if !n.Server.Aborted() {
					n.Server.Tick()
				}
			}
		}
	}
}

// Stop aborts every server and shuts the network down.
func (c *Cluster) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	for _, n := range c.Nodes() {
		n.Server.Abort()
	}
	c.Network.Close()
}

// IDs returns the ids of all nodes in creation order.
func (c *Cluster) IDs() []raft.ServerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]raft.ServerID(nil), c.order...)
}

// Nodes returns all nodes in creation order.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.nodes[id])
	}
	return out
}

// Node returns the node with the given id.
func (c *Cluster) Node(id raft.ServerID) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// Leader returns a running node that believes it is the leader, or nil.
// Among several, the one with the highest term wins.
func (c *Cluster) Leader() *Node {
	var leader *Node
	for _, n := range c.Nodes() {
		if n.Server.Aborted() || !n.Server.IsLeader() {
			continue
		}
		if leader == nil || n.Server.GetCurrentTerm() > leader.Server.GetCurrentTerm() {
			leader = n
		}
	}
	return leader
}

// WaitForLeader waits until one of the given nodes, or any node when none
// are given, is the leader.
func (c *Cluster) WaitForLeader(timeout time.Duration, among ...raft.ServerID) *Node {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(among) == 0 {
			if l := c.Leader(); l != nil {
				return l
			}
		}
		for _, id := range among {
			if n := c.Node(id); n != nil && !n.Server.Aborted() && n.Server.IsLeader() {
				return n
			}
		}
		time.Sleep(c.tick)
	}
	return nil
}

// WaitFor polls cond until it holds or the timeout expires.
func (c *Cluster) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(c.tick)
	}
	return cond()
}

// AddNode creates and starts a server that is not a member of any
// configuration yet.
func (c *Cluster) AddNode() *Node {
	c.t.Helper()
	id := raft.NewServerID()
	n := c.newNode(id, NewMemoryPersistence(), NewHashStateMachine())
	if err := n.Server.Start(context.Background()); err != nil {
		c.t.Fatalf("start %s: %v", id, err)
	}
	c.mu.Lock()
	c.nodes[id] = n
	c.order = append(c.order, id)
	c.mu.Unlock()
	return n
}

// Restart aborts a node and starts a new server on its persisted state.
func (c *Cluster) Restart(id raft.ServerID) *Node {
	c.t.Helper()
	old := c.Node(id)
	old.Server.Abort()
	n := c.newNode(id, old.Persistence, old.SM.Reopen())
	if err := n.Server.Start(context.Background()); err != nil {
		c.t.Fatalf("restart %s: %v", id, err)
	}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	return n
}
