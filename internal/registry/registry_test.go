package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
	"github.com/KilimcininKorOglu/metaraft/internal/raft/rafttest"
	"github.com/KilimcininKorOglu/metaraft/internal/transport"
)

const waitTimeout = 10 * time.Second

type testNode struct {
	id       raft.ServerID
	mux      *transport.Mux
	fd       *DirectFailureDetector
	registry *Registry
	sms      map[raft.GroupID]*rafttest.HashStateMachine
}

func newTestNode(t *testing.T, id raft.ServerID, tr transport.Transport, addrs *transport.AddressMap) *testNode {
	t.Helper()
	mux := transport.NewMux(id, tr, addrs, nil)
	require.NoError(t, mux.Start())
	fd := NewDirectFailureDetector(id, mux, FailureDetectorConfig{
		PingInterval: 20 * time.Millisecond,
		PingTimeout:  20 * time.Millisecond,
		DeadAfter:    time.Second,
	})
	mux.OnContact(fd.Contact)
	fd.Start()

	cfg := raft.DefaultServerConfig()
	cfg.TickInterval = 10 * time.Millisecond
	r := New(id, mux, fd, func(raft.GroupID) (raft.Persistence, error) {
		return rafttest.NewMemoryPersistence(), nil
	}, Options{Server: cfg})
	t.Cleanup(func() {
		r.Abort()
		fd.Stop()
		_ = mux.Close()
	})
	return &testNode{id: id, mux: mux, fd: fd, registry: r, sms: make(map[raft.GroupID]*rafttest.HashStateMachine)}
}

func newTestNodes(t *testing.T, n int) []*testNode {
	t.Helper()
	network := transport.NewInMemoryNetwork()
	nodes := make([]*testNode, 0, n)
	for i := 0; i < n; i++ {
		id := raft.NewServerID()
		nodes = append(nodes, newTestNode(t, id, network.NewTransport(id, fmt.Sprintf("node-%d", i)), nil))
	}
	return nodes
}

// newTCPNodes runs every node on its own TCP transport. Members find each
// other through the addresses in the group configuration.
func newTCPNodes(t *testing.T, n int) ([]*testNode, raft.Configuration) {
	t.Helper()
	nodes := make([]*testNode, 0, n)
	members := raft.NewServerAddressSet()
	for i := 0; i < n; i++ {
		id := raft.NewServerID()
		addrs := transport.NewAddressMap(0)
		tr := transport.NewTCPTransport("127.0.0.1:0", addrs)
		node := newTestNode(t, id, tr, addrs)
		members[id] = raft.ServerAddress{ID: id, CanVote: true, Info: []byte(tr.LocalAddr())}
		nodes = append(nodes, node)
	}
	return nodes, raft.NewConfiguration(members)
}

func votersOf(nodes []*testNode) raft.Configuration {
	members := raft.NewServerAddressSet()
	for _, n := range nodes {
		members[n.id] = raft.ServerAddress{ID: n.id, CanVote: true}
	}
	return raft.NewConfiguration(members)
}

func startGroup(t *testing.T, nodes []*testNode, gid raft.GroupID) {
	t.Helper()
	cfg := votersOf(nodes)
	for _, n := range nodes {
		sm := rafttest.NewHashStateMachine()
		n.sms[gid] = sm
		_, err := n.registry.StartGroup(context.Background(), GroupConfig{ID: gid, StateMachine: sm, Bootstrap: cfg})
		require.NoError(t, err)
	}
}

func waitForLeader(t *testing.T, nodes []*testNode, gid raft.GroupID) *raft.Server {
	t.Helper()
	var leader *raft.Server
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			srv, err := n.registry.Group(gid)
			if err == nil && srv.IsLeader() {
				leader = srv
				return true
			}
		}
		return false
	}, waitTimeout, 10*time.Millisecond)
	return leader
}

func TestRegistry_SingleNodeGroup(t *testing.T) {
	nodes := newTestNodes(t, 1)
	r := nodes[0].registry
	gid := raft.NewGroupID()
	startGroup(t, nodes, gid)

	srv := waitForLeader(t, nodes, gid)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, srv.AddEntry(ctx, []byte("x"), raft.WaitApplied))
	require.Equal(t, 1, nodes[0].sms[gid].Count())

	require.Equal(t, []raft.GroupID{gid}, r.Groups())
	require.NoError(t, r.StopGroup(gid))
	require.True(t, srv.Aborted())

	_, err := r.Group(gid)
	require.True(t, errors.Is(err, ErrGroupNotFound))
	require.True(t, errors.Is(r.StopGroup(gid), ErrGroupNotFound))
}

func TestRegistry_DuplicateGroup(t *testing.T) {
	nodes := newTestNodes(t, 1)
	gid := raft.NewGroupID()
	startGroup(t, nodes, gid)

	_, err := nodes[0].registry.StartGroup(context.Background(), GroupConfig{
		ID:           gid,
		StateMachine: rafttest.NewHashStateMachine(),
	})
	require.True(t, errors.Is(err, ErrGroupExists))
}

func TestRegistry_Group0(t *testing.T) {
	nodes := newTestNodes(t, 1)
	r := nodes[0].registry

	_, err := r.Group0()
	require.True(t, errors.Is(err, ErrNoGroup0))

	gid := raft.NewGroupID()
	started, err := r.StartGroup0(context.Background(), GroupConfig{
		ID:           gid,
		StateMachine: rafttest.NewHashStateMachine(),
		Bootstrap:    votersOf(nodes),
	})
	require.NoError(t, err)

	got, err := r.Group0()
	require.NoError(t, err)
	require.Same(t, started, got)

	require.NoError(t, r.StopGroup(gid))
	_, err = r.Group0()
	require.True(t, errors.Is(err, ErrNoGroup0))
}

func TestRegistry_InvalidServerConfig(t *testing.T) {
	nodes := newTestNodes(t, 1)
	bad := raft.DefaultServerConfig()
	bad.TickInterval = -1

	gid := raft.NewGroupID()
	_, err := nodes[0].registry.StartGroup(context.Background(), GroupConfig{
		ID:           gid,
		StateMachine: rafttest.NewHashStateMachine(),
		Bootstrap:    votersOf(nodes),
		Server:       &bad,
	})
	require.True(t, errors.Is(err, raft.ErrInvalidConfig))
	require.Empty(t, nodes[0].registry.Groups())
}

func TestRegistry_GroupsShareTransport(t *testing.T) {
	nodes := newTestNodes(t, 3)
	g1, g2 := raft.NewGroupID(), raft.NewGroupID()
	startGroup(t, nodes, g1)
	startGroup(t, nodes, g2)

	l1 := waitForLeader(t, nodes, g1)
	l2 := waitForLeader(t, nodes, g2)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, l1.AddEntry(ctx, []byte(fmt.Sprintf("g1-%d", i)), raft.WaitApplied))
	}
	require.NoError(t, l2.AddEntry(ctx, []byte("g2-0"), raft.WaitApplied))

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.sms[g1].Count() != 5 || n.sms[g2].Count() != 1 {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)

	want := nodes[0].sms[g1].Hash()
	for _, n := range nodes[1:] {
		require.Equal(t, want, n.sms[g1].Hash())
	}
	require.NotEqual(t, want, nodes[0].sms[g2].Hash())
}

func TestRegistry_Abort(t *testing.T) {
	nodes := newTestNodes(t, 1)
	r := nodes[0].registry
	g1, g2 := raft.NewGroupID(), raft.NewGroupID()
	startGroup(t, nodes, g1)
	startGroup(t, nodes, g2)

	s1, err := r.Group(g1)
	require.NoError(t, err)
	s2, err := r.Group(g2)
	require.NoError(t, err)

	r.Abort()
	require.True(t, s1.Aborted())
	require.True(t, s2.Aborted())
	require.Empty(t, r.Groups())

	_, err = r.StartGroup(context.Background(), GroupConfig{ID: raft.NewGroupID(), StateMachine: rafttest.NewHashStateMachine()})
	require.True(t, errors.Is(err, ErrStopped))

	r.Abort()
}

func TestRegistry_ForwardingOverTCP(t *testing.T) {
	nodes, cfg := newTCPNodes(t, 2)
	gid := raft.NewGroupID()
	for _, n := range nodes {
		sm := rafttest.NewHashStateMachine()
		n.sms[gid] = sm
		_, err := n.registry.StartGroup(context.Background(), GroupConfig{ID: gid, StateMachine: sm, Bootstrap: cfg})
		require.NoError(t, err)
	}
	leader := waitForLeader(t, nodes, gid)

	var follower *raft.Server
	for _, n := range nodes {
		srv, err := n.registry.Group(gid)
		require.NoError(t, err)
		if srv != leader {
			follower = srv
		}
	}

	// The leader needs the follower's replies while the forwarded call is
	// in flight, so each call must finish well before the transport timeout.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, follower.ReadBarrier(ctx), "read barrier %d", i)
		require.NoError(t, follower.AddEntry(ctx, []byte(fmt.Sprintf("tcp-%d", i)), raft.WaitApplied), "entry %d", i)
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	learner := raft.NewServerID()
	require.NoError(t, follower.ModifyConfig(ctx, []raft.ServerAddress{{ID: learner, Info: []byte("127.0.0.1:1")}}, nil))
	require.Eventually(t, func() bool {
		return leader.GetConfiguration().Contains(learner)
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return nodes[0].sms[gid].Count() == 5 && nodes[1].sms[gid].Count() == 5
	}, waitTimeout, 10*time.Millisecond)
}

func TestRegistry_ForgetsAbortedGroup(t *testing.T) {
	nodes := newTestNodes(t, 2)
	r := nodes[0].registry
	gid := raft.NewGroupID()
	sm := rafttest.NewHashStateMachine()
	srv, err := r.StartGroup(context.Background(), GroupConfig{ID: gid, StateMachine: sm, Bootstrap: votersOf(nodes[:1])})
	require.NoError(t, err)
	srv = waitForLeader(t, nodes[:1], gid)

	sm.FailApply(errors.New("disk full"))
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = srv.AddEntry(ctx, []byte("x"), raft.WaitApplied)

	require.Eventually(t, func() bool {
		return srv.Aborted() && len(r.Groups()) == 0
	}, waitTimeout, 10*time.Millisecond)
	_, err = r.Group(gid)
	require.True(t, errors.Is(err, ErrGroupNotFound))

	// The mux no longer routes frames of the group.
	_, err = nodes[1].mux.Group(gid).ExecuteReadBarrierOnLeader(ctx, nodes[0].id)
	require.True(t, errors.Is(err, transport.ErrUnknownGroup), "got %v", err)

	// The id can be reused.
	_, err = r.StartGroup(context.Background(), GroupConfig{ID: gid, StateMachine: rafttest.NewHashStateMachine(), Bootstrap: votersOf(nodes[:1])})
	require.NoError(t, err)
}
