package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// recordingServer is a raft.RPCServer that records what it receives.
type recordingServer struct {
	mu       sync.Mutex
	messages []raft.Message
	from     []raft.ServerID
	received chan struct{}

	addEntryErr error
	readIdx     raft.Index
	added       []raft.ServerAddress
	removed     []raft.ServerID
}

func newRecordingServer() *recordingServer {
	return &recordingServer{received: make(chan struct{}, 100)}
}

func (s *recordingServer) Handle(from raft.ServerID, m raft.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.from = append(s.from, from)
	s.mu.Unlock()
	s.received <- struct{}{}
}

func (s *recordingServer) HandleInstallSnapshot(_ context.Context, _ raft.ServerID, m raft.InstallSnapshot) (raft.SnapshotReply, error) {
	return raft.SnapshotReply{CurrentTerm: m.CurrentTerm, Success: len(m.Data) > 0}, nil
}

func (s *recordingServer) HandleAddEntry(_ context.Context, _ raft.ServerID, command []byte) (raft.Term, raft.Index, error) {
	if s.addEntryErr != nil {
		return 0, 0, s.addEntryErr
	}
	return 3, raft.Index(len(command)), nil
}

func (s *recordingServer) HandleModifyConfig(_ context.Context, _ raft.ServerID, add []raft.ServerAddress, del []raft.ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added, s.removed = add, del
	return nil
}

func (s *recordingServer) HandleReadBarrier(context.Context, raft.ServerID) (raft.Index, error) {
	return s.readIdx, nil
}

func (s *recordingServer) waitMessage(t *testing.T) raft.Message {
	t.Helper()
	select {
	case <-s.received:
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[len(s.messages)-1]
}

func TestTCPTransport_RoundTrip(t *testing.T) {
	serverID := raft.NewServerID()
	server := NewTCPTransport("127.0.0.1:0", NewAddressMap(0))
	require.NoError(t, server.Listen(func(frameType uint8, data []byte) []byte {
		return append([]byte{frameType}, data...)
	}))
	defer server.Close()

	addrs := NewAddressMap(0)
	addrs.SetPermanent(serverID, server.LocalAddr())
	client := NewTCPTransport("127.0.0.1:0", addrs)
	defer client.Close()

	for i := 0; i < 3; i++ {
		resp, err := client.Send(context.Background(), serverID, FramePing, []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, append([]byte{FramePing}, "hello"...), resp)
	}
}

func TestTCPTransport_SlowCallDoesNotBlockOthers(t *testing.T) {
	serverID := raft.NewServerID()
	release := make(chan struct{})
	server := NewTCPTransport("127.0.0.1:0", NewAddressMap(0))
	require.NoError(t, server.Listen(func(frameType uint8, data []byte) []byte {
		if frameType == FrameReadBarrier {
			<-release
		}
		return data
	}))
	defer server.Close()
	defer close(release)

	addrs := NewAddressMap(0)
	addrs.SetPermanent(serverID, server.LocalAddr())
	client := NewTCPTransport("127.0.0.1:0", addrs)
	defer client.Close()

	slow := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), serverID, FrameReadBarrier, []byte("slow"))
		slow <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		resp, err := client.Send(ctx, serverID, FrameMessage, []byte("fast"))
		require.NoError(t, err)
		require.Equal(t, []byte("fast"), resp)
	}
	select {
	case err := <-slow:
		t.Fatalf("slow call returned early: %v", err)
	default:
	}

	release <- struct{}{}
	require.NoError(t, <-slow)
}

func TestTCPTransport_UnknownAddress(t *testing.T) {
	client := NewTCPTransport("127.0.0.1:0", NewAddressMap(0))
	defer client.Close()

	_, err := client.Send(context.Background(), raft.NewServerID(), FramePing, nil)
	require.True(t, errors.Is(err, ErrUnknownAddress))
}

func TestTCPTransport_SendAfterClose(t *testing.T) {
	id := raft.NewServerID()
	addrs := NewAddressMap(0)
	addrs.SetPermanent(id, "127.0.0.1:1")
	client := NewTCPTransport("127.0.0.1:0", addrs)
	require.NoError(t, client.Close())

	_, err := client.Send(context.Background(), id, FramePing, nil)
	require.True(t, errors.Is(err, ErrTransportClosed))
}

func TestTCPTransport_FrameTooLarge(t *testing.T) {
	client := NewTCPTransport("127.0.0.1:0", NewAddressMap(0))
	defer client.Close()

	_, err := client.Send(context.Background(), raft.NewServerID(), FramePing, make([]byte, MaxFrameSize+1))
	require.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestInMemoryNetwork_Block(t *testing.T) {
	network := NewInMemoryNetwork()
	a, b := raft.NewServerID(), raft.NewServerID()
	ta := network.NewTransport(a, "a")
	tb := network.NewTransport(b, "b")
	require.NoError(t, tb.Listen(func(uint8, []byte) []byte { return []byte("ok") }))

	resp, err := ta.Send(context.Background(), b, FramePing, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp)

	network.Block(a, b)
	_, err = ta.Send(context.Background(), b, FramePing, nil)
	require.True(t, errors.Is(err, ErrConnectFailed))

	network.Heal()
	_, err = ta.Send(context.Background(), b, FramePing, nil)
	require.NoError(t, err)
}

func TestResponse_Errors(t *testing.T) {
	leader := raft.NewServerID()

	_, err := decodeResponse(errorResponse(&raft.NotLeaderError{Leader: leader}))
	var nle *raft.NotLeaderError
	require.True(t, errors.As(err, &nle))
	require.Equal(t, leader, nle.Leader)
	require.True(t, errors.Is(err, raft.ErrNotLeader))

	_, err = decodeResponse(errorResponse(errors.Wrap(raft.ErrCommitStatusUnknown, "wait")))
	require.True(t, errors.Is(err, raft.ErrCommitStatusUnknown))

	_, err = decodeResponse(errorResponse(errors.New("disk on fire")))
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	require.Equal(t, "disk on fire", re.Message)

	payload, err := decodeResponse(okResponse([]byte{1, 2}))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, payload)

	_, err = decodeResponse(nil)
	require.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestEnvelope_Truncated(t *testing.T) {
	e := envelope{group: raft.NewGroupID(), from: raft.NewServerID(), to: raft.NewServerID(), fromAddr: "10.0.0.1:7000", body: []byte("x")}
	data := e.encode()

	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, e, decoded)

	_, err = decodeEnvelope(data[:40])
	require.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestModifyConfigBody(t *testing.T) {
	add := []raft.ServerAddress{{ID: raft.NewServerID(), CanVote: true, Info: []byte("h:1")}}
	del := []raft.ServerID{raft.NewServerID(), raft.NewServerID()}

	gotAdd, gotDel, err := decodeModifyConfig(encodeModifyConfig(add, del))
	require.NoError(t, err)
	require.Equal(t, add, gotAdd)
	require.Equal(t, del, gotDel)

	_, _, err = decodeModifyConfig([]byte{9, 0, 0, 0})
	require.Error(t, err)
}

// muxPair wires two muxes over an in-memory network.
func muxPair(t *testing.T) (*Mux, *Mux, *InMemoryNetwork) {
	t.Helper()
	network := NewInMemoryNetwork()
	a, b := raft.NewServerID(), raft.NewServerID()
	ma := NewMux(a, network.NewTransport(a, "a:1"), NewAddressMap(0), nil)
	mb := NewMux(b, network.NewTransport(b, "b:1"), NewAddressMap(0), nil)
	require.NoError(t, ma.Start())
	require.NoError(t, mb.Start())
	t.Cleanup(func() {
		ma.Close()
		mb.Close()
	})
	return ma, mb, network
}

func TestMux_OneWayMessage(t *testing.T) {
	ma, mb, _ := muxPair(t)
	group := raft.NewGroupID()
	srv := newRecordingServer()
	mb.Register(group, srv)

	rpc := ma.Group(group)
	entry := &raft.LogEntry{Term: 2, Index: 5, Kind: raft.EntryCommand, Command: []byte("set x")}
	req := raft.AppendRequest{CurrentTerm: 2, PrevLogIdx: 4, PrevLogTerm: 1, LeaderCommitIdx: 3, Entries: []*raft.LogEntry{entry}}
	require.NoError(t, rpc.SendAppendEntries(context.Background(), mb.ID(), req))

	got := srv.waitMessage(t)
	require.Equal(t, req, got)

	srv.mu.Lock()
	require.Equal(t, ma.ID(), srv.from[0])
	srv.mu.Unlock()

	// The receiver learned the sender's address from the envelope.
	addr, ok := mb.Addresses().Find(ma.ID())
	require.True(t, ok)
	require.Equal(t, "a:1", addr)
}

func TestMux_Forwarding(t *testing.T) {
	ma, mb, _ := muxPair(t)
	group := raft.NewGroupID()
	srv := newRecordingServer()
	srv.readIdx = 42
	mb.Register(group, srv)
	rpc := ma.Group(group)
	ctx := context.Background()

	term, idx, err := rpc.ExecuteAddEntry(ctx, mb.ID(), []byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, raft.Term(3), term)
	require.Equal(t, raft.Index(4), idx)

	readIdx, err := rpc.ExecuteReadBarrierOnLeader(ctx, mb.ID())
	require.NoError(t, err)
	require.Equal(t, raft.Index(42), readIdx)

	add := []raft.ServerAddress{{ID: raft.NewServerID(), CanVote: true}}
	del := []raft.ServerID{raft.NewServerID()}
	require.NoError(t, rpc.ExecuteModifyConfig(ctx, mb.ID(), add, del))
	srv.mu.Lock()
	require.Equal(t, add, srv.added)
	require.Equal(t, del, srv.removed)
	srv.mu.Unlock()

	reply, err := rpc.SendInstallSnapshot(ctx, mb.ID(), raft.InstallSnapshot{CurrentTerm: 7, Data: []byte("state")})
	require.NoError(t, err)
	require.Equal(t, raft.SnapshotReply{CurrentTerm: 7, Success: true}, reply)

	leader := raft.NewServerID()
	srv.addEntryErr = &raft.NotLeaderError{Leader: leader}
	_, _, err = rpc.ExecuteAddEntry(ctx, mb.ID(), []byte("x"))
	var nle *raft.NotLeaderError
	require.True(t, errors.As(err, &nle))
	require.Equal(t, leader, nle.Leader)
}

func TestMux_UnknownGroup(t *testing.T) {
	ma, mb, _ := muxPair(t)

	_, err := ma.Group(raft.NewGroupID()).ExecuteReadBarrierOnLeader(context.Background(), mb.ID())
	require.True(t, errors.Is(err, ErrUnknownGroup))

	require.NoError(t, ma.Ping(context.Background(), mb.ID()))
}

func TestMux_OnContact(t *testing.T) {
	ma, mb, network := muxPair(t)
	contacts := make(chan raft.ServerID, 1)
	mb.OnContact(func(id raft.ServerID) { contacts <- id })

	require.NoError(t, ma.Ping(context.Background(), mb.ID()))
	require.Equal(t, ma.ID(), <-contacts)

	network.Block(ma.ID(), mb.ID())
	require.Error(t, ma.Ping(context.Background(), mb.ID()))
}

func TestGroupRPC_ConfigurationPinsAddresses(t *testing.T) {
	ma, _, _ := muxPair(t)
	rpc := ma.Group(raft.NewGroupID())
	peer := raft.NewServerID()

	rpc.OnConfigurationChange([]raft.ServerAddress{
		{ID: ma.ID(), CanVote: true, Info: []byte("a:1")},
		{ID: peer, CanVote: true, Info: []byte("p:1")},
	}, nil)
	addr, ok := ma.Addresses().Find(peer)
	require.True(t, ok)
	require.Equal(t, "p:1", addr)

	// A member that moved is re-pinned at its new address.
	rpc.OnConfigurationChange([]raft.ServerAddress{{ID: peer, CanVote: true, Info: []byte("p:2")}}, nil)
	addr, ok = ma.Addresses().Find(peer)
	require.True(t, ok)
	require.Equal(t, "p:2", addr)

	// Released addresses expire instead of disappearing at once.
	rpc.OnConfigurationChange(nil, []raft.ServerID{peer})
	_, ok = ma.Addresses().Find(peer)
	require.True(t, ok)
	ma.Addresses().now = func() time.Time { return time.Now().Add(2 * DefaultAddressTTL) }
	require.Equal(t, 1, ma.Addresses().Sweep())
	_, ok = ma.Addresses().Find(peer)
	require.False(t, ok)

	require.NoError(t, rpc.Close())
}
