package transport

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// GroupRPC implements raft.RPC for one group over a Mux.
type GroupRPC struct {
	mux   *Mux
	group raft.GroupID

	mu      sync.Mutex
	members map[raft.ServerID]string
	closed  bool
}

func (r *GroupRPC) send(to raft.ServerID, m raft.Message) error {
	body := append([]byte{raft.MessageType(m)}, raft.EncodeMessage(m)...)
	return r.mux.enqueue(r.group, to, body)
}

// SendVoteRequest sends a vote request.
func (r *GroupRPC) SendVoteRequest(_ context.Context, to raft.ServerID, m raft.VoteRequest) error {
	return r.send(to, m)
}

// SendVoteReply sends a vote reply.
func (r *GroupRPC) SendVoteReply(_ context.Context, to raft.ServerID, m raft.VoteReply) error {
	return r.send(to, m)
}

// SendAppendEntries sends an append request.
func (r *GroupRPC) SendAppendEntries(_ context.Context, to raft.ServerID, m raft.AppendRequest) error {
	return r.send(to, m)
}

// SendAppendEntriesReply sends an append reply.
func (r *GroupRPC) SendAppendEntriesReply(_ context.Context, to raft.ServerID, m raft.AppendReply) error {
	return r.send(to, m)
}

// SendTimeoutNow sends a timeout-now request.
func (r *GroupRPC) SendTimeoutNow(_ context.Context, to raft.ServerID, m raft.TimeoutNow) error {
	return r.send(to, m)
}

// SendReadQuorum sends a read quorum request.
func (r *GroupRPC) SendReadQuorum(_ context.Context, to raft.ServerID, m raft.ReadQuorum) error {
	return r.send(to, m)
}

// SendReadQuorumReply sends a read quorum reply.
func (r *GroupRPC) SendReadQuorumReply(_ context.Context, to raft.ServerID, m raft.ReadQuorumReply) error {
	return r.send(to, m)
}

// SendInstallSnapshot transfers a snapshot and waits for the reply.
func (r *GroupRPC) SendInstallSnapshot(ctx context.Context, to raft.ServerID, m raft.InstallSnapshot) (raft.SnapshotReply, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mux.snapshotTimeout)
	defer cancel()
	resp, err := r.mux.call(ctx, FrameInstallSnapshot, r.group, to, raft.EncodeMessage(m))
	if err != nil {
		return raft.SnapshotReply{}, err
	}
	msg, err := raft.DecodeMessage(raft.MsgSnapshotReply, resp)
	if err != nil {
		return raft.SnapshotReply{}, err
	}
	return msg.(raft.SnapshotReply), nil
}

// ExecuteAddEntry forwards a command to the leader.
func (r *GroupRPC) ExecuteAddEntry(ctx context.Context, to raft.ServerID, command []byte) (raft.Term, raft.Index, error) {
	resp, err := r.mux.call(ctx, FrameAddEntry, r.group, to, command)
	if err != nil {
		return 0, 0, errors.Wrap(err, "forward add entry")
	}
	return decodeTermIndex(resp)
}

// ExecuteModifyConfig forwards a configuration change to the leader.
func (r *GroupRPC) ExecuteModifyConfig(ctx context.Context, to raft.ServerID, add []raft.ServerAddress, del []raft.ServerID) error {
	_, err := r.mux.call(ctx, FrameModifyConfig, r.group, to, encodeModifyConfig(add, del))
	return errors.Wrap(err, "forward modify config")
}

// ExecuteReadBarrierOnLeader asks the leader for a read index.
func (r *GroupRPC) ExecuteReadBarrierOnLeader(ctx context.Context, to raft.ServerID) (raft.Index, error) {
	resp, err := r.mux.call(ctx, FrameReadBarrier, r.group, to, nil)
	if err != nil {
		return 0, errors.Wrap(err, "forward read barrier")
	}
	return decodeIndex(resp)
}

// OnConfigurationChange pins the addresses of group members. The address
// of a server is its ServerAddress.Info.
func (r *GroupRPC) OnConfigurationChange(added []raft.ServerAddress, removed []raft.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, a := range added {
		if a.ID == r.mux.id {
			continue
		}
		addr := string(a.Info)
		prev, ok := r.members[a.ID]
		if ok && prev == addr {
			continue
		}
		r.members[a.ID] = addr
		if r.mux.addrs == nil {
			continue
		}
		if ok {
			// The member moved. Swap the pin instead of adding a reference.
			r.mux.addrs.Release(a.ID)
		}
		r.mux.addrs.SetPermanent(a.ID, addr)
	}
	for _, id := range removed {
		if _, ok := r.members[id]; !ok {
			continue
		}
		delete(r.members, id)
		if r.mux.addrs != nil {
			r.mux.addrs.Release(id)
		}
	}
}

// Close releases the addresses pinned by the group.
func (r *GroupRPC) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id := range r.members {
		if r.mux.addrs != nil {
			r.mux.addrs.Release(id)
		}
	}
	r.members = nil
	return nil
}

var _ raft.RPC = (*GroupRPC)(nil)
