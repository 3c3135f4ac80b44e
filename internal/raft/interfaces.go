package raft

import "context"

// Logger is the logging interface used by the raft package.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// nopLogger discards everything.
type nopLogger struct{}

func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}

// FailureDetector tells whether a server is believed to be alive.
type FailureDetector interface {
	IsAlive(id ServerID) bool
}

// Persistence stores the durable part of the Raft state.
type Persistence interface {
	// StoreTermAndVote persists the current term and vote.
	StoreTermAndVote(ctx context.Context, term Term, vote ServerID) error
	// LoadTermAndVote returns the persisted term and vote.
	LoadTermAndVote(ctx context.Context) (Term, ServerID, error)
	// StoreLogEntries appends entries to the persisted log. Existing
	// entries with the same indexes are overwritten.
	StoreLogEntries(ctx context.Context, entries []*LogEntry) error
	// LoadLog returns all persisted entries in index order.
	LoadLog(ctx context.Context) ([]*LogEntry, error)
	// TruncateLog removes persisted entries with index >= idx.
	TruncateLog(ctx context.Context, idx Index) error
	// StoreSnapshotDescriptor persists a snapshot descriptor and removes
	// persisted entries covered by it, keeping preserveLogEntries entries
	// before the snapshot index.
	StoreSnapshotDescriptor(ctx context.Context, snp SnapshotDescriptor, preserveLogEntries int) error
	// LoadSnapshotDescriptor returns the persisted snapshot descriptor, or
	// a zero descriptor.
	LoadSnapshotDescriptor(ctx context.Context) (SnapshotDescriptor, error)
	// Close releases resources.
	Close() error
}

// RPC sends Raft messages to other servers of the group. Sends are best
// effort: errors mean the message may have been lost.
type RPC interface {
	SendVoteRequest(ctx context.Context, to ServerID, m VoteRequest) error
	SendVoteReply(ctx context.Context, to ServerID, m VoteReply) error
	SendAppendEntries(ctx context.Context, to ServerID, m AppendRequest) error
	SendAppendEntriesReply(ctx context.Context, to ServerID, m AppendReply) error
	// SendInstallSnapshot transfers a snapshot and waits for the reply.
	SendInstallSnapshot(ctx context.Context, to ServerID, m InstallSnapshot) (SnapshotReply, error)
	SendTimeoutNow(ctx context.Context, to ServerID, m TimeoutNow) error
	SendReadQuorum(ctx context.Context, to ServerID, m ReadQuorum) error
	SendReadQuorumReply(ctx context.Context, to ServerID, m ReadQuorumReply) error

	// ExecuteAddEntry asks the leader to append a command and returns the
	// term and index it got.
	ExecuteAddEntry(ctx context.Context, to ServerID, command []byte) (Term, Index, error)
	// ExecuteModifyConfig asks the leader to change the configuration.
	ExecuteModifyConfig(ctx context.Context, to ServerID, add []ServerAddress, del []ServerID) error
	// ExecuteReadBarrierOnLeader asks the leader for a read index.
	ExecuteReadBarrierOnLeader(ctx context.Context, to ServerID) (Index, error)

	// OnConfigurationChange tells the transport which servers joined or
	// left the group.
	OnConfigurationChange(added []ServerAddress, removed []ServerID)

	Close() error
}

// RPCServer receives messages delivered by a transport. It is implemented
// by Server.
type RPCServer interface {
	Handle(from ServerID, m Message)
	HandleInstallSnapshot(ctx context.Context, from ServerID, m InstallSnapshot) (SnapshotReply, error)
	HandleAddEntry(ctx context.Context, from ServerID, command []byte) (Term, Index, error)
	HandleModifyConfig(ctx context.Context, from ServerID, add []ServerAddress, del []ServerID) error
	HandleReadBarrier(ctx context.Context, from ServerID) (Index, error)
}

// StateMachine is the replicated application state.
type StateMachine interface {
	// Apply applies committed commands in log order.
	Apply(ctx context.Context, commands [][]byte) error
	// TakeSnapshot captures the state including all applied commands.
	TakeSnapshot(ctx context.Context) (SnapshotID, error)
	// LoadSnapshot replaces the state with a snapshot.
	LoadSnapshot(ctx context.Context, id SnapshotID) error
	// DropSnapshot releases a snapshot that is no longer needed.
	DropSnapshot(id SnapshotID)
	// Abort is called when the server stops.
	Abort()
}

// SnapshotTransfer is implemented by state machines whose snapshots are
// shipped inside InstallSnapshot messages.
type SnapshotTransfer interface {
	ExportSnapshot(ctx context.Context, id SnapshotID) ([]byte, error)
	ImportSnapshot(ctx context.Context, id SnapshotID, data []byte) error
}
