package raft

import "fmt"

// Message is one of the Raft protocol messages exchanged between servers.
// The set is closed: VoteRequest, VoteReply, AppendRequest, AppendReply,
// InstallSnapshot, SnapshotReply, TimeoutNow, ReadQuorum and
// ReadQuorumReply.
type Message interface {
	// Term returns the sender's current term.
	Term() Term
	isMessage()
}

// VoteRequest is sent by candidates (and pre-candidates) to gather votes.
type VoteRequest struct {
	CurrentTerm Term
	LastLogIdx  Index
	LastLogTerm Term
	IsPrevote   bool
	// Force bypasses the stable leader check during leadership transfer.
	Force bool
}

// VoteReply answers a VoteRequest.
type VoteReply struct {
	CurrentTerm Term
	VoteGranted bool
	IsPrevote   bool
}

// AppendRequest replicates log entries. An empty request is a heartbeat.
type AppendRequest struct {
	CurrentTerm     Term
	PrevLogIdx      Index
	PrevLogTerm     Term
	LeaderCommitIdx Index
	Entries         []*LogEntry
}

// AppendResult is either AppendAccepted or AppendRejected.
type AppendResult interface {
	isAppendResult()
}

// AppendAccepted reports the last index the follower appended.
type AppendAccepted struct {
	LastNewIdx Index
}

// AppendRejected reports a log mismatch at NonMatchingIdx together with the
// follower's last index, so the leader can skip back in one step.
type AppendRejected struct {
	NonMatchingIdx Index
	LastIdx        Index
}

func (AppendAccepted) isAppendResult() {}
func (AppendRejected) isAppendResult() {}

// AppendReply answers an AppendRequest.
type AppendReply struct {
	CurrentTerm Term
	CommitIdx   Index
	Result      AppendResult
}

// InstallSnapshot transfers a snapshot to a follower that is too far behind.
// Data optionally carries the application snapshot payload.
type InstallSnapshot struct {
	CurrentTerm Term
	Snapshot    SnapshotDescriptor
	Data        []byte
}

// SnapshotReply answers an InstallSnapshot.
type SnapshotReply struct {
	CurrentTerm Term
	Success     bool
}

// TimeoutNow makes the receiver start an election immediately.
type TimeoutNow struct {
	CurrentTerm Term
}

// ReadQuorum asks followers to confirm the sender's leadership for the read
// barrier identified by ID.
type ReadQuorum struct {
	CurrentTerm     Term
	LeaderCommitIdx Index
	ID              ReadID
}

// ReadQuorumReply confirms a ReadQuorum.
type ReadQuorumReply struct {
	CurrentTerm Term
	CommitIdx   Index
	ID          ReadID
}

func (m VoteRequest) Term() Term     { return m.CurrentTerm }
func (m VoteReply) Term() Term       { return m.CurrentTerm }
func (m AppendRequest) Term() Term   { return m.CurrentTerm }
func (m AppendReply) Term() Term     { return m.CurrentTerm }
func (m InstallSnapshot) Term() Term { return m.CurrentTerm }
func (m SnapshotReply) Term() Term   { return m.CurrentTerm }
func (m TimeoutNow) Term() Term      { return m.CurrentTerm }
func (m ReadQuorum) Term() Term      { return m.CurrentTerm }
func (m ReadQuorumReply) Term() Term { return m.CurrentTerm }

func (VoteRequest) isMessage()     {}
func (VoteReply) isMessage()       {}
func (AppendRequest) isMessage()   {}
func (AppendReply) isMessage()     {}
func (InstallSnapshot) isMessage() {}
func (SnapshotReply) isMessage()   {}
func (TimeoutNow) isMessage()      {}
func (ReadQuorum) isMessage()      {}
func (ReadQuorumReply) isMessage() {}

// MessageName returns a short name of the message kind, used in logs and
// metrics.
func MessageName(m Message) string {
	switch m.(type) {
	case VoteRequest:
		return "vote_request"
	case VoteReply:
		return "vote_reply"
	case AppendRequest:
		return "append_request"
	case AppendReply:
		return "append_reply"
	case InstallSnapshot:
		return "install_snapshot"
	case SnapshotReply:
		return "snapshot_reply"
	case TimeoutNow:
		return "timeout_now"
	case ReadQuorum:
		return "read_quorum"
	case ReadQuorumReply:
		return "read_quorum_reply"
	default:
		panic(fmt.Sprintf("raft: unknown message type %T", m))
	}
}

// Envelope is an outgoing message and its destination.
type Envelope struct {
	To      ServerID
	Message Message
}
