package raft

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Raft errors.
var (
	// ErrNotLeader is matched by NotLeaderError. Use errors.As to obtain the
	// leader hint.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrCommitStatusUnknown is returned when the fate of a submitted entry
	// cannot be determined. The entry may or may not have been committed.
	ErrCommitStatusUnknown = errors.New("raft: commit status of the entry is unknown")

	// ErrDroppedEntry is returned when an entry was replaced by an entry of a
	// later term before it could be committed. It is safe to retry.
	ErrDroppedEntry = errors.New("raft: entry was dropped")

	// ErrConfChangeInProgress is returned when a configuration change is
	// requested while another one has not been committed yet.
	ErrConfChangeInProgress = errors.New("raft: configuration change in progress")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("raft: operation timeout")

	// ErrStopped is returned for operations on an aborted server.
	ErrStopped = errors.New("raft: server stopped")

	// ErrNoOtherVotingMember is returned by stepdown when the leader is the
	// only voter.
	ErrNoOtherVotingMember = errors.New("raft: no other voting member")

	// ErrReadBarrierOutsideConfig is returned when a server that is not a
	// member requests a read barrier.
	ErrReadBarrierOutsideConfig = errors.New("raft: read barrier requested by a non-member")

	// ErrEmptyConfiguration is returned for a configuration without members.
	ErrEmptyConfiguration = errors.New("raft: configuration is empty")

	// ErrNoVoters is returned for a configuration without voting members.
	ErrNoVoters = errors.New("raft: configuration has no voters")

	// ErrLogCorrupted is returned when persisted or received data cannot be
	// decoded.
	ErrLogCorrupted = errors.New("raft: log corrupted")

	// ErrInvalidConfig is returned when server configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

// NotLeaderError is returned for leader-only operations attempted on a
// follower. Leader is the zero id when the leader is unknown.
type NotLeaderError struct {
	Leader ServerID
}

func (e *NotLeaderError) Error() string {
	if e.Leader.IsZero() {
		return "raft: not the leader, leader unknown"
	}
	return fmt.Sprintf("raft: not the leader, leader is %s", e.Leader)
}

// Is makes errors.Is(err, ErrNotLeader) hold for NotLeaderError.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

func notLeader(leader ServerID) error {
	return &NotLeaderError{Leader: leader}
}
