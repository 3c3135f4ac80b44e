package raft

import (
	"fmt"

	"github.com/google/uuid"
)

// Term identifies an election epoch. A server's term never decreases.
type Term uint64

// Index is a 1-based position in the replicated log. Index 0 is the
// position before the first entry.
type Index uint64

// ReadID identifies a read barrier started by a leader.
type ReadID uint64

// ServerID uniquely identifies a Raft server for its whole lifetime.
type ServerID uuid.UUID

// NewServerID returns a fresh random server id.
func NewServerID() ServerID {
	return ServerID(uuid.New())
}

// ParseServerID parses the textual form of a server id.
func ParseServerID(s string) (ServerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ServerID{}, err
	}
	return ServerID(u), nil
}

// IsZero reports whether the id is unset.
func (id ServerID) IsZero() bool {
	return id == ServerID{}
}

func (id ServerID) String() string {
	return uuid.UUID(id).String()
}

// SnapshotID identifies an application snapshot.
type SnapshotID uuid.UUID

// NewSnapshotID returns a fresh random snapshot id.
func NewSnapshotID() SnapshotID {
	return SnapshotID(uuid.New())
}

// ParseSnapshotID parses the textual form of a snapshot id.
func ParseSnapshotID(s string) (SnapshotID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SnapshotID{}, err
	}
	return SnapshotID(u), nil
}

// IsZero reports whether the id is unset.
func (id SnapshotID) IsZero() bool {
	return id == SnapshotID{}
}

func (id SnapshotID) String() string {
	return uuid.UUID(id).String()
}

// GroupID identifies a Raft group.
type GroupID uuid.UUID

// NewGroupID returns a fresh random group id.
func NewGroupID() GroupID {
	return GroupID(uuid.New())
}

// ParseGroupID parses the textual form of a group id.
func ParseGroupID(s string) (GroupID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GroupID{}, err
	}
	return GroupID(u), nil
}

func (id GroupID) String() string {
	return uuid.UUID(id).String()
}

// EntryKind is the payload type of a log entry.
type EntryKind uint8

// Log entry kinds.
const (
	EntryCommand       EntryKind = iota // Opaque application command
	EntryConfiguration                  // Membership change
	EntryDummy                          // No-op appended by a new leader
)

func (k EntryKind) String() string {
	switch k {
	case EntryCommand:
		return "command"
	case EntryConfiguration:
		return "configuration"
	case EntryDummy:
		return "dummy"
	default:
		return "unknown"
	}
}

// LogEntry is a single entry of the replicated log. Entries are immutable
// once created and are shared between the log and in-flight messages.
type LogEntry struct {
	Term    Term
	Index   Index
	Kind    EntryKind
	Command []byte         // set for EntryCommand
	Config  *Configuration // set for EntryConfiguration
}

// Size approximates the memory used by the entry.
func (e *LogEntry) Size() int {
	size := 8 + 8 + 1 + len(e.Command)
	if e.Config != nil {
		for _, s := range e.Config.Current {
			size += 17 + len(s.Info)
		}
		for _, s := range e.Config.Previous {
			size += 17 + len(s.Info)
		}
	}
	return size
}

func (e *LogEntry) String() string {
	return fmt.Sprintf("{term: %d, idx: %d, kind: %s}", e.Term, e.Index, e.Kind)
}

// SnapshotDescriptor describes the point up to which the log has been
// compacted.
type SnapshotDescriptor struct {
	Index  Index
	Term   Term
	Config Configuration
	ID     SnapshotID
}

// WaitType selects what AddEntry waits for.
type WaitType uint8

// Wait types.
const (
	WaitCommitted WaitType = iota // Entry is committed
	WaitApplied                   // Entry is applied to the local state machine
)
