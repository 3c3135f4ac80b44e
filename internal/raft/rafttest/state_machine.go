package rafttest

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// ErrSnapshotNotFound is returned for unknown snapshot ids.
var ErrSnapshotNotFound = errors.New("rafttest: snapshot not found")

type hashState struct {
	hash  uint64
	count int
}

// HashStateMachine folds every applied command into a running hash, so two
// servers that applied the same commands in the same order have equal
// hashes.
type HashStateMachine struct {
	mu        sync.Mutex
	state     hashState
	snapshots map[raft.SnapshotID]hashState
	applyErr  error
}

// NewHashStateMachine creates an empty state machine.
func NewHashStateMachine() *HashStateMachine {
	return &HashStateMachine{snapshots: make(map[raft.SnapshotID]hashState)}
}

// Reopen returns a state machine with empty state that shares the
// snapshots of m, as if the process restarted.
func (m *HashStateMachine) Reopen() *HashStateMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &HashStateMachine{snapshots: m.snapshots}
}

// FailApply makes later Apply calls fail with err.
func (m *HashStateMachine) FailApply(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// HashCommands returns the hash of applying commands to an empty state.
func HashCommands(commands ...[]byte) uint64 {
	var h uint64
	for _, c := range commands {
		h = fold(h, c)
	}
	return h
}

func fold(h uint64, command []byte) uint64 {
	f := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], h)
	f.Write(b[:])
	f.Write(command)
	return f.Sum64()
}

func (m *HashStateMachine) Apply(_ context.Context, commands [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	for _, c := range commands {
		m.state.hash = fold(m.state.hash, c)
		m.state.count++
	}
	return nil
}

func (m *HashStateMachine) TakeSnapshot(context.Context) (raft.SnapshotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := raft.NewSnapshotID()
	m.snapshots[id] = m.state
	return id, nil
}

func (m *HashStateMachine) LoadSnapshot(_ context.Context, id raft.SnapshotID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return errors.Wrapf(ErrSnapshotNotFound, "snapshot %s", id)
	}
	m.state = s
	return nil
}

func (m *HashStateMachine) DropSnapshot(id raft.SnapshotID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
}

func (m *HashStateMachine) Abort() {}

// ExportSnapshot encodes a snapshot as [hash:8][count:8].
func (m *HashStateMachine) ExportSnapshot(_ context.Context, id raft.SnapshotID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, errors.Wrapf(ErrSnapshotNotFound, "snapshot %s", id)
	}
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], s.hash)
	binary.LittleEndian.PutUint64(b[8:16], uint64(s.count))
	return b, nil
}

func (m *HashStateMachine) ImportSnapshot(_ context.Context, id raft.SnapshotID, data []byte) error {
	if len(data) != 16 {
		return errors.Newf("rafttest: snapshot payload of %d bytes", len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id] = hashState{
		hash:  binary.LittleEndian.Uint64(data[0:8]),
		count: int(binary.LittleEndian.Uint64(data[8:16])),
	}
	return nil
}

// Hash returns the hash of the applied commands.
func (m *HashStateMachine) Hash() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.hash
}

// Count returns the number of applied commands.
func (m *HashStateMachine) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.count
}

// Snapshots returns the number of snapshots held.
func (m *HashStateMachine) Snapshots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

var (
	_ raft.StateMachine     = (*HashStateMachine)(nil)
	_ raft.SnapshotTransfer = (*HashStateMachine)(nil)
)
