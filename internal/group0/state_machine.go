package group0

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/armon/go-metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/metaraft/internal/logging"
	"github.com/KilimcininKorOglu/metaraft/internal/raft"
	"github.com/KilimcininKorOglu/metaraft/internal/storage"
)

const (
	maxKeyLen = 1<<16 - 1
	// historyLimit is the number of applied state ids remembered for
	// clients that lost track of their own commands.
	historyLimit = 1000
	btreeDegree  = 32
)

// InitialStateID is the state id of an empty store. It is not the zero id,
// which marks unconditional commands.
var InitialStateID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("metaraft.group0"))

// KV is one key of the store.
type KV struct {
	Key   string
	Value []byte
}

func kvLess(a, b KV) bool { return a.Key < b.Key }

// state is everything a snapshot captures.
type state struct {
	data    *btree.BTreeG[KV]
	last    StateID
	history []StateID
	seen    map[StateID]struct{}
}

func newState() *state {
	return &state{
		data: btree.NewG[KV](btreeDegree, kvLess),
		last: InitialStateID,
		seen: make(map[StateID]struct{}),
	}
}

func (s *state) remember(id StateID) {
	s.last = id
	s.history = append(s.history, id)
	s.seen[id] = struct{}{}
	if len(s.history) > historyLimit {
		delete(s.seen, s.history[0])
		s.history = s.history[1:]
	}
}

// StateMachine is the replicated key-value store of group 0. Commands are
// chained by state id: a command prepared against an older state is
// skipped on every server.
type StateMachine struct {
	snapshots *storage.SnapshotStore
	logger    logging.Logger

	mu        sync.RWMutex
	state     *state
	applied   uint64
	conflicts uint64
	aborted   bool
}

// NewStateMachine creates an empty store that keeps its snapshots in
// snapshots.
func NewStateMachine(snapshots *storage.SnapshotStore, logger logging.Logger) *StateMachine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StateMachine{snapshots: snapshots, logger: logger, state: newState()}
}

// Apply implements raft.StateMachine.
func (m *StateMachine) Apply(_ context.Context, commands [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aborted {
		return errors.Wrap(raft.ErrStopped, "group0 state machine aborted")
	}
	for _, data := range commands {
		cmd, err := DeserializeCommand(data)
		if err != nil {
			// Every server sees the same bytes, so every server skips it.
			m.logger.Error("skipping undecodable group0 command", "error", err)
			continue
		}
		m.apply(cmd)
	}
	return nil
}

func (m *StateMachine) apply(cmd *Command) {
	s := m.state
	if cmd.PrevStateID != uuid.Nil && cmd.PrevStateID != s.last {
		m.conflicts++
		metrics.IncrCounter([]string{"group0", "conflicts"}, 1)
		m.logger.Debug("group0 command conflicts with current state",
			"prevStateId", cmd.PrevStateID.String(), "stateId", s.last.String(),
			"creator", cmd.Creator.String())
		return
	}
	switch cmd.Type {
	case CmdPut:
		s.data.ReplaceOrInsert(KV{Key: cmd.Key, Value: cmd.Value})
	case CmdDelete:
		s.data.Delete(KV{Key: cmd.Key})
	case CmdNoop:
	}
	s.remember(cmd.NewStateID)
	m.applied++
	metrics.IncrCounter([]string{"group0", "applied"}, 1)
}

// Get returns the value of key from the local state.
func (m *StateMachine) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kv, ok := m.state.data.Get(KV{Key: key})
	if !ok {
		return nil, false
	}
	return kv.Value, true
}

// List returns the keys with the given prefix in key order.
func (m *StateMachine) List(prefix string) []KV {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KV
	m.state.data.AscendGreaterOrEqual(KV{Key: prefix}, func(kv KV) bool {
		if !strings.HasPrefix(kv.Key, prefix) {
			return false
		}
		out = append(out, kv)
		return true
	})
	return out
}

// Len returns the number of keys.
func (m *StateMachine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.data.Len()
}

// LastStateID returns the id of the current state.
func (m *StateMachine) LastStateID() StateID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.last
}

// Applied reports whether the command that moved the store to id was
// applied. Only the most recent states are remembered.
func (m *StateMachine) Applied(id StateID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.state.seen[id]
	return ok
}

// Stats returns the number of applied and skipped commands.
func (m *StateMachine) Stats() (applied, conflicts uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.applied, m.conflicts
}

// TakeSnapshot implements raft.StateMachine.
func (m *StateMachine) TakeSnapshot(context.Context) (raft.SnapshotID, error) {
	m.mu.RLock()
	data := encodeState(m.state)
	m.mu.RUnlock()

	id := raft.NewSnapshotID()
	if err := m.snapshots.Save(id, data); err != nil {
		return raft.SnapshotID{}, errors.Wrapf(err, "save group0 snapshot %s", id)
	}
	return id, nil
}

// LoadSnapshot implements raft.StateMachine.
func (m *StateMachine) LoadSnapshot(_ context.Context, id raft.SnapshotID) error {
	data, err := m.snapshots.Load(id)
	if err != nil {
		return errors.Wrapf(err, "load group0 snapshot %s", id)
	}
	st, err := decodeState(data)
	if err != nil {
		return errors.Wrapf(err, "decode group0 snapshot %s", id)
	}
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	m.logger.Info("group0 snapshot loaded", "snapshotId", id.String(), "keys", st.data.Len())
	return nil
}

// DropSnapshot implements raft.StateMachine.
func (m *StateMachine) DropSnapshot(id raft.SnapshotID) {
	if err := m.snapshots.Delete(id); err != nil {
		m.logger.Warn("failed to drop group0 snapshot", "snapshotId", id.String(), "error", err)
	}
}

// ExportSnapshot implements raft.SnapshotTransfer.
func (m *StateMachine) ExportSnapshot(_ context.Context, id raft.SnapshotID) ([]byte, error) {
	return m.snapshots.Load(id)
}

// ImportSnapshot implements raft.SnapshotTransfer.
func (m *StateMachine) ImportSnapshot(_ context.Context, id raft.SnapshotID, data []byte) error {
	if _, err := decodeState(data); err != nil {
		return err
	}
	return m.snapshots.Save(id, data)
}

// Abort implements raft.StateMachine.
func (m *StateMachine) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
}

// Snapshot layout: last state id, history count and ids, key count and
// key/value pairs.
func encodeState(s *state) []byte {
	var buf bytes.Buffer
	buf.Write(s.last[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(s.history)))
	for _, id := range s.history {
		buf.Write(id[:])
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(s.data.Len()))
	s.data.Ascend(func(kv KV) bool {
		_ = writeString(&buf, kv.Key)
		_ = writeBytes(&buf, kv.Value)
		return true
	})
	return buf.Bytes()
}

func decodeState(data []byte) (*state, error) {
	r := bytes.NewReader(data)
	st := newState()
	if _, err := io.ReadFull(r, st.last[:]); err != nil {
		return nil, errors.Wrap(ErrCorruptSnapshot, "state id")
	}

	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(ErrCorruptSnapshot, "history count")
	}
	if int64(n)*16 > int64(r.Len()) {
		return nil, errors.Wrapf(ErrCorruptSnapshot, "history count %d", n)
	}
	for i := uint32(0); i < n; i++ {
		var id StateID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, errors.Wrap(ErrCorruptSnapshot, "history")
		}
		st.history = append(st.history, id)
		st.seen[id] = struct{}{}
	}

	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, errors.Wrap(ErrCorruptSnapshot, "key count")
	}
	for i := uint32(0); i < n; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptSnapshot, "key")
		}
		value, err := readBytes(r)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptSnapshot, "value")
		}
		st.data.ReplaceOrInsert(KV{Key: key, Value: value})
	}
	if r.Len() != 0 {
		return nil, errors.Wrapf(ErrCorruptSnapshot, "%d trailing bytes", r.Len())
	}
	return st, nil
}

var (
	_ raft.StateMachine     = (*StateMachine)(nil)
	_ raft.SnapshotTransfer = (*StateMachine)(nil)
)
