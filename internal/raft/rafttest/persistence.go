package rafttest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// MemoryPersistence implements raft.Persistence in memory. It survives
// Close so a server can be restarted on the same state.
type MemoryPersistence struct {
	mu       sync.Mutex
	term     raft.Term
	vote     raft.ServerID
	entries  []*raft.LogEntry
	snapshot raft.SnapshotDescriptor
	failWith error
}

// NewMemoryPersistence creates empty persistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

// FailWith makes every later store fail with err. A nil err clears it.
func (p *MemoryPersistence) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *MemoryPersistence) StoreTermAndVote(_ context.Context, term raft.Term, vote raft.ServerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.term, p.vote = term, vote
	return nil
}

func (p *MemoryPersistence) LoadTermAndVote(context.Context) (raft.Term, raft.ServerID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term, p.vote, nil
}

func (p *MemoryPersistence) StoreLogEntries(_ context.Context, entries []*raft.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	for _, e := range entries {
		p.truncateLocked(e.Index)
		if n := len(p.entries); n > 0 && p.entries[n-1].Index+1 != e.Index {
			return errors.AssertionFailedf("rafttest: entry %d does not follow %d", e.Index, p.entries[n-1].Index)
		}
		p.entries = append(p.entries, e)
	}
	return nil
}

func (p *MemoryPersistence) LoadLog(context.Context) ([]*raft.LogEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*raft.LogEntry(nil), p.entries...), nil
}

func (p *MemoryPersistence) TruncateLog(_ context.Context, idx raft.Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.truncateLocked(idx)
	return nil
}

func (p *MemoryPersistence) truncateLocked(idx raft.Index) {
	for i, e := range p.entries {
		if e.Index >= idx {
			p.entries = p.entries[:i]
			return
		}
	}
}

func (p *MemoryPersistence) StoreSnapshotDescriptor(_ context.Context, snp raft.SnapshotDescriptor, preserve int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.snapshot = snp
	var keepFrom raft.Index = 1
	if uint64(snp.Index) > uint64(preserve) {
		keepFrom = snp.Index - raft.Index(preserve) + 1
	}
	kept := p.entries[:0:0]
	for _, e := range p.entries {
		if e.Index >= keepFrom {
			kept = append(kept, e)
		}
	}
	p.entries = kept
	return nil
}

func (p *MemoryPersistence) LoadSnapshotDescriptor(context.Context) (raft.SnapshotDescriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot, nil
}

func (p *MemoryPersistence) Close() error {
	return nil
}

// Entries returns the number of persisted log entries.
func (p *MemoryPersistence) Entries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

var _ raft.Persistence = (*MemoryPersistence)(nil)
