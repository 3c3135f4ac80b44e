package raft

import (
	"github.com/cockroachdb/errors"
)

// Log holds the in-memory part of the replicated log: a window of entries
// following (and possibly trailing) the last snapshot.
type Log struct {
	entries  []*LogEntry
	firstIdx Index // index of entries[0]

	// stableIdx is the last index handed out for persistence.
	stableIdx Index

	// Indexes of the two latest configuration entries still in the log and
	// newer than the snapshot; 0 when absent.
	lastConfIdx Index
	prevConfIdx Index

	snapshot    SnapshotDescriptor
	memoryUsage int
}

// NewLog creates a log from a loaded snapshot descriptor and the entries that
// were persisted after (or trailing) it. All entries are considered stable.
func NewLog(snapshot SnapshotDescriptor, entries []*LogEntry) (*Log, error) {
	l := &Log{
		snapshot: snapshot,
		firstIdx: snapshot.Index + 1,
	}
	if len(entries) > 0 {
		if entries[0].Index == 0 {
			return nil, errors.AssertionFailedf("log entry with index 0")
		}
		if entries[0].Index > snapshot.Index+1 {
			return nil, errors.AssertionFailedf(
				"gap between snapshot %d and first log entry %d", snapshot.Index, entries[0].Index)
		}
		l.firstIdx = entries[0].Index
	}
	for i, e := range entries {
		if want := l.firstIdx + Index(i); e.Index != want {
			return nil, errors.AssertionFailedf("gap in log: got index %d, want %d", e.Index, want)
		}
		l.entries = append(l.entries, e)
		l.memoryUsage += e.Size()
	}
	if l.LastIndex() < snapshot.Index {
		// Entries that end before the snapshot are fully covered by it.
		l.entries = nil
		l.memoryUsage = 0
		l.firstIdx = snapshot.Index + 1
	}
	l.stableIdx = l.LastIndex()
	l.refreshConfIndexes()
	return l, nil
}

// Len returns the number of entries held in memory.
func (l *Log) Len() int {
	return len(l.entries)
}

// Empty reports whether the log holds no entries in memory.
func (l *Log) Empty() bool {
	return len(l.entries) == 0
}

// MemoryUsage returns the approximate size of in-memory entries.
func (l *Log) MemoryUsage() int {
	return l.memoryUsage
}

// FirstIndex returns the index of the first in-memory entry.
func (l *Log) FirstIndex() Index {
	return l.firstIdx
}

// LastIndex returns the index of the last entry, or of the snapshot when
// the log is empty.
func (l *Log) LastIndex() Index {
	return l.firstIdx + Index(len(l.entries)) - 1
}

// LastTerm returns the term of the last entry, or of the snapshot when the
// log is empty.
func (l *Log) LastTerm() Term {
	if len(l.entries) == 0 {
		return l.snapshot.Term
	}
	return l.entries[len(l.entries)-1].Term
}

// NextIndex returns the index the next appended entry will get.
func (l *Log) NextIndex() Index {
	return l.LastIndex() + 1
}

// StableIndex returns the last index handed out for persistence.
func (l *Log) StableIndex() Index {
	return l.stableIdx
}

// StableTo marks entries up to idx as persisted.
func (l *Log) StableTo(idx Index) {
	if idx > l.LastIndex() {
		idx = l.LastIndex()
	}
	if idx > l.stableIdx {
		l.stableIdx = idx
	}
}

// Snapshot returns the descriptor of the latest applied snapshot.
func (l *Log) Snapshot() SnapshotDescriptor {
	return l.snapshot
}

// TermFor returns the term of the entry at idx. The snapshot boundary is
// answered from the snapshot descriptor.
func (l *Log) TermFor(idx Index) (Term, bool) {
	if len(l.entries) > 0 && idx >= l.firstIdx && idx <= l.LastIndex() {
		return l.entries[idx-l.firstIdx].Term, true
	}
	if idx == l.snapshot.Index {
		return l.snapshot.Term, true
	}
	return 0, false
}

// Entry returns the entry at idx if it is held in memory.
func (l *Log) Entry(idx Index) (*LogEntry, bool) {
	if idx < l.firstIdx || idx > l.LastIndex() {
		return nil, false
	}
	return l.entries[idx-l.firstIdx], true
}

// At returns the entry at idx and panics if it is not held in memory.
func (l *Log) At(idx Index) *LogEntry {
	e, ok := l.Entry(idx)
	if !ok {
		panic(errors.AssertionFailedf("log index %d out of range [%d, %d]", idx, l.firstIdx, l.LastIndex()))
	}
	return e
}

// Append adds an entry at the tail. The entry index must follow the last
// index.
func (l *Log) Append(e *LogEntry) error {
	if e.Index != l.NextIndex() {
		return errors.AssertionFailedf("non-contiguous append: got index %d, want %d", e.Index, l.NextIndex())
	}
	l.entries = append(l.entries, e)
	l.memoryUsage += e.Size()
	if e.Kind == EntryConfiguration {
		l.prevConfIdx = l.lastConfIdx
		l.lastConfIdx = e.Index
	}
	return nil
}

// TruncateTail removes all entries with index >= idx. Truncating into the
// snapshot is an internal error.
func (l *Log) TruncateTail(idx Index) error {
	if idx <= l.snapshot.Index {
		return errors.AssertionFailedf("truncate at %d into snapshot at %d", idx, l.snapshot.Index)
	}
	if idx > l.LastIndex() {
		return nil
	}
	if idx < l.firstIdx {
		idx = l.firstIdx
	}
	for _, e := range l.entries[idx-l.firstIdx:] {
		l.memoryUsage -= e.Size()
	}
	// Entries may still be referenced by in-flight messages, so the
	// backing array is not reused.
	l.entries = append([]*LogEntry(nil), l.entries[:idx-l.firstIdx]...)
	if l.stableIdx >= idx {
		l.stableIdx = idx - 1
	}
	if l.lastConfIdx >= idx {
		l.refreshConfIndexes()
	}
	return nil
}

// MatchTerm checks the log matching property at (idx, term). On mismatch it
// returns the term found locally, or 0 when the log has no entry at idx.
func (l *Log) MatchTerm(idx Index, term Term) (bool, Term) {
	if idx == 0 {
		return true, 0
	}
	if idx < l.snapshot.Index {
		// Entries inside the snapshot are committed and match by the log
		// matching property.
		return true, 0
	}
	myTerm, ok := l.TermFor(idx)
	if !ok {
		return false, 0
	}
	if myTerm == term {
		return true, 0
	}
	return false, myTerm
}

// MaybeAppend appends entries received from the leader, truncating a
// conflicting suffix first. Entries already present with a matching term are
// skipped. It returns the index of the last received entry.
func (l *Log) MaybeAppend(entries []*LogEntry) (Index, error) {
	if len(entries) == 0 {
		return 0, errors.AssertionFailedf("MaybeAppend with no entries")
	}
	lastNew := entries[len(entries)-1].Index
	for _, e := range entries {
		if e.Index <= l.LastIndex() {
			if e.Index < l.firstIdx {
				continue
			}
			if l.entries[e.Index-l.firstIdx].Term == e.Term {
				continue
			}
			if err := l.TruncateTail(e.Index); err != nil {
				return 0, err
			}
		}
		if err := l.Append(e); err != nil {
			return 0, err
		}
	}
	return lastNew, nil
}

// IsUpToDate reports whether a log ending at (idx, term) is at least as
// up-to-date as this one.
func (l *Log) IsUpToDate(idx Index, term Term) bool {
	return term > l.LastTerm() || (term == l.LastTerm() && idx >= l.LastIndex())
}

// ApplySnapshot installs a snapshot and drops the entries it covers, keeping
// at most trailing entries before the snapshot index. It returns the number
// of dropped entries.
func (l *Log) ApplySnapshot(snp SnapshotDescriptor, trailing int) (int, error) {
	if snp.Index <= l.snapshot.Index {
		return 0, errors.AssertionFailedf("snapshot %d is not newer than %d", snp.Index, l.snapshot.Index)
	}
	dropped := 0
	term, ok := l.TermFor(snp.Index)
	if snp.Index > l.LastIndex() || !ok || term != snp.Term {
		// Keeping any entry would leave a gap or a term mismatch at the
		// snapshot boundary.
		dropped = len(l.entries)
		l.entries = nil
		l.memoryUsage = 0
		l.firstIdx = snp.Index + 1
	} else {
		var keepFrom Index
		if Index(trailing) < snp.Index {
			keepFrom = snp.Index - Index(trailing) + 1
		}
		if keepFrom > l.firstIdx {
			dropped = int(keepFrom - l.firstIdx)
			for _, e := range l.entries[:dropped] {
				l.memoryUsage -= e.Size()
			}
			l.entries = append([]*LogEntry(nil), l.entries[dropped:]...)
			l.firstIdx = keepFrom
		}
	}
	if l.stableIdx < snp.Index {
		l.stableIdx = snp.Index
	}
	l.snapshot = snp
	l.refreshConfIndexes()
	return dropped, nil
}

// LastConfIndex returns the index of the newest configuration entry held
// after the snapshot, or 0.
func (l *Log) LastConfIndex() Index {
	return l.lastConfIdx
}

// Configuration returns the newest configuration known to the log.
func (l *Log) Configuration() Configuration {
	if l.lastConfIdx > 0 {
		return *l.At(l.lastConfIdx).Config
	}
	return l.snapshot.Config
}

// PreviousConfiguration returns the configuration that preceded the newest
// one, if it is still known.
func (l *Log) PreviousConfiguration() (Configuration, bool) {
	if l.prevConfIdx > 0 {
		return *l.At(l.prevConfIdx).Config, true
	}
	if l.lastConfIdx > 0 {
		return l.snapshot.Config, true
	}
	return Configuration{}, false
}

// ConfigurationFor returns the configuration in effect at idx. idx must not
// precede the snapshot.
func (l *Log) ConfigurationFor(idx Index) Configuration {
	if idx > l.LastIndex() {
		idx = l.LastIndex()
	}
	for i := idx; i > l.snapshot.Index && i >= l.firstIdx; i-- {
		if e := l.entries[i-l.firstIdx]; e.Kind == EntryConfiguration {
			return *e.Config
		}
	}
	return l.snapshot.Config
}

func (l *Log) refreshConfIndexes() {
	l.lastConfIdx, l.prevConfIdx = 0, 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Index <= l.snapshot.Index {
			break
		}
		if e.Kind != EntryConfiguration {
			continue
		}
		if l.lastConfIdx == 0 {
			l.lastConfIdx = e.Index
		} else {
			l.prevConfIdx = e.Index
			break
		}
	}
}
