package raft

import (
	"testing"
)

// makeEntries builds command entries with the given terms starting at first.
func makeEntries(first Index, terms ...Term) []*LogEntry {
	out := make([]*LogEntry, 0, len(terms))
	for i, term := range terms {
		out = append(out, &LogEntry{Term: term, Index: first + Index(i), Kind: EntryCommand, Command: []byte{byte(i)}})
	}
	return out
}

func mustLog(t *testing.T, snp SnapshotDescriptor, entries []*LogEntry) *Log {
	t.Helper()
	l, err := NewLog(snp, entries)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	return l
}

func TestLogAppend(t *testing.T) {
	l := mustLog(t, SnapshotDescriptor{}, nil)
	if l.LastIndex() != 0 || l.LastTerm() != 0 {
		t.Fatalf("empty log: got (%d, %d), want (0, 0)", l.LastIndex(), l.LastTerm())
	}

	for _, e := range makeEntries(1, 1, 1, 2) {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if l.LastIndex() != 3 {
		t.Errorf("LastIndex mismatch: got %d, want 3", l.LastIndex())
	}
	if l.LastTerm() != 2 {
		t.Errorf("LastTerm mismatch: got %d, want 2", l.LastTerm())
	}

	// Gaps are rejected.
	if err := l.Append(&LogEntry{Term: 2, Index: 5}); err == nil {
		t.Error("Append with a gap should fail")
	}
}

func TestLogTermFor(t *testing.T) {
	snp := SnapshotDescriptor{Index: 10, Term: 3}
	l := mustLog(t, snp, makeEntries(11, 3, 4))

	tests := []struct {
		idx  Index
		term Term
		ok   bool
	}{
		{9, 0, false},
		{10, 3, true},
		{11, 3, true},
		{12, 4, true},
		{13, 0, false},
	}
	for _, tt := range tests {
		term, ok := l.TermFor(tt.idx)
		if term != tt.term || ok != tt.ok {
			t.Errorf("TermFor(%d): got (%d, %v), want (%d, %v)", tt.idx, term, ok, tt.term, tt.ok)
		}
	}
}

func TestLogTruncateTail(t *testing.T) {
	l := mustLog(t, SnapshotDescriptor{Index: 2, Term: 1}, makeEntries(3, 1, 2, 2, 3))

	if err := l.TruncateTail(5); err != nil {
		t.Fatalf("TruncateTail failed: %v", err)
	}
	if l.LastIndex() != 4 {
		t.Errorf("LastIndex mismatch: got %d, want 4", l.LastIndex())
	}
	if l.StableIndex() != 4 {
		t.Errorf("StableIndex mismatch: got %d, want 4", l.StableIndex())
	}

	// Past the end is a no-op.
	if err := l.TruncateTail(10); err != nil {
		t.Fatalf("TruncateTail past end failed: %v", err)
	}

	if err := l.TruncateTail(2); err == nil {
		t.Error("TruncateTail into the snapshot should fail")
	}
}

func TestLogMaybeAppendConflict(t *testing.T) {
	l := mustLog(t, SnapshotDescriptor{}, makeEntries(1, 1, 1, 1, 1))

	// Entries 1-2 match, 3 conflicts: 3 and 4 are replaced.
	incoming := []*LogEntry{
		{Term: 1, Index: 2, Kind: EntryDummy},
		{Term: 2, Index: 3, Kind: EntryDummy},
	}
	last, err := l.MaybeAppend(incoming)
	if err != nil {
		t.Fatalf("MaybeAppend failed: %v", err)
	}
	if last != 3 {
		t.Errorf("last new index mismatch: got %d, want 3", last)
	}
	if l.LastIndex() != 3 || l.LastTerm() != 2 {
		t.Errorf("log tail mismatch: got (%d, %d), want (3, 2)", l.LastIndex(), l.LastTerm())
	}
	if l.At(2).Kind != EntryCommand {
		t.Error("matching entry 2 should not be replaced")
	}
	if l.StableIndex() != 2 {
		t.Errorf("StableIndex mismatch: got %d, want 2", l.StableIndex())
	}
}

func TestLogMaybeAppendBelowFirstIndex(t *testing.T) {
	l := mustLog(t, SnapshotDescriptor{Index: 5, Term: 2}, nil)

	last, err := l.MaybeAppend(makeEntries(4, 2, 2, 2))
	if err != nil {
		t.Fatalf("MaybeAppend failed: %v", err)
	}
	if last != 6 {
		t.Errorf("last new index mismatch: got %d, want 6", last)
	}
	if l.FirstIndex() != 6 || l.LastIndex() != 6 {
		t.Errorf("log window mismatch: got [%d, %d], want [6, 6]", l.FirstIndex(), l.LastIndex())
	}
}

func TestLogMatchTerm(t *testing.T) {
	l := mustLog(t, SnapshotDescriptor{Index: 3, Term: 1}, makeEntries(4, 2, 3))

	if ok, _ := l.MatchTerm(0, 0); !ok {
		t.Error("index 0 always matches")
	}
	if ok, _ := l.MatchTerm(2, 7); !ok {
		t.Error("indexes inside the snapshot match")
	}
	if ok, _ := l.MatchTerm(3, 1); !ok {
		t.Error("snapshot boundary should match its term")
	}
	ok, term := l.MatchTerm(5, 2)
	if ok || term != 3 {
		t.Errorf("MatchTerm(5, 2): got (%v, %d), want (false, 3)", ok, term)
	}
	if ok, _ := l.MatchTerm(6, 3); ok {
		t.Error("missing index should not match")
	}
}

func TestLogIsUpToDate(t *testing.T) {
	l := mustLog(t, SnapshotDescriptor{}, makeEntries(1, 1, 2, 2))

	tests := []struct {
		idx  Index
		term Term
		want bool
	}{
		{3, 2, true},
		{4, 2, true},
		{2, 2, false},
		{1, 3, true},
		{10, 1, false},
	}
	for _, tt := range tests {
		if got := l.IsUpToDate(tt.idx, tt.term); got != tt.want {
			t.Errorf("IsUpToDate(%d, %d): got %v, want %v", tt.idx, tt.term, got, tt.want)
		}
	}
}

func TestLogApplySnapshotTrailing(t *testing.T) {
	terms := make([]Term, 20)
	for i := range terms {
		terms[i] = 1
	}
	l := mustLog(t, SnapshotDescriptor{}, makeEntries(1, terms...))

	dropped, err := l.ApplySnapshot(SnapshotDescriptor{Index: 15, Term: 1}, 5)
	if err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}
	if dropped != 10 {
		t.Errorf("dropped mismatch: got %d, want 10", dropped)
	}
	if l.FirstIndex() != 11 || l.LastIndex() != 20 {
		t.Errorf("log window mismatch: got [%d, %d], want [11, 20]", l.FirstIndex(), l.LastIndex())
	}
	if l.Snapshot().Index != 15 {
		t.Errorf("snapshot index mismatch: got %d, want 15", l.Snapshot().Index)
	}

	if _, err := l.ApplySnapshot(SnapshotDescriptor{Index: 12, Term: 1}, 0); err == nil {
		t.Error("an older snapshot should be rejected")
	}
}

func TestLogApplySnapshotDropsDivergentLog(t *testing.T) {
	l := mustLog(t, SnapshotDescriptor{}, makeEntries(1, 1, 1, 1))

	// The snapshot's term at index 2 differs from the local entry.
	if _, err := l.ApplySnapshot(SnapshotDescriptor{Index: 2, Term: 5}, 10); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("log length mismatch: got %d, want 0", l.Len())
	}
	if l.LastIndex() != 2 || l.LastTerm() != 5 {
		t.Errorf("log tail mismatch: got (%d, %d), want (2, 5)", l.LastIndex(), l.LastTerm())
	}

	// A snapshot past the end also empties the log.
	if _, err := l.ApplySnapshot(SnapshotDescriptor{Index: 9, Term: 6}, 10); err != nil {
		t.Fatalf("ApplySnapshot failed: %v", err)
	}
	if l.Len() != 0 || l.NextIndex() != 10 {
		t.Errorf("log after snapshot: len %d next %d, want 0 and 10", l.Len(), l.NextIndex())
	}
}

func TestLogConfiguration(t *testing.T) {
	a, b, c := NewServerID(), NewServerID(), NewServerID()
	initial := NewConfiguration(NewServerAddressSet(ServerAddress{ID: a, CanVote: true}))
	l := mustLog(t, SnapshotDescriptor{Config: initial}, nil)

	if !l.Configuration().Equal(initial) {
		t.Fatal("configuration should come from the snapshot")
	}

	joint := initial.Clone()
	if err := joint.EnterJoint(NewServerAddressSet(
		ServerAddress{ID: a, CanVote: true},
		ServerAddress{ID: b, CanVote: true},
		ServerAddress{ID: c, CanVote: false},
	)); err != nil {
		t.Fatalf("EnterJoint failed: %v", err)
	}
	mustAppend(t, l, &LogEntry{Term: 1, Index: 1, Kind: EntryConfiguration, Config: &joint})
	mustAppend(t, l, &LogEntry{Term: 1, Index: 2, Kind: EntryCommand})

	if l.LastConfIndex() != 1 {
		t.Errorf("LastConfIndex mismatch: got %d, want 1", l.LastConfIndex())
	}
	if !l.Configuration().IsJoint() {
		t.Error("configuration should be joint")
	}
	prev, ok := l.PreviousConfiguration()
	if !ok || !prev.Equal(initial) {
		t.Error("previous configuration should be the initial one")
	}
	if !l.ConfigurationFor(2).Equal(joint) {
		t.Error("ConfigurationFor(2) should return the joint configuration")
	}

	if err := l.TruncateTail(1); err != nil {
		t.Fatalf("TruncateTail failed: %v", err)
	}
	if l.LastConfIndex() != 0 || !l.Configuration().Equal(initial) {
		t.Error("truncating the configuration entry should restore the snapshot configuration")
	}
}

func TestNewLogRejectsGaps(t *testing.T) {
	entries := append(makeEntries(1, 1, 1), makeEntries(4, 1)...)
	if _, err := NewLog(SnapshotDescriptor{}, entries); err == nil {
		t.Error("NewLog should reject a gap")
	}
	if _, err := NewLog(SnapshotDescriptor{Index: 2, Term: 1}, makeEntries(5, 1)); err == nil {
		t.Error("NewLog should reject a gap after the snapshot")
	}

	// Trailing entries before the snapshot are kept.
	l := mustLog(t, SnapshotDescriptor{Index: 3, Term: 1}, makeEntries(2, 1, 1, 1, 1))
	if l.FirstIndex() != 2 || l.LastIndex() != 5 {
		t.Errorf("log window mismatch: got [%d, %d], want [2, 5]", l.FirstIndex(), l.LastIndex())
	}
}

func mustAppend(t *testing.T, l *Log, e *LogEntry) {
	t.Helper()
	if err := l.Append(e); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}
