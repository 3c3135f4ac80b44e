package raft

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// queue is an unbounded FIFO with a wakeup channel. Producers never block.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) take() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// applyItem is one unit of work for the applier, processed in order.
type applyItem struct {
	entries []*LogEntry
	load    *AppliedSnapshot
	loadSeq uint64
	drop    []SnapshotID
}

type applierEventKind uint8

const (
	eventApplied applierEventKind = iota
	eventSnapshotTaken
	eventSnapshotLoaded
	eventFailed
)

// applierEvent reports applier progress back to the server loop.
type applierEvent struct {
	kind    applierEventKind
	idx     Index
	term    Term
	id      SnapshotID
	loadSeq uint64
	err     error
}

// applier applies committed entries to the state machine and takes local
// snapshots. It runs in its own goroutine so a slow state machine does not
// stall the protocol.
type applier struct {
	sm        StateMachine
	threshold uint64
	logger    Logger
	metrics   *serverMetrics

	in     *queue[applyItem]
	events *queue[applierEvent]

	applied     Index
	snapshotIdx Index
}

func (a *applier) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-a.in.signal:
		}
		for _, item := range a.in.take() {
			if err := a.process(ctx, item); err != nil {
				a.events.push(applierEvent{kind: eventFailed, err: err})
				return
			}
		}
	}
}

func (a *applier) process(ctx context.Context, item applyItem) error {
	for _, id := range item.drop {
		a.sm.DropSnapshot(id)
	}
	if item.load != nil {
		snp := item.load.Snapshot
		if err := a.sm.LoadSnapshot(ctx, snp.ID); err != nil {
			return errors.Wrapf(err, "load snapshot %s", snp.ID)
		}
		a.metrics.snapshotInstalled()
		if snp.Index > a.applied {
			a.applied = snp.Index
		}
		a.snapshotIdx = snp.Index
		a.events.push(applierEvent{kind: eventSnapshotLoaded, idx: snp.Index, loadSeq: item.loadSeq})
	}
	if len(item.entries) == 0 {
		return nil
	}

	var commands [][]byte
	var last *LogEntry
	for _, e := range item.entries {
		if e.Index <= a.applied {
			continue
		}
		if e.Kind == EntryCommand {
			commands = append(commands, e.Command)
		}
		last = e
	}
	if last == nil {
		return nil
	}
	if len(commands) > 0 {
		if err := a.sm.Apply(ctx, commands); err != nil {
			return errors.Wrapf(err, "apply entries up to %d", last.Index)
		}
	}
	a.applied = last.Index
	a.events.push(applierEvent{kind: eventApplied, idx: last.Index})

	if uint64(a.applied-a.snapshotIdx) < a.threshold {
		return nil
	}
	id, err := a.sm.TakeSnapshot(ctx)
	if err != nil {
		return errors.Wrapf(err, "take snapshot at %d", a.applied)
	}
	a.logger.Debug("took snapshot", "snapshotId", id, "index", a.applied)
	a.metrics.snapshotTaken()
	a.snapshotIdx = a.applied
	a.events.push(applierEvent{kind: eventSnapshotTaken, idx: a.applied, term: last.Term, id: id})
	return nil
}
