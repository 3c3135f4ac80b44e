package raft

import (
	"context"

	"github.com/cockroachdb/errors"
)

// processOutput drains the Fsm. Each batch is persisted before any of its
// messages is sent.
func (s *Server) processOutput() error {
	for s.fsm.HasOutput() {
		out := s.fsm.GetOutput()
		if err := s.persist(out); err != nil {
			return err
		}
		if out.Snapshot != nil {
			s.snapshotApplied(*out.Snapshot)
		}
		s.sendMessages(out.Messages)
		if len(out.Committed) > 0 {
			s.notifyCommitted(out.Committed)
		}
		if len(out.Committed) > 0 || len(out.SnapshotsToDrop) > 0 {
			s.applier.in.push(applyItem{entries: out.Committed, drop: out.SnapshotsToDrop})
		}
		if out.Configuration != nil {
			s.configurationChanged(*out.Configuration)
		}
		if out.MaxReadIDWithQuorum > 0 {
			s.resolveReads(out.MaxReadIDWithQuorum)
		}
		if out.StateChanged {
			s.stateChanged()
		}
		if out.AbortLeadershipTransfer {
			for _, ch := range s.stepdownWaiters {
				ch <- ErrTimeout
			}
			s.stepdownWaiters = nil
		}
		s.retryPending()
	}
	s.publishStatus()
	return nil
}

func (s *Server) persist(out Output) error {
	ctx := s.ctx
	if tv := out.TermAndVote; tv != nil {
		if err := s.persistence.StoreTermAndVote(ctx, tv.Term, tv.VotedFor); err != nil {
			return errors.Wrap(err, "store term and vote")
		}
	}
	if snp := out.Snapshot; snp != nil {
		if err := s.persistence.StoreSnapshotDescriptor(ctx, snp.Snapshot, snp.PreserveLogEntries); err != nil {
			return errors.Wrapf(err, "store snapshot descriptor %d", snp.Snapshot.Index)
		}
	}
	if out.TruncateFrom > 0 {
		if err := s.persistence.TruncateLog(ctx, out.TruncateFrom); err != nil {
			return errors.Wrapf(err, "truncate log from %d", out.TruncateFrom)
		}
	}
	if len(out.Entries) > 0 {
		if err := s.persistence.StoreLogEntries(ctx, out.Entries); err != nil {
			return errors.Wrapf(err, "store %d log entries", len(out.Entries))
		}
	}
	return nil
}

func (s *Server) snapshotApplied(a AppliedSnapshot) {
	snp := a.Snapshot
	if a.IsLocal {
		s.logger.Debug("log compacted", "serverId", s.id, "snapshotIdx", snp.Index,
			"logLength", s.fsm.Log().Len())
		return
	}
	s.logger.Info("installing snapshot from leader", "serverId", s.id, "groupId", s.cfg.GroupID,
		"snapshotId", snp.ID, "snapshotIdx", snp.Index)
	s.loadSeq++
	s.applier.in.push(applyItem{load: &a, loadSeq: s.loadSeq})

	// The snapshot skipped these entries, so their terms are not known.
	var skipped []*entryWaiter
	s.entryWaiters.AscendLessThan(&entryWaiter{idx: snp.Index + 1}, func(w *entryWaiter) bool {
		skipped = append(skipped, w)
		return true
	})
	for _, w := range skipped {
		s.entryWaiters.Delete(w)
		w.done <- ErrCommitStatusUnknown
	}
	s.resolveConfWaiters()
}

func (s *Server) notifyCommitted(entries []*LogEntry) {
	first, last := entries[0].Index, entries[len(entries)-1].Index
	var ready []*entryWaiter
	s.entryWaiters.AscendLessThan(&entryWaiter{idx: last + 1}, func(w *entryWaiter) bool {
		ready = append(ready, w)
		return true
	})
	for _, w := range ready {
		s.entryWaiters.Delete(w)
		switch {
		case w.idx < first:
			w.done <- ErrCommitStatusUnknown
		case entries[w.idx-first].Term != w.term:
			w.done <- ErrDroppedEntry
		case w.onCommit != nil:
			w.onCommit()
		case w.wait == WaitCommitted:
			w.done <- nil
		default:
			s.waitApplied(w.idx, w.done)
		}
	}
	s.resolveConfWaiters()
}

func (s *Server) resolveApplied() {
	n := 0
	for ; n < len(s.appliedWaiters) && s.appliedWaiters[n].idx <= s.applied; n++ {
		s.appliedWaiters[n].done <- nil
	}
	s.appliedWaiters = s.appliedWaiters[n:]
}

func (s *Server) resolveReads(maxID ReadID) {
	kept := s.readWaiters[:0]
	for _, w := range s.readWaiters {
		if w.id <= maxID {
			w.done <- readResult{idx: w.idx}
			continue
		}
		kept = append(kept, w)
	}
	s.readWaiters = kept
}

func (s *Server) configurationChanged(cfg Configuration) {
	members := cfg.Members()
	added, removed := diffMembers(s.members, members)
	s.members = members
	s.logger.Info("configuration changed", "serverId", s.id, "groupId", s.cfg.GroupID,
		"joint", cfg.IsJoint(), "added", len(added), "removed", len(removed))
	if len(added) > 0 || len(removed) > 0 {
		s.rpc.OnConfigurationChange(added, removed)
	}
}

func (s *Server) stateChanged() {
	role := s.fsm.Role()
	if role != s.lastRole {
		s.metrics.roleChanged(role)
		s.lastRole = role
	}
	s.logger.Info("raft state changed", "serverId", s.id, "groupId", s.cfg.GroupID,
		"role", role, "leader", s.fsm.CurrentLeader(), "term", s.fsm.CurrentTerm())
	if s.fsm.IsLeader() {
		return
	}
	err := notLeader(s.fsm.CurrentLeader())
	for _, w := range s.readWaiters {
		w.done <- readResult{err: err}
	}
	for _, r := range s.pendingReads {
		r.done <- readResult{err: err}
	}
	for _, ch := range s.stepdownWaiters {
		ch <- nil
	}
	s.readWaiters, s.pendingReads, s.stepdownWaiters = nil, nil, nil
}

// retryPending re-runs operations that waited for the log to shrink or for
// the leader to commit an entry of its term.
func (s *Server) retryPending() {
	if len(s.admission) > 0 && (!s.fsm.IsLeader() || s.fsm.Log().Len() < s.cfg.MaxLogSize) {
		pending := s.admission
		s.admission = nil
		for _, fn := range pending {
			fn()
		}
	}
	if len(s.pendingReads) > 0 {
		if term, _ := s.fsm.Log().TermFor(s.fsm.CommitIndex()); term == s.fsm.CurrentTerm() {
			pending := s.pendingReads
			s.pendingReads = nil
			for _, r := range pending {
				s.startRead(r.requester, r.done)
			}
		}
	}
}

func (s *Server) handleApplierEvents() error {
	for _, ev := range s.applier.events.take() {
		switch ev.kind {
		case eventApplied:
			if ev.idx > s.applied {
				s.applied = ev.idx
			}
			s.resolveApplied()
		case eventSnapshotTaken:
			snp := SnapshotDescriptor{
				Index:  ev.idx,
				Term:   ev.term,
				Config: s.fsm.Log().ConfigurationFor(ev.idx),
				ID:     ev.id,
			}
			s.fsm.ApplySnapshot(snp, s.cfg.SnapshotTrailing, true)
		case eventSnapshotLoaded:
			s.loadedSeq = ev.loadSeq
			if ev.idx > s.applied {
				s.applied = ev.idx
			}
			s.resolveApplied()
			kept := s.deferredReplies[:0]
			for _, d := range s.deferredReplies {
				if d.seq <= s.loadedSeq {
					s.deliverSnapshotReply(d.to, d.reply)
					continue
				}
				kept = append(kept, d)
			}
			s.deferredReplies = kept
		case eventFailed:
			return ev.err
		}
	}
	return nil
}

func (s *Server) sendMessages(msgs []Envelope) {
	for _, env := range msgs {
		switch m := env.Message.(type) {
		case SnapshotReply:
			if m.Success && s.loadSeq > s.loadedSeq {
				// Acknowledge only after the state machine loaded it.
				s.deferredReplies = append(s.deferredReplies, deferredReply{to: env.To, reply: m, seq: s.loadSeq})
				continue
			}
			s.deliverSnapshotReply(env.To, m)
		case InstallSnapshot:
			s.sendSnapshot(env.To, m)
		default:
			s.send(env.To, m)
		}
		s.metrics.messageSent(env.Message)
	}
}

func (s *Server) send(to ServerID, msg Message) {
	ctx := s.ctx
	var err error
	switch m := msg.(type) {
	case VoteRequest:
		err = s.rpc.SendVoteRequest(ctx, to, m)
	case VoteReply:
		err = s.rpc.SendVoteReply(ctx, to, m)
	case AppendRequest:
		err = s.rpc.SendAppendEntries(ctx, to, m)
	case AppendReply:
		err = s.rpc.SendAppendEntriesReply(ctx, to, m)
	case TimeoutNow:
		err = s.rpc.SendTimeoutNow(ctx, to, m)
	case ReadQuorum:
		err = s.rpc.SendReadQuorum(ctx, to, m)
	case ReadQuorumReply:
		err = s.rpc.SendReadQuorumReply(ctx, to, m)
	}
	if err != nil {
		s.logger.Debug("failed to send message", "serverId", s.id, "to", to,
			"type", MessageName(msg), "error", err)
	}
}

func (s *Server) deliverSnapshotReply(to ServerID, m SnapshotReply) {
	if ch, ok := s.installWaiters[to]; ok {
		delete(s.installWaiters, to)
		ch <- m
	}
}

// sendSnapshot transfers a snapshot in the background and steps the reply
// back into the Fsm.
func (s *Server) sendSnapshot(to ServerID, m InstallSnapshot) {
	s.transfers.Add(1)
	go func() {
		defer s.transfers.Done()
		reply, err := s.transferSnapshot(to, m)
		if err != nil {
			s.logger.Warn("snapshot transfer failed", "serverId", s.id, "to", to,
				"snapshotIdx", m.Snapshot.Index, "error", err)
			reply = SnapshotReply{CurrentTerm: m.CurrentTerm, Success: false}
		}
		_ = s.post(s.ctx, func() { s.fsm.Step(to, reply) })
	}()
}

func (s *Server) transferSnapshot(to ServerID, m InstallSnapshot) (SnapshotReply, error) {
	if ts, ok := s.sm.(SnapshotTransfer); ok {
		data, err := ts.ExportSnapshot(s.ctx, m.Snapshot.ID)
		if err != nil {
			return SnapshotReply{}, errors.Wrapf(err, "export snapshot %s", m.Snapshot.ID)
		}
		m.Data = data
	}
	return s.rpc.SendInstallSnapshot(s.ctx, to, m)
}

// Handle steps a message received from another server.
func (s *Server) Handle(from ServerID, m Message) {
	_ = s.post(s.ctx, func() { s.fsm.Step(from, m) })
}

// HandleInstallSnapshot steps a snapshot sent by the leader and returns the
// reply once the snapshot is persisted and loaded. A payload carried in the
// message is stored in the state machine before the Fsm sees the snapshot,
// so a persisted descriptor always has its data behind it.
func (s *Server) HandleInstallSnapshot(ctx context.Context, from ServerID, m InstallSnapshot) (SnapshotReply, error) {
	imported := false
	if ts, ok := s.sm.(SnapshotTransfer); ok && m.Data != nil {
		if err := ts.ImportSnapshot(ctx, m.Snapshot.ID, m.Data); err != nil {
			s.logger.Warn("failed to import snapshot", "serverId", s.id, "from", from,
				"snapshotId", m.Snapshot.ID, "snapshotIdx", m.Snapshot.Index, "error", err)
			return SnapshotReply{}, errors.Wrapf(err, "import snapshot %s", m.Snapshot.ID)
		}
		imported = true
		m.Data = nil
	}

	done := make(chan SnapshotReply, 1)
	err := s.post(ctx, func() {
		if prev, ok := s.installWaiters[from]; ok {
			prev <- SnapshotReply{CurrentTerm: s.fsm.CurrentTerm()}
		}
		s.installWaiters[from] = done
		s.fsm.Step(from, m)
		if imported && s.fsm.Log().Snapshot().ID != m.Snapshot.ID {
			// Not taken. Drop the payload behind any pending load.
			s.applier.in.push(applyItem{drop: []SnapshotID{m.Snapshot.ID}})
		}
	})
	if err != nil && imported {
		s.sm.DropSnapshot(m.Snapshot.ID)
	}
	if err != nil {
		return SnapshotReply{}, err
	}
	return await(ctx, s, done)
}

// HandleAddEntry appends a command forwarded by a follower and returns its
// position without waiting for the commit.
func (s *Server) HandleAddEntry(ctx context.Context, from ServerID, command []byte) (Term, Index, error) {
	return s.submit(ctx, command, nil)
}

// HandleModifyConfig applies a configuration change forwarded by a
// follower.
func (s *Server) HandleModifyConfig(ctx context.Context, from ServerID, add []ServerAddress, del []ServerID) error {
	return s.modifyConfig(ctx, add, del)
}

// HandleReadBarrier runs a read barrier for a follower and returns the
// index the follower must apply before reading.
func (s *Server) HandleReadBarrier(ctx context.Context, from ServerID) (Index, error) {
	return s.readIndex(ctx, from)
}

var _ RPCServer = (*Server)(nil)
