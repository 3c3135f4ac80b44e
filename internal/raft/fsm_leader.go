package raft

// AddEntry appends an application command to the leader's log.
func (f *Fsm) AddEntry(command []byte) (*LogEntry, error) {
	if err := f.checkWritable(); err != nil {
		return nil, err
	}
	return f.appendEntry(&LogEntry{Kind: EntryCommand, Command: command}), nil
}

// AddConfiguration starts a joint-consensus transition to next.
func (f *Fsm) AddConfiguration(next ServerAddressSet) (*LogEntry, error) {
	if err := f.checkWritable(); err != nil {
		return nil, err
	}
	cfg := f.log.Configuration()
	if f.log.LastConfIndex() > f.commitIdx || cfg.IsJoint() {
		return nil, ErrConfChangeInProgress
	}
	cfg = cfg.Clone()
	if err := cfg.EnterJoint(next); err != nil {
		return nil, err
	}
	return f.appendEntry(&LogEntry{Kind: EntryConfiguration, Config: &cfg}), nil
}

func (f *Fsm) checkWritable() error {
	ls, ok := f.role.(*leaderState)
	if !ok {
		return notLeader(f.CurrentLeader())
	}
	if ls.stepdownActive {
		return notLeader(ServerID{})
	}
	return nil
}

// appendEntry stamps e with the current term and next index and appends it.
// Configuration entries take effect as soon as they are in the log.
func (f *Fsm) appendEntry(e *LogEntry) *LogEntry {
	ls := f.leader()
	e.Term = f.currentTerm
	e.Index = f.log.NextIndex()
	if err := f.log.Append(e); err != nil {
		panic(err)
	}
	if e.Kind == EntryConfiguration {
		ls.tracker.setConfiguration(f.log.Configuration(), f.log.LastIndex())
	}
	return e
}

func (f *Fsm) replicate() {
	ls := f.leader()
	ls.tracker.each(func(p *followerProgress) {
		if p.id != f.id {
			f.replicateTo(p, false)
		}
	})
}

// replicateTo sends as much as the follower's progress state allows. With
// allowEmpty one empty append may be sent when there is nothing new.
func (f *Fsm) replicateTo(p *followerProgress, allowEmpty bool) {
	for p.canSendTo() {
		nextIdx := p.nextIdx
		if p.nextIdx > f.log.LastIndex() {
			nextIdx = 0
			if !allowEmpty {
				return
			}
		}
		allowEmpty = false

		prevIdx := p.nextIdx - 1
		prevTerm, ok := f.log.TermFor(prevIdx)
		if !ok {
			snp := f.log.Snapshot()
			p.becomeSnapshot(snp.Index)
			f.logger.Debug("sending snapshot", "serverId", f.id, "to", p.id, "snapshotIdx", snp.Index)
			f.send(p.id, InstallSnapshot{CurrentTerm: f.currentTerm, Snapshot: snp})
			return
		}

		req := AppendRequest{
			CurrentTerm:     f.currentTerm,
			PrevLogIdx:      prevIdx,
			PrevLogTerm:     prevTerm,
			LeaderCommitIdx: f.commitIdx,
		}
		if nextIdx > 0 {
			size := 0
			for nextIdx <= f.log.LastIndex() && size < f.cfg.AppendRequestThreshold {
				e := f.log.At(nextIdx)
				req.Entries = append(req.Entries, e)
				size += e.Size()
				nextIdx++
				if p.state == progressProbe {
					break
				}
			}
			if len(req.Entries) == 0 {
				// A zero threshold still sends one entry at a time.
				req.Entries = append(req.Entries, f.log.At(nextIdx))
				nextIdx++
			}
			if p.state == progressPipeline {
				p.inFlight++
				p.nextIdx = nextIdx
			}
		}
		f.send(p.id, req)
		if p.state == progressProbe {
			p.probeSent = true
		}
	}
}

func (f *Fsm) appendEntriesReply(from ServerID, m AppendReply) {
	ls := f.leader()
	p := ls.tracker.find(from)
	if p == nil {
		return
	}
	if p.state == progressPipeline && p.inFlight > 0 {
		p.inFlight--
	}
	if m.CommitIdx > p.commitIdx {
		p.commitIdx = m.CommitIdx
	}

	switch r := m.Result.(type) {
	case AppendAccepted:
		p.accepted(r.LastNewIdx)
		p.becomePipeline()

		if ls.stepdownActive && ls.timeoutNowSent.IsZero() && p.canVote && p.matchIdx == f.log.LastIndex() {
			f.sendTimeoutNow(p.id)
			if !f.IsLeader() {
				return
			}
		}
		f.maybeCommit()
		if !f.IsLeader() {
			return
		}
	case AppendRejected:
		if p.isStrayReject(r) {
			return
		}
		// Resume from the mismatch or from the end of the follower's log,
		// whichever comes first.
		p.nextIdx = min(r.NonMatchingIdx, r.LastIdx+1)
		p.becomeProbe()
	}

	// The configuration may have changed in maybeCommit.
	if p = f.leader().tracker.find(from); p != nil {
		f.replicateTo(p, false)
	}
}

func (f *Fsm) maybeCommit() {
	ls := f.leader()
	newCommit := ls.tracker.committed(f.commitIdx)
	if newCommit <= f.commitIdx {
		return
	}
	if term, _ := f.log.TermFor(newCommit); term != f.currentTerm {
		// Entries of earlier terms are committed only by committing an
		// entry of the current term.
		return
	}
	committedConfChange := f.commitIdx < f.log.LastConfIndex() && newCommit >= f.log.LastConfIndex()
	f.commitIdx = newCommit

	if !committedConfChange {
		return
	}
	cfg := f.log.Configuration()
	if cfg.IsJoint() {
		cfg = cfg.Clone()
		cfg.LeaveJoint()
		f.logger.Info("leaving joint configuration", "serverId", f.id, "term", f.currentTerm)
		f.appendEntry(&LogEntry{Kind: EntryConfiguration, Config: &cfg})
		// The smaller quorum may already cover more entries.
		f.maybeCommit()
		return
	}
	if self := ls.tracker.find(f.id); self == nil || !self.canVote {
		f.logger.Info("leader is not a voter of the committed configuration, stepping down",
			"serverId", f.id, "term", f.currentTerm)
		_ = f.transferLeadership(ElectionTimeout)
	}
}

func (f *Fsm) installSnapshotReply(from ServerID, m SnapshotReply) {
	p := f.leader().tracker.find(from)
	if p == nil || p.state != progressSnapshot {
		return
	}
	p.becomeProbe()
	if m.Success {
		f.replicateTo(p, false)
	}
}

// TransferLeadership starts a graceful stepdown. A fully replicated voter is
// asked to campaign; the transfer is aborted after timeout ticks.
func (f *Fsm) TransferLeadership(timeout uint64) error {
	if !f.IsLeader() {
		return notLeader(f.CurrentLeader())
	}
	return f.transferLeadership(timeout)
}

func (f *Fsm) transferLeadership(timeout uint64) error {
	ls := f.leader()
	self := ls.tracker.find(f.id)
	if f.log.Configuration().Current.VoterCount() == 1 && self != nil && self.canVote {
		return ErrNoOtherVotingMember
	}
	ls.stepdown = f.clock + timeout
	ls.stepdownActive = true
	ls.timeoutNowSent = ServerID{}

	var target *followerProgress
	ls.tracker.each(func(p *followerProgress) {
		if target == nil && p.id != f.id && p.canVote && p.matchIdx == f.log.LastIndex() {
			target = p
		}
	})
	if target != nil {
		f.sendTimeoutNow(target.id)
	}
	return nil
}

func (f *Fsm) sendTimeoutNow(id ServerID) {
	ls := f.leader()
	f.logger.Info("transferring leadership", "serverId", f.id, "to", id, "term", f.currentTerm)
	f.send(id, TimeoutNow{CurrentTerm: f.currentTerm})
	ls.timeoutNowSent = id
	if self := ls.tracker.find(f.id); self == nil || !self.canVote {
		// A leader outside the configuration cannot win the next election
		// anyway.
		f.becomeFollower(ServerID{})
	}
}

func (f *Fsm) tickLeader() {
	ls := f.leader()
	if f.ElectionElapsed() >= 2*ElectionTimeout {
		f.logger.Warn("lost contact with quorum", "serverId", f.id, "term", f.currentTerm)
		f.becomeFollower(ServerID{})
		return
	}

	active := ls.tracker.activity()
	active.record(f.id)
	ls.tracker.each(func(p *followerProgress) {
		if p.id == f.id {
			return
		}
		if f.fd.IsAlive(p.id) {
			active.record(p.id)
		}
		switch p.state {
		case progressProbe:
			// One probe per follower per tick.
			p.probeSent = false
		case progressPipeline:
			if p.inFlight == maxInFlight {
				p.inFlight--
			}
		case progressSnapshot:
			return
		}
		if p.matchIdx < f.log.LastIndex() || p.commitIdx < f.commitIdx {
			f.replicateTo(p, true)
		}
	})

	if ls.lastReadID != ls.maxReadIDWithQuorum {
		// Resend the newest read barrier in case messages were lost.
		f.broadcastReadQuorum(ls.lastReadID)
	}
	if active.quorum() {
		f.lastElectionTime = f.clock
	}
	if ls.stepdownActive && ls.stepdown <= f.clock {
		if self := ls.tracker.find(f.id); self == nil || !self.canVote {
			f.becomeFollower(ServerID{})
			return
		}
		f.logger.Info("leadership transfer timed out", "serverId", f.id, "term", f.currentTerm)
		ls.stepdownActive = false
		ls.timeoutNowSent = ServerID{}
		f.abortTransfer = true
	}
}

// StartReadBarrier starts a read barrier on behalf of requester. ok is
// false when the leader has not committed an entry of its term yet; the
// caller should retry after the next commit.
func (f *Fsm) StartReadBarrier(requester ServerID) (id ReadID, readIdx Index, ok bool, err error) {
	ls, isLeader := f.role.(*leaderState)
	if !isLeader {
		return 0, 0, false, notLeader(f.CurrentLeader())
	}
	if requester != f.id && ls.tracker.find(requester) == nil {
		return 0, 0, false, ErrReadBarrierOutsideConfig
	}
	if term, _ := f.log.TermFor(f.commitIdx); term != f.currentTerm {
		return 0, 0, false, nil
	}
	ls.lastReadID++
	ls.lastReadIDChanged = true
	return ls.lastReadID, f.commitIdx, true, nil
}

func (f *Fsm) broadcastReadQuorum(id ReadID) {
	ls := f.leader()
	ls.tracker.each(func(p *followerProgress) {
		if !p.canVote {
			return
		}
		if p.id == f.id {
			f.handleReadQuorumReply(f.id, ReadQuorumReply{CurrentTerm: f.currentTerm, CommitIdx: f.commitIdx, ID: id})
			return
		}
		f.send(p.id, ReadQuorum{
			CurrentTerm:     f.currentTerm,
			LeaderCommitIdx: min(p.matchIdx, f.commitIdx),
			ID:              id,
		})
	})
}

func (f *Fsm) handleReadQuorumReply(from ServerID, m ReadQuorumReply) {
	ls := f.leader()
	p := ls.tracker.find(from)
	if p == nil {
		return
	}
	if m.CommitIdx > p.commitIdx {
		p.commitIdx = m.CommitIdx
	}
	if m.ID > p.maxAckedRead {
		p.maxAckedRead = m.ID
	}
	if m.ID <= ls.maxReadIDWithQuorum {
		return
	}
	if read := ls.tracker.committedRead(ls.maxReadIDWithQuorum); read > ls.maxReadIDWithQuorum {
		ls.maxReadIDWithQuorum = read
	}
}
