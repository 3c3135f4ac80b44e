package raft

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Step feeds a message received from another server into the Fsm.
func (f *Fsm) Step(from ServerID, msg Message) {
	if from == f.id {
		panic(errors.AssertionFailedf("fsm %s: message from self", f.id))
	}
	term := msg.Term()
	switch {
	case term > f.currentTerm:
		var leader ServerID
		ignoreTerm := false
		switch m := msg.(type) {
		case AppendRequest, InstallSnapshot, ReadQuorum:
			leader = from
		case VoteRequest:
			if !m.Force && f.hasRecentLeader() {
				// A server that heard from a live leader within the
				// election timeout does not let a candidate disrupt it.
				f.logger.Debug("ignoring vote request from disruptive candidate",
					"serverId", f.id, "from", from, "term", term, "currentTerm", f.currentTerm)
				return
			}
			ignoreTerm = m.IsPrevote
		case VoteReply:
			// A granted pre-vote carries the term the candidate asked
			// for, which is not a real term yet.
			ignoreTerm = m.IsPrevote && m.VoteGranted
		}
		if !ignoreTerm {
			f.becomeFollower(leader)
			f.updateCurrentTerm(term)
		}

	case term < f.currentTerm:
		// Answer stale leaders and candidates so they learn the new term.
		switch m := msg.(type) {
		case AppendRequest:
			f.send(from, AppendReply{
				CurrentTerm: f.currentTerm,
				CommitIdx:   f.commitIdx,
				Result:      AppendRejected{NonMatchingIdx: m.PrevLogIdx, LastIdx: f.log.LastIndex()},
			})
		case InstallSnapshot:
			f.send(from, SnapshotReply{CurrentTerm: f.currentTerm, Success: false})
		case VoteRequest:
			if m.IsPrevote {
				f.send(from, VoteReply{CurrentTerm: f.currentTerm, VoteGranted: false, IsPrevote: true})
			}
		}
		return

	default:
		switch msg.(type) {
		case AppendRequest, InstallSnapshot, ReadQuorum:
			switch s := f.role.(type) {
			case *candidateState:
				f.becomeFollower(from)
			case *followerState:
				if s.leader.IsZero() {
					s.leader = from
				}
			case *leaderState:
				panic(errors.AssertionFailedf("fsm %s: two leaders in term %d: %s", f.id, term, from))
			}
			if leader := f.CurrentLeader(); leader != from {
				panic(errors.AssertionFailedf("fsm %s: message from %s, but leader of term %d is %s",
					f.id, from, term, leader))
			}
			f.lastElectionTime = f.clock
		}
	}

	switch m := msg.(type) {
	case AppendRequest:
		f.appendEntries(from, m)
	case AppendReply:
		if f.IsLeader() {
			f.appendEntriesReply(from, m)
		}
	case VoteRequest:
		f.requestVote(from, m)
	case VoteReply:
		if f.IsCandidate() {
			f.requestVoteReply(from, m)
		}
	case InstallSnapshot:
		f.send(from, SnapshotReply{CurrentTerm: f.currentTerm, Success: f.installSnapshot(m)})
	case SnapshotReply:
		if f.IsLeader() {
			f.installSnapshotReply(from, m)
		}
	case TimeoutNow:
		if !f.IsLeader() {
			f.logger.Info("leadership transfer requested", "serverId", f.id, "from", from, "term", f.currentTerm)
			f.becomeCandidate(false, true)
		}
	case ReadQuorum:
		f.advanceCommitIdx(m.LeaderCommitIdx)
		f.send(from, ReadQuorumReply{CurrentTerm: f.currentTerm, CommitIdx: f.commitIdx, ID: m.ID})
	case ReadQuorumReply:
		if f.IsLeader() {
			f.handleReadQuorumReply(from, m)
		}
	default:
		panic(fmt.Sprintf("raft: unknown message type %T", msg))
	}
}

func (f *Fsm) appendEntries(from ServerID, m AppendRequest) {
	if ok, _ := f.log.MatchTerm(m.PrevLogIdx, m.PrevLogTerm); !ok {
		f.send(from, AppendReply{
			CurrentTerm: f.currentTerm,
			CommitIdx:   f.commitIdx,
			Result:      AppendRejected{NonMatchingIdx: m.PrevLogIdx, LastIdx: f.log.LastIndex()},
		})
		return
	}

	lastNew := m.PrevLogIdx
	if len(m.Entries) > 0 {
		stable := f.log.StableIndex()
		var err error
		lastNew, err = f.log.MaybeAppend(m.Entries)
		if err != nil {
			panic(err)
		}
		if s := f.log.StableIndex(); s < stable {
			f.noteTruncation(s + 1)
		}
	}
	f.advanceCommitIdx(min(m.LeaderCommitIdx, lastNew))
	f.send(from, AppendReply{
		CurrentTerm: f.currentTerm,
		CommitIdx:   f.commitIdx,
		Result:      AppendAccepted{LastNewIdx: lastNew},
	})
}

func (f *Fsm) requestVote(from ServerID, m VoteRequest) {
	canVote := f.votedFor == from ||
		(f.votedFor.IsZero() && f.CurrentLeader().IsZero()) ||
		(m.IsPrevote && m.CurrentTerm > f.currentTerm)

	if canVote && f.log.IsUpToDate(m.LastLogIdx, m.LastLogTerm) {
		if !m.IsPrevote {
			f.lastElectionTime = f.clock
			f.votedFor = from
		}
		// For pre-votes the reply carries the requested term.
		f.send(from, VoteReply{CurrentTerm: m.CurrentTerm, VoteGranted: true, IsPrevote: m.IsPrevote})
		return
	}
	f.send(from, VoteReply{CurrentTerm: f.currentTerm, VoteGranted: false, IsPrevote: m.IsPrevote})
}

func (f *Fsm) requestVoteReply(from ServerID, m VoteReply) {
	state := f.role.(*candidateState)
	if state.prevote != m.IsPrevote {
		return
	}
	state.votes.registerVote(from, m.VoteGranted)
	switch state.votes.tallyVotes() {
	case voteWon:
		if state.prevote {
			f.becomeCandidate(false, false)
		} else {
			f.becomeLeader()
		}
	case voteLost:
		f.becomeFollower(ServerID{})
	}
}

func (f *Fsm) installSnapshot(m InstallSnapshot) bool {
	if m.Snapshot.Index <= f.commitIdx {
		// Everything the snapshot covers is already committed here.
		return true
	}
	return f.ApplySnapshot(m.Snapshot, 0, false)
}
