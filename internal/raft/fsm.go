package raft

import (
	"encoding/binary"
	"math/rand"

	"github.com/cockroachdb/errors"
)

// ElectionTimeout is the minimal number of ticks without a live leader
// before a follower starts an election.
const ElectionTimeout = 10

// Role is the role a server plays in its group.
type Role uint8

// Roles.
const (
	RoleFollower Role = iota
	RolePreCandidate
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RolePreCandidate:
		return "pre-candidate"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// roleState is the role-specific part of the Fsm state.
type roleState interface {
	role() Role
}

type followerState struct {
	leader ServerID
}

type candidateState struct {
	votes   *votes
	prevote bool
}

type leaderState struct {
	tracker *tracker

	// stepdown is the tick by which leadership transfer must complete.
	stepdown       uint64
	stepdownActive bool
	timeoutNowSent ServerID

	lastReadID          ReadID
	lastReadIDChanged   bool
	maxReadIDWithQuorum ReadID
}

func (*followerState) role() Role { return RoleFollower }
func (*leaderState) role() Role   { return RoleLeader }
func (s *candidateState) role() Role {
	if s.prevote {
		return RolePreCandidate
	}
	return RoleCandidate
}

// FsmConfig tunes the Fsm.
type FsmConfig struct {
	// AppendRequestThreshold bounds the entry bytes of one append request.
	AppendRequestThreshold int
	// EnablePrevoting makes followers run a pre-vote before an election.
	EnablePrevoting bool
	// Seed seeds the election timeout randomization. When zero it is
	// derived from the server id.
	Seed   int64
	Logger Logger
}

// TermAndVote is a term and vote pair to persist.
type TermAndVote struct {
	Term     Term
	VotedFor ServerID
}

// AppliedSnapshot is a snapshot the Fsm switched to. Local snapshots were
// taken by this server; remote ones came from the leader and must be loaded
// into the state machine.
type AppliedSnapshot struct {
	Snapshot           SnapshotDescriptor
	IsLocal            bool
	PreserveLogEntries int
}

// Output is a batch of work produced by the Fsm. Term and vote, snapshot,
// truncation and entries must be persisted before Messages are sent.
type Output struct {
	TermAndVote *TermAndVote
	Snapshot    *AppliedSnapshot
	// TruncateFrom, when non-zero, is the index from which persisted
	// entries must be removed before Entries are stored.
	TruncateFrom Index
	Entries      []*LogEntry
	Messages     []Envelope
	Committed    []*LogEntry

	SnapshotsToDrop []SnapshotID
	// Configuration is set when the effective configuration changed.
	Configuration *Configuration

	MaxReadIDWithQuorum     ReadID
	StateChanged            bool
	AbortLeadershipTransfer bool
}

type observedState struct {
	term       Term
	votedFor   ServerID
	commitIdx  Index
	confIdx    Index
	snapIdx    Index
	role       Role
	leader     ServerID
	readQuorum ReadID
}

// Fsm is the Raft protocol state machine of one server. It performs no I/O
// and is not safe for concurrent use: inputs are Step and Tick, results are
// collected with GetOutput.
type Fsm struct {
	id     ServerID
	cfg    FsmConfig
	logger Logger
	fd     FailureDetector

	currentTerm Term
	votedFor    ServerID
	commitIdx   Index
	log         *Log
	role        roleState

	clock                     uint64
	lastElectionTime          uint64
	randomizedElectionTimeout uint64
	rng                       *rand.Rand

	messages        []Envelope
	observed        observedState
	lastConfig      Configuration
	handedOutIdx    Index
	persistedIdx    Index
	truncateFrom    Index
	snapshot        *AppliedSnapshot
	snapshotsToDrop []SnapshotID
	abortTransfer   bool
}

// NewFsm creates the state machine from persisted state. A server that is
// the only voter of its configuration becomes leader right away.
func NewFsm(id ServerID, term Term, votedFor ServerID, log *Log, commitIdx Index, fd FailureDetector, cfg FsmConfig) *Fsm {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(binary.LittleEndian.Uint64(id[:8]))
	}
	if commitIdx < log.Snapshot().Index {
		commitIdx = log.Snapshot().Index
	}
	f := &Fsm{
		id:           id,
		cfg:          cfg,
		logger:       logger,
		fd:           fd,
		currentTerm:  term,
		votedFor:     votedFor,
		commitIdx:    commitIdx,
		log:          log,
		role:         &followerState{},
		rng:          rand.New(rand.NewSource(seed)),
		handedOutIdx: log.StableIndex(),
		persistedIdx: log.StableIndex(),
	}
	f.resetElectionTimeout()
	f.lastConfig = log.Configuration()
	f.observed = f.observe()

	cfgNow := log.Configuration()
	if !cfgNow.IsJoint() && cfgNow.Current.VoterCount() == 1 && cfgNow.CanVote(id) {
		f.becomeCandidate(cfg.EnablePrevoting, false)
	}
	return f
}

// ID returns the server id.
func (f *Fsm) ID() ServerID { return f.id }

// CurrentTerm returns the current term.
func (f *Fsm) CurrentTerm() Term { return f.currentTerm }

// VotedFor returns the vote cast in the current term.
func (f *Fsm) VotedFor() ServerID { return f.votedFor }

// CommitIndex returns the commit index.
func (f *Fsm) CommitIndex() Index { return f.commitIdx }

// Log gives read access to the log.
func (f *Fsm) Log() *Log { return f.log }

// Role returns the current role.
func (f *Fsm) Role() Role { return f.role.role() }

// IsLeader reports whether the server is the leader.
func (f *Fsm) IsLeader() bool {
	_, ok := f.role.(*leaderState)
	return ok
}

// IsFollower reports whether the server is a follower.
func (f *Fsm) IsFollower() bool {
	_, ok := f.role.(*followerState)
	return ok
}

// IsCandidate reports whether the server is a candidate or pre-candidate.
func (f *Fsm) IsCandidate() bool {
	_, ok := f.role.(*candidateState)
	return ok
}

// IsPrevoteCandidate reports whether the server runs a pre-vote.
func (f *Fsm) IsPrevoteCandidate() bool {
	c, ok := f.role.(*candidateState)
	return ok && c.prevote
}

// CurrentLeader returns the leader known to this server or the zero id.
func (f *Fsm) CurrentLeader() ServerID {
	switch s := f.role.(type) {
	case *leaderState:
		return f.id
	case *followerState:
		return s.leader
	default:
		return ServerID{}
	}
}

// Configuration returns the newest configuration in the log.
func (f *Fsm) Configuration() Configuration {
	return f.log.Configuration()
}

// ElectionElapsed returns ticks since the last heartbeat or election reset.
func (f *Fsm) ElectionElapsed() uint64 {
	return f.clock - f.lastElectionTime
}

// LeadershipTransferActive reports whether the leader is stepping down.
func (f *Fsm) LeadershipTransferActive() bool {
	ls, ok := f.role.(*leaderState)
	return ok && ls.stepdownActive
}

func (f *Fsm) leader() *leaderState {
	ls, ok := f.role.(*leaderState)
	if !ok {
		panic(errors.AssertionFailedf("fsm %s is not a leader", f.id))
	}
	return ls
}

func (f *Fsm) send(to ServerID, m Message) {
	f.messages = append(f.messages, Envelope{To: to, Message: m})
}

func (f *Fsm) resetElectionTimeout() {
	f.randomizedElectionTimeout = ElectionTimeout + 1 + uint64(f.rng.Intn(ElectionTimeout))
}

func (f *Fsm) updateCurrentTerm(term Term) {
	if term <= f.currentTerm {
		panic(errors.AssertionFailedf("fsm %s: term %d does not advance %d", f.id, term, f.currentTerm))
	}
	f.currentTerm = term
	f.votedFor = ServerID{}
}

func (f *Fsm) becomeFollower(leader ServerID) {
	if leader == f.id {
		panic(errors.AssertionFailedf("fsm %s: cannot follow self", f.id))
	}
	if f.IsLeader() {
		f.logger.Info("stepped down", "serverId", f.id, "term", f.currentTerm)
	}
	f.role = &followerState{leader: leader}
	if !leader.IsZero() {
		f.lastElectionTime = f.clock
	}
}

func (f *Fsm) becomeCandidate(prevote, force bool) {
	cfg := f.log.Configuration()
	if !cfg.CanVote(f.id) {
		// Non-voters never campaign.
		f.becomeFollower(ServerID{})
		f.lastElectionTime = f.clock
		return
	}
	state := &candidateState{votes: newVotes(cfg), prevote: prevote}
	f.role = state
	f.resetElectionTimeout()
	f.lastElectionTime = f.clock

	term := f.currentTerm + 1
	if !prevote {
		f.updateCurrentTerm(term)
	}
	f.logger.Debug("started election", "serverId", f.id, "term", term, "prevote", prevote, "force", force)

	for _, id := range state.votes.voters.IDs() {
		if id == f.id {
			state.votes.registerVote(id, true)
			if !prevote {
				f.votedFor = f.id
			}
			continue
		}
		f.send(id, VoteRequest{
			CurrentTerm: term,
			LastLogIdx:  f.log.LastIndex(),
			LastLogTerm: f.log.LastTerm(),
			IsPrevote:   prevote,
			Force:       force,
		})
	}
	if state.votes.tallyVotes() == voteWon {
		if prevote {
			f.becomeCandidate(false, force)
		} else {
			f.becomeLeader()
		}
	}
}

func (f *Fsm) becomeLeader() {
	ls := &leaderState{tracker: newTracker()}
	f.role = ls
	f.lastElectionTime = f.clock
	f.logger.Info("became leader", "serverId", f.id, "term", f.currentTerm)

	// Committing an entry of the new term also commits everything before
	// it.
	f.appendEntry(&LogEntry{Kind: EntryDummy})
	ls.tracker.setConfiguration(f.log.Configuration(), f.log.LastIndex())
	if self := ls.tracker.find(f.id); self != nil {
		self.accepted(f.persistedIdx)
	}

	cfg := f.log.Configuration()
	if cfg.IsJoint() && f.commitIdx >= f.log.LastConfIndex() {
		// The previous leader committed the joint configuration but did not
		// get to append the final one.
		cfg = cfg.Clone()
		cfg.LeaveJoint()
		f.appendEntry(&LogEntry{Kind: EntryConfiguration, Config: &cfg})
	}
}

// Tick advances the logical clock by one tick.
func (f *Fsm) Tick() {
	f.clock++
	switch {
	case f.IsLeader():
		f.tickLeader()
	case f.hasStableLeader():
		f.lastElectionTime = f.clock
	case f.ElectionElapsed() >= f.randomizedElectionTimeout:
		f.becomeCandidate(f.cfg.EnablePrevoting, false)
	}
}

func (f *Fsm) hasStableLeader() bool {
	leader := f.CurrentLeader()
	return !leader.IsZero() && f.log.Configuration().CanVote(leader) && f.fd.IsAlive(leader)
}

// hasRecentLeader reports whether a leader was heard from within the
// election timeout.
func (f *Fsm) hasRecentLeader() bool {
	return !f.CurrentLeader().IsZero() && f.ElectionElapsed() < ElectionTimeout
}

func (f *Fsm) advanceCommitIdx(leaderCommitIdx Index) {
	newCommit := min(leaderCommitIdx, f.log.LastIndex())
	if newCommit > f.commitIdx {
		f.commitIdx = newCommit
	}
}

// noteTruncation records that persisted entries from idx on were removed
// from the log.
func (f *Fsm) noteTruncation(idx Index) {
	if f.truncateFrom == 0 || idx < f.truncateFrom {
		f.truncateFrom = idx
	}
	if f.handedOutIdx >= idx {
		f.handedOutIdx = idx - 1
	}
	if f.persistedIdx >= idx {
		f.persistedIdx = idx - 1
	}
}

// ApplySnapshot switches the log to a snapshot. Local snapshots keep
// trailing entries; remote snapshots come from the leader. It returns false
// if the snapshot is not newer than the current one.
func (f *Fsm) ApplySnapshot(snp SnapshotDescriptor, trailing int, local bool) bool {
	current := f.log.Snapshot()
	if local && snp.Index > f.commitIdx {
		panic(errors.AssertionFailedf("fsm %s: local snapshot %d past commit index %d", f.id, snp.Index, f.commitIdx))
	}
	if snp.Index <= current.Index {
		f.snapshotsToDrop = append(f.snapshotsToDrop, snp.ID)
		return false
	}
	if !current.ID.IsZero() {
		f.snapshotsToDrop = append(f.snapshotsToDrop, current.ID)
	}
	if snp.Index > f.commitIdx {
		f.commitIdx = snp.Index
	}
	if !local && f.observed.commitIdx < snp.Index {
		// Entries covered by a remote snapshot are never applied one by one.
		f.observed.commitIdx = snp.Index
	}
	stable := f.log.StableIndex()
	if _, err := f.log.ApplySnapshot(snp, trailing); err != nil {
		panic(err)
	}
	if f.log.Empty() && stable > snp.Index {
		f.noteTruncation(snp.Index + 1)
	}
	f.snapshot = &AppliedSnapshot{
		Snapshot:           snp,
		IsLocal:            local,
		PreserveLogEntries: trailing,
	}
	return true
}

func (f *Fsm) observe() observedState {
	o := observedState{
		term:      f.currentTerm,
		votedFor:  f.votedFor,
		commitIdx: f.commitIdx,
		confIdx:   f.log.LastConfIndex(),
		snapIdx:   f.log.Snapshot().Index,
		role:      f.Role(),
		leader:    f.CurrentLeader(),
	}
	if ls, ok := f.role.(*leaderState); ok {
		o.readQuorum = ls.maxReadIDWithQuorum
	}
	return o
}

// HasOutput reports whether GetOutput would return a non-empty batch.
func (f *Fsm) HasOutput() bool {
	if f.log.LastIndex() > f.log.StableIndex() || f.truncateFrom > 0 || len(f.messages) > 0 {
		return true
	}
	if f.snapshot != nil || len(f.snapshotsToDrop) > 0 || f.abortTransfer {
		return true
	}
	if ls, ok := f.role.(*leaderState); ok {
		if ls.lastReadIDChanged || f.handedOutIdx > f.persistedIdx {
			return true
		}
	}
	return f.observe() != f.observed
}

// GetOutput returns the work accumulated since the previous call. Calling
// it again tells the Fsm that the previous batch has been persisted.
func (f *Fsm) GetOutput() Output {
	f.persistedIdx = f.handedOutIdx
	if ls, ok := f.role.(*leaderState); ok {
		if self := ls.tracker.find(f.id); self != nil {
			self.accepted(f.persistedIdx)
		}
		f.maybeCommit()
	}
	if ls, ok := f.role.(*leaderState); ok {
		f.replicate()
		if ls.lastReadIDChanged {
			ls.lastReadIDChanged = false
			f.broadcastReadQuorum(ls.lastReadID)
		}
	}

	var out Output
	now := f.observe()
	if now.term != f.observed.term || now.votedFor != f.observed.votedFor {
		out.TermAndVote = &TermAndVote{Term: f.currentTerm, VotedFor: f.votedFor}
	}
	out.Snapshot, f.snapshot = f.snapshot, nil
	out.TruncateFrom, f.truncateFrom = f.truncateFrom, 0
	if last := f.log.LastIndex(); last > f.log.StableIndex() {
		for idx := max(f.log.StableIndex()+1, f.log.FirstIndex()); idx <= last; idx++ {
			out.Entries = append(out.Entries, f.log.At(idx))
		}
		f.log.StableTo(last)
	}
	f.handedOutIdx = f.log.StableIndex()

	if f.commitIdx > f.observed.commitIdx {
		for idx := max(f.observed.commitIdx+1, f.log.FirstIndex()); idx <= f.commitIdx; idx++ {
			out.Committed = append(out.Committed, f.log.At(idx))
		}
	}
	out.Messages, f.messages = f.messages, nil
	out.SnapshotsToDrop, f.snapshotsToDrop = f.snapshotsToDrop, nil
	out.AbortLeadershipTransfer, f.abortTransfer = f.abortTransfer, false
	if ls, ok := f.role.(*leaderState); ok {
		out.MaxReadIDWithQuorum = ls.maxReadIDWithQuorum
	}
	if now.confIdx != f.observed.confIdx || now.snapIdx != f.observed.snapIdx {
		if cfg := f.log.Configuration(); !cfg.Equal(f.lastConfig) {
			f.lastConfig = cfg
			out.Configuration = &cfg
		}
	}
	out.StateChanged = now.role != f.observed.role || now.leader != f.observed.leader
	f.observed = now
	return out
}
