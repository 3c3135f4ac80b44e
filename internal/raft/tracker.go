package raft

import "sort"

// progressState is the replication mode of a follower.
type progressState uint8

const (
	// progressProbe sends one append at a time until the follower's log
	// position is found.
	progressProbe progressState = iota
	// progressPipeline streams appends optimistically.
	progressPipeline
	// progressSnapshot waits for a snapshot transfer to finish.
	progressSnapshot
)

func (s progressState) String() string {
	switch s {
	case progressProbe:
		return "probe"
	case progressPipeline:
		return "pipeline"
	case progressSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// maxInFlight bounds the append requests outstanding to a pipelined
// follower.
const maxInFlight = 10

// followerProgress is the leader's view of one member.
type followerProgress struct {
	id      ServerID
	canVote bool

	// nextIdx is the index of the next entry to send.
	nextIdx Index
	// matchIdx is the highest index known to be replicated.
	matchIdx Index
	// commitIdx is the highest commit index the follower reported.
	commitIdx Index

	state     progressState
	inFlight  int
	probeSent bool

	// maxAckedRead is the highest read barrier id the follower confirmed.
	maxAckedRead ReadID
}

func (p *followerProgress) becomeProbe() {
	p.state = progressProbe
	p.probeSent = false
}

func (p *followerProgress) becomePipeline() {
	if p.state != progressPipeline {
		p.state = progressPipeline
		p.inFlight = 0
	}
}

func (p *followerProgress) becomeSnapshot(snpIdx Index) {
	p.state = progressSnapshot
	p.nextIdx = snpIdx + 1
}

func (p *followerProgress) accepted(idx Index) {
	if idx > p.matchIdx {
		p.matchIdx = idx
	}
	if idx+1 > p.nextIdx {
		p.nextIdx = idx + 1
	}
}

func (p *followerProgress) canSendTo() bool {
	switch p.state {
	case progressProbe:
		return !p.probeSent
	case progressPipeline:
		return p.inFlight < maxInFlight
	default:
		return false
	}
}

// isStrayReject reports whether a rejection refers to a request the leader
// no longer cares about, e.g. a reordered or duplicated reply.
func (p *followerProgress) isStrayReject(r AppendRejected) bool {
	if r.NonMatchingIdx <= p.matchIdx {
		return true
	}
	if r.LastIdx < p.matchIdx {
		return true
	}
	switch p.state {
	case progressProbe:
		// A probe is sent with prev index nextIdx-1; anything else is an
		// answer to an older request.
		return r.NonMatchingIdx != p.nextIdx-1
	case progressSnapshot:
		return true
	default:
		return false
	}
}

// tracker holds the progress of every member of the leader's configuration,
// the leader included.
type tracker struct {
	followers map[ServerID]*followerProgress
	order     []ServerID

	currentVoters  map[ServerID]struct{}
	previousVoters map[ServerID]struct{}
}

func newTracker() *tracker {
	return &tracker{followers: make(map[ServerID]*followerProgress)}
}

func (t *tracker) find(id ServerID) *followerProgress {
	return t.followers[id]
}

// each calls fn for every tracked member in a stable order.
func (t *tracker) each(fn func(p *followerProgress)) {
	for _, id := range t.order {
		if p, ok := t.followers[id]; ok {
			fn(p)
		}
	}
}

// setConfiguration starts tracking the members of cfg. Progress of servers
// that remain members is kept; new members start replication from nextIdx.
func (t *tracker) setConfiguration(cfg Configuration, nextIdx Index) {
	members := cfg.Members()
	followers := make(map[ServerID]*followerProgress, len(members))
	for id := range members {
		p, ok := t.followers[id]
		if !ok {
			p = &followerProgress{id: id, nextIdx: nextIdx}
		}
		p.canVote = cfg.CanVote(id)
		followers[id] = p
	}
	t.followers = followers
	t.order = members.IDs()

	t.currentVoters = voterSet(cfg.Current)
	t.previousVoters = voterSet(cfg.Previous)
}

func voterSet(s ServerAddressSet) map[ServerID]struct{} {
	out := make(map[ServerID]struct{}, len(s))
	for id, a := range s {
		if a.CanVote {
			out[id] = struct{}{}
		}
	}
	return out
}

// committed returns the highest index replicated on a majority of both
// member sets, never less than prev.
func (t *tracker) committed(prev Index) Index {
	return trackerQuorum(t, prev, func(p *followerProgress) Index { return p.matchIdx })
}

// committedRead returns the highest read barrier id confirmed by a majority
// of both member sets, never less than prev.
func (t *tracker) committedRead(prev ReadID) ReadID {
	return trackerQuorum(t, prev, func(p *followerProgress) ReadID { return p.maxAckedRead })
}

func trackerQuorum[T ~uint64](t *tracker, prev T, value func(*followerProgress) T) T {
	current := newMatchVector(prev, len(t.currentVoters))
	previous := newMatchVector(prev, len(t.previousVoters))
	for id, p := range t.followers {
		if _, ok := t.currentVoters[id]; ok {
			current.count(value(p))
		}
		if _, ok := t.previousVoters[id]; ok {
			previous.count(value(p))
		}
	}
	if !current.committed() {
		return prev
	}
	if len(t.previousVoters) == 0 {
		return current.commitIdx()
	}
	if !previous.committed() {
		return prev
	}
	return min(current.commitIdx(), previous.commitIdx())
}

// matchVector finds the value reached by a majority of one member set.
type matchVector[T ~uint64] struct {
	match []T
	above int
	prev  T
}

func newMatchVector[T ~uint64](prev T, size int) *matchVector[T] {
	return &matchVector[T]{match: make([]T, 0, size), prev: prev}
}

func (m *matchVector[T]) count(v T) {
	m.match = append(m.match, v)
	if v > m.prev {
		m.above++
	}
}

// committed reports whether a majority moved past prev.
func (m *matchVector[T]) committed() bool {
	return m.above >= len(m.match)/2+1
}

// commitIdx returns the largest value reached by a majority.
func (m *matchVector[T]) commitIdx() T {
	sorted := append([]T(nil), m.match...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2]
}

// activityTracker checks whether a quorum of both member sets was recently
// heard from.
type activityTracker struct {
	current  *electionTracker
	previous *electionTracker
}

func (t *tracker) activity() *activityTracker {
	a := &activityTracker{current: &electionTracker{
		suffrage:  t.currentVoters,
		responded: make(map[ServerID]struct{}),
	}}
	if len(t.previousVoters) > 0 {
		a.previous = &electionTracker{
			suffrage:  t.previousVoters,
			responded: make(map[ServerID]struct{}),
		}
	}
	return a
}

func (a *activityTracker) record(id ServerID) {
	a.current.registerVote(id, true)
	if a.previous != nil {
		a.previous.registerVote(id, true)
	}
}

func (a *activityTracker) quorum() bool {
	if a.previous != nil && a.previous.tally() != voteWon {
		return false
	}
	return a.current.tally() == voteWon
}
