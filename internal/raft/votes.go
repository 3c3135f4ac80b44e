package raft

// voteResult is the outcome of an election tally.
type voteResult uint8

const (
	voteUnknown voteResult = iota
	voteWon
	voteLost
)

func (r voteResult) String() string {
	switch r {
	case voteWon:
		return "won"
	case voteLost:
		return "lost"
	default:
		return "unknown"
	}
}

// electionTracker counts votes of a single member set.
type electionTracker struct {
	suffrage  map[ServerID]struct{}
	responded map[ServerID]struct{}
	granted   int
}

func newElectionTracker(members ServerAddressSet) *electionTracker {
	t := &electionTracker{
		suffrage:  make(map[ServerID]struct{}, len(members)),
		responded: make(map[ServerID]struct{}, len(members)),
	}
	for id, a := range members {
		if a.CanVote {
			t.suffrage[id] = struct{}{}
		}
	}
	return t
}

// registerVote records a vote. Votes of non-voters and repeated votes are
// ignored.
func (t *electionTracker) registerVote(from ServerID, granted bool) bool {
	if _, ok := t.suffrage[from]; !ok {
		return false
	}
	if _, ok := t.responded[from]; ok {
		return false
	}
	t.responded[from] = struct{}{}
	if granted {
		t.granted++
	}
	return true
}

func (t *electionTracker) tally() voteResult {
	quorum := len(t.suffrage)/2 + 1
	if t.granted >= quorum {
		return voteWon
	}
	unknown := len(t.suffrage) - len(t.responded)
	if t.granted+unknown >= quorum {
		return voteUnknown
	}
	return voteLost
}

// votes tallies an election over a possibly joint configuration: a candidate
// must win both member sets.
type votes struct {
	voters   ServerAddressSet
	current  *electionTracker
	previous *electionTracker
}

func newVotes(cfg Configuration) *votes {
	v := &votes{
		voters:  cfg.Members().Voters(),
		current: newElectionTracker(cfg.Current),
	}
	if cfg.IsJoint() {
		v.previous = newElectionTracker(cfg.Previous)
	}
	return v
}

func (v *votes) registerVote(from ServerID, granted bool) {
	v.current.registerVote(from, granted)
	if v.previous != nil {
		v.previous.registerVote(from, granted)
	}
}

func (v *votes) tallyVotes() voteResult {
	cur := v.current.tally()
	if v.previous == nil {
		return cur
	}
	prev := v.previous.tally()
	switch {
	case cur == voteLost || prev == voteLost:
		return voteLost
	case cur == voteWon && prev == voteWon:
		return voteWon
	default:
		return voteUnknown
	}
}
