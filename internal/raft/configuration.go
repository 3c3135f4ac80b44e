package raft

import (
	"bytes"
	"sort"

	"golang.org/x/exp/maps"
)

// ServerAddress describes a member of a Raft group. Info is opaque to the
// core and carries whatever the transport needs to reach the server.
type ServerAddress struct {
	ID      ServerID
	CanVote bool
	Info    []byte
}

// ServerAddressSet is a set of members keyed by server id.
type ServerAddressSet map[ServerID]ServerAddress

// NewServerAddressSet builds a set from the given addresses.
func NewServerAddressSet(addrs ...ServerAddress) ServerAddressSet {
	s := make(ServerAddressSet, len(addrs))
	for _, a := range addrs {
		s[a.ID] = a
	}
	return s
}

// Contains reports whether id is a member of the set.
func (s ServerAddressSet) Contains(id ServerID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the member ids in a stable order.
func (s ServerAddressSet) IDs() []ServerID {
	ids := maps.Keys(s)
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// Voters returns the subset of members that can vote.
func (s ServerAddressSet) Voters() ServerAddressSet {
	out := make(ServerAddressSet, len(s))
	for id, a := range s {
		if a.CanVote {
			out[id] = a
		}
	}
	return out
}

// VoterCount returns the number of voting members.
func (s ServerAddressSet) VoterCount() int {
	n := 0
	for _, a := range s {
		if a.CanVote {
			n++
		}
	}
	return n
}

// Clone returns a copy of the set.
func (s ServerAddressSet) Clone() ServerAddressSet {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

// Equal reports whether both sets hold the same members with the same
// voting rights and info.
func (s ServerAddressSet) Equal(o ServerAddressSet) bool {
	return maps.EqualFunc(s, o, func(a, b ServerAddress) bool {
		return a.ID == b.ID && a.CanVote == b.CanVote && bytes.Equal(a.Info, b.Info)
	})
}

// Configuration is the membership of a Raft group. Previous is non-empty
// only while a joint-consensus transition is in progress.
type Configuration struct {
	Current  ServerAddressSet
	Previous ServerAddressSet
}

// NewConfiguration returns a non-joint configuration.
func NewConfiguration(current ServerAddressSet) Configuration {
	return Configuration{Current: current}
}

// IsJoint reports whether the configuration is in transition.
func (c Configuration) IsJoint() bool {
	return len(c.Previous) > 0
}

// EnterJoint starts a transition from the current member set to next.
func (c *Configuration) EnterJoint(next ServerAddressSet) error {
	if len(next) == 0 {
		return ErrEmptyConfiguration
	}
	if next.VoterCount() == 0 {
		return ErrNoVoters
	}
	c.Previous = c.Current
	c.Current = next.Clone()
	return nil
}

// LeaveJoint completes a transition, dropping the previous member set.
func (c *Configuration) LeaveJoint() {
	c.Previous = nil
}

// Contains reports whether id is a member of either member set.
func (c Configuration) Contains(id ServerID) bool {
	return c.Current.Contains(id) || c.Previous.Contains(id)
}

// CanVote reports whether id is a voter in either member set.
func (c Configuration) CanVote(id ServerID) bool {
	if a, ok := c.Current[id]; ok && a.CanVote {
		return true
	}
	if a, ok := c.Previous[id]; ok && a.CanVote {
		return true
	}
	return false
}

// Members returns the union of both member sets. Entries of the current
// set take precedence.
func (c Configuration) Members() ServerAddressSet {
	out := make(ServerAddressSet, len(c.Current)+len(c.Previous))
	for id, a := range c.Previous {
		out[id] = a
	}
	for id, a := range c.Current {
		out[id] = a
	}
	return out
}

// Clone returns a deep copy of the configuration maps.
func (c Configuration) Clone() Configuration {
	return Configuration{
		Current:  c.Current.Clone(),
		Previous: c.Previous.Clone(),
	}
}

// Equal reports whether both configurations have the same member sets.
func (c Configuration) Equal(o Configuration) bool {
	return c.Current.Equal(o.Current) && c.Previous.Equal(o.Previous)
}

// diffMembers returns members of next that are absent from prev and ids of
// prev that are absent from next.
func diffMembers(prev, next ServerAddressSet) (added []ServerAddress, removed []ServerID) {
	for _, id := range next.IDs() {
		if a, ok := prev[id]; !ok || !bytes.Equal(a.Info, next[id].Info) {
			added = append(added, next[id])
		}
	}
	for _, id := range prev.IDs() {
		if !next.Contains(id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}
