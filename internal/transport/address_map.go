package transport

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/KilimcininKorOglu/metaraft/internal/raft"
)

// DefaultAddressTTL is how long a learned address is kept once no group
// configuration references it.
const DefaultAddressTTL = time.Hour

type addressEntry struct {
	id        raft.ServerID
	addr      string
	permanent bool
	// refs counts the group configurations that reference the server.
	refs      int
	expiresAt time.Time
}

func expiryLess(a, b *addressEntry) bool {
	if !a.expiresAt.Equal(b.expiresAt) {
		return a.expiresAt.Before(b.expiresAt)
	}
	return a.id.String() < b.id.String()
}

// AddressMap maps server ids to network addresses. Servers referenced by a
// group configuration are permanent; addresses learned from traffic expire
// after the TTL.
type AddressMap struct {
	mu      sync.Mutex
	entries map[raft.ServerID]*addressEntry
	expiry  *btree.BTreeG[*addressEntry]
	ttl     time.Duration
	now     func() time.Time
}

// NewAddressMap creates an address map. A zero ttl uses DefaultAddressTTL.
func NewAddressMap(ttl time.Duration) *AddressMap {
	if ttl <= 0 {
		ttl = DefaultAddressTTL
	}
	return &AddressMap{
		entries: make(map[raft.ServerID]*addressEntry),
		expiry:  btree.NewG[*addressEntry](8, expiryLess),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Find returns the address of id.
func (m *AddressMap) Find(id raft.ServerID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return e.addr, true
}

// SetPermanent records addr for id and pins it until Release is called as
// many times as SetPermanent.
func (m *AddressMap) SetPermanent(id raft.ServerID, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &addressEntry{id: id}
		m.entries[id] = e
	} else if !e.permanent {
		m.expiry.Delete(e)
	}
	if addr != "" {
		e.addr = addr
	}
	e.permanent = true
	e.refs++
}

// SetExpiring records an address learned from traffic. It refreshes the
// expiry of non-permanent entries and never overrides a permanent address.
func (m *AddressMap) SetExpiring(id raft.ServerID, addr string) {
	if addr == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if ok && e.permanent {
		return
	}
	if ok {
		m.expiry.Delete(e)
	} else {
		e = &addressEntry{id: id}
		m.entries[id] = e
	}
	e.addr = addr
	e.expiresAt = m.now().Add(m.ttl)
	m.expiry.ReplaceOrInsert(e)
}

// Release drops one permanent reference. The address starts expiring when
// no reference is left.
func (m *AddressMap) Release(id raft.ServerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || !e.permanent {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.permanent = false
	e.refs = 0
	e.expiresAt = m.now().Add(m.ttl)
	m.expiry.ReplaceOrInsert(e)
}

// Sweep removes expired entries and returns how many were removed.
func (m *AddressMap) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var expired []*addressEntry
	m.expiry.Ascend(func(e *addressEntry) bool {
		if e.expiresAt.After(now) {
			return false
		}
		expired = append(expired, e)
		return true
	})
	for _, e := range expired {
		m.expiry.Delete(e)
		delete(m.entries, e.id)
	}
	return len(expired)
}

// Len returns the number of known addresses.
func (m *AddressMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// IDs returns the ids of all known servers.
func (m *AddressMap) IDs() []raft.ServerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]raft.ServerID, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}
