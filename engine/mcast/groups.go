package mcast

import (
	"sync"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/sub"
)

// GroupKey identifies one delivery group: the observers sharing an identical
// (object, channel) requirement
type GroupKey struct {
	Object  common.ObjectID
	Channel channel.Channel
}

// Group is a derived delivery group. Groups are never authoritative: they are
// patched from subscription transitions every tick and can always be rebuilt
// from the subscription table.
type Group struct {
	Key     GroupKey
	members common.ObserverIDSet
}

// Members returns a copy of the member set
func (g *Group) Members() common.ObserverIDSet {
	return g.members.Copy()
}

// Len returns the member count
func (g *Group) Len() int {
	return len(g.members)
}

// Manager maintains the delivery groups incrementally: cost is proportional
// to subscription deltas, not to total subscription count
type Manager struct {
	mu     sync.RWMutex
	groups map[GroupKey]*Group
}

// NewManager creates an empty Manager
func NewManager() *Manager {
	return &Manager{groups: map[GroupKey]*Group{}}
}

// Apply patches group membership from one pass's subscription transitions
func (m *Manager) Apply(changes sub.Changes) {
	if changes.Empty() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range changes.Started {
		gkey := GroupKey{Object: key.Object, Channel: key.Channel}
		g, ok := m.groups[gkey]
		if !ok {
			g = &Group{Key: gkey, members: common.ObserverIDSet{}}
			m.groups[gkey] = g
		}
		g.members.Add(key.Observer)
	}
	for _, key := range changes.Ended {
		gkey := GroupKey{Object: key.Object, Channel: key.Channel}
		g, ok := m.groups[gkey]
		if !ok {
			continue
		}
		g.members.Remove(key.Observer)
		if len(g.members) == 0 {
			delete(m.groups, gkey)
		}
	}
}

// MembersOf returns a copy of the member set of (object, channel); empty set
// if no group exists
func (m *Manager) MembersOf(object common.ObjectID, c channel.Channel) common.ObserverIDSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[GroupKey{Object: object, Channel: c}]
	if !ok {
		return common.ObserverIDSet{}
	}
	return g.members.Copy()
}

// GroupCount returns the number of non-empty groups
func (m *Manager) GroupCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// GroupCountByChannel returns the number of non-empty groups per channel
func (m *Manager) GroupCountByChannel() map[channel.Channel]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[channel.Channel]int{}
	for gkey := range m.groups {
		counts[gkey.Channel]++
	}
	return counts
}

// RemoveObject synchronously drops every group of the object
func (m *Manager) RemoveObject(id common.ObjectID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gkey := range m.groups {
		if gkey.Object == id {
			delete(m.groups, gkey)
		}
	}
}

// RemoveObserver synchronously drops the observer from every group
func (m *Manager) RemoveObserver(id common.ObserverID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for gkey, g := range m.groups {
		g.members.Remove(id)
		if len(g.members) == 0 {
			delete(m.groups, gkey)
		}
	}
}

// Rebuild reconstructs all groups from a subscription table snapshot. The
// incremental path keeps groups exact; Rebuild exists for recovery and for
// verifying the consistency law in tests.
func (m *Manager) Rebuild(snapshot map[sub.Key]sub.State) {
	groups := map[GroupKey]*Group{}
	for key, state := range snapshot {
		if state != sub.Active {
			continue
		}
		gkey := GroupKey{Object: key.Object, Channel: key.Channel}
		g, ok := groups[gkey]
		if !ok {
			g = &Group{Key: gkey, members: common.ObserverIDSet{}}
			groups[gkey] = g
		}
		g.members.Add(key.Observer)
	}
	m.mu.Lock()
	m.groups = groups
	m.mu.Unlock()
}

// ConsistentWith verifies that for every (object, channel) the member set
// exactly equals the Active observers of the snapshot
func (m *Manager) ConsistentWith(snapshot map[sub.Key]sub.State) bool {
	want := map[GroupKey]common.ObserverIDSet{}
	for key, state := range snapshot {
		if state != sub.Active {
			continue
		}
		gkey := GroupKey{Object: key.Object, Channel: key.Channel}
		if want[gkey] == nil {
			want[gkey] = common.ObserverIDSet{}
		}
		want[gkey].Add(key.Observer)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(want) != len(m.groups) {
		return false
	}
	for gkey, members := range want {
		g, ok := m.groups[gkey]
		if !ok || len(g.members) != len(members) {
			return false
		}
		for id := range members {
			if !g.members.Contains(id) {
				return false
			}
		}
	}
	return true
}
