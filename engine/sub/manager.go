package sub

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/config"
	"github.com/gorcnet/gorc/engine/consts"
	"github.com/gorcnet/gorc/engine/gorclog"
	"github.com/gorcnet/gorc/engine/lod"
	"github.com/gorcnet/gorc/engine/spatial"
)

// ErrObserverNotFound is returned for operations on unknown observers
var ErrObserverNotFound = errors.Errorf("observer not found")

// Observer is the per-player record driving subscription decisions
type Observer struct {
	ID  common.ObserverID
	Pos spatial.Position
	// Relations maps object or group ids to affinity tags
	Relations map[common.ObjectID]Affinity
	// Interest maps activity categories to scores in [0, 1]
	Interest map[string]float64
}

type objectInfo struct {
	tag common.TypeTag
	// group is the owning group id, 0 if none; relationship lookups consult
	// the object id first, then the group id
	group common.ObjectID
}

// Manager computes, per tick, the active (observer, object, channel) relation
// from three overlaid criteria: proximity with asymmetric hysteresis,
// relationship override, and interest promotion/demotion.
//
// The pass is two-phased: a read-only candidate computation (parallel across
// top-level spatial quadrants) followed by table mutation. The read lock is
// fully released before the write lock is taken.
type Manager struct {
	mu        sync.RWMutex
	cfg       config.ReplicationConfig
	registry  *channel.Registry
	index     *spatial.Index
	lod       *lod.Manager
	observers map[common.ObserverID]*Observer
	objects   map[common.ObjectID]*objectInfo
	table     map[Key]*Subscription
}

// NewManager creates a Manager over the given registry and spatial index
func NewManager(cfg *config.ReplicationConfig, registry *channel.Registry, index *spatial.Index, lodman *lod.Manager) *Manager {
	return &Manager{
		cfg:       *cfg,
		registry:  registry,
		index:     index,
		lod:       lodman,
		observers: map[common.ObserverID]*Observer{},
		objects:   map[common.ObjectID]*objectInfo{},
		table:     map[Key]*Subscription{},
	}
}

// AddObserver registers an observer at pos. Adding an existing observer moves it.
func (m *Manager) AddObserver(id common.ObserverID, pos spatial.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obs, ok := m.observers[id]; ok {
		obs.Pos = pos
		return
	}
	m.observers[id] = &Observer{
		ID:        id,
		Pos:       pos,
		Relations: map[common.ObjectID]Affinity{},
		Interest:  map[string]float64{},
	}
}

// MoveObserver updates the observer position. Unknown observers are a no-op:
// a position update racing with a disconnect is not an error.
func (m *Manager) MoveObserver(id common.ObserverID, pos spatial.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obs, ok := m.observers[id]; ok {
		obs.Pos = pos
	}
}

// SetRelationship sets the observer's affinity toward an object or group id.
// AffinityNone removes the relationship.
func (m *Manager) SetRelationship(id common.ObserverID, target common.ObjectID, affinity Affinity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.observers[id]
	if !ok {
		return errors.Wrapf(ErrObserverNotFound, "%s", id)
	}
	if affinity == AffinityNone {
		delete(obs.Relations, target)
	} else {
		obs.Relations[target] = affinity
	}
	return nil
}

// SetInterest sets the observer's interest score for an activity category.
// Scores are clamped into [0, 1]; a zero score removes the entry.
func (m *Manager) SetInterest(id common.ObserverID, category string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obs, ok := m.observers[id]
	if !ok {
		return errors.Wrapf(ErrObserverNotFound, "%s", id)
	}
	if score <= 0 {
		delete(obs.Interest, category)
		return nil
	}
	if score > 1 {
		score = 1
	}
	obs.Interest[category] = score
	return nil
}

// RemoveObserver drops the observer and synchronously purges every one of its
// subscriptions, so no packet can be addressed to it after this call returns
func (m *Manager) RemoveObserver(id common.ObserverID) Changes {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes Changes
	if _, ok := m.observers[id]; !ok {
		return changes
	}
	delete(m.observers, id)
	for key, s := range m.table {
		if key.Observer == id {
			s.State = PendingExit
			delete(m.table, key)
			changes.Ended = append(changes.Ended, key)
		}
	}
	return changes
}

// AddObject registers an object of a registered type at pos
func (m *Manager) AddObject(id common.ObjectID, tag common.TypeTag, pos spatial.Position) error {
	if _, err := m.registry.Layers(tag); err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[id] = &objectInfo{tag: tag}
	m.mu.Unlock()
	m.index.Insert(id, pos)
	return nil
}

// SetObjectGroup sets the owning group id of an object, 0 for none
func (m *Manager) SetObjectGroup(id common.ObjectID, group common.ObjectID) {
	m.mu.Lock()
	if info, ok := m.objects[id]; ok {
		info.group = group
	}
	m.mu.Unlock()
}

// MoveObject updates the object position in the spatial index. Unknown ids are
// tolerated the same way the index tolerates them.
func (m *Manager) MoveObject(id common.ObjectID, pos spatial.Position) {
	m.mu.RLock()
	_, known := m.objects[id]
	m.mu.RUnlock()
	if !known {
		return
	}
	m.index.Update(id, pos)
}

// RemoveObject drops the object and synchronously purges every subscription to
// it before the next pass
func (m *Manager) RemoveObject(id common.ObjectID) Changes {
	m.index.Remove(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	var changes Changes
	if _, ok := m.objects[id]; !ok {
		return changes
	}
	delete(m.objects, id)
	for key, s := range m.table {
		if key.Object == id {
			s.State = PendingExit
			delete(m.table, key)
			changes.Ended = append(changes.Ended, key)
		}
	}
	// drop direct relationships toward the gone object; group relations
	// outlive any single member
	for _, obs := range m.observers {
		delete(obs.Relations, id)
	}
	return changes
}

// ObjectType returns the registered type tag of an object
func (m *Manager) ObjectType(id common.ObjectID) (common.TypeTag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.objects[id]
	if !ok {
		return "", false
	}
	return info.tag, true
}

// Get returns the subscription state of a key; absence is Unsubscribed
func (m *Manager) Get(key Key) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.table[key]; ok {
		return s.State
	}
	return Unsubscribed
}

// Snapshot returns a copy of the active subscription table
func (m *Manager) Snapshot() map[Key]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := make(map[Key]State, len(m.table))
	for key, s := range m.table {
		snap[key] = s.State
	}
	return snap
}

// CountByChannel returns the number of active subscriptions per channel
func (m *Manager) CountByChannel() map[channel.Channel]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[channel.Channel]int{}
	for key := range m.table {
		counts[key.Channel]++
	}
	return counts
}

// ObserverCount returns the number of registered observers
func (m *Manager) ObserverCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// ObjectCount returns the number of registered objects
func (m *Manager) ObjectCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// desiredKey is one (object, channel) requirement computed for an observer
type desiredKey struct {
	key      Key
	forced   bool
	promoted bool
}

// UpdateSubscriptions recomputes the subscription table for the tick and
// returns the started/ended transitions. Running it twice on the same
// snapshot yields the same table and an empty second Changes.
func (m *Manager) UpdateSubscriptions(tick int64) Changes {
	// phase 1: read-only candidate computation, parallel across the four
	// top-level spatial quadrants
	m.mu.RLock()
	queryRadius := m.registry.GlobalMaxRadius() * spatial.Coord(1+m.cfg.HysteresisMargin)

	buckets := [4][]*Observer{}
	for _, obs := range m.observers {
		q := m.index.RootQuadrant(obs.Pos)
		buckets[q] = append(buckets[q], obs)
	}

	results := [4][]desiredKey{}
	var wg sync.WaitGroup
	for q := 0; q < 4; q++ {
		if len(buckets[q]) == 0 {
			continue
		}
		wg.Add(1)
		go func(q int) {
			defer wg.Done()
			var out []desiredKey
			for _, obs := range buckets[q] {
				out = m.computeObserver(obs, queryRadius, out)
			}
			results[q] = out
		}(q)
	}
	wg.Wait()
	m.mu.RUnlock()

	// phase 2: table mutation, only after the read lock is fully released
	desired := map[Key]desiredKey{}
	for q := 0; q < 4; q++ {
		for _, d := range results[q] {
			desired[d.key] = d
		}
	}

	var changes Changes
	m.mu.Lock()
	for key, d := range desired {
		if s, ok := m.table[key]; ok {
			s.Forced = d.forced
			s.Promoted = d.promoted
			continue
		}
		m.table[key] = &Subscription{
			Key:       key,
			State:     Active,
			EnterTick: tick,
			Forced:    d.forced,
			Promoted:  d.promoted,
		}
		changes.Started = append(changes.Started, key)
		if consts.DEBUG_SUBSCRIPTIONS {
			gorclog.Debugf("sub: %s started (forced=%v promoted=%v)", key, d.forced, d.promoted)
		}
	}
	for key, s := range m.table {
		if _, ok := desired[key]; ok {
			continue
		}
		s.State = PendingExit
		delete(m.table, key)
		changes.Ended = append(changes.Ended, key)
		if consts.DEBUG_SUBSCRIPTIONS {
			gorclog.Debugf("sub: %s ended", key)
		}
	}
	m.mu.Unlock()
	return changes
}

// computeObserver overlays the three criteria for one observer. Callers hold
// the manager read lock; everything here is read-only.
func (m *Manager) computeObserver(obs *Observer, queryRadius spatial.Coord, out []desiredKey) []desiredKey {
	candidates := m.index.QueryRadius(obs.Pos, queryRadius)

	for objID := range candidates {
		info, ok := m.objects[objID]
		if !ok {
			// stale index entry; tolerate and skip, the owner purges it
			continue
		}
		objPos, ok := m.index.PositionOf(objID)
		if !ok {
			continue
		}
		d := obs.Pos.DistanceTo(objPos)
		layers, err := m.registry.Layers(info.tag)
		if err != nil {
			continue
		}

		// criterion 1: proximity with asymmetric hysteresis
		passing := map[channel.Channel]bool{}
		for _, layer := range layers {
			key := Key{Observer: obs.ID, Object: objID, Channel: layer.Channel}
			enterR := layer.Radius
			exitR := enterR * spatial.Coord(1+m.cfg.HysteresisMargin)
			if s, ok := m.table[key]; ok && s.State == Active && !s.Promoted {
				// already subscribed: keep until the exit radius is crossed
				if d <= exitR {
					passing[layer.Channel] = true
				}
			} else if d <= enterR {
				// not subscribed (or only interest-promoted): the enter
				// radius itself must be crossed
				passing[layer.Channel] = true
			}
		}

		// criterion 3: interest promotion and demotion, never touching Critical
		m.applyInterest(obs, info.tag, d, passing)

		for c := range passing {
			out = append(out, desiredKey{
				key:      Key{Observer: obs.ID, Object: objID, Channel: c},
				promoted: m.isPromoted(info.tag, c, d),
			})
		}
	}

	// criterion 2: relationship override, independent of distance
	for target, affinity := range obs.Relations {
		if affinity.Tier() < m.cfg.RelationshipTier {
			continue
		}
		for _, objID := range m.resolveRelationTargets(target) {
			info := m.objects[objID]
			c := affinity.Channel()
			if !m.registry.HasLayer(info.tag, c) {
				continue
			}
			out = append(out, desiredKey{
				key:    Key{Observer: obs.ID, Object: objID, Channel: c},
				forced: true,
			})
		}
	}
	return out
}

// resolveRelationTargets maps a relationship target id to object ids: the id
// itself if it is an object, otherwise every object owned by the group
func (m *Manager) resolveRelationTargets(target common.ObjectID) []common.ObjectID {
	if _, ok := m.objects[target]; ok {
		return []common.ObjectID{target}
	}
	var members []common.ObjectID
	for id, info := range m.objects {
		if info.group == target {
			members = append(members, id)
		}
	}
	return members
}

// applyInterest blends the observer's interest score for the object's category
// with a proximity score, then promotes or demotes the most detailed passing
// non-Critical channel. Critical is never interest-demoted: gameplay
// correctness outranks preference.
func (m *Manager) applyInterest(obs *Observer, tag common.TypeTag, d spatial.Coord, passing map[channel.Channel]bool) {
	category, err := m.registry.Category(tag)
	if err != nil || category == "" {
		return
	}
	score := m.interestScore(obs, tag, category, d)

	best := channel.NumChannels
	for c := range passing {
		if c == channel.Critical {
			continue
		}
		if best == channel.NumChannels || c.Priority() < best.Priority() {
			best = c
		}
	}
	if best == channel.NumChannels {
		return
	}

	if score >= m.cfg.InterestPromoteThreshold {
		up := best.MoreDetailed()
		if up != best && !passing[up] && m.registry.HasLayer(tag, up) {
			passing[up] = true
		}
	} else if score <= m.cfg.InterestDemoteThreshold {
		delete(passing, best)
	}
}

func (m *Manager) interestScore(obs *Observer, tag common.TypeTag, category string, d spatial.Coord) float64 {
	maxR, err := m.lod.MaxRadius(tag)
	if err != nil || maxR <= 0 {
		return 0
	}
	prox := 1 - float64(d)/float64(maxR)
	if prox < 0 {
		prox = 0
	} else if prox > 1 {
		prox = 1
	}
	// an absent category score is neutral, not low: demotion requires an
	// expressed lack of interest
	interest, ok := obs.Interest[category]
	if !ok {
		interest = 0.5
	}
	return interest*m.cfg.InterestWeight + prox*m.cfg.ProximityWeight
}

// isPromoted reports whether channel c for this type at distance d is outside
// its own proximity band, i.e. only interest keeps it alive
func (m *Manager) isPromoted(tag common.TypeTag, c channel.Channel, d spatial.Coord) bool {
	layer, err := m.registry.Layer(tag, c)
	if err != nil {
		return false
	}
	return d > layer.Radius*spatial.Coord(1+m.cfg.HysteresisMargin)
}
