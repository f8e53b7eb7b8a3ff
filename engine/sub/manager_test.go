package sub

import (
	"testing"

	"github.com/bmizerany/assert"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/config"
	"github.com/gorcnet/gorc/engine/lod"
	"github.com/gorcnet/gorc/engine/spatial"
)

const (
	obsID = common.ObserverID(1)
	objID = common.ObjectID(100)
)

func newTestManager(t *testing.T) *Manager {
	cfg := config.Default()
	registry := channel.NewRegistry()
	err := registry.RegisterType("avatar", "combat", []channel.ReplicationLayer{
		{Channel: channel.Critical, Radius: 50, Properties: common.NewStringSet("pos", "hp")},
		{Channel: channel.Detailed, Radius: 150, Properties: common.NewStringSet("yaw", "anim")},
		{Channel: channel.Cosmetic, Radius: 400, Properties: common.NewStringSet("skin")},
	})
	if err != nil {
		t.Fatal(err)
	}
	index := spatial.NewIndex(&cfg.Spatial)
	return NewManager(&cfg.Replication, registry, index, lod.NewManager(registry))
}

func at(x float32) spatial.Position {
	return spatial.Position{X: spatial.Coord(x)}
}

// Critical enter radius 50, margin 0.1, exit 55: entering at 40 subscribes,
// oscillating inside (50, 55] keeps the subscription, crossing 55 evicts, and
// re-entry at 52 stays out because the *enter* threshold must be re-crossed.
func TestAsymmetricHysteresis(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(40)); err != nil {
		t.Fatal(err)
	}
	key := Key{Observer: obsID, Object: objID, Channel: channel.Critical}

	changes := m.UpdateSubscriptions(1)
	assert.Equal(t, Active, m.Get(key))
	if len(changes.Started) == 0 {
		t.Fatalf("entering inside the enter radius must subscribe within one pass")
	}

	// oscillate strictly inside the hysteresis band: no transitions at all
	for i, x := range []float32{52, 49, 54, 51, 53} {
		m.MoveObject(objID, at(x))
		changes = m.UpdateSubscriptions(int64(2 + i))
		for _, k := range changes.Started {
			if k == key {
				t.Fatalf("resubscribe while oscillating at x=%v", x)
			}
		}
		for _, k := range changes.Ended {
			if k == key {
				t.Fatalf("unsubscribe while oscillating at x=%v", x)
			}
		}
		assert.Equal(t, Active, m.Get(key))
	}

	// crossing the exit radius evicts within one pass
	m.MoveObject(objID, at(60))
	changes = m.UpdateSubscriptions(10)
	assert.Equal(t, Unsubscribed, m.Get(key))
	found := false
	for _, k := range changes.Ended {
		if k == key {
			found = true
		}
	}
	assert.T(t, found, "eviction must be reported")

	// back inside the exit radius but outside the enter radius: still out
	m.MoveObject(objID, at(52))
	m.UpdateSubscriptions(11)
	assert.Equal(t, Unsubscribed, m.Get(key))

	// re-crossing the enter radius resubscribes
	m.MoveObject(objID, at(48))
	m.UpdateSubscriptions(12)
	assert.Equal(t, Active, m.Get(key))
}

func TestNestedBandsSubscribeConcurrently(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(40)); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)

	// at distance 40 all three bands cover the object
	for _, c := range []channel.Channel{channel.Critical, channel.Detailed, channel.Cosmetic} {
		assert.Equal(t, Active, m.Get(Key{Observer: obsID, Object: objID, Channel: c}))
	}

	// at distance 200 only Cosmetic remains
	m.MoveObject(objID, at(200))
	m.UpdateSubscriptions(2)
	assert.Equal(t, Unsubscribed, m.Get(Key{Observer: obsID, Object: objID, Channel: channel.Critical}))
	assert.Equal(t, Unsubscribed, m.Get(Key{Observer: obsID, Object: objID, Channel: channel.Detailed}))
	assert.Equal(t, Active, m.Get(Key{Observer: obsID, Object: objID, Channel: channel.Cosmetic}))
}

// A team affinity forces the Detailed subscription at distance 300 even though
// the Detailed enter radius is 150, and holds it there across passes.
func TestRelationshipOverride(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(300)); err != nil {
		t.Fatal(err)
	}
	if err := m.SetRelationship(obsID, objID, AffinityTeam); err != nil {
		t.Fatal(err)
	}

	key := Key{Observer: obsID, Object: objID, Channel: channel.Detailed}
	m.UpdateSubscriptions(1)
	assert.Equal(t, Active, m.Get(key))
	m.UpdateSubscriptions(2)
	assert.Equal(t, Active, m.Get(key))

	// dropping the relationship releases the override and proximity takes over
	if err := m.SetRelationship(obsID, objID, AffinityNone); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(3)
	assert.Equal(t, Unsubscribed, m.Get(key))
}

func TestRelationshipBelowTierDoesNotForce(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(300)); err != nil {
		t.Fatal(err)
	}
	// friend tier 1 < configured tier 2
	if err := m.SetRelationship(obsID, objID, AffinityFriend); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)
	assert.Equal(t, Unsubscribed, m.Get(Key{Observer: obsID, Object: objID, Channel: AffinityFriend.Channel()}))
}

func TestGroupRelationshipCoversMembers(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	groupID := common.ObjectID(999)
	for _, id := range []common.ObjectID{100, 101} {
		if err := m.AddObject(id, "avatar", at(300)); err != nil {
			t.Fatal(err)
		}
		m.SetObjectGroup(id, groupID)
	}
	if err := m.SetRelationship(obsID, groupID, AffinityTeam); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)
	for _, id := range []common.ObjectID{100, 101} {
		assert.Equal(t, Active, m.Get(Key{Observer: obsID, Object: id, Channel: channel.Detailed}))
	}
}

// High interest inside the Cosmetic band grants Detailed beyond its radius;
// low interest sheds Detailed despite proximity. Critical is untouchable.
func TestInterestPromotionAndDemotion(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(200)); err != nil {
		t.Fatal(err)
	}
	detailedKey := Key{Observer: obsID, Object: objID, Channel: channel.Detailed}

	// neutral interest at distance 200: Cosmetic only
	if err := m.SetInterest(obsID, "combat", 0.5); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)
	assert.Equal(t, Unsubscribed, m.Get(detailedKey))

	// strong interest promotes Detailed beyond its band
	if err := m.SetInterest(obsID, "combat", 1.0); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(2)
	assert.Equal(t, Active, m.Get(detailedKey))

	// interest collapses: the promoted channel falls away again
	if err := m.SetInterest(obsID, "combat", 0.5); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(3)
	assert.Equal(t, Unsubscribed, m.Get(detailedKey))
}

func TestInterestNeverDemotesCritical(t *testing.T) {
	m := newTestManager(t)
	// weight interest alone so a rock-bottom score is guaranteed to hit the demote branch
	m.cfg.InterestWeight = 1.0
	m.cfg.ProximityWeight = 0.0
	m.AddObserver(obsID, at(0))
	if err := m.SetInterest(obsID, "combat", 0.05); err != nil {
		t.Fatal(err)
	}
	if err := m.AddObject(objID, "avatar", at(30)); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)

	// Detailed is shed by the zero interest score, Critical never is
	assert.Equal(t, Unsubscribed, m.Get(Key{Observer: obsID, Object: objID, Channel: channel.Detailed}))
	assert.Equal(t, Active, m.Get(Key{Observer: obsID, Object: objID, Channel: channel.Critical}))
}

func TestIdempotentForUnchangedInputs(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(40)); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)
	before := m.Snapshot()

	changes := m.UpdateSubscriptions(2)
	assert.T(t, changes.Empty(), "unchanged inputs must produce no transitions")
	after := m.Snapshot()
	assert.Equal(t, len(before), len(after))
	for key, state := range before {
		assert.Equal(t, state, after[key])
	}
}

func TestRemoveObjectPurgesSynchronously(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(40)); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)

	changes := m.RemoveObject(objID)
	if len(changes.Ended) != 3 {
		t.Fatalf("expected 3 purged subscriptions, got %d", len(changes.Ended))
	}
	assert.Equal(t, 0, len(m.Snapshot()))
	// the next pass must not resurrect anything
	changes = m.UpdateSubscriptions(2)
	assert.T(t, changes.Empty(), "removed object must stay gone")
}

func TestRemoveObserverPurgesSynchronously(t *testing.T) {
	m := newTestManager(t)
	m.AddObserver(obsID, at(0))
	if err := m.AddObject(objID, "avatar", at(40)); err != nil {
		t.Fatal(err)
	}
	m.UpdateSubscriptions(1)

	changes := m.RemoveObserver(obsID)
	assert.Equal(t, 3, len(changes.Ended))
	assert.Equal(t, 0, len(m.Snapshot()))
}

func TestUnregisteredTypeRejected(t *testing.T) {
	m := newTestManager(t)
	if err := m.AddObject(objID, "ghost", at(0)); err == nil {
		t.Fatalf("adding an object of an unregistered type must fail")
	}
}

func TestManyObserversAcrossQuadrants(t *testing.T) {
	m := newTestManager(t)
	// observers in all four quadrants with objects next to them
	positions := []spatial.Position{
		{X: -500, Z: -500}, {X: 500, Z: -500}, {X: -500, Z: 500}, {X: 500, Z: 500},
	}
	for i, pos := range positions {
		m.AddObserver(common.ObserverID(i+1), pos)
		oid := common.ObjectID(200 + i)
		if err := m.AddObject(oid, "avatar", spatial.Position{X: pos.X + 10, Z: pos.Z}); err != nil {
			t.Fatal(err)
		}
	}
	m.UpdateSubscriptions(1)

	for i := range positions {
		key := Key{Observer: common.ObserverID(i + 1), Object: common.ObjectID(200 + i), Channel: channel.Critical}
		assert.Equal(t, Active, m.Get(key))
		// distant quadrants stay unsubscribed
		far := Key{Observer: common.ObserverID(i + 1), Object: common.ObjectID(200 + (i+1)%4), Channel: channel.Cosmetic}
		assert.Equal(t, Unsubscribed, m.Get(far))
	}
}
