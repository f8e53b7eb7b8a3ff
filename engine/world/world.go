package world

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	timer "github.com/xiaonanln/goTimer"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/config"
	"github.com/gorcnet/gorc/engine/consts"
	"github.com/gorcnet/gorc/engine/dispatch"
	"github.com/gorcnet/gorc/engine/encode"
	"github.com/gorcnet/gorc/engine/gorclog"
	"github.com/gorcnet/gorc/engine/lod"
	"github.com/gorcnet/gorc/engine/mcast"
	"github.com/gorcnet/gorc/engine/opmon"
	"github.com/gorcnet/gorc/engine/post"
	"github.com/gorcnet/gorc/engine/spatial"
	"github.com/gorcnet/gorc/engine/sub"
)

var (
	// ErrStaleReference is returned when an operation names an object or
	// observer that is not (or no longer) part of the world
	ErrStaleReference = errors.Errorf("stale reference to an unknown object or observer")
)

// groupRebuildInterval is how often the derived multicast groups are
// reconciled against the subscription table
const groupRebuildInterval = 30 * time.Second

// World wires the spatial index, subscription manager, multicast groups,
// encoder and dispatcher into one replication pipeline driven by Tick
type World struct {
	cfg        *config.GorcConfig
	registry   *channel.Registry
	index      *spatial.Index
	lod        *lod.Manager
	subs       *sub.Manager
	groups     *mcast.Manager
	encoder    *encode.Engine
	dispatcher *dispatch.Dispatcher

	mu    sync.RWMutex
	props map[common.ObjectID]encode.Properties

	tick         int64
	running      int32
	quit         chan struct{}
	done         sync.WaitGroup
	rebuildTimer *timer.Timer
}

// New assembles a World from a validated configuration and a transport
func New(cfg *config.GorcConfig, transport dispatch.Transport) (*World, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "world: bad configuration")
	}

	registry := channel.NewRegistry()
	index := spatial.NewIndex(&cfg.Spatial)
	lodman := lod.NewManager(registry)
	subs := sub.NewManager(&cfg.Replication, registry, index, lodman)
	groups := mcast.NewManager()
	encoder := encode.NewEngine(cfg.Replication.ResyncIntervalTicks, cfg.Dispatch.CompressFormat, cfg.Dispatch.CompressThreshold)
	dispatcher := dispatch.NewDispatcher(&cfg.Dispatch, registry, encoder, groups, transport)

	return &World{
		cfg:        cfg,
		registry:   registry,
		index:      index,
		lod:        lodman,
		subs:       subs,
		groups:     groups,
		encoder:    encoder,
		dispatcher: dispatcher,
		props:      map[common.ObjectID]encode.Properties{},
		quit:       make(chan struct{}),
	}, nil
}

// RegisterType binds an object type to its replication layers
func (w *World) RegisterType(tag common.TypeTag, category string, layers []channel.ReplicationLayer) error {
	return w.registry.RegisterType(tag, category, layers)
}

// Events returns the world's event stream
func (w *World) Events() *xnsyncutil.SyncQueue {
	return w.dispatcher.Events()
}

// AddObserver adds an observer at pos
func (w *World) AddObserver(id common.ObserverID, pos spatial.Position) {
	w.subs.AddObserver(id, pos)
}

// MoveObserver moves an observer; unknown ids are ignored
func (w *World) MoveObserver(id common.ObserverID, pos spatial.Position) {
	w.subs.MoveObserver(id, pos)
}

// SetRelationship sets the observer's affinity toward an object or group id
func (w *World) SetRelationship(id common.ObserverID, target common.ObjectID, affinity sub.Affinity) error {
	return w.subs.SetRelationship(id, target, affinity)
}

// SetInterest sets the observer's interest score for a category
func (w *World) SetInterest(id common.ObserverID, category string, score float64) error {
	return w.subs.SetInterest(id, category, score)
}

// RemoveObserver removes the observer and synchronously purges its
// subscriptions, group memberships and encoding baselines. Late packets for
// the observer cannot be produced once this returns.
func (w *World) RemoveObserver(id common.ObserverID) {
	changes := w.subs.RemoveObserver(id)
	w.groups.RemoveObserver(id)
	w.encoder.DropObserver(id)
	w.postTransitions(changes)
}

// AddObject spawns an object of a registered type with its initial properties
func (w *World) AddObject(id common.ObjectID, tag common.TypeTag, pos spatial.Position, initial encode.Properties) error {
	if err := w.subs.AddObject(id, tag, pos); err != nil {
		return err
	}
	w.mu.Lock()
	w.props[id] = initial.Copy()
	w.mu.Unlock()
	return nil
}

// SetObjectGroup assigns an object to a relationship group id
func (w *World) SetObjectGroup(id common.ObjectID, group common.ObjectID) {
	w.subs.SetObjectGroup(id, group)
}

// MoveObject moves an object in the spatial index; unknown ids are ignored
func (w *World) MoveObject(id common.ObjectID, pos spatial.Position) {
	w.subs.MoveObject(id, pos)
}

// UpdateProperties merges changed properties into the object's replicated
// state and marks every layer covering a changed key dirty for dispatch
func (w *World) UpdateProperties(id common.ObjectID, changed encode.Properties) error {
	tag, ok := w.subs.ObjectType(id)
	if !ok {
		return errors.Wrapf(ErrStaleReference, "object %s", id)
	}

	w.mu.Lock()
	state := w.props[id]
	if state == nil {
		state = encode.Properties{}
		w.props[id] = state
	}
	state.Merge(changed, nil)
	w.mu.Unlock()

	layers, err := w.registry.Layers(tag)
	if err != nil {
		return err
	}
	for _, layer := range layers {
		touched := false
		for key := range changed {
			if layer.Properties.Contains(key) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		if err := w.dispatcher.MarkDirty(id, tag, layer.Channel); err != nil {
			return err
		}
	}
	return nil
}

// RemoveObject despawns the object and synchronously purges every
// subscription, group, baseline and pending dispatch item referring to it
func (w *World) RemoveObject(id common.ObjectID) {
	changes := w.subs.RemoveObject(id)
	w.groups.RemoveObject(id)
	w.encoder.DropObject(id)
	w.dispatcher.DropObject(id)
	w.mu.Lock()
	delete(w.props, id)
	w.mu.Unlock()
	w.postTransitions(changes)
}

// Acknowledge records that the observer received the state of (object,
// channel) sent at tick, advancing its delta baseline
func (w *World) Acknowledge(observer common.ObserverID, object common.ObjectID, c channel.Channel, tick int64) {
	w.encoder.Acknowledge(encode.Key{Observer: observer, Object: object, Channel: c}, tick)
}

// Tick runs one full replication pass: subscription maintenance, group
// patching, baseline hygiene, dispatch and deferred callbacks
func (w *World) Tick() *dispatch.PassReport {
	op := opmon.StartOperation("world.tick")
	defer op.Finish(consts.OPMON_WARN_THRESHOLD)

	tick := atomic.AddInt64(&w.tick, 1)

	changes := w.subs.UpdateSubscriptions(tick)
	w.groups.Apply(changes)
	for _, key := range changes.Ended {
		// a resubscribing observer must start from a fresh full snapshot
		w.encoder.Forget(encode.Key(key))
	}
	for _, key := range changes.Started {
		if tag, ok := w.subs.ObjectType(key.Object); ok {
			if err := w.dispatcher.MarkDirty(key.Object, tag, key.Channel); err != nil {
				gorclog.Errorf("world: mark %s dirty: %v", key, err)
			}
		}
	}
	// transition notifications run after the pass finishes
	post.Post(func() {
		w.postTransitions(changes)
	})

	report := w.dispatcher.RunPass(tick, w.propsFor)
	post.Tick()
	return report
}

// propsFor resolves the object's current state filtered to one layer's
// property set; nil once the object is gone
func (w *World) propsFor(object common.ObjectID, c channel.Channel) encode.Properties {
	tag, ok := w.subs.ObjectType(object)
	if !ok {
		return nil
	}
	layer, err := w.registry.Layer(tag, c)
	if err != nil {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	state := w.props[object]
	if state == nil {
		return nil
	}
	filtered := encode.Properties{}
	for key, v := range state {
		if layer.Properties.Contains(key) {
			filtered[key] = v
		}
	}
	return filtered
}

func (w *World) postTransitions(changes sub.Changes) {
	for _, key := range changes.Started {
		w.dispatcher.PostEvent(dispatch.Event{Kind: dispatch.EventSubscribed, Observer: key.Observer, Object: key.Object, Channel: key.Channel, Tick: atomic.LoadInt64(&w.tick)})
	}
	for _, key := range changes.Ended {
		w.dispatcher.PostEvent(dispatch.Event{Kind: dispatch.EventUnsubscribed, Observer: key.Observer, Object: key.Object, Channel: key.Channel, Tick: atomic.LoadInt64(&w.tick)})
	}
}

// Start drives Tick on the configured interval until Stop is called
func (w *World) Start() {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return
	}
	w.dispatcher.Start()

	interval := time.Duration(w.cfg.World.TickIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = consts.DEFAULT_TICK_INTERVAL
	}
	w.rebuildTimer = timer.AddTimer(groupRebuildInterval, w.rebuildGroups)

	w.done.Add(1)
	go func() {
		defer w.done.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		gorclog.Infof("world: ticking every %s", interval)
		for {
			select {
			case <-ticker.C:
				timer.Tick()
				w.Tick()
			case <-w.quit:
				return
			}
		}
	}()
}

// Stop halts the tick loop and drains the dispatcher
func (w *World) Stop() {
	if !atomic.CompareAndSwapInt32(&w.running, 1, 0) {
		return
	}
	close(w.quit)
	w.done.Wait()
	if w.rebuildTimer != nil {
		w.rebuildTimer.Cancel()
	}
	w.dispatcher.Close()
	gorclog.Infof("world: stopped at tick %d", atomic.LoadInt64(&w.tick))
}

// rebuildGroups reconciles the incremental multicast groups against the
// subscription table
func (w *World) rebuildGroups() {
	snapshot := w.subs.Snapshot()
	if !w.groups.ConsistentWith(snapshot) {
		gorclog.Errorf("world: multicast groups diverged from subscriptions, rebuilding")
		w.groups.Rebuild(snapshot)
	}
}

// Stats is a point-in-time summary of the world
type Stats struct {
	Tick          int64
	Observers     int
	Objects       int
	SubsByChannel map[channel.Channel]int
	Groups        int
	Baselines     int
	Dispatch      dispatch.Stats
}

// Stats returns a snapshot of the world's counters
func (w *World) Stats() Stats {
	return Stats{
		Tick:          atomic.LoadInt64(&w.tick),
		Observers:     w.subs.ObserverCount(),
		Objects:       w.subs.ObjectCount(),
		SubsByChannel: w.subs.CountByChannel(),
		Groups:        w.groups.GroupCount(),
		Baselines:     w.encoder.BaselineCount(),
		Dispatch:      w.dispatcher.Stats(),
	}
}
