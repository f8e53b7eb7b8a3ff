package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/config"
	"github.com/gorcnet/gorc/engine/consts"
	"github.com/gorcnet/gorc/engine/encode"
	"github.com/gorcnet/gorc/engine/gorclog"
	"github.com/gorcnet/gorc/engine/gorcutils"
	"github.com/gorcnet/gorc/engine/mcast"
	"github.com/gorcnet/gorc/engine/opmon"
)

// Transport delivers encoded packets to observers. Implementations that can
// address a whole group at once report SupportsMulticast; otherwise the sender
// fans a group packet out per recipient.
type Transport interface {
	Send(recipients []common.ObserverID, pkt *encode.Packet) error
	SupportsMulticast() bool
}

// PropsFunc resolves the current replicated properties of an object, already
// filtered to one layer's property set. A nil result means the object is gone.
type PropsFunc func(object common.ObjectID, c channel.Channel) encode.Properties

// workItem is one coalesced unit of pending replication work: an (object,
// channel) pair that has changed since it was last gathered. Items are ordered
// by channel priority, then arrival.
type workItem struct {
	prio   int
	seq    uint64
	object common.ObjectID
	tag    common.TypeTag
	ch     channel.Channel
}

func (w *workItem) Less(than llrb.Item) bool {
	o := than.(*workItem)
	if w.prio != o.prio {
		return w.prio < o.prio
	}
	return w.seq < o.seq
}

type pendingKey struct {
	object common.ObjectID
	ch     channel.Channel
}

type outPacket struct {
	recipients []common.ObserverID
	pkt        *encode.Packet
}

// Stats are cumulative dispatcher counters
type Stats struct {
	PacketsEncoded int64
	PacketsSent    int64
	BytesSent      int64
	PacketsShed    int64
	ItemsDeferred  int64
	EncodeErrors   int64
	SendErrors     int64
}

// PassReport summarizes one dispatch pass
type PassReport struct {
	Encoded    int64
	Deferred   int64
	BytesSpent int64
}

// EventKind tags an Event on the dispatcher's event stream
type EventKind uint8

const (
	// EventPacketSent is emitted after a successful transport send
	EventPacketSent EventKind = iota
	// EventPacketShed is emitted when a droppable packet is shed on overflow
	EventPacketShed
	// EventSubscribed and EventUnsubscribed relay subscription transitions
	EventSubscribed
	EventUnsubscribed
)

// Event is one entry of the dispatcher's event stream
type Event struct {
	Kind     EventKind
	Observer common.ObserverID
	Object   common.ObjectID
	Channel  channel.Channel
	Tick     int64
	Bytes    int
}

// Dispatcher schedules pending replication work by channel priority under a
// per-pass byte budget and pushes encoded packets through a bounded outbound
// queue to the transport
type Dispatcher struct {
	cfg       config.DispatchConfig
	registry  *channel.Registry
	encoder   *encode.Engine
	groups    *mcast.Manager
	transport Transport

	mu      sync.Mutex
	pending *llrb.LLRB
	keys    map[pendingKey]*workItem
	seq     uint64

	outbound chan *outPacket
	spillMu  sync.Mutex
	spill    []*outPacket

	events     *xnsyncutil.SyncQueue
	stats      Stats
	started    int32
	quit       chan struct{}
	senderDone *xnsyncutil.OneTimeCond
}

// NewDispatcher creates a Dispatcher. The transport must not be nil.
func NewDispatcher(cfg *config.DispatchConfig, registry *channel.Registry, encoder *encode.Engine, groups *mcast.Manager, transport Transport) *Dispatcher {
	if transport == nil {
		gorclog.Panicf("dispatch: transport must not be nil")
	}
	queueLen := cfg.OutboundQueueLen
	if queueLen <= 0 {
		queueLen = consts.DEFAULT_OUTBOUND_QUEUE_LEN
	}
	return &Dispatcher{
		cfg:        *cfg,
		registry:   registry,
		encoder:    encoder,
		groups:     groups,
		transport:  transport,
		pending:    llrb.New(),
		keys:       map[pendingKey]*workItem{},
		outbound:   make(chan *outPacket, queueLen),
		events:     xnsyncutil.NewSyncQueue(),
		quit:       make(chan struct{}),
		senderDone: xnsyncutil.NewOneTimeCond(),
	}
}

// Events returns the dispatcher's event stream
func (d *Dispatcher) Events() *xnsyncutil.SyncQueue {
	return d.events
}

// PostEvent pushes an event onto the stream
func (d *Dispatcher) PostEvent(ev Event) {
	d.events.Push(ev)
}

// MarkDirty records that the (object, channel) pair changed and must be
// gathered on a following pass. Marks for the same pair coalesce into one
// pending item. The channel must be registered for the object's type.
func (d *Dispatcher) MarkDirty(object common.ObjectID, tag common.TypeTag, c channel.Channel) error {
	if !c.IsValid() {
		return errors.Wrapf(channel.ErrChannelNotRegistered, "dispatch: invalid channel %d", c)
	}
	if !d.registry.HasLayer(tag, c) {
		return errors.Wrapf(channel.ErrChannelNotRegistered, "dispatch: %s has no %s layer", tag, c)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	key := pendingKey{object: object, ch: c}
	if _, ok := d.keys[key]; ok {
		return nil
	}
	d.seq++
	item := &workItem{prio: c.Priority(), seq: d.seq, object: object, tag: tag, ch: c}
	d.keys[key] = item
	d.pending.ReplaceOrInsert(item)
	return nil
}

// PendingLen returns the number of coalesced pending items
func (d *Dispatcher) PendingLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Len()
}

// DropObject discards pending work for the object
func (d *Dispatcher) DropObject(object common.ObjectID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, item := range d.keys {
		if key.object == object {
			d.pending.Delete(item)
			delete(d.keys, key)
		}
	}
}

// RunPass gathers pending items in channel priority order, encodes them and
// queues the packets outbound. Critical and Detailed items are always gathered
// to completion; once the byte budget is spent, Cosmetic and Metadata items
// are deferred to a later pass with their dirtiness intact.
func (d *Dispatcher) RunPass(tick int64, propsFor PropsFunc) *PassReport {
	op := opmon.StartOperation("dispatch.pass")
	defer op.Finish(consts.OPMON_WARN_THRESHOLD)

	budget := int64(d.cfg.PassBudgetBytes)
	if budget <= 0 {
		budget = int64(consts.DEFAULT_PASS_BUDGET_BYTES)
	}

	// take ownership of the whole pending set up front: a mark landing while
	// the pass is gathering must create a fresh item, never coalesce into one
	// that is about to be consumed
	d.mu.Lock()
	items := make([]*workItem, 0, d.pending.Len())
	if min := d.pending.Min(); min != nil {
		d.pending.AscendGreaterOrEqual(min, func(i llrb.Item) bool {
			items = append(items, i.(*workItem))
			return true
		})
	}
	d.pending = llrb.New()
	d.keys = map[pendingKey]*workItem{}
	d.mu.Unlock()

	report := &PassReport{}
	var held []*workItem
	for i, item := range items {
		if report.BytesSpent >= budget && item.ch > channel.Detailed {
			// items are priority-ordered, so everything left is droppable tier
			held = append(held, items[i:]...)
			break
		}
		if cadence := int64(item.ch.NominalCadence()); cadence > 1 && tick%cadence != 0 {
			held = append(held, item)
			continue
		}
		report.BytesSpent += d.gather(item, tick, propsFor, report)
	}

	d.mu.Lock()
	for _, item := range held {
		key := pendingKey{object: item.object, ch: item.ch}
		if _, ok := d.keys[key]; ok {
			// re-marked while the pass ran; the fresh item already covers it
			continue
		}
		d.keys[key] = item
		d.pending.ReplaceOrInsert(item)
	}
	deferred := int64(d.pending.Len())
	d.mu.Unlock()

	report.Deferred = deferred
	atomic.AddInt64(&d.stats.ItemsDeferred, deferred)
	return report
}

// gather encodes one pending item and queues its packets; returns bytes spent
func (d *Dispatcher) gather(item *workItem, tick int64, propsFor PropsFunc, report *PassReport) int64 {
	members := d.groups.MembersOf(item.object, item.ch)
	if len(members) == 0 {
		return 0
	}
	layer, err := d.registry.Layer(item.tag, item.ch)
	if err != nil {
		gorclog.Errorf("dispatch: %s/%s lost its layer: %v", item.object, item.ch, err)
		atomic.AddInt64(&d.stats.EncodeErrors, 1)
		return 0
	}
	current := propsFor(item.object, item.ch)
	if current == nil {
		return 0
	}

	var spent int64
	if layer.Compression == channel.ModeDelta {
		// delta depends on per-observer baselines: encode per member
		for member := range members {
			key := encode.Key{Observer: member, Object: item.object, Channel: item.ch}
			pkt, err := d.encoder.Encode(key, current, layer.Compression, tick)
			if err != nil {
				gorclog.Errorf("dispatch: encode %v failed: %v", key, err)
				atomic.AddInt64(&d.stats.EncodeErrors, 1)
				continue
			}
			if pkt == nil {
				continue
			}
			atomic.AddInt64(&d.stats.PacketsEncoded, 1)
			report.Encoded++
			spent += int64(len(pkt.Payload))
			d.enqueue(&outPacket{recipients: []common.ObserverID{member}, pkt: pkt})
		}
		return spent
	}

	// full and quantized packets are baseline-free: one encode serves the group
	pkt, err := d.encoder.EncodeGroup(item.object, item.ch, current, layer.Compression, tick)
	if err != nil {
		gorclog.Errorf("dispatch: group encode %s/%s failed: %v", item.object, item.ch, err)
		atomic.AddInt64(&d.stats.EncodeErrors, 1)
		return 0
	}
	atomic.AddInt64(&d.stats.PacketsEncoded, 1)
	report.Encoded++
	d.enqueue(&outPacket{recipients: members.ToList(), pkt: pkt})
	return int64(len(pkt.Payload))
}

// enqueue pushes a packet onto the bounded outbound queue. On overflow,
// Critical and Detailed packets spill to an unbounded side list and are never
// shed; lower tiers are dropped and counted.
func (d *Dispatcher) enqueue(pkt *outPacket) {
	select {
	case d.outbound <- pkt:
	default:
		if pkt.pkt.Channel <= channel.Detailed {
			d.spillMu.Lock()
			d.spill = append(d.spill, pkt)
			d.spillMu.Unlock()
		} else {
			atomic.AddInt64(&d.stats.PacketsShed, 1)
			d.events.Push(Event{Kind: EventPacketShed, Object: pkt.pkt.Object, Channel: pkt.pkt.Channel, Tick: pkt.pkt.Tick})
			if consts.DEBUG_SUBSCRIPTIONS {
				gorclog.Debugf("dispatch: shed %s/%s packet on overflow", pkt.pkt.Object, pkt.pkt.Channel)
			}
		}
	}
}

func (d *Dispatcher) popSpill() *outPacket {
	d.spillMu.Lock()
	defer d.spillMu.Unlock()
	if len(d.spill) == 0 {
		return nil
	}
	pkt := d.spill[0]
	d.spill = d.spill[1:]
	return pkt
}

// Start launches the sender goroutine
func (d *Dispatcher) Start() {
	if !atomic.CompareAndSwapInt32(&d.started, 0, 1) {
		return
	}
	go d.sendLoop()
}

// Close stops the sender after draining queued packets and closes the event
// stream
func (d *Dispatcher) Close() {
	close(d.quit)
	if atomic.LoadInt32(&d.started) == 1 {
		d.senderDone.Wait()
	} else {
		d.Flush()
	}
	d.events.Close()
}

func (d *Dispatcher) sendLoop() {
	defer d.senderDone.Signal()
	for {
		if pkt := d.popSpill(); pkt != nil {
			d.deliver(pkt)
			continue
		}
		select {
		case pkt := <-d.outbound:
			d.deliver(pkt)
		case <-d.quit:
			d.Flush()
			return
		}
	}
}

// Flush synchronously delivers everything queued, spill first
func (d *Dispatcher) Flush() {
	for {
		pkt := d.popSpill()
		if pkt == nil {
			select {
			case pkt = <-d.outbound:
			default:
				return
			}
		}
		d.deliver(pkt)
	}
}

// deliver hands the packet to the transport. A panicking Send is caught,
// logged and counted so it cannot take down the sender goroutine.
func (d *Dispatcher) deliver(out *outPacket) {
	if err := gorcutils.CatchPanic(func() { d.fanOut(out) }); err != nil {
		gorclog.Errorf("dispatch: transport panic sending %s/%s: %v", out.pkt.Object, out.pkt.Channel, err)
		atomic.AddInt64(&d.stats.SendErrors, 1)
	}
}

func (d *Dispatcher) fanOut(out *outPacket) {
	if d.transport.SupportsMulticast() || len(out.recipients) <= 1 {
		d.send(out.recipients, out.pkt)
		return
	}
	for _, recipient := range out.recipients {
		d.send([]common.ObserverID{recipient}, out.pkt)
	}
}

func (d *Dispatcher) send(recipients []common.ObserverID, pkt *encode.Packet) {
	if err := d.transport.Send(recipients, pkt); err != nil {
		gorclog.Errorf("dispatch: send %s/%s to %d recipients failed: %v", pkt.Object, pkt.Channel, len(recipients), err)
		atomic.AddInt64(&d.stats.SendErrors, 1)
		return
	}
	atomic.AddInt64(&d.stats.PacketsSent, 1)
	atomic.AddInt64(&d.stats.BytesSent, int64(len(pkt.Payload))*int64(len(recipients)))
	d.events.Push(Event{Kind: EventPacketSent, Object: pkt.Object, Channel: pkt.Channel, Tick: pkt.Tick, Bytes: len(pkt.Payload)})
}

// Stats returns a snapshot of the cumulative counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		PacketsEncoded: atomic.LoadInt64(&d.stats.PacketsEncoded),
		PacketsSent:    atomic.LoadInt64(&d.stats.PacketsSent),
		BytesSent:      atomic.LoadInt64(&d.stats.BytesSent),
		PacketsShed:    atomic.LoadInt64(&d.stats.PacketsShed),
		ItemsDeferred:  atomic.LoadInt64(&d.stats.ItemsDeferred),
		EncodeErrors:   atomic.LoadInt64(&d.stats.EncodeErrors),
		SendErrors:     atomic.LoadInt64(&d.stats.SendErrors),
	}
}
