package dispatch

import (
	"sync"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/config"
	"github.com/gorcnet/gorc/engine/encode"
	"github.com/gorcnet/gorc/engine/mcast"
	"github.com/gorcnet/gorc/engine/sub"
)

type sentPacket struct {
	recipients []common.ObserverID
	pkt        *encode.Packet
}

type recordingTransport struct {
	mu        sync.Mutex
	multicast bool
	sent      []sentPacket
}

func (t *recordingTransport) Send(recipients []common.ObserverID, pkt *encode.Packet) error {
	t.mu.Lock()
	t.sent = append(t.sent, sentPacket{recipients: recipients, pkt: pkt})
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) SupportsMulticast() bool {
	return t.multicast
}

func (t *recordingTransport) packets() []sentPacket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentPacket(nil), t.sent...)
}

type harness struct {
	d         *Dispatcher
	groups    *mcast.Manager
	transport *recordingTransport
	props     map[common.ObjectID]encode.Properties
}

func newHarness(t *testing.T, mutate func(cfg *config.DispatchConfig)) *harness {
	registry := channel.NewRegistry()
	err := registry.RegisterType("avatar", "combat", []channel.ReplicationLayer{
		{Channel: channel.Critical, Radius: 50, Properties: common.NewStringSet("pos", "hp"), Compression: channel.ModeDelta},
		{Channel: channel.Cosmetic, Radius: 400, Properties: common.NewStringSet("skin"), Compression: channel.ModeQuantized},
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default().Dispatch
	cfg.CompressFormat = "none"
	if mutate != nil {
		mutate(&cfg)
	}
	encoder := encode.NewEngine(30, cfg.CompressFormat, cfg.CompressThreshold)
	groups := mcast.NewManager()
	transport := &recordingTransport{multicast: true}
	return &harness{
		d:         NewDispatcher(&cfg, registry, encoder, groups, transport),
		groups:    groups,
		transport: transport,
		props:     map[common.ObjectID]encode.Properties{},
	}
}

func (h *harness) subscribe(obs common.ObserverID, obj common.ObjectID, c channel.Channel) {
	h.groups.Apply(sub.Changes{Started: []sub.Key{{Observer: obs, Object: obj, Channel: c}}})
}

func (h *harness) propsFor(object common.ObjectID, c channel.Channel) encode.Properties {
	return h.props[object]
}

func TestMarkDirtyRejectsUnregisteredChannel(t *testing.T) {
	h := newHarness(t, nil)
	// avatar has no Metadata layer
	err := h.d.MarkDirty(100, "avatar", channel.Metadata)
	assert.Equal(t, channel.ErrChannelNotRegistered, errors.Cause(err))
	assert.Equal(t, 0, h.d.PendingLen())

	h.d.RunPass(10, h.propsFor)
	h.d.Flush()
	assert.Equal(t, 0, len(h.transport.packets()))
}

func TestMarksCoalesce(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
			t.Fatal(err)
		}
	}
	assert.Equal(t, 1, h.d.PendingLen())
}

func TestDeltaFansOutPerObserver(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe(1, 100, channel.Critical)
	h.subscribe(2, 100, channel.Critical)
	h.props[100] = encode.Properties{"pos": 1.0, "hp": 90}

	if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
		t.Fatal(err)
	}
	report := h.d.RunPass(10, h.propsFor)
	h.d.Flush()

	// delta needs a baseline per observer, so each member gets its own packet
	assert.Equal(t, int64(2), report.Encoded)
	pkts := h.transport.packets()
	assert.Equal(t, 2, len(pkts))
	for _, p := range pkts {
		assert.Equal(t, 1, len(p.recipients))
		assert.Equal(t, channel.Critical, p.pkt.Channel)
	}
	assert.Equal(t, 0, h.d.PendingLen())
}

func TestGroupEncodeSharesOnePacket(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe(1, 100, channel.Cosmetic)
	h.subscribe(2, 100, channel.Cosmetic)
	h.subscribe(3, 100, channel.Cosmetic)
	h.props[100] = encode.Properties{"skin": "red"}

	if err := h.d.MarkDirty(100, "avatar", channel.Cosmetic); err != nil {
		t.Fatal(err)
	}
	h.d.RunPass(10, h.propsFor)
	h.d.Flush()

	pkts := h.transport.packets()
	assert.Equal(t, 1, len(pkts))
	assert.Equal(t, 3, len(pkts[0].recipients))
}

func TestUnicastTransportGetsFanOut(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.multicast = false
	h.subscribe(1, 100, channel.Cosmetic)
	h.subscribe(2, 100, channel.Cosmetic)
	h.props[100] = encode.Properties{"skin": "red"}

	if err := h.d.MarkDirty(100, "avatar", channel.Cosmetic); err != nil {
		t.Fatal(err)
	}
	h.d.RunPass(10, h.propsFor)
	h.d.Flush()

	pkts := h.transport.packets()
	assert.Equal(t, 2, len(pkts))
	for _, p := range pkts {
		assert.Equal(t, 1, len(p.recipients))
	}
}

// With the budget exhausted by Critical traffic, Cosmetic items are deferred
// with their dirtiness intact and gathered on a later pass.
func TestBudgetDefersDroppableTiers(t *testing.T) {
	h := newHarness(t, func(cfg *config.DispatchConfig) {
		cfg.PassBudgetBytes = 1
	})
	h.subscribe(1, 100, channel.Critical)
	h.subscribe(1, 200, channel.Cosmetic)
	h.props[100] = encode.Properties{"pos": 1.0}
	h.props[200] = encode.Properties{"skin": "red"}

	if err := h.d.MarkDirty(200, "avatar", channel.Cosmetic); err != nil {
		t.Fatal(err)
	}
	if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
		t.Fatal(err)
	}
	report := h.d.RunPass(10, h.propsFor)
	h.d.Flush()

	// the Critical packet always goes out even over budget
	assert.Equal(t, int64(1), report.Encoded)
	pkts := h.transport.packets()
	assert.Equal(t, 1, len(pkts))
	assert.Equal(t, channel.Critical, pkts[0].pkt.Channel)
	assert.Equal(t, 1, h.d.PendingLen())

	// a later pass with room delivers the deferred Cosmetic item
	h.d.cfg.PassBudgetBytes = 1 << 20
	h.d.RunPass(20, h.propsFor)
	h.d.Flush()
	pkts = h.transport.packets()
	assert.Equal(t, 2, len(pkts))
	assert.Equal(t, channel.Cosmetic, pkts[1].pkt.Channel)
	assert.Equal(t, 0, h.d.PendingLen())
}

// Overflowing the bounded outbound queue sheds droppable packets but never
// Critical ones, which spill aside and still reach the transport.
func TestOverflowShedsOnlyDroppableTiers(t *testing.T) {
	h := newHarness(t, func(cfg *config.DispatchConfig) {
		cfg.OutboundQueueLen = 1
	})
	h.subscribe(1, 100, channel.Critical)
	h.subscribe(1, 200, channel.Critical)
	h.subscribe(1, 300, channel.Cosmetic)
	h.subscribe(1, 400, channel.Cosmetic)
	for _, id := range []common.ObjectID{100, 200} {
		h.props[id] = encode.Properties{"pos": float64(id)}
		if err := h.d.MarkDirty(id, "avatar", channel.Critical); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []common.ObjectID{300, 400} {
		h.props[id] = encode.Properties{"skin": "red"}
		if err := h.d.MarkDirty(id, "avatar", channel.Cosmetic); err != nil {
			t.Fatal(err)
		}
	}

	h.d.RunPass(10, h.propsFor)
	h.d.Flush()

	stats := h.d.Stats()
	assert.Equal(t, int64(2), stats.PacketsShed)
	critical := 0
	for _, p := range h.transport.packets() {
		if p.pkt.Channel == channel.Critical {
			critical++
		}
	}
	assert.Equal(t, 2, critical)
}

func TestCadenceSkipsOffTicks(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe(1, 100, channel.Cosmetic)
	h.props[100] = encode.Properties{"skin": "red"}

	if err := h.d.MarkDirty(100, "avatar", channel.Cosmetic); err != nil {
		t.Fatal(err)
	}
	// Cosmetic cadence is 5: tick 11 leaves it pending, tick 15 gathers it
	h.d.RunPass(11, h.propsFor)
	assert.Equal(t, 1, h.d.PendingLen())
	h.d.RunPass(15, h.propsFor)
	assert.Equal(t, 0, h.d.PendingLen())
}

// A mark arriving while a pass is gathering must survive that pass: the fresh
// change stays pending and goes out later instead of being swallowed with the
// item the pass consumed.
func TestMarkDuringPassSurvives(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe(1, 100, channel.Cosmetic)
	h.props[100] = encode.Properties{"skin": "red"}

	if err := h.d.MarkDirty(100, "avatar", channel.Cosmetic); err != nil {
		t.Fatal(err)
	}
	marked := false
	during := func(object common.ObjectID, c channel.Channel) encode.Properties {
		if !marked {
			marked = true
			h.props[100] = encode.Properties{"skin": "blue"}
			if err := h.d.MarkDirty(100, "avatar", channel.Cosmetic); err != nil {
				t.Fatal(err)
			}
		}
		return h.propsFor(object, c)
	}
	h.d.RunPass(10, during)
	assert.Equal(t, 1, h.d.PendingLen())

	h.d.RunPass(15, h.propsFor)
	h.d.Flush()
	assert.Equal(t, 2, len(h.transport.packets()))
	assert.Equal(t, 0, h.d.PendingLen())
}

func TestNoSubscribersMeansNoPacket(t *testing.T) {
	h := newHarness(t, nil)
	h.props[100] = encode.Properties{"pos": 1.0}
	if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
		t.Fatal(err)
	}
	report := h.d.RunPass(10, h.propsFor)
	h.d.Flush()
	assert.Equal(t, int64(0), report.Encoded)
	assert.Equal(t, 0, len(h.transport.packets()))
}

func TestDropObjectDiscardsPendingWork(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe(1, 100, channel.Critical)
	if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
		t.Fatal(err)
	}
	h.d.DropObject(100)
	assert.Equal(t, 0, h.d.PendingLen())
}

type panickyTransport struct {
	recordingTransport
	failures int
}

func (t *panickyTransport) Send(recipients []common.ObserverID, pkt *encode.Packet) error {
	if t.failures > 0 {
		t.failures--
		panic("connection table corrupted")
	}
	return t.recordingTransport.Send(recipients, pkt)
}

func TestTransportPanicDoesNotKillSender(t *testing.T) {
	h := newHarness(t, nil)
	pt := &panickyTransport{failures: 1}
	pt.multicast = true
	h.d.transport = pt
	h.subscribe(1, 100, channel.Critical)
	h.props[100] = encode.Properties{"pos": 1.0}
	h.d.Start()

	if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
		t.Fatal(err)
	}
	h.d.RunPass(10, h.propsFor)
	if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
		t.Fatal(err)
	}
	h.d.RunPass(20, h.propsFor)
	h.d.Close()

	// the first send panicked and was counted; the second still went out
	stats := h.d.Stats()
	assert.Equal(t, int64(1), stats.SendErrors)
	assert.Equal(t, int64(1), stats.PacketsSent)
	assert.Equal(t, 1, len(pt.packets()))
}

func TestSenderGoroutineDelivers(t *testing.T) {
	h := newHarness(t, nil)
	h.subscribe(1, 100, channel.Critical)
	h.props[100] = encode.Properties{"pos": 1.0}
	h.d.Start()

	if err := h.d.MarkDirty(100, "avatar", channel.Critical); err != nil {
		t.Fatal(err)
	}
	h.d.RunPass(10, h.propsFor)
	h.d.Close() // drains before returning

	assert.Equal(t, 1, len(h.transport.packets()))
	stats := h.d.Stats()
	assert.Equal(t, int64(1), stats.PacketsSent)
}
