package encode

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"

	"github.com/gorcnet/gorc/engine/channel"
)

func newTestEngine() *Engine {
	return NewEngine(30, "snappy", 64)
}

func TestDeltaWithoutBaselineFallsBackToFull(t *testing.T) {
	e := newTestEngine()
	key := Key{Observer: 1, Object: 10, Channel: channel.Critical}

	pkt, err := e.Encode(key, Properties{"pos": 1.0, "hp": 100}, channel.ModeDelta, 1)
	assert.Equal(t, nil, err)
	assert.T(t, pkt != nil, "first encode must produce a packet")
	assert.T(t, pkt.Full, "first packet must be a full snapshot")
	assert.Equal(t, channel.ModeFull, pkt.Mode)
}

func TestDeltaAfterAck(t *testing.T) {
	e := newTestEngine()
	key := Key{Observer: 1, Object: 10, Channel: channel.Critical}

	state := Properties{"pos": 1.0, "hp": 100}
	pkt, err := e.Encode(key, state, channel.ModeDelta, 1)
	assert.Equal(t, nil, err)
	e.Acknowledge(key, 1)
	assert.T(t, e.HasBaseline(key), "ack should establish the baseline")

	state = Properties{"pos": 2.5, "hp": 100}
	pkt, err = e.Encode(key, state, channel.ModeDelta, 2)
	assert.Equal(t, nil, err)
	assert.T(t, !pkt.Full, "second packet should be a delta")

	props, removed, _, err := e.Decode(pkt)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(removed))
	assert.Equal(t, 1, len(props)) // only pos changed
	assert.Equal(t, 2.5, props["pos"])
}

func TestDeltaNothingToSend(t *testing.T) {
	e := newTestEngine()
	key := Key{Observer: 1, Object: 10, Channel: channel.Critical}
	state := Properties{"hp": 100}

	_, err := e.Encode(key, state, channel.ModeDelta, 1)
	assert.Equal(t, nil, err)
	e.Acknowledge(key, 1)

	pkt, err := e.Encode(key, state, channel.ModeDelta, 2)
	assert.Equal(t, nil, err)
	assert.T(t, pkt == nil, "unchanged state should produce no packet")
}

func TestDeltaResyncForcesFull(t *testing.T) {
	e := NewEngine(5, "none", 64)
	key := Key{Observer: 1, Object: 10, Channel: channel.Critical}

	state := Properties{"hp": 100}
	_, err := e.Encode(key, state, channel.ModeDelta, 0)
	assert.Equal(t, nil, err)
	e.Acknowledge(key, 0)

	state["hp"] = 99
	pkt, _ := e.Encode(key, state, channel.ModeDelta, 2)
	assert.T(t, !pkt.Full, "young baseline should delta")
	e.Acknowledge(key, 2)

	state["hp"] = 98
	pkt, _ = e.Encode(key, state, channel.ModeDelta, 7)
	assert.T(t, pkt.Full, "resync interval elapsed, full snapshot required")
}

// Round-trip law: applying the emitted packet sequence to a client-side
// baseline reproduces the state a full snapshot would show at the same tick.
func TestDeltaRoundTrip(t *testing.T) {
	e := NewEngine(1000, "snappy", 32)
	key := Key{Observer: 1, Object: 10, Channel: channel.Critical}

	server := Properties{}
	client := Properties{}
	for tick := int64(1); tick <= 200; tick++ {
		// mutate the server state randomly, including deletions
		k := fmt.Sprintf("k%d", rand.Intn(10))
		switch rand.Intn(3) {
		case 0:
			server[k] = rand.Float64() * 100
		case 1:
			server[k] = rand.Intn(1000)
		case 2:
			delete(server, k)
		}

		pkt, err := e.Encode(key, server, channel.ModeDelta, tick)
		if err != nil {
			t.Fatal(err)
		}
		if pkt == nil {
			continue
		}
		client, err = e.Apply(client, pkt)
		if err != nil {
			t.Fatal(err)
		}
		e.Acknowledge(key, tick)

		if !client.Equal(server) {
			t.Fatalf("tick %d: client state diverged:\nclient: %v\nserver: %v", tick, client, server)
		}
	}
}

// Deltas are cumulative against the acknowledged baseline, so a client that
// misses intermediate packets still converges once it applies a later one.
func TestDeltaConvergesWithoutIntermediateAcks(t *testing.T) {
	e := NewEngine(1000, "none", 32)
	key := Key{Observer: 1, Object: 10, Channel: channel.Critical}

	server := Properties{"a": 1, "b": 2}
	first, err := e.Encode(key, server, channel.ModeDelta, 1)
	assert.Equal(t, nil, err)
	client, err := e.Apply(Properties{}, first)
	assert.Equal(t, nil, err)
	e.Acknowledge(key, 1)

	// several unacked mutations; intermediate packets are lost
	server["a"] = 10
	if _, err = e.Encode(key, server, channel.ModeDelta, 2); err != nil {
		t.Fatal(err)
	}
	server["c"] = 3
	delete(server, "b")
	last, err := e.Encode(key, server, channel.ModeDelta, 3)
	assert.Equal(t, nil, err)

	client, err = e.Apply(client, last)
	assert.Equal(t, nil, err)
	if !client.Equal(server) {
		t.Fatalf("client should converge from the last delta alone:\nclient: %v\nserver: %v", client, server)
	}
}

func TestQuantizedReducesPrecision(t *testing.T) {
	e := newTestEngine()
	key := Key{Observer: 1, Object: 10, Channel: channel.Cosmetic}

	pkt, err := e.Encode(key, Properties{"yaw": 123.456789, "name": "bob"}, channel.ModeQuantized, 1)
	assert.Equal(t, nil, err)
	props, _, full, err := e.Decode(pkt)
	assert.Equal(t, nil, err)
	assert.T(t, full, "quantized packets replace state")

	yaw := props["yaw"].(float64)
	scale := float64(uint64(1) << channel.Cosmetic.QuantBits())
	if yaw != float64(int64(123.456789*scale+0.5))/scale {
		t.Errorf("yaw not quantized to %d fractional bits: %v", channel.Cosmetic.QuantBits(), yaw)
	}
	assert.Equal(t, "bob", props["name"]) // non-numeric untouched
}

func TestGroupEncodeRejectsDelta(t *testing.T) {
	e := newTestEngine()
	_, err := e.EncodeGroup(10, channel.Critical, Properties{"hp": 1}, channel.ModeDelta, 1)
	assert.Equal(t, ErrDeltaForGroup, errors.Cause(err))

	pkt, err := e.EncodeGroup(10, channel.Metadata, Properties{"hp": 1}, channel.ModeFull, 1)
	assert.Equal(t, nil, err)
	assert.T(t, pkt.Full, "group packets are always full")
	assert.Equal(t, 0, e.BaselineCount()) // group encodes keep no baselines
}

func TestWireCompression(t *testing.T) {
	e := NewEngine(30, "snappy", 32)
	key := Key{Observer: 1, Object: 10, Channel: channel.Metadata}

	big := Properties{}
	for i := 0; i < 50; i++ {
		big[fmt.Sprintf("prop_%d", i)] = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	}
	pkt, err := e.Encode(key, big, channel.ModeFull, 1)
	assert.Equal(t, nil, err)
	assert.T(t, pkt.Compressed, "large repetitive payload should compress")

	props, _, _, err := e.Decode(pkt)
	assert.Equal(t, nil, err)
	assert.T(t, Properties(props).Equal(big), "compressed round trip must be lossless")
}

func TestForgetAndPurge(t *testing.T) {
	e := newTestEngine()
	k1 := Key{Observer: 1, Object: 10, Channel: channel.Critical}
	k2 := Key{Observer: 2, Object: 10, Channel: channel.Critical}
	k3 := Key{Observer: 1, Object: 11, Channel: channel.Critical}
	for _, k := range []Key{k1, k2, k3} {
		if _, err := e.Encode(k, Properties{"hp": 1}, channel.ModeFull, 1); err != nil {
			t.Fatal(err)
		}
	}
	assert.Equal(t, 3, e.BaselineCount())

	e.DropObserver(1)
	assert.Equal(t, 1, e.BaselineCount())
	e.DropObject(10)
	assert.Equal(t, 0, e.BaselineCount())
}
