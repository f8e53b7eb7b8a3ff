package encode

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/compress"
	"github.com/gorcnet/gorc/engine/consts"
	"github.com/gorcnet/gorc/engine/gorclog"
)

var (
	// ErrDeltaForGroup is returned when a baseline-dependent mode is requested
	// for a group encode, which has no observer to hold a baseline
	ErrDeltaForGroup = errors.Errorf("delta encoding requires a per-observer baseline")
)

// Key identifies one baseline: what one observer last received of one object
// on one channel
type Key struct {
	Observer common.ObserverID
	Object   common.ObjectID
	Channel  channel.Channel
}

// Packet is one encoded replication payload bound for an observer or a group
type Packet struct {
	Object     common.ObjectID
	Channel    channel.Channel
	Mode       channel.CompressMode
	Tick       int64
	Full       bool // receiver replaces state instead of merging
	Compressed bool
	Payload    []byte
}

// frame is the msgpack wire layout of a packet payload
type frame struct {
	Object  uint32                 `msgpack:"o"`
	Channel uint8                  `msgpack:"c"`
	Tick    int64                  `msgpack:"t"`
	Full    bool                   `msgpack:"f"`
	Props   map[string]interface{} `msgpack:"p"`
	Removed []string               `msgpack:"r,omitempty"`
}

type baseline struct {
	// acked is the last state acknowledged as delivered to the observer
	acked     Properties
	ackedTick int64
	// lastFull is the tick of the last full snapshot sent; deltas force a
	// resync once the baseline is older than the resync interval
	lastFull int64
	// inflight holds sent-but-unacknowledged states by tick
	inflight map[int64]Properties
}

// Engine tracks per-(observer, object, channel) baselines and encodes packets
// in delta, quantized or full mode
type Engine struct {
	mu                sync.Mutex
	baselines         map[Key]*baseline
	resyncTicks       int64
	compressor        compress.Compressor // guarded by mu
	compressThreshold int
}

// NewEngine creates an Engine. resyncTicks bounds how long delta encoding may
// run before a forced full snapshot; payloads longer than compressThreshold
// are wire-compressed with the given format.
func NewEngine(resyncTicks int, compressFormat string, compressThreshold int) *Engine {
	if compressThreshold <= 0 {
		compressThreshold = consts.PACKET_PAYLOAD_COMPRESS_THRESHOLD
	}
	return &Engine{
		baselines:         map[Key]*baseline{},
		resyncTicks:       int64(resyncTicks),
		compressor:        compress.NewCompressor(compressFormat),
		compressThreshold: compressThreshold,
	}
}

// Encode produces a packet for one observer. In delta mode the diff is taken
// against the observer's last acknowledged baseline; with no baseline yet the
// encoder transparently falls back to a full snapshot. Returns (nil, nil) when
// there is nothing to send.
func (e *Engine) Encode(key Key, current Properties, mode channel.CompressMode, tick int64) (*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mode == channel.ModeDefault {
		mode = key.Channel.DefaultCompression()
	}

	b := e.baselines[key]
	full := true
	var props Properties
	var removed []string

	switch mode {
	case channel.ModeDelta:
		if b == nil || b.acked == nil {
			// no baseline to diff against: fall back to a full snapshot
			if consts.DEBUG_ENCODE {
				gorclog.Debugf("encode: %v delta without baseline, sending full", key)
			}
			mode = channel.ModeFull
			props = current.Copy()
		} else if tick-b.lastFull >= e.resyncTicks {
			// periodic resync bounds divergence from lost updates
			if consts.DEBUG_ENCODE {
				gorclog.Debugf("encode: %v resync after %d ticks", key, tick-b.lastFull)
			}
			mode = channel.ModeFull
			props = current.Copy()
		} else {
			props, removed = current.Diff(b.acked)
			if len(props) == 0 && len(removed) == 0 {
				return nil, nil
			}
			full = false
		}
	case channel.ModeQuantized:
		props = quantizeProps(current, key.Channel.QuantBits())
	case channel.ModeFull:
		props = current.Copy()
	default:
		return nil, errors.Errorf("encode: invalid mode %d", mode)
	}

	if b == nil {
		b = &baseline{inflight: map[int64]Properties{}}
		e.baselines[key] = b
	}
	if full {
		b.lastFull = tick
	}
	b.inflight[tick] = current.Copy()
	if len(b.inflight) > int(e.resyncTicks)*2 {
		// observer is not acking; keep only states young enough to still matter
		for t := range b.inflight {
			if t <= tick-e.resyncTicks*2 {
				delete(b.inflight, t)
			}
		}
	}

	return e.pack(key.Object, key.Channel, mode, tick, full, props, removed)
}

// EncodeGroup produces one baseline-free packet that can be delivered to every
// member of a multicast group. Only full and quantized modes qualify; delta
// depends on per-observer state and is rejected.
func (e *Engine) EncodeGroup(object common.ObjectID, c channel.Channel, current Properties, mode channel.CompressMode, tick int64) (*Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mode == channel.ModeDefault {
		mode = c.DefaultCompression()
	}

	var props Properties
	switch mode {
	case channel.ModeQuantized:
		props = quantizeProps(current, c.QuantBits())
	case channel.ModeFull:
		props = current.Copy()
	case channel.ModeDelta:
		return nil, errors.Wrapf(ErrDeltaForGroup, "object %s channel %s", object, c)
	default:
		return nil, errors.Errorf("encode: invalid mode %d", mode)
	}

	return e.pack(object, c, mode, tick, true, props, nil)
}

// pack marshals and optionally wire-compresses a frame; callers hold e.mu
func (e *Engine) pack(object common.ObjectID, c channel.Channel, mode channel.CompressMode, tick int64, full bool, props Properties, removed []string) (*Packet, error) {
	payload, err := msgpack.Marshal(&frame{
		Object:  uint32(object),
		Channel: uint8(c),
		Tick:    tick,
		Full:    full,
		Props:   props,
		Removed: removed,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encode: marshal %s %s", object, c)
	}

	pkt := &Packet{
		Object:  object,
		Channel: c,
		Mode:    mode,
		Tick:    tick,
		Full:    full,
		Payload: payload,
	}
	if len(payload) >= e.compressThreshold {
		compressed, err := e.compressor.Compress(payload)
		if err != nil {
			// send uncompressed rather than failing the object
			gorclog.Errorf("encode: compress %s %s failed: %v", object, c, err)
		} else if len(compressed) < len(payload) {
			pkt.Payload = compressed
			pkt.Compressed = true
		}
	}
	return pkt, nil
}

// Decode unpacks a packet payload into its changed/removed property sets
func (e *Engine) Decode(pkt *Packet) (props Properties, removed []string, full bool, err error) {
	payload := pkt.Payload
	if pkt.Compressed {
		e.mu.Lock()
		payload, err = e.compressor.Decompress(payload)
		e.mu.Unlock()
		if err != nil {
			return nil, nil, false, errors.Wrap(err, "decode: decompress")
		}
	}
	var f frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, nil, false, errors.Wrap(err, "decode: unmarshal")
	}
	return Properties(f.Props), f.Removed, f.Full, nil
}

// Apply replays a decoded packet onto a client-side state: full packets
// replace, delta packets merge
func (e *Engine) Apply(state Properties, pkt *Packet) (Properties, error) {
	props, removed, full, err := e.Decode(pkt)
	if err != nil {
		return state, err
	}
	if full {
		return props.Copy(), nil
	}
	next := state.Copy()
	next.Merge(props, removed)
	return next, nil
}

// Acknowledge records that the observer received the state sent at tick,
// advancing the delta baseline. Unknown keys and ticks are ignored.
func (e *Engine) Acknowledge(key Key, tick int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := e.baselines[key]
	if b == nil {
		return
	}
	props, ok := b.inflight[tick]
	if !ok {
		return
	}
	b.acked = props
	b.ackedTick = tick
	for t := range b.inflight {
		if t <= tick {
			delete(b.inflight, t)
		}
	}
}

// HasBaseline returns if an acknowledged baseline exists for the key
func (e *Engine) HasBaseline(key Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.baselines[key]
	return b != nil && b.acked != nil
}

// Forget drops the baseline of one key, so a resubscribing observer starts
// from a full snapshot again
func (e *Engine) Forget(key Key) {
	e.mu.Lock()
	delete(e.baselines, key)
	e.mu.Unlock()
}

// DropObject purges every baseline referring to the object
func (e *Engine) DropObject(id common.ObjectID) {
	e.mu.Lock()
	for key := range e.baselines {
		if key.Object == id {
			delete(e.baselines, key)
		}
	}
	e.mu.Unlock()
}

// DropObserver purges every baseline referring to the observer
func (e *Engine) DropObserver(id common.ObserverID) {
	e.mu.Lock()
	for key := range e.baselines {
		if key.Observer == id {
			delete(e.baselines, key)
		}
	}
	e.mu.Unlock()
}

// BaselineCount returns the number of tracked baselines
func (e *Engine) BaselineCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.baselines)
}
