package channel

// Channel is one of the four fixed replication priority tiers. The set is
// closed: channel semantics are engine constants, only the per-type layer
// bindings vary.
type Channel uint8

const (
	// Critical carries gameplay-correctness state (position, health)
	Critical Channel = iota
	// Detailed carries high-fidelity state for close-range observers
	Detailed
	// Cosmetic carries visual-only state that tolerates delay and imprecision
	Cosmetic
	// Metadata carries rarely-changing descriptive state
	Metadata

	// NumChannels is the number of channels; always last
	NumChannels
)

// CompressMode selects how a layer's properties are encoded
type CompressMode uint8

const (
	// ModeDefault lets a layer inherit its channel's default compression mode
	ModeDefault CompressMode = iota
	// ModeFull encodes the entire property set
	ModeFull
	// ModeDelta encodes only differences against the last acknowledged baseline
	ModeDelta
	// ModeQuantized encodes the full set with reduced numeric precision
	ModeQuantized
)

func (m CompressMode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeFull:
		return "full"
	case ModeDelta:
		return "delta"
	case ModeQuantized:
		return "quantized"
	}
	return "invalid"
}

type channelDesc struct {
	name string
	// priority rank, 0 is most urgent
	priority int
	// defaultMode is used by layers that do not choose a mode explicitly
	defaultMode CompressMode
	// cadenceTicks is the nominal update cadence, a scheduling heuristic
	// rather than a hard timer: a channel with cadence N is only gathered
	// every Nth pass
	cadenceTicks int
	// quantBits is the number of fractional bits kept by quantized encoding
	quantBits uint
}

var channelDescs = [NumChannels]channelDesc{
	Critical: {name: "Critical", priority: 0, defaultMode: ModeDelta, cadenceTicks: 1, quantBits: 16},
	Detailed: {name: "Detailed", priority: 1, defaultMode: ModeDelta, cadenceTicks: 2, quantBits: 12},
	Cosmetic: {name: "Cosmetic", priority: 2, defaultMode: ModeQuantized, cadenceTicks: 5, quantBits: 8},
	Metadata: {name: "Metadata", priority: 3, defaultMode: ModeFull, cadenceTicks: 10, quantBits: 6},
}

func (c Channel) String() string {
	if !c.IsValid() {
		return "Channel<invalid>"
	}
	return channelDescs[c].name
}

// IsValid returns if c is one of the four defined channels
func (c Channel) IsValid() bool {
	return c < NumChannels
}

// Priority returns the priority rank of the channel, 0 being most urgent
func (c Channel) Priority() int {
	return channelDescs[c].priority
}

// DefaultCompression returns the channel's default compression mode
func (c Channel) DefaultCompression() CompressMode {
	return channelDescs[c].defaultMode
}

// NominalCadence returns the channel's nominal update cadence in ticks
func (c Channel) NominalCadence() int {
	return channelDescs[c].cadenceTicks
}

// QuantBits returns the fractional bit width used by quantized encoding
func (c Channel) QuantBits() uint {
	return channelDescs[c].quantBits
}

// MoreDetailed returns the next more detailed non-Critical channel, or c itself
// if none exists. Interest promotion moves along this axis; Critical is
// reachable only by proximity or relationship, never by interest.
func (c Channel) MoreDetailed() Channel {
	switch c {
	case Metadata:
		return Cosmetic
	case Cosmetic:
		return Detailed
	}
	return c
}

// LessDetailed returns the next less detailed channel, or c itself for Metadata
func (c Channel) LessDetailed() Channel {
	switch c {
	case Detailed:
		return Cosmetic
	case Cosmetic:
		return Metadata
	}
	return c
}

// All returns all channels in priority order, Critical first
func All() []Channel {
	return []Channel{Critical, Detailed, Cosmetic, Metadata}
}
