package lod

import (
	"sort"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/spatial"
)

// Band is one distance band of an object type: the range within which one
// channel's layer applies
type Band struct {
	Channel channel.Channel
	Radius  spatial.Coord
}

// Manager translates a subscription's channel assignment into the concrete
// replication layer to apply. Bands nest: an object can simultaneously serve
// different channels to observers at different distances, so the manager never
// collapses an object to a single active band.
type Manager struct {
	registry *channel.Registry
}

// NewManager creates a Manager over the given registry
func NewManager(registry *channel.Registry) *Manager {
	return &Manager{registry: registry}
}

// LayerFor resolves the layer an object type binds to a channel. Requesting a
// channel the type never registered is an error, not a silent no-op.
func (m *Manager) LayerFor(tag common.TypeTag, c channel.Channel) (*channel.ReplicationLayer, error) {
	return m.registry.Layer(tag, c)
}

// Bands returns the type's distance bands sorted by ascending radius
func (m *Manager) Bands(tag common.TypeTag) ([]Band, error) {
	layers, err := m.registry.Layers(tag)
	if err != nil {
		return nil, err
	}
	bands := make([]Band, 0, len(layers))
	for _, layer := range layers {
		bands = append(bands, Band{Channel: layer.Channel, Radius: layer.Radius})
	}
	sort.Slice(bands, func(i, j int) bool {
		if bands[i].Radius != bands[j].Radius {
			return bands[i].Radius < bands[j].Radius
		}
		return bands[i].Channel.Priority() < bands[j].Channel.Priority()
	})
	return bands, nil
}

// BandsFor returns the channels whose band covers the given distance, in
// priority order. Used as a scheduling heuristic; subscription decisions also
// overlay hysteresis, relationship and interest.
func (m *Manager) BandsFor(tag common.TypeTag, distance spatial.Coord) ([]channel.Channel, error) {
	layers, err := m.registry.Layers(tag)
	if err != nil {
		return nil, err
	}
	var covered []channel.Channel
	for _, layer := range layers {
		if distance <= layer.Radius {
			covered = append(covered, layer.Channel)
		}
	}
	return covered, nil
}

// MaxRadius returns the outermost band radius of the type
func (m *Manager) MaxRadius(tag common.TypeTag) (spatial.Coord, error) {
	return m.registry.MaxRadius(tag)
}
