package channel

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/gorclog"
	"github.com/gorcnet/gorc/engine/spatial"
)

// Configuration errors, fatal at registration time
var (
	ErrTypeRegistered       = errors.Errorf("object type already registered")
	ErrTypeNotRegistered    = errors.Errorf("object type not registered")
	ErrChannelNotRegistered = errors.Errorf("channel not registered for object type")
	ErrDuplicateLayer       = errors.Errorf("duplicate layer for channel")
	ErrBadLayer             = errors.Errorf("invalid replication layer")
)

// ReplicationLayer binds a subset of an object type's properties to a channel
// with a spatial range and a compression mode
type ReplicationLayer struct {
	TypeTag     common.TypeTag
	Channel     Channel
	Radius      spatial.Coord
	Properties  common.StringSet
	Compression CompressMode
}

type typeDesc struct {
	tag      common.TypeTag
	category string
	// one slot per channel; a type defines at most one layer per channel
	layers    [NumChannels]*ReplicationLayer
	maxRadius spatial.Coord
}

// Registry holds the channel bindings of every registered object type. It is a
// closed table populated at registration time: layer lookup is an array index
// with a definite failure mode, never reflective dispatch.
type Registry struct {
	mu    sync.RWMutex
	types map[common.TypeTag]*typeDesc
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{types: map[common.TypeTag]*typeDesc{}}
}

// RegisterType registers an object type with its replication layers and its
// interest category. All validation happens here, before any pass loop runs;
// a type that registers successfully can never fail a layer lookup for a
// channel it declared.
func (r *Registry) RegisterType(tag common.TypeTag, category string, layers []ReplicationLayer) error {
	if tag.IsNil() {
		return errors.Wrap(ErrBadLayer, "empty type tag")
	}
	if len(layers) == 0 {
		return errors.Wrapf(ErrBadLayer, "type %s registers no layers", tag)
	}

	desc := &typeDesc{tag: tag, category: category}
	for i := range layers {
		layer := layers[i]
		if !layer.Channel.IsValid() {
			return errors.Wrapf(ErrBadLayer, "type %s: invalid channel %d", tag, layer.Channel)
		}
		if layer.Radius <= 0 {
			return errors.Wrapf(ErrBadLayer, "type %s channel %s: radius must be > 0", tag, layer.Channel)
		}
		if len(layer.Properties) == 0 {
			return errors.Wrapf(ErrBadLayer, "type %s channel %s: empty property set", tag, layer.Channel)
		}
		if desc.layers[layer.Channel] != nil {
			return errors.Wrapf(ErrDuplicateLayer, "type %s channel %s", tag, layer.Channel)
		}
		layer.TypeTag = tag
		layer.Properties = layer.Properties.Copy()
		if layer.Compression == ModeDefault {
			layer.Compression = layer.Channel.DefaultCompression()
		}
		desc.layers[layer.Channel] = &layer
		if layer.Radius > desc.maxRadius {
			desc.maxRadius = layer.Radius
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[tag]; ok {
		return errors.Wrapf(ErrTypeRegistered, "type %s", tag)
	}
	r.types[tag] = desc
	gorclog.Infof("channel: registered type %s (category %q, %d layers, max radius %.1f)",
		tag, category, len(layers), float32(desc.maxRadius))
	return nil
}

// Layer returns the layer the type binds to the channel. Requesting a channel
// the type never registered is an error, not a silent no-op.
func (r *Registry) Layer(tag common.TypeTag, c Channel) (*ReplicationLayer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.types[tag]
	if !ok {
		return nil, errors.Wrapf(ErrTypeNotRegistered, "type %s", tag)
	}
	if !c.IsValid() || desc.layers[c] == nil {
		return nil, errors.Wrapf(ErrChannelNotRegistered, "type %s channel %s", tag, c)
	}
	return desc.layers[c], nil
}

// Layers returns all layers of the type in channel priority order
func (r *Registry) Layers(tag common.TypeTag) ([]*ReplicationLayer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.types[tag]
	if !ok {
		return nil, errors.Wrapf(ErrTypeNotRegistered, "type %s", tag)
	}
	layers := make([]*ReplicationLayer, 0, NumChannels)
	for _, c := range All() {
		if desc.layers[c] != nil {
			layers = append(layers, desc.layers[c])
		}
	}
	return layers, nil
}

// HasLayer returns if the type binds a layer to the channel
func (r *Registry) HasLayer(tag common.TypeTag, c Channel) bool {
	_, err := r.Layer(tag, c)
	return err == nil
}

// Category returns the interest category of the type
func (r *Registry) Category(tag common.TypeTag) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.types[tag]
	if !ok {
		return "", errors.Wrapf(ErrTypeNotRegistered, "type %s", tag)
	}
	return desc.category, nil
}

// MaxRadius returns the largest layer radius of the type. The subscription
// pass uses it as the spatial query radius for candidate gathering.
func (r *Registry) MaxRadius(tag common.TypeTag) (spatial.Coord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.types[tag]
	if !ok {
		return 0, errors.Wrapf(ErrTypeNotRegistered, "type %s", tag)
	}
	return desc.maxRadius, nil
}

// GlobalMaxRadius returns the largest layer radius over every registered type
func (r *Registry) GlobalMaxRadius() spatial.Coord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max spatial.Coord
	for _, desc := range r.types {
		if desc.maxRadius > max {
			max = desc.maxRadius
		}
	}
	return max
}
