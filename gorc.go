package gorc

import (
	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
	"github.com/gorcnet/gorc/engine/config"
	"github.com/gorcnet/gorc/engine/dispatch"
	"github.com/gorcnet/gorc/engine/encode"
	"github.com/gorcnet/gorc/engine/spatial"
	"github.com/gorcnet/gorc/engine/sub"
	"github.com/gorcnet/gorc/engine/world"
)

// Re-exported identifier and value types so that most programs only import
// the root package.
type (
	ObjectID   = common.ObjectID
	ObserverID = common.ObserverID
	TypeTag    = common.TypeTag
	Coord      = spatial.Coord
	Position   = spatial.Position
	Properties = encode.Properties
	Layer      = channel.ReplicationLayer
	Channel    = channel.Channel
	Affinity   = sub.Affinity
	Transport  = dispatch.Transport
	World      = world.World
)

const (
	Critical = channel.Critical
	Detailed = channel.Detailed
	Cosmetic = channel.Cosmetic
	Metadata = channel.Metadata

	AffinityNone   = sub.AffinityNone
	AffinityFriend = sub.AffinityFriend
	AffinityGuild  = sub.AffinityGuild
	AffinityTeam   = sub.AffinityTeam
)

// NewWorld builds a World from the loaded configuration file
func NewWorld(transport Transport) (*World, error) {
	return world.New(config.Get(), transport)
}

// NewWorldWithConfig builds a World from an explicit configuration
func NewWorldWithConfig(cfg *config.GorcConfig, transport Transport) (*World, error) {
	return world.New(cfg, transport)
}

// SetConfigFile sets the configuration file read by NewWorld
func SetConfigFile(path string) {
	config.SetConfigFile(path)
}
