package sub

import (
	"fmt"

	"github.com/gorcnet/gorc/engine/channel"
	"github.com/gorcnet/gorc/engine/common"
)

// State is the lifecycle state of a subscription record
type State uint8

const (
	// Unsubscribed means no record exists; it is never stored
	Unsubscribed State = iota
	// Active subscriptions receive replication packets
	Active
	// PendingExit marks a record being evicted within the current pass
	PendingExit
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "Unsubscribed"
	case Active:
		return "Active"
	case PendingExit:
		return "PendingExit"
	}
	return "State<invalid>"
}

// Key identifies one subscription: one observer receiving one object on one
// channel. Relations are id tuples into flat tables, never embedded references.
type Key struct {
	Observer common.ObserverID
	Object   common.ObjectID
	Channel  channel.Channel
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s/%s", k.Observer, k.Object, k.Channel)
}

// Subscription is the per-key record of the subscription table
type Subscription struct {
	Key       Key
	State     State
	EnterTick int64
	// Forced subscriptions come from a relationship override and skip
	// hysteresis eviction while the relationship holds
	Forced bool
	// Promoted subscriptions were granted by interest beyond their proximity band
	Promoted bool
}

// Changes lists the subscription table transitions of one operation or pass
type Changes struct {
	Started []Key
	Ended   []Key
}

// Empty returns if no transitions happened
func (c *Changes) Empty() bool {
	return len(c.Started) == 0 && len(c.Ended) == 0
}

// Affinity is the relationship tag an observer holds toward an object or its
// owning group. Higher values are stronger ties.
type Affinity uint8

const (
	// AffinityNone removes a relationship
	AffinityNone Affinity = iota
	// AffinityFriend is the weakest tracked tie
	AffinityFriend
	// AffinityGuild ties members of the same guild
	AffinityGuild
	// AffinityTeam ties teammates; the strongest tie
	AffinityTeam
)

func (a Affinity) String() string {
	switch a {
	case AffinityNone:
		return "none"
	case AffinityFriend:
		return "friend"
	case AffinityGuild:
		return "guild"
	case AffinityTeam:
		return "team"
	}
	return "affinity<invalid>"
}

// Tier returns the strength rank of the affinity; the relationship override
// fires at or above the configured tier
func (a Affinity) Tier() int {
	return int(a)
}

// Channel returns the channel a forced subscription of this affinity targets
func (a Affinity) Channel() channel.Channel {
	switch a {
	case AffinityTeam:
		return channel.Detailed
	case AffinityGuild:
		return channel.Cosmetic
	case AffinityFriend:
		return channel.Metadata
	}
	return channel.NumChannels
}
