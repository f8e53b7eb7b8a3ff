package common

import "fmt"

// ObjectID identifies a replicable object inside one world instance.
// Object and observer relations are kept as plain integer ids into flat
// tables, never as embedded references.
type ObjectID uint32

// IsNil returns if ObjectID is nil
func (id ObjectID) IsNil() bool {
	return id == 0
}

func (id ObjectID) String() string {
	return fmt.Sprintf("Obj<%d>", uint32(id))
}

// ObserverID identifies an observing participant (player) inside one world instance.
type ObserverID uint32

// IsNil returns if ObserverID is nil
func (id ObserverID) IsNil() bool {
	return id == 0
}

func (id ObserverID) String() string {
	return fmt.Sprintf("Obs<%d>", uint32(id))
}

// TypeTag names a registered replicable object type
type TypeTag string

// IsNil returns if TypeTag is nil
func (t TypeTag) IsNil() bool {
	return t == ""
}
