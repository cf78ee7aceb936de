// Package scene defines the replicated scene-graph data model: entities
// addressed by stable identifiers, their typed attribute values, and the
// operations that move state between peers.
//
// Entities never hold pointers to each other. Every relationship (an
// object's data block, collection membership, a parent) is a Ref value
// carrying the target's EntityID, resolved through the registry. This is what
// lets a cycle A→B→A be created as two plain creates plus a relink.
package scene

import (
	"github.com/google/uuid"
)

// EntityID identifies an entity for the lifetime of a session. An id is
// never reused after the entity is deleted.
type EntityID string

// NilID is the null reference sentinel.
const NilID EntityID = ""

// NewEntityID returns a fresh random identifier.
func NewEntityID() EntityID {
	return EntityID(uuid.NewString())
}

// IsNil reports whether id is the null sentinel.
func (id EntityID) IsNil() bool { return id == NilID }

// PeerID identifies a participant in a session.
type PeerID string

// NewPeerID returns a fresh random peer identifier.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// Short returns the first 8 characters of the id, for log lines and tables.
func (p PeerID) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}
