package scene

import (
	"github.com/teranos/scenesync/errors"
)

// EntityType is the closed set of synchronized data-block kinds. Adding a
// kind means adding a constant here and a rank below; nothing else switches
// on the type.
type EntityType string

const (
	TypeScene      EntityType = "scene"
	TypeCollection EntityType = "collection"
	TypeObject     EntityType = "object"
	TypeMesh       EntityType = "mesh"
	TypeCurve      EntityType = "curve"
	TypeMaterial   EntityType = "material"
	TypeLight      EntityType = "light"
	TypeCamera     EntityType = "camera"
	TypeShapeKey   EntityType = "shape_key"
)

// AllTypes lists every entity type in declaration order.
var AllTypes = []EntityType{
	TypeScene,
	TypeCollection,
	TypeObject,
	TypeMesh,
	TypeCurve,
	TypeMaterial,
	TypeLight,
	TypeCamera,
	TypeShapeKey,
}

// Valid reports whether t is one of the known types.
func (t EntityType) Valid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEntityType validates a type tag received from a peer or a fixture.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", errors.NewInvalidRequestError("unknown entity type %q", s)
	}
	return t, nil
}

// CreationRank orders creates inside one batch. Collections exist before the
// scenes that hold them, scenes before objects, objects before shape keys.
// Data blocks (meshes, materials, ...) rank first.
func (t EntityType) CreationRank() int {
	switch t {
	case TypeCollection:
		return 10
	case TypeScene:
		return 20
	case TypeObject:
		return 30
	case TypeShapeKey:
		return 40
	default:
		return 0
	}
}

// RemovalRank orders deletes inside one batch: objects go before the data
// they use, so a receiver never deletes a mesh that an object still holds.
func (t EntityType) RemovalRank() int {
	if t == TypeObject {
		return 10
	}
	return 100
}

// HasData reports whether entities of this type carry a `data` reference to
// the data block they instance.
func (t EntityType) HasData() bool {
	return t == TypeObject
}
