package scene

import (
	"sort"
)

// Well-known attribute paths.
const (
	// AttrName holds the entity's display name. Renames travel as their own
	// op kind so receivers can resolve name clashes.
	AttrName = "name"
	// AttrData is an object's reference to the data block it instances.
	AttrData = "data"
)

// Attributes maps an attribute path to its value.
type Attributes map[string]Value

// Clone returns a deep copy. A nil map clones to an empty one.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v.Clone()
	}
	return out
}

// Paths returns the attribute paths in sorted order.
func (a Attributes) Paths() []string {
	paths := make([]string, 0, len(a))
	for k := range a {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

// Refs returns the sorted set of ids referenced by any attribute.
func (a Attributes) Refs() []EntityID {
	var ids []EntityID
	for _, v := range a {
		ids = append(ids, v.Refs()...)
	}
	return SortedIDs(ids)
}

// Get returns the value at path. An absent path reads as Null.
func (a Attributes) Get(path string) Value {
	return a[path]
}

// Set stores value at path. Storing Null clears the path, so absent and
// Null are the same state.
func (a Attributes) Set(path string, value Value) {
	if value.IsNull() {
		delete(a, path)
		return
	}
	a[path] = value.Clone()
}

// Equal reports whether both maps describe the same state, treating an
// absent path as Null.
func (a Attributes) Equal(b Attributes) bool {
	for k, v := range a {
		if !v.Equal(b[k]) {
			return false
		}
	}
	for k, w := range b {
		if _, ok := a[k]; !ok && !w.IsNull() {
			return false
		}
	}
	return true
}

// UnionPaths returns the sorted union of the paths of a and b.
func UnionPaths(a, b Attributes) []string {
	merged := make(Attributes, len(a)+len(b))
	for k := range a {
		merged[k] = Value{}
	}
	for k := range b {
		merged[k] = Value{}
	}
	return merged.Paths()
}

// Entity is one data block in the scene graph.
type Entity struct {
	ID    EntityID   `json:"id"`
	Type  EntityType `json:"type"`
	Attrs Attributes `json:"attrs"`
}

// NewEntity builds an entity owning a copy of attrs.
func NewEntity(id EntityID, typ EntityType, attrs Attributes) *Entity {
	return &Entity{ID: id, Type: typ, Attrs: attrs.Clone()}
}

// Name returns the name attribute, or "" when unset.
func (e *Entity) Name() string {
	if v, ok := e.Attrs[AttrName]; ok && v.Kind() == KindString {
		return v.Str()
	}
	return ""
}

// Data returns the data block an object instances, or NilID.
func (e *Entity) Data() EntityID {
	if v, ok := e.Attrs[AttrData]; ok && v.Kind() == KindRef {
		return v.Ref()
	}
	return NilID
}

// References returns the sorted set of ids this entity points at.
func (e *Entity) References() []EntityID {
	return e.Attrs.Refs()
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	return &Entity{ID: e.ID, Type: e.Type, Attrs: e.Attrs.Clone()}
}

// Equal reports whether two entities have the same identity, type and
// attribute state.
func (e *Entity) Equal(o *Entity) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID && e.Type == o.Type && e.Attrs.Equal(o.Attrs)
}
