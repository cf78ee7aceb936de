// Package host is the narrow boundary between the synchronization core and
// the application that owns the real scene.
//
// The host reports what the user did as Events and receives remote changes
// through Applier. Everything else the application does (rendering, editing
// tools, undo, file I/O) stays on its side of this boundary.
package host

import (
	"github.com/teranos/scenesync/scene"
)

// Event is one observation of the host scene. The set is closed: Created,
// Removed, Renamed, Changed and ModeChanged.
type Event interface {
	Target() scene.EntityID
	isEvent()
}

// Created reports a new entity with its full initial state.
type Created struct {
	ID    scene.EntityID
	Type  scene.EntityType
	Attrs scene.Attributes
}

// Removed reports that an entity is gone.
type Removed struct {
	ID scene.EntityID
}

// Renamed reports a user-visible name change.
type Renamed struct {
	ID      scene.EntityID
	OldName string
	Name    string
}

// Changed reports a new value for one attribute path. A Null value clears it.
type Changed struct {
	ID    scene.EntityID
	Path  string
	Value scene.Value
}

// ModeChanged reports an object entering or leaving an editing mode.
type ModeChanged struct {
	ID   scene.EntityID
	Mode string
}

func (e Created) Target() scene.EntityID     { return e.ID }
func (e Removed) Target() scene.EntityID     { return e.ID }
func (e Renamed) Target() scene.EntityID     { return e.ID }
func (e Changed) Target() scene.EntityID     { return e.ID }
func (e ModeChanged) Target() scene.EntityID { return e.ID }

func (Created) isEvent()     {}
func (Removed) isEvent()     {}
func (Renamed) isEvent()     {}
func (Changed) isEvent()     {}
func (ModeChanged) isEvent() {}

// Applier receives remote changes. Calls arrive one at a time from the
// replica's serialized apply path; the host must not call back into the
// replica from inside ApplyToHost.
//
// A host that does not implement Lifecycle sees a remote create as one
// ApplyToHost call per attribute, and a remote delete as a Null value on the
// empty path.
type Applier interface {
	ApplyToHost(id scene.EntityID, path string, value scene.Value) error
}

// Lifecycle is implemented by hosts that want whole-entity callbacks for
// creates and deletes.
type Lifecycle interface {
	CreateInHost(e *scene.Entity) error
	RemoveFromHost(id scene.EntityID) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(id scene.EntityID, path string, value scene.Value) error

// ApplyToHost calls f.
func (f ApplierFunc) ApplyToHost(id scene.EntityID, path string, value scene.Value) error {
	return f(id, path, value)
}

// Discard is an Applier that drops everything, for headless relays.
var Discard Applier = ApplierFunc(func(scene.EntityID, string, scene.Value) error { return nil })
