package host

import (
	"sort"
	"sync"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

// Record is one call the core made into a MemoryScene.
type Record struct {
	Kind  scene.OpKind // OpCreate, OpDelete or OpUpdate
	ID    scene.EntityID
	Path  string
	Value scene.Value
}

// MemoryScene is an in-memory host. The CLI uses it as the scene of a
// headless peer and tests use it to observe what a replica applied.
type MemoryScene struct {
	mu       sync.Mutex
	entities map[scene.EntityID]*scene.Entity
	modes    map[scene.EntityID]string
	records  []Record
}

// NewMemoryScene returns an empty scene.
func NewMemoryScene() *MemoryScene {
	return &MemoryScene{
		entities: make(map[scene.EntityID]*scene.Entity),
		modes:    make(map[scene.EntityID]string),
	}
}

// ApplyToHost sets one attribute. An empty path with a Null value removes
// the entity.
func (m *MemoryScene) ApplyToHost(id scene.EntityID, path string, value scene.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path == "" {
		if !value.IsNull() {
			return errors.NewInvalidRequestError("empty attribute path for %s", id)
		}
		delete(m.entities, id)
		m.records = append(m.records, Record{Kind: scene.OpDelete, ID: id})
		return nil
	}
	e, ok := m.entities[id]
	if !ok {
		// Hosts without Lifecycle see creates as a run of attribute sets.
		e = scene.NewEntity(id, "", nil)
		m.entities[id] = e
	}
	e.Attrs.Set(path, value)
	m.records = append(m.records, Record{Kind: scene.OpUpdate, ID: id, Path: path, Value: value.Clone()})
	return nil
}

// CreateInHost adds or replaces an entity.
func (m *MemoryScene) CreateInHost(e *scene.Entity) error {
	if e == nil || e.ID.IsNil() {
		return errors.NewInvalidRequestError("cannot create an entity without an id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e.Clone()
	m.records = append(m.records, Record{Kind: scene.OpCreate, ID: e.ID})
	return nil
}

// RemoveFromHost drops an entity. Removing an unknown id is not an error.
func (m *MemoryScene) RemoveFromHost(id scene.EntityID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, id)
	delete(m.modes, id)
	m.records = append(m.records, Record{Kind: scene.OpDelete, ID: id})
	return nil
}

// Apply performs a local edit described by ev, as if the user had made it.
func (m *MemoryScene) Apply(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev := ev.(type) {
	case Created:
		if _, exists := m.entities[ev.ID]; exists {
			return errors.Newf("entity %s already exists", ev.ID)
		}
		m.entities[ev.ID] = scene.NewEntity(ev.ID, ev.Type, ev.Attrs.Clone())
	case Removed:
		delete(m.entities, ev.ID)
		delete(m.modes, ev.ID)
	case Renamed:
		e, ok := m.entities[ev.ID]
		if !ok {
			return errors.NewNotFoundError("entity %s", ev.ID)
		}
		e.Attrs.Set(scene.AttrName, scene.String(ev.Name))
	case Changed:
		e, ok := m.entities[ev.ID]
		if !ok {
			return errors.NewNotFoundError("entity %s", ev.ID)
		}
		e.Attrs.Set(ev.Path, ev.Value)
	case ModeChanged:
		if ev.Mode == "" {
			delete(m.modes, ev.ID)
		} else {
			m.modes[ev.ID] = ev.Mode
		}
	default:
		return errors.Newf("unsupported event %T", ev)
	}
	return nil
}

// Entity returns a copy of one entity.
func (m *MemoryScene) Entity(id scene.EntityID) (*scene.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Entities returns copies of all entities ordered by id.
func (m *MemoryScene) Entities() []*scene.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*scene.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entities.
func (m *MemoryScene) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}

// Mode returns an object's editing mode, "" when none was reported.
func (m *MemoryScene) Mode(id scene.EntityID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modes[id]
}

// Events describes the current scene as Created events, ordered by id.
func (m *MemoryScene) Events() []Event {
	entities := m.Entities()
	out := make([]Event, 0, len(entities))
	for _, e := range entities {
		out = append(out, Created{ID: e.ID, Type: e.Type, Attrs: e.Attrs})
	}
	return out
}

// Records returns the calls made through Applier and Lifecycle so far.
func (m *MemoryScene) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// ResetRecords forgets recorded calls.
func (m *MemoryScene) ResetRecords() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}

var (
	_ Applier   = (*MemoryScene)(nil)
	_ Lifecycle = (*MemoryScene)(nil)
)
