package registry

import (
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

// State is a point-in-time copy of everything the registry knows, used for
// persistence and for inspecting a running replica.
type State struct {
	Entities   []*scene.Entity
	Tombstones map[scene.EntityID]scene.EntityType
	Watermarks map[scene.PeerID]uint64
}

// Snapshot returns a deep copy of the registry state, taken under one lock
// so an entity is never both live and tombstoned in it.
func (r *Registry) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return State{
		Entities:   r.allLocked(),
		Tombstones: r.tombstonesLocked(),
		Watermarks: r.watermarksLocked(),
	}
}

// Restore replaces the registry contents with st. Subscribers are not
// notified; the host is expected to load the same state itself.
func (r *Registry) Restore(st State) error {
	entities := make(map[scene.EntityID]*scene.Entity, len(st.Entities))
	for _, e := range st.Entities {
		if e == nil || e.ID.IsNil() {
			return errors.New("restore: entity without id")
		}
		if !e.Type.Valid() {
			return errors.Newf("restore %s: unknown entity type %q", e.ID, e.Type)
		}
		if _, dead := st.Tombstones[e.ID]; dead {
			return errors.Newf("restore %s: entity is both live and deleted", e.ID)
		}
		entities[e.ID] = e.Clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = entities
	r.dataOf = make(map[scene.EntityID]scene.EntityID)
	r.users = make(map[scene.EntityID]map[scene.EntityID]bool)
	for _, e := range entities {
		r.reindexLocked(e)
	}
	r.tombstones = make(map[scene.EntityID]scene.EntityType, len(st.Tombstones))
	for id, typ := range st.Tombstones {
		r.tombstones[id] = typ
	}
	r.windows = make(map[scene.PeerID]*seqWindow, len(st.Watermarks))
	for p, seq := range st.Watermarks {
		r.windows[p] = &seqWindow{high: seq}
	}
	return nil
}
