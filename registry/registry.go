// Package registry holds the canonical local state of the replicated scene:
// the mapping from entity id to typed entity. Every change, local or remote,
// lands here, and subscribers (the host) hear about applied changes once per
// update message.
package registry

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/scenesync/diff"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/scene"
)

// Change describes one applied modification, as reported to subscribers.
// For creates Attrs holds the full state; otherwise Path and Value give the
// attribute's state after the change.
type Change struct {
	Entity scene.EntityID
	Type   scene.EntityType
	Kind   scene.OpKind
	Path   string
	Value  scene.Value
	Attrs  scene.Attributes
}

// Subscriber receives the changes applied by one message or one direct
// mutation, in application order.
type Subscriber interface {
	OnChanges(changes []Change)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(changes []Change)

func (f SubscriberFunc) OnChanges(changes []Change) { f(changes) }

// Result summarises one ApplyMessage call.
type Result struct {
	// Applied counts ops that changed state.
	Applied int
	// Ignored counts ops that targeted deleted entities or were already in
	// effect.
	Ignored int
	// Skipped is set when the message was a duplicate and nothing was done.
	Skipped bool
	// Errors holds recoverable per-op failures. Ops after a failure still
	// apply; nothing is rolled back.
	Errors []error
	// Changes is what subscribers were told.
	Changes []Change
}

// Registry is safe for concurrent use, but callers that need read-modify-
// write consistency across several calls must serialize themselves.
type Registry struct {
	mu         sync.RWMutex
	entities   map[scene.EntityID]*scene.Entity
	tombstones map[scene.EntityID]scene.EntityType
	windows    map[scene.PeerID]*seqWindow

	// dataOf maps an entity to the entity its data attribute points at;
	// users is the reverse.
	dataOf map[scene.EntityID]scene.EntityID
	users  map[scene.EntityID]map[scene.EntityID]bool

	subMu       sync.Mutex
	subscribers map[int]Subscriber
	nextSub     int

	logger *zap.SugaredLogger
}

// New returns an empty registry.
func New(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = logger.Logger
	}
	return &Registry{
		entities:    make(map[scene.EntityID]*scene.Entity),
		tombstones:  make(map[scene.EntityID]scene.EntityType),
		windows:     make(map[scene.PeerID]*seqWindow),
		dataOf:      make(map[scene.EntityID]scene.EntityID),
		users:       make(map[scene.EntityID]map[scene.EntityID]bool),
		subscribers: make(map[int]Subscriber),
		logger:      log,
	}
}

// Subscribe registers s and returns a function that removes it.
func (r *Registry) Subscribe(s Subscriber) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = s
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subscribers, id)
	}
}

func (r *Registry) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	r.subMu.Lock()
	ids := make([]int, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Subscriber, len(ids))
	for i, id := range ids {
		subs[i] = r.subscribers[id]
	}
	r.subMu.Unlock()

	for _, s := range subs {
		s.OnChanges(changes)
	}
}

// Upsert creates the entity or replaces its whole attribute state. An id
// that was deleted cannot come back.
func (r *Registry) Upsert(id scene.EntityID, typ scene.EntityType, attrs scene.Attributes) error {
	if !typ.Valid() {
		return errors.NewInvalidRequestError("unknown entity type %q", typ)
	}
	r.mu.Lock()
	if _, dead := r.tombstones[id]; dead {
		r.mu.Unlock()
		return errors.WithHint(
			errors.Newf("entity %s was deleted and its id cannot be reused", id),
			"allocate a fresh id with scene.NewEntityID",
		)
	}
	changes, _, err := r.applyLocked(scene.CreateOp(id, typ, attrs))
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(changes)
	return nil
}

// Delete removes the entity, tombstones its id and nulls every reference to
// it held by other entities. Deleting an already deleted id is a no-op; an
// id never seen is tombstoned so it cannot be created later.
func (r *Registry) Delete(id scene.EntityID) error {
	r.mu.Lock()
	typ := scene.EntityType("")
	if e, ok := r.entities[id]; ok {
		typ = e.Type
	}
	changes, _, err := r.applyLocked(scene.DeleteOp(id, typ))
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notify(changes)
	return nil
}

// Apply applies a single op and notifies subscribers.
func (r *Registry) Apply(op scene.Op) error {
	r.mu.Lock()
	changes, _, err := r.applyLocked(op)
	r.mu.Unlock()
	r.notify(changes)
	return err
}

// Seen reports whether a message from origin with sequence seq was already
// applied. Sequence zero is never tracked.
func (r *Registry) Seen(origin scene.PeerID, seq uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[origin]
	return seq != 0 && ok && w.seen(seq)
}

// ApplyMessage applies msg at most once per (origin, sequence number);
// messages may arrive out of order. Subscribers are notified once with
// every change the message produced.
func (r *Registry) ApplyMessage(msg scene.Message) Result {
	r.mu.Lock()
	if msg.Seq != 0 && r.windowLocked(msg.Origin).seen(msg.Seq) {
		r.mu.Unlock()
		r.logger.Debugw("Skipping already applied message",
			logger.FieldOrigin, msg.Origin.Short(),
			logger.FieldSeq, msg.Seq)
		return Result{Skipped: true}
	}

	var res Result
	for _, op := range msg.Ops {
		changes, changed, err := r.applyLocked(op)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, err)
		case changed:
			res.Applied++
		default:
			res.Ignored++
		}
		res.Changes = append(res.Changes, changes...)
	}
	if msg.Seq != 0 {
		r.windowLocked(msg.Origin).mark(msg.Seq)
	}
	r.mu.Unlock()

	r.logger.Debugw("Applied message",
		logger.FieldOrigin, msg.Origin.Short(),
		logger.FieldSeq, msg.Seq,
		logger.FieldCount, res.Applied,
		"ignored", res.Ignored,
		"errors", len(res.Errors))
	r.notify(res.Changes)
	return res
}

// applyLocked applies op and reports the resulting changes and whether state
// moved. Callers hold r.mu.
func (r *Registry) applyLocked(op scene.Op) ([]Change, bool, error) {
	if err := op.Validate(); err != nil {
		return nil, false, errors.Wrap(err, "invalid op")
	}
	if _, dead := r.tombstones[op.Entity]; dead {
		return nil, false, nil
	}
	op = r.withoutDeadRefs(op)

	switch op.Kind {
	case scene.OpCreate:
		return r.createLocked(op)
	case scene.OpDelete:
		return r.deleteLocked(op)
	}

	e, ok := r.entities[op.Entity]
	if !ok {
		return nil, false, errors.NewUnknownEntityError(string(op.Entity), string(op.Kind))
	}
	before := e.Clone()
	if err := diff.ApplyOp(e, op); err != nil {
		return nil, false, err
	}
	r.reindexLocked(e)
	path := op.Path
	if op.Kind == scene.OpRename {
		path = scene.AttrName
	}
	after := e.Attrs.Get(path)
	if before.Attrs.Get(path).Equal(after) {
		return nil, false, nil
	}
	return []Change{{Entity: e.ID, Type: e.Type, Kind: op.Kind, Path: path, Value: after.Clone()}}, true, nil
}

func (r *Registry) createLocked(op scene.Op) ([]Change, bool, error) {
	next, err := diff.Apply(nil, []scene.Op{op})
	if err != nil {
		return nil, false, err
	}
	prev, exists := r.entities[op.Entity]
	if !exists {
		r.entities[op.Entity] = next
		r.reindexLocked(next)
		return []Change{{Entity: next.ID, Type: next.Type, Kind: scene.OpCreate, Attrs: next.Attrs.Clone()}}, true, nil
	}
	if prev.Type != next.Type {
		return nil, false, errors.Newf("create %s as %s: entity exists as %s", op.Entity, next.Type, prev.Type)
	}

	// A repeated create upserts: report only the paths that moved.
	var changes []Change
	for _, path := range scene.UnionPaths(prev.Attrs, next.Attrs) {
		v := next.Attrs.Get(path)
		if prev.Attrs.Get(path).Equal(v) {
			continue
		}
		changes = append(changes, Change{Entity: next.ID, Type: next.Type, Kind: scene.OpUpdate, Path: path, Value: v.Clone()})
	}
	r.entities[op.Entity] = next
	r.reindexLocked(next)
	return changes, len(changes) > 0, nil
}

func (r *Registry) deleteLocked(op scene.Op) ([]Change, bool, error) {
	e, ok := r.entities[op.Entity]
	if !ok {
		// A delete may overtake the create it cancels. The tombstone makes
		// the late create a no-op.
		r.tombstones[op.Entity] = op.Type
		r.logger.Debugw("Tombstoned an entity never seen", logger.FieldEntity, op.Entity)
		return nil, false, nil
	}
	delete(r.entities, op.Entity)
	r.tombstones[op.Entity] = e.Type
	r.unindexLocked(op.Entity)

	changes := []Change{{Entity: e.ID, Type: e.Type, Kind: scene.OpDelete}}
	drop := map[scene.EntityID]bool{op.Entity: true}
	for _, id := range r.referrersLocked(op.Entity) {
		ref := r.entities[id]
		for _, path := range ref.Attrs.Paths() {
			v := ref.Attrs[path]
			if !v.References(op.Entity) {
				continue
			}
			stripped, _ := v.WithoutRefs(drop)
			ref.Attrs.Set(path, stripped)
			r.reindexLocked(ref)
			kind := scene.OpRelink
			if v.Kind() == scene.KindSeq {
				kind = scene.OpReorder
			}
			changes = append(changes, Change{Entity: ref.ID, Type: ref.Type, Kind: kind, Path: path, Value: stripped})
		}
	}
	return changes, true, nil
}

// reindexLocked records which entity e uses as its data.
func (r *Registry) reindexLocked(e *scene.Entity) {
	data := e.Data()
	if old, ok := r.dataOf[e.ID]; ok {
		if old == data {
			return
		}
		r.dropUserLocked(old, e.ID)
		delete(r.dataOf, e.ID)
	}
	if data.IsNil() {
		return
	}
	r.dataOf[e.ID] = data
	if r.users[data] == nil {
		r.users[data] = make(map[scene.EntityID]bool)
	}
	r.users[data][e.ID] = true
}

func (r *Registry) unindexLocked(id scene.EntityID) {
	if old, ok := r.dataOf[id]; ok {
		r.dropUserLocked(old, id)
		delete(r.dataOf, id)
	}
	delete(r.users, id)
}

func (r *Registry) dropUserLocked(data, user scene.EntityID) {
	delete(r.users[data], user)
	if len(r.users[data]) == 0 {
		delete(r.users, data)
	}
}

func (r *Registry) withoutDeadRefs(op scene.Op) scene.Op {
	var drop map[scene.EntityID]bool
	for _, id := range op.Refs() {
		if _, dead := r.tombstones[id]; dead {
			if drop == nil {
				drop = make(map[scene.EntityID]bool)
			}
			drop[id] = true
		}
	}
	if drop == nil {
		return op
	}
	return op.WithoutRefs(drop)
}

// Get returns a copy of the entity.
func (r *Registry) Get(id scene.EntityID) (*scene.Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// TypeOf returns the type of a live entity.
func (r *Registry) TypeOf(id scene.EntityID) (scene.EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	if !ok {
		return "", false
	}
	return e.Type, true
}

// Has reports whether the entity currently exists.
func (r *Registry) Has(id scene.EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[id]
	return ok
}

// IsDeleted reports whether id was deleted during this session.
func (r *Registry) IsDeleted(id scene.EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tombstones[id]
	return ok
}

// DeletedType returns the type a deleted entity had.
func (r *Registry) DeletedType(id scene.EntityID) (scene.EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typ, ok := r.tombstones[id]
	return typ, ok
}

// IDsOfType returns the ids of every live entity of typ, sorted.
func (r *Registry) IDsOfType(typ scene.EntityType) []scene.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []scene.EntityID
	for id, e := range r.entities {
		if e.Type == typ {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns copies of every live entity, sorted by id.
func (r *Registry) All() []*scene.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allLocked()
}

func (r *Registry) allLocked() []*scene.Entity {
	out := make([]*scene.Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// DataUsers returns the sorted ids of live entities whose data attribute
// points at id, e.g. the objects sharing a mesh.
func (r *Registry) DataUsers(id scene.EntityID) []scene.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.users[id]
	if len(users) == 0 {
		return nil
	}
	out := make([]scene.EntityID, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tombstones returns a copy of the deleted ids and the types they had.
func (r *Registry) Tombstones() map[scene.EntityID]scene.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tombstonesLocked()
}

func (r *Registry) tombstonesLocked() map[scene.EntityID]scene.EntityType {
	out := make(map[scene.EntityID]scene.EntityType, len(r.tombstones))
	for id, typ := range r.tombstones {
		out[id] = typ
	}
	return out
}

// Referrers returns the sorted ids of live entities that reference id.
func (r *Registry) Referrers(id scene.EntityID) []scene.EntityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.referrersLocked(id)
}

func (r *Registry) referrersLocked(id scene.EntityID) []scene.EntityID {
	var out []scene.EntityID
	for rid, e := range r.entities {
		for _, ref := range e.References() {
			if ref == id {
				out = append(out, rid)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
