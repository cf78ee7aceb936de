package policy

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/scene"
)

type attrKey struct {
	id   scene.EntityID
	path string
}

type toggleState struct {
	typ       scene.EntityType
	lastSent  scene.Value
	candidate scene.Value
	seen      int
}

type buffer struct {
	outbound []scene.Op
	inbound  []scene.Op
}

func (b *buffer) touches(ops []scene.Op, id scene.EntityID) bool {
	for _, op := range ops {
		if op.Entity == id {
			return true
		}
	}
	return false
}

// Gate applies the rule table to a live stream of deltas. It keeps the
// toggle bookkeeping and the per-object mode buffers.
type Gate struct {
	mu          sync.Mutex
	table       *Table
	defaultMode string
	modes       map[scene.EntityID]string
	toggles     map[attrKey]*toggleState
	buffers     map[scene.EntityID]*buffer
	logger      *zap.SugaredLogger
}

// NewGate returns a gate using table. A nil table is DefaultTable.
func NewGate(table *Table, defaultMode string, log *zap.SugaredLogger) *Gate {
	if table == nil {
		table = DefaultTable()
	}
	if log == nil {
		log = logger.Logger
	}
	return &Gate{
		table:       table,
		defaultMode: defaultMode,
		modes:       make(map[scene.EntityID]string),
		toggles:     make(map[attrKey]*toggleState),
		buffers:     make(map[scene.EntityID]*buffer),
		logger:      log,
	}
}

// SetTable swaps the rule table, e.g. after a config reload. Deltas
// already held stay held.
func (g *Gate) SetTable(t *Table) {
	if t == nil {
		t = DefaultTable()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.table = t
}

// Classify returns the category of an attribute under the current table.
func (g *Gate) Classify(typ scene.EntityType, path string, dir Direction) Category {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.table.Classify(typ, path, dir)
}

// IsToggle reports whether locally produced changes of this attribute go
// through Observe.
func (g *Gate) IsToggle(typ scene.EntityType, path string) bool {
	return g.Classify(typ, path, DirectionOutbound).Rule == RuleTwoToggle
}

// Observe records one local observation of a two-toggle attribute and
// returns the update to send once the value is confirmed. lastSent is the
// value peers currently hold.
func (g *Gate) Observe(id scene.EntityID, typ scene.EntityType, path string, value, lastSent scene.Value) []scene.Op {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := attrKey{id: id, path: path}
	st, ok := g.toggles[key]
	if !ok {
		st = &toggleState{typ: typ}
		g.toggles[key] = st
	}
	st.lastSent = lastSent
	return g.observeLocked(key, st, value)
}

func (g *Gate) observeLocked(key attrKey, st *toggleState, value scene.Value) []scene.Op {
	h := History{LastSent: st.lastSent, Seen: st.seen}
	if st.seen > 0 {
		cand := st.candidate
		h.Candidate = &cand
	}
	op := scene.UpdateOp(key.id, st.typ, key.path, st.lastSent, value)
	cat := g.table.Classify(st.typ, key.path, DirectionOutbound)
	decision := ShouldDefer(cat, op, h)
	st.candidate, st.seen = h.observe(value)

	switch decision.Action {
	case ApplyNow:
		delete(g.toggles, key)
		return []scene.Op{op}
	case Drop:
		delete(g.toggles, key)
		return nil
	}
	if st.candidate.Equal(st.lastSent) {
		// Flicker that ended where it started: nothing to send.
		delete(g.toggles, key)
	}
	return nil
}

// Settle re-observes every unconfirmed toggle. Called on each tick, it turns
// a value that held still for one tick into a confirmed update.
func (g *Gate) Settle() []scene.Op {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := make([]attrKey, 0, len(g.toggles))
	for k := range g.toggles {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].id != keys[j].id {
			return keys[i].id < keys[j].id
		}
		return keys[i].path < keys[j].path
	})

	var out []scene.Op
	for _, k := range keys {
		st := g.toggles[k]
		out = append(out, g.observeLocked(k, st, st.candidate)...)
	}
	if len(out) > 0 {
		g.logger.Debugw("Confirmed toggles", logger.FieldCount, len(out))
	}
	return out
}

// ForgetToggle drops unconfirmed observations of an attribute, e.g. when a
// peer's update for it was just applied.
func (g *Gate) ForgetToggle(id scene.EntityID, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.toggles, attrKey{id: id, path: path})
}

// PendingToggles returns how many toggles await confirmation.
func (g *Gate) PendingToggles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.toggles)
}

// Mode returns the editing mode of an object; "" means the default.
func (g *Gate) Mode(id scene.EntityID) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modes[id]
}

// Editing reports whether the object is in a non-default mode.
func (g *Gate) Editing(id scene.EntityID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.modes[id]
	return ok
}

// Submit offers a delta produced or received while holder (the editing
// object it belongs to, or NilID) may be in a non-default mode. It returns
// true when the delta can go ahead now; otherwise the gate keeps it until
// ModeChanged flushes holder. Once a delta on an entity is held, later
// deltas on that entity are held behind it.
func (g *Gate) Submit(dir Direction, op scene.Op, holder scene.EntityID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.excludedLocked(dir, op) {
		return false
	}
	if holder.IsNil() {
		return true
	}

	buf := g.buffers[holder]
	queue := func() *[]scene.Op {
		if buf == nil {
			buf = &buffer{}
			g.buffers[holder] = buf
		}
		if dir == DirectionInbound {
			return &buf.inbound
		}
		return &buf.outbound
	}

	if buf != nil && !op.IsStructural() {
		pending := buf.outbound
		if dir == DirectionInbound {
			pending = buf.inbound
		}
		if buf.touches(pending, op.Entity) {
			q := queue()
			*q = append(*q, op.Clone())
			return false
		}
	}

	path := op.Path
	if op.Kind == scene.OpRename {
		path = scene.AttrName
	}
	cat := g.table.Classify(op.Type, path, dir)
	decision := ShouldDefer(cat, op, History{HolderMode: g.modes[holder], DefaultMode: g.defaultMode})
	switch decision.Action {
	case ApplyNow:
		return true
	case Drop:
		return false
	}
	q := queue()
	*q = append(*q, op.Clone())
	return false
}

// Filter removes what the rule table keeps local from op: the whole op for
// an excluded entity type, excluded attributes from a create. It returns
// false when nothing is left to send or apply.
func (g *Gate) Filter(dir Direction, op scene.Op) (scene.Op, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.table.ExcludesType(op.Type, dir) {
		return op, false
	}
	switch op.Kind {
	case scene.OpCreate:
		var drop []string
		for path := range op.Attrs {
			if g.table.Classify(op.Type, path, dir).Rule == RuleExclude {
				drop = append(drop, path)
			}
		}
		if len(drop) == 0 {
			return op, true
		}
		op = op.Clone()
		for _, path := range drop {
			delete(op.Attrs, path)
		}
		return op, true
	case scene.OpDelete:
		return op, true
	}
	return op, !g.excludedLocked(dir, op)
}

// ExcludesType reports whether entities of typ stay local.
func (g *Gate) ExcludesType(typ scene.EntityType, dir Direction) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.table.ExcludesType(typ, dir)
}

func (g *Gate) excludedLocked(dir Direction, op scene.Op) bool {
	if g.table.ExcludesType(op.Type, dir) {
		return true
	}
	if op.IsStructural() {
		return false
	}
	return g.table.Classify(op.Type, opPath(op), dir).Rule == RuleExclude
}

// Held returns how many deltas are buffered for holder.
func (g *Gate) Held(holder scene.EntityID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buffers[holder]; ok {
		return len(b.outbound) + len(b.inbound)
	}
	return 0
}

// ModeChanged records an object's new mode. Returning to the default mode
// releases everything buffered for it: the local deltas to send as one
// batch, and the received deltas to apply, both in the order they were
// buffered. Received deltas are returned even when the local user changed
// the same attribute; Superseded tells which local deltas win over them.
func (g *Gate) ModeChanged(id scene.EntityID, mode string) (outbound, inbound []scene.Op) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, editing := g.modes[id]
	if mode == "" || mode == g.defaultMode {
		delete(g.modes, id)
	} else {
		g.modes[id] = mode
		g.logger.Debugw("Object entered editing mode", logger.FieldEntity, id, logger.FieldMode, mode)
		return nil, nil
	}
	if !editing {
		return nil, nil
	}

	buf, ok := g.buffers[id]
	if !ok {
		return nil, nil
	}
	delete(g.buffers, id)

	g.logger.Debugw("Object left editing mode",
		logger.FieldEntity, id,
		logger.FieldMode, prev,
		"outbound", len(buf.outbound),
		"inbound", len(buf.inbound))
	return buf.outbound, buf.inbound
}

// Superseded returns the local deltas, in order, that touch an attribute one
// of the received deltas also touches. Applied after the received ones they
// leave the local value in place, which is what peers receive.
func Superseded(outbound, inbound []scene.Op) []scene.Op {
	remote := make(map[attrKey]bool, len(inbound))
	for _, op := range inbound {
		if op.IsStructural() {
			continue
		}
		remote[attrKey{id: op.Entity, path: opPath(op)}] = true
	}
	var out []scene.Op
	for _, op := range outbound {
		if remote[attrKey{id: op.Entity, path: opPath(op)}] {
			out = append(out, op)
		}
	}
	return out
}

// Reset forgets all modes, toggles and buffers, as when a session ends.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modes = make(map[scene.EntityID]string)
	g.toggles = make(map[attrKey]*toggleState)
	g.buffers = make(map[scene.EntityID]*buffer)
}

func opPath(op scene.Op) string {
	if op.Kind == scene.OpRename {
		return scene.AttrName
	}
	return op.Path
}
