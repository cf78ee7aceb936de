// Package schedule orders operations so that no peer ever applies an op
// before the entities it depends on exist.
//
// Outbound orders what this peer sends: creates in dependency order with
// cycles split into create-with-null plus relink, and ops that point at
// entities nobody has been told about held back until they have. Inbound
// mirrors it on receipt: ops that reference unknown ids are parked keyed by
// the missing id and released in arrival order when it appears.
package schedule

import (
	"container/heap"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/scene"
)

// EntitySource lists entities for a join snapshot.
type EntitySource interface {
	All() []*scene.Entity
}

// Outbound tracks which entities peers have been told about. Not safe for
// concurrent use; the replica serializes access.
type Outbound struct {
	announced map[scene.EntityID]bool
	held      []heldOp
	ttl       time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// heldOp is an op waiting for an announcement, and when it started waiting.
type heldOp struct {
	op    scene.Op
	since time.Time
}

// NewOutbound returns a scheduler that has announced nothing yet. Held ops
// older than ttl are released by Sweep; a zero ttl holds them forever. A
// nil now means time.Now.
func NewOutbound(ttl time.Duration, now func() time.Time, log *zap.SugaredLogger) *Outbound {
	if log == nil {
		log = logger.Logger
	}
	if now == nil {
		now = time.Now
	}
	return &Outbound{announced: make(map[scene.EntityID]bool), ttl: ttl, now: now, logger: log}
}

// Announce records ids as known to every peer, e.g. after a join snapshot
// or after receiving them from a peer.
func (o *Outbound) Announce(ids ...scene.EntityID) {
	for _, id := range ids {
		o.announced[id] = true
	}
}

// IsAnnounced reports whether peers know about id.
func (o *Outbound) IsAnnounced(id scene.EntityID) bool {
	return o.announced[id]
}

// Held returns how many ops wait for an entity to be announced.
func (o *Outbound) Held() int {
	return len(o.held)
}

// Order arranges a batch for sending. Ops held from earlier batches are
// reconsidered first. The result is: creates in dependency order, the
// relinks that close reference cycles, attribute ops, then deletes with
// objects ahead of the data they use. Attribute ops that reference an entity
// neither announced nor created in the batch are held, together with every
// later op on the same entity.
func (o *Outbound) Order(ops []scene.Op) []scene.Op {
	now := o.now()
	batch := o.held
	o.held = nil
	for _, op := range ops {
		batch = append(batch, heldOp{op: op, since: now})
	}

	var creates, deletes []scene.Op
	var others []heldOp
	inBatch := make(map[scene.EntityID]bool)
	deleted := make(map[scene.EntityID]bool)
	for _, h := range batch {
		op := h.op
		switch op.Kind {
		case scene.OpCreate:
			creates = append(creates, op)
			inBatch[op.Entity] = true
		case scene.OpDelete:
			deletes = append(deletes, op)
			deleted[op.Entity] = true
		default:
			others = append(others, h)
		}
	}
	known := func(id scene.EntityID) bool { return o.announced[id] || inBatch[id] }

	// A create that points outside everything known goes out without the
	// link; the restoring ops wait with the other held ops.
	var restore []scene.Op
	for i, c := range creates {
		unknown := make(map[scene.EntityID]bool)
		for _, ref := range c.Refs() {
			if !known(ref) {
				unknown[ref] = true
			}
		}
		if len(unknown) > 0 {
			var followups []scene.Op
			creates[i], followups = c.SplitRefs(unknown)
			restore = append(restore, followups...)
		}
	}

	out, cycleLinks := orderCreates(creates)
	if len(cycleLinks) > 0 {
		o.logger.Debugw("Split reference cycles", logger.FieldCount, len(cycleLinks))
	}

	var rest []heldOp
	for _, op := range append(cycleLinks, restore...) {
		rest = append(rest, heldOp{op: op, since: now})
	}
	rest = append(rest, others...)
	blocked := make(map[scene.EntityID]bool)
	for _, h := range rest {
		op := h.op
		if blocked[op.Entity] || !allKnown(op.Refs(), known) {
			if deleted[op.Entity] {
				continue
			}
			blocked[op.Entity] = true
			o.held = append(o.held, h)
			continue
		}
		out = append(out, op)
	}

	sort.SliceStable(deletes, func(i, j int) bool {
		return deletes[i].Type.RemovalRank() < deletes[j].Type.RemovalRank()
	})
	out = append(out, deletes...)

	for id := range inBatch {
		o.announced[id] = true
	}
	if len(o.held) > 0 {
		o.logger.Debugw("Holding ops with forward references", logger.FieldPending, len(o.held))
	}
	return out
}

// Sweep releases held ops that waited longer than the TTL: their references
// to entities never announced are nulled so the next Order sends them, and
// each one is reported as a DependencyTimeoutError.
func (o *Outbound) Sweep(now time.Time) []error {
	if o.ttl <= 0 || len(o.held) == 0 {
		return nil
	}
	var errs []error
	for i, h := range o.held {
		age := now.Sub(h.since)
		if age < o.ttl {
			continue
		}
		unknown := make(map[scene.EntityID]bool)
		for _, ref := range h.op.Refs() {
			if !o.announced[ref] {
				unknown[ref] = true
			}
		}
		if len(unknown) == 0 {
			continue
		}
		missing := scene.SortedIDs(mapKeys(unknown))
		o.held[i].op = h.op.WithoutRefs(unknown)
		errs = append(errs, errors.NewDependencyTimeoutError(string(h.op.Entity), string(missing[0]), age))
		o.logger.Warnw("Sending held op without references peers never received",
			logger.FieldEntity, h.op.Entity,
			logger.FieldOp, h.op.Kind,
			logger.FieldMissing, missing)
	}
	return errs
}

func mapKeys(m map[scene.EntityID]bool) []scene.EntityID {
	ids := make([]scene.EntityID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids
}

func allKnown(ids []scene.EntityID, known func(scene.EntityID) bool) bool {
	for _, id := range ids {
		if !known(id) {
			return false
		}
	}
	return true
}

// Snapshot returns the create stream that reproduces every entity in src on
// an empty peer: creates in dependency order followed by cycle relinks.
func Snapshot(src EntitySource) []scene.Op {
	entities := src.All()
	creates := make([]scene.Op, len(entities))
	for i, e := range entities {
		creates[i] = scene.CreateOp(e.ID, e.Type, e.Attrs)
	}
	out, links := orderCreates(creates)
	return append(out, links...)
}

// orderCreates sorts creates so that every create follows the creates it
// references, preferring lower creation rank and then input order. When
// only cycles remain, the lowest-ranked remaining create is split: it goes
// out with its unresolved links nulled and the links are returned
// separately, to be sent after all creates.
func orderCreates(creates []scene.Op) ([]scene.Op, []scene.Op) {
	n := len(creates)
	if n == 0 {
		return nil, nil
	}
	index := make(map[scene.EntityID]int, n)
	for i, c := range creates {
		index[c.Entity] = i
	}

	deps := make([][]int, n)
	dependents := make([][]int, n)
	indegree := make([]int, n)
	for i, c := range creates {
		for _, ref := range c.Refs() {
			j, ok := index[ref]
			if !ok || j == i {
				continue
			}
			deps[i] = append(deps[i], j)
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	byRank := make([]int, n)
	for i := range byRank {
		byRank[i] = i
	}
	less := func(a, b int) bool {
		ra, rb := creates[a].Type.CreationRank(), creates[b].Type.CreationRank()
		if ra != rb {
			return ra < rb
		}
		return a < b
	}
	sort.Slice(byRank, func(x, y int) bool { return less(byRank[x], byRank[y]) })

	ready := &opHeap{less: less}
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	emitted := make([]bool, n)
	out := make([]scene.Op, 0, n)
	var links []scene.Op
	next := 0
	for len(out) < n {
		if ready.Len() == 0 {
			for emitted[byRank[next]] {
				next++
			}
			pick := byRank[next]
			targets := make(map[scene.EntityID]bool)
			for _, j := range deps[pick] {
				if !emitted[j] {
					targets[creates[j].Entity] = true
				}
			}
			var followups []scene.Op
			creates[pick], followups = creates[pick].SplitRefs(targets)
			links = append(links, followups...)
			heap.Push(ready, pick)
		}

		i := heap.Pop(ready).(int)
		if emitted[i] {
			continue
		}
		emitted[i] = true
		out = append(out, creates[i])
		for _, d := range dependents[i] {
			if emitted[d] {
				continue
			}
			indegree[d]--
			if indegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	return out, links
}

type opHeap struct {
	items []int
	less  func(a, b int) bool
}

func (h *opHeap) Len() int           { return len(h.items) }
func (h *opHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *opHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *opHeap) Push(x interface{}) { h.items = append(h.items, x.(int)) }
func (h *opHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
