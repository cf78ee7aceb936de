package schedule

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/scene"
)

// Resolver answers whether an entity exists locally. The registry
// implements it.
type Resolver interface {
	Has(id scene.EntityID) bool
	IsDeleted(id scene.EntityID) bool
}

// entry is a parked op. It is released once nothing is missing and the
// previous parked op on the same entity has been released.
type entry struct {
	seq     uint64
	origin  scene.PeerID
	op      scene.Op
	arrived time.Time
	missing map[scene.EntityID]bool
	prev    *entry
	next    *entry
}

func (e *entry) ready() bool {
	return len(e.missing) == 0 && e.prev == nil
}

func (e *entry) firstMissing() string {
	ids := make([]scene.EntityID, 0, len(e.missing))
	for id := range e.missing {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return "(queued behind an earlier op)"
	}
	return string(scene.SortedIDs(ids)[0])
}

// Inbound parks received ops until their dependencies exist. Not safe for
// concurrent use; the replica serializes access.
type Inbound struct {
	resolver Resolver
	ttl      time.Duration
	logger   *zap.SugaredLogger

	nextSeq uint64
	entries map[uint64]*entry
	waiting map[scene.EntityID][]*entry
	tail    map[scene.EntityID]*entry

	// created holds ids whose create was released but may not have reached
	// the resolver yet; dead holds ids a peer deleted before we ever saw
	// them.
	created map[scene.EntityID]bool
	dead    map[scene.EntityID]bool
}

// NewInbound returns an empty scheduler. A zero ttl disables expiry.
func NewInbound(resolver Resolver, ttl time.Duration, log *zap.SugaredLogger) *Inbound {
	if log == nil {
		log = logger.Logger
	}
	return &Inbound{
		resolver: resolver,
		ttl:      ttl,
		logger:   log,
		entries:  make(map[uint64]*entry),
		waiting:  make(map[scene.EntityID][]*entry),
		tail:     make(map[scene.EntityID]*entry),
		created:  make(map[scene.EntityID]bool),
		dead:     make(map[scene.EntityID]bool),
	}
}

func (in *Inbound) known(id scene.EntityID) bool {
	return in.created[id] || in.resolver.Has(id)
}

func (in *Inbound) isDead(id scene.EntityID) bool {
	return in.dead[id] || in.resolver.IsDeleted(id)
}

// Submit takes one received op and returns the ops that are now ready to
// apply, in order: the op itself when nothing blocks it, followed by
// everything its creation released in arrival order. A blocked op is
// parked and nil is returned.
func (in *Inbound) Submit(origin scene.PeerID, op scene.Op, now time.Time) []scene.Op {
	if in.isDead(op.Entity) {
		// The registry holds a tombstone and ignores it; pass it through so
		// the message still counts it.
		return []scene.Op{op}
	}
	op = in.withoutDeadRefs(op)

	if op.Kind == scene.OpDelete && !in.known(op.Entity) {
		return in.deleteUnseen(op)
	}

	missing := make(map[scene.EntityID]bool)
	if op.Kind != scene.OpCreate && !in.known(op.Entity) {
		missing[op.Entity] = true
	}
	for _, ref := range op.Refs() {
		if ref != op.Entity && !in.known(ref) {
			missing[ref] = true
		}
	}

	// A create never waits behind ops on its own entity: those ops are
	// parked precisely because the create had not arrived.
	prev := in.tail[op.Entity]
	if op.Kind == scene.OpCreate {
		prev = nil
	}
	if len(missing) == 0 && prev == nil {
		return in.release([]scene.Op{op})
	}

	in.nextSeq++
	e := &entry{
		seq:     in.nextSeq,
		origin:  origin,
		op:      op,
		arrived: now,
		missing: missing,
		prev:    prev,
	}
	if prev != nil {
		prev.next = e
	}
	in.tail[op.Entity] = e
	in.entries[e.seq] = e
	for id := range missing {
		in.waiting[id] = append(in.waiting[id], e)
	}

	in.logger.Debugw("Parked op",
		logger.FieldOrigin, origin.Short(),
		logger.FieldOp, op.Kind,
		logger.FieldEntity, op.Entity,
		logger.FieldMissing, e.firstMissing(),
		logger.FieldPending, len(in.entries))
	return nil
}

// Resolve releases everything waiting on id, e.g. after the entity arrived
// through a resync rather than through Submit.
func (in *Inbound) Resolve(id scene.EntityID) []scene.Op {
	in.created[id] = true
	return in.release(in.unblock(id, nil))
}

// release returns ops followed by whatever their creates unblock,
// transitively.
func (in *Inbound) release(ops []scene.Op) []scene.Op {
	var out []scene.Op
	queue := ops
	for len(queue) > 0 {
		op := queue[0]
		queue = queue[1:]
		out = append(out, op)
		if op.Kind == scene.OpCreate {
			in.created[op.Entity] = true
			queue = append(queue, in.unblock(op.Entity, nil)...)
		}
	}
	return out
}

// unblock removes id from the missing sets of its waiters and unparks the
// ones that became ready, returning their ops in arrival order. With drop
// set, references to id are stripped from the waiters' ops first.
func (in *Inbound) unblock(id scene.EntityID, drop map[scene.EntityID]bool) []scene.Op {
	waiters := in.waiting[id]
	delete(in.waiting, id)

	var freed []*entry
	for _, w := range waiters {
		if _, live := in.entries[w.seq]; !live {
			continue
		}
		delete(w.missing, id)
		if drop != nil {
			w.op = w.op.WithoutRefs(drop)
		}
		if w.ready() {
			freed = append(freed, in.unparkChain(w)...)
		}
	}
	sort.Slice(freed, func(i, j int) bool { return freed[i].seq < freed[j].seq })

	ops := make([]scene.Op, len(freed))
	for i, e := range freed {
		ops[i] = e.op
	}
	return ops
}

// unparkChain removes a ready entry and every successor on the same entity
// that becomes ready as a result.
func (in *Inbound) unparkChain(e *entry) []*entry {
	var out []*entry
	for e != nil && e.ready() {
		in.remove(e)
		out = append(out, e)
		e = e.next
		if e != nil {
			e.prev = nil
		}
	}
	return out
}

func (in *Inbound) remove(e *entry) {
	delete(in.entries, e.seq)
	if in.tail[e.op.Entity] == e {
		delete(in.tail, e.op.Entity)
	}
	for id := range e.missing {
		list := in.waiting[id]
		for i, w := range list {
			if w == e {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(in.waiting, id)
		} else {
			in.waiting[id] = list
		}
	}
}

// deleteUnseen handles a peer deleting an entity we never saw created: the
// id is dead, ops parked on it are dropped, and ops waiting for it proceed
// with the reference nulled. The delete itself comes first so the registry
// tombstones the id before anything else applies.
func (in *Inbound) deleteUnseen(op scene.Op) []scene.Op {
	id := op.Entity
	in.dead[id] = true
	for e := in.tail[id]; e != nil; {
		prev := e.prev
		in.remove(e)
		if e.next != nil {
			e.next.prev = nil
		}
		e = prev
	}
	in.logger.Debugw("Peer deleted an entity never seen here", logger.FieldEntity, id)
	return append([]scene.Op{op}, in.release(in.unblock(id, map[scene.EntityID]bool{id: true}))...)
}

func (in *Inbound) withoutDeadRefs(op scene.Op) scene.Op {
	var drop map[scene.EntityID]bool
	for _, ref := range op.Refs() {
		if in.isDead(ref) {
			if drop == nil {
				drop = make(map[scene.EntityID]bool)
			}
			drop[ref] = true
		}
	}
	if drop == nil {
		return op
	}
	return op.WithoutRefs(drop)
}

// Sweep expires parked ops older than the TTL, along with the ops queued
// behind them on the same entity. Each expiry is reported as a
// DependencyTimeoutError; registry state is not touched.
func (in *Inbound) Sweep(now time.Time) []error {
	if in.ttl <= 0 || len(in.entries) == 0 {
		return nil
	}
	seqs := make([]uint64, 0, len(in.entries))
	for seq := range in.entries {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var errs []error
	for _, seq := range seqs {
		e, ok := in.entries[seq]
		if !ok {
			continue
		}
		age := now.Sub(e.arrived)
		if age < in.ttl {
			continue
		}
		for cur := e; cur != nil; cur = cur.next {
			in.remove(cur)
			errs = append(errs, errors.NewDependencyTimeoutError(string(cur.op.Entity), cur.firstMissing(), now.Sub(cur.arrived)))
		}
		if e.prev != nil {
			e.prev.next = nil
			in.tail[e.op.Entity] = e.prev
		}
	}
	if len(errs) > 0 {
		in.logger.Warnw("Pending ops expired",
			logger.FieldCount, len(errs),
			logger.FieldPending, len(in.entries))
	}
	return errs
}

// Drain discards every parked op, as on link loss. Unresolved references
// are reported as a StructuralInconsistencyError; nil means nothing was
// pending.
func (in *Inbound) Drain() error {
	missing := in.Missing()
	pending := len(in.entries)
	in.entries = make(map[uint64]*entry)
	in.waiting = make(map[scene.EntityID][]*entry)
	in.tail = make(map[scene.EntityID]*entry)
	if pending == 0 {
		return nil
	}
	ids := make([]string, len(missing))
	for i, id := range missing {
		ids[i] = string(id)
	}
	in.logger.Warnw("Discarded pending ops on link loss",
		logger.FieldPending, pending,
		logger.FieldMissing, ids)
	return errors.NewStructuralInconsistencyError(ids)
}

// Dead reports whether a peer deleted id before it was ever created here.
func (in *Inbound) Dead(id scene.EntityID) bool {
	return in.dead[id]
}

// Pending returns the number of parked ops.
func (in *Inbound) Pending() int {
	return len(in.entries)
}

// Missing returns the sorted ids parked ops are waiting for.
func (in *Inbound) Missing() []scene.EntityID {
	ids := make([]scene.EntityID, 0, len(in.waiting))
	for id := range in.waiting {
		ids = append(ids, id)
	}
	return scene.SortedIDs(ids)
}
