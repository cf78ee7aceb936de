package replica

import (
	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/policy"
	"github.com/teranos/scenesync/scene"
	"github.com/teranos/scenesync/schedule"
	syncPkg "github.com/teranos/scenesync/sync"
)

// receive handles an update message that arrived on from. It is relayed to
// every other link before it is applied, so peers behind this one see it
// even when some of its ops wait here for dependencies.
func (r *Replica) receive(from Link, msg scene.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Origin == r.cfg.Peer {
		return
	}
	if msg.Seq != 0 && r.reg.Seen(msg.Origin, msg.Seq) {
		return
	}
	log := r.logger.With(logger.FieldOrigin, msg.Origin.Short(), logger.FieldSeq, msg.Seq)

	if wm := r.reg.Watermark(msg.Origin); msg.Seq > wm+1 {
		syncPkg.SequenceGaps.WithLabelValues(msg.Origin.Short()).Inc()
		log.Warnw("Sequence gap detected, requesting affected entities",
			logger.FieldExpected, wm+1)
		var unknown []scene.EntityID
		for _, op := range msg.Ops {
			if op.Kind != scene.OpCreate && !r.reg.Has(op.Entity) && !r.reg.IsDeleted(op.Entity) {
				unknown = append(unknown, op.Entity)
			}
		}
		r.requestResync(from, unknown)
	}

	r.broadcast(codec.Update(msg), linkID(from))

	now := r.cfg.Now()
	var ready []scene.Op
	for _, op := range msg.Ops {
		ready = append(ready, r.in.Submit(msg.Origin, op, now)...)
	}
	r.applyReady(from, msg.Origin, msg.Seq, r.gateInbound(ready))
}

// gateInbound drops what the delay policy buffers for an object in an
// editing mode.
func (r *Replica) gateInbound(ops []scene.Op) []scene.Op {
	kept := ops[:0:0]
	for _, op := range ops {
		if r.gate.Submit(policy.DirectionInbound, op, r.holder(op.Entity)) {
			kept = append(kept, op)
		}
	}
	return kept
}

// applyReady applies received ops whose dependencies are satisfied. seq
// marks the message in the origin's window even when no op is ready yet.
func (r *Replica) applyReady(from Link, origin scene.PeerID, seq uint64, ops []scene.Op) {
	names := make(map[scene.EntityID]string)
	final := ops[:0:0]
	for _, op := range r.filter(policy.DirectionInbound, ops) {
		if op.Kind != scene.OpCreate && op.Kind != scene.OpDelete && !r.reg.Has(op.Entity) && r.in.Dead(op.Entity) {
			continue
		}
		if op.Kind == scene.OpRename {
			op = r.resolveRename(op, names)
		}
		final = append(final, op)
	}

	res := r.reg.ApplyMessage(scene.Message{Origin: origin, Seq: seq, Ops: final})
	if res.Skipped {
		return
	}
	syncPkg.OpsApplied.WithLabelValues("inbound").Add(float64(res.Applied))

	for _, err := range res.Errors {
		if errors.IsUnknownEntity(err) {
			continue
		}
		r.logger.Warnw("Received op rejected by the registry",
			logger.FieldOrigin, origin.Short(),
			logger.FieldError, err)
	}
	var lost []scene.EntityID
	for _, op := range final {
		if op.Kind != scene.OpCreate && !r.reg.Has(op.Entity) && !r.reg.IsDeleted(op.Entity) {
			lost = append(lost, op.Entity)
		}
		switch {
		case op.Kind == scene.OpCreate:
			r.out.Announce(op.Entity)
		case op.Kind == scene.OpUpdate && r.gate.IsToggle(op.Type, op.Path):
			r.gate.ForgetToggle(op.Entity, op.Path)
		}
	}
	r.requestResync(from, lost)
	syncPkg.PendingOps.Set(float64(r.in.Pending()))
}

// resolveRename turns a rename whose old name no longer matches into the
// deterministic conflict name, so both sides of a concurrent rename settle
// on the same result.
func (r *Replica) resolveRename(op scene.Op, names map[scene.EntityID]string) scene.Op {
	current, ok := names[op.Entity]
	if !ok {
		e, exists := r.reg.Get(op.Entity)
		if !exists {
			return op
		}
		current = e.Name()
	}
	if current != op.OldName && current != op.Name {
		resolved := RenameConflictName(op.Entity)
		r.logger.Warnw("Concurrent rename, using conflict name",
			logger.FieldEntity, op.Entity,
			"local", current,
			"remote", op.Name,
			"resolved", resolved)
		op = op.Clone()
		op.OldName = current
		op.Name = resolved
	}
	names[op.Entity] = op.Name
	return op
}

// serveResync answers a resync request with the current state of every
// requested entity that still exists, and a delete for every one that is
// gone. Unknown ids are left out.
func (r *Replica) serveResync(from Link, ids []scene.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var present entityList
	var deletes []scene.Op
	for _, id := range ids {
		if e, ok := r.reg.Get(id); ok {
			present = append(present, e)
			continue
		}
		if typ, ok := r.reg.DeletedType(id); ok {
			deletes = append(deletes, scene.DeleteOp(id, typ))
		}
	}
	ops := r.filter(policy.DirectionOutbound, append(schedule.Snapshot(present), deletes...))
	if len(ops) == 0 {
		r.logger.Debugw("Resync request for entities never seen here", logger.FieldCount, len(ids))
		return
	}
	if err := from.Enqueue(codec.Resync(r.cfg.Peer, ops)); err != nil {
		r.logger.Warnw("Failed to answer resync request",
			logger.FieldSession, from.ID(),
			logger.FieldError, err)
	}
}

// applyResync applies a resync answer. It is not relayed and does not count
// against the sender's sequence window.
func (r *Replica) applyResync(from Link, msg scene.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Now()
	var ready []scene.Op
	for _, op := range msg.Ops {
		ready = append(ready, r.in.Submit(msg.Origin, op, now)...)
	}
	r.applyReady(from, msg.Origin, 0, ready)
	r.logger.Infow("Applied resync",
		logger.FieldOrigin, msg.Origin.Short(),
		logger.FieldCount, len(msg.Ops))
}

// requestResync asks to for the state of ids; a nil link asks everyone.
func (r *Replica) requestResync(to Link, ids []scene.EntityID) {
	if len(ids) == 0 {
		return
	}
	ids = scene.SortedIDs(ids)
	f := codec.ResyncRequest(ids)
	syncPkg.ResyncRequests.WithLabelValues("sent").Add(1)
	if to == nil {
		r.broadcast(f, "")
		return
	}
	if err := to.Enqueue(f); err != nil {
		r.logger.Warnw("Failed to request resync",
			logger.FieldSession, to.ID(),
			logger.FieldError, err)
	}
}

// broadcast enqueues f on every link except the one with id except.
func (r *Replica) broadcast(f codec.Frame, except string) {
	r.links.Range(func(id string, l Link) bool {
		if id == except {
			return true
		}
		if err := l.Enqueue(f); err != nil {
			r.logger.Warnw("Failed to enqueue frame",
				logger.FieldSession, id,
				logger.FieldFrame, f.Type,
				logger.FieldError, err)
		}
		return true
	})
}

func linkID(l Link) string {
	if l == nil {
		return ""
	}
	return l.ID()
}

// entityList adapts a slice for schedule.Snapshot.
type entityList []*scene.Entity

func (l entityList) All() []*scene.Entity { return l }
