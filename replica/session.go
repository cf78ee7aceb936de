package replica

import (
	"sort"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/policy"
	"github.com/teranos/scenesync/scene"
	"github.com/teranos/scenesync/schedule"
	syncPkg "github.com/teranos/scenesync/sync"
)

// Attach starts broadcasting updates to l.
func (r *Replica) Attach(l Link) {
	r.links.Store(l.ID(), l)
	r.logger.Infow("Session attached",
		logger.FieldSession, l.ID(),
		logger.FieldRemote, l.Remote().Short())
}

// Detach stops broadcasting to l. When the last link goes, ops still
// waiting for dependencies can never resolve; they are dropped and reported
// as a structural inconsistency.
func (r *Replica) Detach(l Link, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.links.LoadAndDelete(l.ID()); !ok {
		return
	}
	log := r.logger.With(logger.FieldSession, l.ID(), logger.FieldRemote, l.Remote().Short())
	if cause != nil {
		log.Warnw("Session detached", logger.FieldError, cause)
	} else {
		log.Infow("Session detached")
	}
	if r.links.Size() > 0 {
		return
	}
	if err := r.in.Drain(); err != nil {
		log.Errorw("Lost the last session with unresolved references",
			logger.FieldError, err,
			"hint", errors.FlattenHints(err))
	}
	syncPkg.PendingOps.Set(0)
}

// Links returns the attached sessions ordered by id.
func (r *Replica) Links() []Link {
	var links []Link
	r.links.Range(func(_ string, l Link) bool {
		links = append(links, l)
		return true
	})
	sort.Slice(links, func(i, j int) bool { return links[i].ID() < links[j].ID() })
	return links
}

// provide builds the join snapshot for a new peer: the live entities as
// creates, then a delete per tombstone so a rejoining peer drops what was
// deleted while it was away. The link is attached in the same critical
// section, so every later update reaches it after the snapshot.
func (r *Replica) provide(l Link) ([]scene.Op, map[scene.PeerID]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.commitLocked(); err != nil {
		r.logger.Warnw("Commit before snapshot failed", logger.FieldError, err)
	}
	ops := append(schedule.Snapshot(r.reg), tombstoneOps(r.reg.Tombstones())...)
	ops = r.filter(policy.DirectionOutbound, ops)
	watermarks := r.reg.Watermarks()
	r.Attach(l)
	return ops, watermarks
}

// accept applies a complete join snapshot as one batch, so the host sees
// the joined scene in a single notification. Entities that existed only on
// this side are then sent to the provider, along with deletes for entities
// this side removed while the provider still had them.
func (r *Replica) accept(l Link, snapshot scene.Message, watermarks map[scene.PeerID]uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.commitLocked(); err != nil {
		r.logger.Warnw("Commit before join failed", logger.FieldError, err)
	}

	received := make(map[scene.EntityID]bool)
	now := r.cfg.Now()
	var ready []scene.Op
	for _, op := range snapshot.Ops {
		if op.Kind == scene.OpCreate {
			received[op.Entity] = true
		}
		ready = append(ready, r.in.Submit(snapshot.Origin, op, now)...)
	}
	for origin, seq := range watermarks {
		if origin != r.cfg.Peer {
			r.reg.AdvanceWatermark(origin, seq)
		}
	}
	r.applyReady(l, snapshot.Origin, 0, ready)

	var own entityList
	for _, e := range r.reg.All() {
		if !received[e.ID] {
			own = append(own, e)
		}
	}
	var removed []scene.Op
	for _, id := range sortedKeys(received) {
		if typ, dead := r.reg.DeletedType(id); dead {
			removed = append(removed, scene.DeleteOp(id, typ))
		}
	}
	r.Attach(l)
	if len(own) > 0 || len(removed) > 0 {
		r.logger.Infow("Sending what the provider is missing",
			logger.FieldCount, len(own),
			"deleted", len(removed))
		r.send(append(schedule.Snapshot(own), removed...))
	}
	if pending := r.in.Pending(); pending > 0 {
		r.logger.Warnw("Snapshot referenced entities it did not contain",
			logger.FieldPending, pending,
			logger.FieldMissing, r.in.Missing())
	}
	return nil
}

// tombstoneOps turns deleted ids into delete ops, sorted by id.
func tombstoneOps(tombstones map[scene.EntityID]scene.EntityType) []scene.Op {
	ids := make([]scene.EntityID, 0, len(tombstones))
	for id := range tombstones {
		ids = append(ids, id)
	}
	ops := make([]scene.Op, 0, len(ids))
	for _, id := range scene.SortedIDs(ids) {
		ops = append(ops, scene.DeleteOp(id, tombstones[id]))
	}
	return ops
}

func sortedKeys(set map[scene.EntityID]bool) []scene.EntityID {
	ids := make([]scene.EntityID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return scene.SortedIDs(ids)
}

// Join implements sync.Handler for the provider side.
func (r *Replica) Join(s *syncPkg.Session) ([]scene.Op, map[scene.PeerID]uint64) {
	return r.provide(s)
}

// Joined implements sync.Handler for the joiner side.
func (r *Replica) Joined(s *syncPkg.Session, snapshot scene.Message, watermarks map[scene.PeerID]uint64) error {
	return r.accept(s, snapshot, watermarks)
}

// Update implements sync.Handler.
func (r *Replica) Update(s *syncPkg.Session, msg scene.Message) {
	r.receive(s, msg)
}

// ResyncRequested implements sync.Handler.
func (r *Replica) ResyncRequested(s *syncPkg.Session, ids []scene.EntityID) {
	r.serveResync(s, ids)
}

// Resynced implements sync.Handler.
func (r *Replica) Resynced(s *syncPkg.Session, msg scene.Message) {
	r.applyResync(s, msg)
}

// Left implements sync.Handler.
func (r *Replica) Left(s *syncPkg.Session, err error) {
	r.Detach(s, err)
}

// LinkStatus describes one attached session.
type LinkStatus struct {
	ID     string       `json:"id"`
	Remote scene.PeerID `json:"remote"`
}

// Status is a point-in-time summary of the replica.
type Status struct {
	Peer       scene.PeerID            `json:"peer"`
	Name       string                  `json:"name,omitempty"`
	Entities   int                     `json:"entities"`
	Pending    int                     `json:"pending"`
	Sequence   uint64                  `json:"sequence"`
	Watermarks map[scene.PeerID]uint64 `json:"watermarks"`
	Links      []LinkStatus            `json:"links"`
}

// Status reports the replica's current state.
func (r *Replica) Status() Status {
	r.mu.Lock()
	st := Status{
		Peer:       r.cfg.Peer,
		Name:       r.cfg.Name,
		Entities:   r.reg.Len(),
		Pending:    r.in.Pending(),
		Sequence:   r.seq,
		Watermarks: r.reg.Watermarks(),
	}
	r.mu.Unlock()

	st.Links = []LinkStatus{}
	for _, l := range r.Links() {
		st.Links = append(st.Links, LinkStatus{ID: l.ID(), Remote: l.Remote()})
	}
	return st
}
