// Package replica is the synchronization core seen from the host: it turns
// local observations into update messages and received messages into
// registry changes pushed back to the host.
//
// Every mutation of the registry, local or remote, happens under one mutex.
// Sessions run their own goroutines and call into the replica through the
// sync.Handler methods, which take that same mutex.
package replica

import (
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/diff"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/host"
	"github.com/teranos/scenesync/logger"
	"github.com/teranos/scenesync/policy"
	"github.com/teranos/scenesync/registry"
	"github.com/teranos/scenesync/scene"
	"github.com/teranos/scenesync/schedule"
	syncPkg "github.com/teranos/scenesync/sync"
)

// Config describes the local peer.
type Config struct {
	Peer scene.PeerID
	Name string
	// DefaultMode is the editing mode in which changes flow live.
	DefaultMode string
	// PendingTTL bounds how long a received op waits for its dependencies.
	// Zero disables expiry.
	PendingTTL time.Duration
	// Rules is the delay policy table; nil means policy.DefaultTable.
	Rules *policy.Table
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Link is a connected session as the replica sees it. *sync.Session
// implements it.
type Link interface {
	ID() string
	Remote() scene.PeerID
	Enqueue(f codec.Frame) error
}

// localEdit accumulates what the host reported about one entity since the
// last commit.
type localEdit struct {
	typ     scene.EntityType
	created scene.Attributes
	sets    map[string]scene.Value
	removed bool
}

// Replica owns the local registry and the schedulers around it.
type Replica struct {
	mu sync.Mutex

	cfg  Config
	reg  *registry.Registry
	host host.Applier
	gate *policy.Gate
	out  *schedule.Outbound
	in   *schedule.Inbound

	edits  map[scene.EntityID]*localEdit
	staged []scene.Op
	seq    uint64
	// local is set while the replica records its own ops, so the host is
	// not told about changes it made itself.
	local bool
	// localOnly holds ids of entities the rule table keeps on one side.
	localOnly map[scene.EntityID]bool

	links  *xsync.MapOf[string, Link]
	logger *zap.SugaredLogger
}

var _ syncPkg.Handler = (*Replica)(nil)

// New wires a replica around reg. The registry may already hold state
// restored from disk; it is treated as known to every peer.
func New(cfg Config, reg *registry.Registry, applier host.Applier, log *zap.SugaredLogger) (*Replica, error) {
	if cfg.Peer == "" {
		return nil, errors.NewInvalidRequestError("replica needs a peer id")
	}
	if reg == nil {
		return nil, errors.NewInvalidRequestError("replica needs a registry")
	}
	if applier == nil {
		applier = host.Discard
	}
	if log == nil {
		log = logger.ComponentLogger("replica")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Replica{
		cfg:       cfg,
		reg:       reg,
		host:      applier,
		gate:      policy.NewGate(cfg.Rules, cfg.DefaultMode, log.Named("policy")),
		out:       schedule.NewOutbound(cfg.PendingTTL, cfg.Now, log.Named("outbound")),
		in:        schedule.NewInbound(reg, cfg.PendingTTL, log.Named("inbound")),
		edits:     make(map[scene.EntityID]*localEdit),
		localOnly: make(map[scene.EntityID]bool),
		seq:       reg.Watermark(cfg.Peer),
		links:     xsync.NewMapOf[string, Link](),
		logger:    log.With(logger.FieldPeer, cfg.Peer.Short()),
	}
	for _, e := range reg.All() {
		r.out.Announce(e.ID)
	}
	reg.Subscribe(registry.SubscriberFunc(r.toHost))
	return r, nil
}

// Registry returns the replica's registry. Reads are safe at any time;
// mutate it only through the replica.
func (r *Replica) Registry() *registry.Registry { return r.reg }

// Peer returns the local peer id.
func (r *Replica) Peer() scene.PeerID { return r.cfg.Peer }

// SetRules swaps the delay policy table.
func (r *Replica) SetRules(t *policy.Table) {
	if t == nil {
		t = policy.DefaultTable()
	}
	r.gate.SetTable(t)
	r.logger.Infow("Delay policy rules updated", logger.FieldCount, len(t.Entries()))
}

// OnLocalCreate records a new entity observed in the host and returns its
// id. A host that duplicates an entity together with its id gets a fresh id
// for the copy, as does a host that reuses the id of a deleted entity.
func (r *Replica) OnLocalCreate(id scene.EntityID, typ scene.EntityType, attrs scene.Attributes) (scene.EntityID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(id, typ, attrs)
}

func (r *Replica) createLocked(id scene.EntityID, typ scene.EntityType, attrs scene.Attributes) (scene.EntityID, error) {
	if !typ.Valid() {
		return scene.NilID, errors.NewInvalidRequestError("unknown entity type %q", typ)
	}
	if id.IsNil() {
		id = scene.NewEntityID()
	} else if _, pending := r.edits[id]; pending || r.reg.Has(id) || r.reg.IsDeleted(id) {
		fresh := scene.NewEntityID()
		r.logger.Warnw("Duplicate entity id, assigning a fresh one",
			logger.FieldEntity, id,
			"fresh", fresh)
		id = fresh
	}
	r.edits[id] = &localEdit{typ: typ, created: attrs.Clone(), sets: make(map[string]scene.Value)}
	return id, nil
}

// OnLocalChange records a new value for one attribute. A Null value clears
// it. Two-toggle attributes go through the delay policy here; everything
// else is diffed at the next Commit.
func (r *Replica) OnLocalChange(id scene.EntityID, path string, value scene.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changeLocked(id, path, value)
}

func (r *Replica) changeLocked(id scene.EntityID, path string, value scene.Value) error {
	if path == "" {
		return errors.NewInvalidRequestError("change of %s without attribute path", id)
	}
	ed, err := r.editLocked(id, "change")
	if err != nil {
		return err
	}
	if ed.created == nil && value.Kind() == scene.KindBool && r.gate.IsToggle(ed.typ, path) {
		lastSent := scene.Null()
		if current, ok := r.reg.Get(id); ok {
			lastSent = current.Attrs.Get(path)
		}
		r.staged = append(r.staged, r.gate.Observe(id, ed.typ, path, value, lastSent)...)
		return nil
	}
	if ed.created != nil {
		ed.created.Set(path, value)
		return nil
	}
	ed.sets[path] = value.Clone()
	return nil
}

// OnLocalRemove records that the host deleted an entity.
func (r *Replica) OnLocalRemove(id scene.EntityID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ed, err := r.editLocked(id, "remove")
	if err != nil {
		return err
	}
	ed.removed = true
	ed.sets = make(map[string]scene.Value)
	return nil
}

// editLocked returns the pending edit of a live entity, creating it.
func (r *Replica) editLocked(id scene.EntityID, what string) (*localEdit, error) {
	if ed, ok := r.edits[id]; ok {
		if ed.removed {
			return nil, errors.NewUnknownEntityError(string(id), what)
		}
		return ed, nil
	}
	e, ok := r.reg.Get(id)
	if !ok {
		return nil, errors.NewUnknownEntityError(string(id), what)
	}
	ed := &localEdit{typ: e.Type, sets: make(map[string]scene.Value)}
	r.edits[id] = ed
	return ed, nil
}

// OnModeChange records an object's editing mode. Pending edits are
// committed first so they go out under the mode they were made in. Leaving
// an editing mode sends everything buffered for the object as one update
// and applies what peers sent meanwhile.
func (r *Replica) OnModeChange(id scene.EntityID, mode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modeLocked(id, mode)
}

func (r *Replica) modeLocked(id scene.EntityID, mode string) error {
	if !r.reg.Has(id) {
		if _, pending := r.edits[id]; !pending {
			return errors.NewUnknownEntityError(string(id), "mode change")
		}
	}
	r.commitLocked()
	outbound, inbound := r.gate.ModeChanged(id, mode)
	if len(inbound) > 0 {
		r.applyReady(nil, "", 0, inbound)
		// Received edits of attributes the user also changed are applied as
		// produced, then the local values go back on top, in the host too.
		if restore := policy.Superseded(outbound, inbound); len(restore) > 0 {
			r.logger.Debugw("Restoring local edits over received ones",
				logger.FieldEntity, id,
				logger.FieldCount, len(restore))
			r.reg.ApplyMessage(scene.Message{Origin: r.cfg.Peer, Ops: restore})
		}
	}
	r.send(outbound)
	return nil
}

// Observe feeds host events in order. It stops at the first event that
// fails.
func (r *Replica) Observe(events ...host.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range events {
		var err error
		switch ev := ev.(type) {
		case host.Created:
			_, err = r.createLocked(ev.ID, ev.Type, ev.Attrs)
		case host.Removed:
			var ed *localEdit
			if ed, err = r.editLocked(ev.ID, "remove"); err == nil {
				ed.removed = true
				ed.sets = make(map[string]scene.Value)
			}
		case host.Renamed:
			err = r.changeLocked(ev.ID, scene.AttrName, scene.String(ev.Name))
		case host.Changed:
			err = r.changeLocked(ev.ID, ev.Path, ev.Value)
		case host.ModeChanged:
			err = r.modeLocked(ev.ID, ev.Mode)
		default:
			err = errors.Newf("unsupported host event %T", ev)
		}
		if err != nil {
			return errors.Wrapf(err, "observe %T on %s", ev, ev.Target())
		}
	}
	return nil
}

// Commit diffs everything observed since the last commit, records it in the
// registry and sends it, minus what the delay policy holds back, as one
// update message.
func (r *Replica) Commit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitLocked()
}

func (r *Replica) commitLocked() error {
	if len(r.edits) == 0 && len(r.staged) == 0 {
		return nil
	}
	ids := make([]scene.EntityID, 0, len(r.edits))
	for id := range r.edits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var ops []scene.Op
	var errs error
	for _, id := range ids {
		entityOps, err := r.diffEdit(id, r.edits[id])
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		ops = append(ops, entityOps...)
	}
	ops = append(ops, r.staged...)
	r.edits = make(map[scene.EntityID]*localEdit)
	r.staged = nil

	if len(ops) == 0 {
		return errs
	}
	r.applyLocal(ops)

	send := ops[:0:0]
	for _, op := range ops {
		if r.gate.Submit(policy.DirectionOutbound, op, r.holder(op.Entity)) {
			send = append(send, op)
		}
	}
	r.send(send)
	return errs
}

func (r *Replica) diffEdit(id scene.EntityID, ed *localEdit) ([]scene.Op, error) {
	prev, _ := r.reg.Get(id)
	var cur *scene.Entity
	switch {
	case ed.removed:
	case ed.created != nil:
		cur = scene.NewEntity(id, ed.typ, ed.created)
	default:
		if prev == nil {
			// Deleted by a peer since the host reported the change.
			r.logger.Debugw("Dropping local change to a removed entity", logger.FieldEntity, id)
			return nil, nil
		}
		cur = prev.Clone()
	}
	if cur != nil {
		for path, v := range ed.sets {
			cur.Attrs.Set(path, v)
		}
	}
	ops, err := diff.Diff(prev, cur)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to diff %s", id)
	}
	return ops, nil
}

// applyLocal records the local peer's own ops.
func (r *Replica) applyLocal(ops []scene.Op) {
	r.local = true
	res := r.reg.ApplyMessage(scene.Message{Origin: r.cfg.Peer, Ops: ops})
	r.local = false

	syncPkg.OpsApplied.WithLabelValues("local").Add(float64(res.Applied))
	for _, err := range res.Errors {
		r.logger.Warnw("Local op rejected by the registry", logger.FieldError, err)
	}
}

// send orders ops for the wire and broadcasts them as the next update.
func (r *Replica) send(ops []scene.Op) {
	ordered := r.out.Order(r.filter(policy.DirectionOutbound, ops))
	if len(ordered) == 0 {
		return
	}
	if r.links.Size() == 0 {
		// Nobody to tell. A later join carries this state in its snapshot.
		return
	}
	r.seq++
	r.reg.AdvanceWatermark(r.cfg.Peer, r.seq)
	msg := scene.Message{Origin: r.cfg.Peer, Seq: r.seq, Ops: ordered}
	r.broadcast(codec.Update(msg), "")
	r.logger.Debugw("Sent update", logger.FieldSeq, r.seq, logger.FieldCount, len(ordered))
}

// filter drops what the rule table keeps on this peer and nulls references
// to entities that stay local.
func (r *Replica) filter(dir policy.Direction, ops []scene.Op) []scene.Op {
	kept := ops[:0:0]
	for _, op := range ops {
		out, ok := r.gate.Filter(dir, op)
		if !ok {
			if op.Kind == scene.OpCreate {
				r.localOnly[op.Entity] = true
			}
			continue
		}
		var drop map[scene.EntityID]bool
		for _, ref := range out.Refs() {
			if r.isLocalOnly(dir, ref) {
				if drop == nil {
					drop = make(map[scene.EntityID]bool)
				}
				drop[ref] = true
			}
		}
		if drop != nil {
			out = out.WithoutRefs(drop)
		}
		kept = append(kept, out)
	}
	return kept
}

func (r *Replica) isLocalOnly(dir policy.Direction, id scene.EntityID) bool {
	if r.localOnly[id] {
		return true
	}
	typ, ok := r.reg.TypeOf(id)
	return ok && r.gate.ExcludesType(typ, dir)
}

// holder returns the object whose editing mode governs id: id itself when
// it is an object in a non-default mode, or an object in such a mode that
// uses id as its data.
func (r *Replica) holder(id scene.EntityID) scene.EntityID {
	if r.gate.Editing(id) {
		return id
	}
	for _, user := range r.reg.DataUsers(id) {
		if r.gate.Editing(user) {
			return user
		}
	}
	return scene.NilID
}

// toHost pushes registry changes made on behalf of peers into the host.
func (r *Replica) toHost(changes []registry.Change) {
	if r.local {
		return
	}
	lifecycle, hasLifecycle := r.host.(host.Lifecycle)
	for _, c := range changes {
		var err error
		switch c.Kind {
		case scene.OpCreate:
			if hasLifecycle {
				err = lifecycle.CreateInHost(scene.NewEntity(c.Entity, c.Type, c.Attrs))
				break
			}
			for _, path := range c.Attrs.Paths() {
				if err = r.host.ApplyToHost(c.Entity, path, c.Attrs.Get(path)); err != nil {
					break
				}
			}
		case scene.OpDelete:
			if hasLifecycle {
				err = lifecycle.RemoveFromHost(c.Entity)
				break
			}
			err = r.host.ApplyToHost(c.Entity, "", scene.Null())
		default:
			err = r.host.ApplyToHost(c.Entity, c.Path, c.Value)
		}
		if err != nil {
			r.logger.Warnw("Host rejected a change",
				logger.FieldEntity, c.Entity,
				logger.FieldOp, c.Kind,
				logger.FieldPath, c.Path,
				logger.FieldError, err)
		}
	}
}

// Tick runs the periodic work: confirming settled toggles, committing, and
// expiring ops whose dependencies never arrived. Outbound ops held past the
// TTL are sent with the unknown references nulled. Expired received entities
// are requested again from every peer. The returned errors are
// DependencyTimeoutErrors; the registry is left as it is.
func (r *Replica) Tick() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.staged = append(r.staged, r.gate.Settle()...)
	if err := r.commitLocked(); err != nil {
		r.logger.Warnw("Commit failed during tick", logger.FieldError, err)
	}

	now := r.cfg.Now()
	outErrs := r.out.Sweep(now)
	if len(outErrs) > 0 {
		syncPkg.DependencyTimeouts.Add(float64(len(outErrs)))
		r.send(nil)
	}

	before := r.in.Missing()
	errs := r.in.Sweep(now)
	syncPkg.PendingOps.Set(float64(r.in.Pending()))
	if len(errs) == 0 {
		return outErrs
	}
	syncPkg.DependencyTimeouts.Add(float64(len(errs)))

	still := make(map[scene.EntityID]bool)
	for _, id := range r.in.Missing() {
		still[id] = true
	}
	var expired []scene.EntityID
	for _, id := range before {
		if !still[id] {
			expired = append(expired, id)
		}
	}
	r.requestResync(nil, expired)
	return append(outErrs, errs...)
}

// Pending returns the number of received ops waiting for dependencies.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.in.Pending()
}

// Held returns how many ops the delay policy holds for an object.
func (r *Replica) Held(id scene.EntityID) int {
	return r.gate.Held(id)
}

// Sequence returns the sequence number of the last update sent.
func (r *Replica) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// SnapshotOps returns the create stream that reproduces the registry.
func (r *Replica) SnapshotOps() []scene.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return schedule.Snapshot(r.reg)
}

// RenameConflictName is the name every peer gives an entity whose renames
// collided.
func RenameConflictName(id scene.EntityID) string {
	return "_rename_conflict_" + string(id)
}
