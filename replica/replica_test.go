package replica

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/scenesync/codec"
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/host"
	"github.com/teranos/scenesync/policy"
	"github.com/teranos/scenesync/registry"
	"github.com/teranos/scenesync/scene"
)

const objectMode = "OBJECT"

// fakeLink records what a replica enqueues for one remote peer.
type fakeLink struct {
	id     string
	remote scene.PeerID

	mu     sync.Mutex
	frames []codec.Frame
}

func (l *fakeLink) ID() string           { return l.id }
func (l *fakeLink) Remote() scene.PeerID { return l.remote }

func (l *fakeLink) Enqueue(f codec.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

func (l *fakeLink) take() []codec.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.frames
	l.frames = nil
	return out
}

func (l *fakeLink) updates() []scene.Message {
	var out []scene.Message
	for _, f := range l.take() {
		if f.Type == codec.FrameUpdate {
			out = append(out, *f.Message)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testPeer struct {
	*Replica
	scene *host.MemoryScene
}

func newTestPeer(t *testing.T, id scene.PeerID, clock *fakeClock, log *zap.SugaredLogger) *testPeer {
	t.Helper()
	mem := host.NewMemoryScene()
	cfg := Config{Peer: id, DefaultMode: objectMode, PendingTTL: time.Second}
	if clock != nil {
		cfg.Now = clock.Now
	}
	r, err := New(cfg, registry.New(log), mem, log.Named(string(id)))
	require.NoError(t, err)
	return &testPeer{Replica: r, scene: mem}
}

// pair connects two replicas through fake links that the test pumps.
type pair struct {
	t    *testing.T
	a, b *testPeer
	ab   *fakeLink // a's link to b
	ba   *fakeLink // b's link to a
}

func newPair(t *testing.T) *pair {
	log := zaptest.NewLogger(t).Sugar()
	p := &pair{
		t:  t,
		a:  newTestPeer(t, "peer-a", nil, log),
		b:  newTestPeer(t, "peer-b", nil, log),
		ab: &fakeLink{id: "a-to-b", remote: "peer-b"},
		ba: &fakeLink{id: "b-to-a", remote: "peer-a"},
	}
	p.a.Attach(p.ab)
	p.b.Attach(p.ba)
	return p
}

// deliver hands frames queued for one side to the other.
func deliver(to *Replica, via Link, frames []codec.Frame) {
	for _, f := range frames {
		switch f.Type {
		case codec.FrameUpdate:
			to.receive(via, *f.Message)
		case codec.FrameResyncRequest:
			to.serveResync(via, f.Entities)
		case codec.FrameResync:
			to.applyResync(via, *f.Message)
		}
	}
}

// pump delivers frames in both directions until both links are quiet.
func (p *pair) pump() {
	for i := 0; i < 16; i++ {
		toB, toA := p.ab.take(), p.ba.take()
		if len(toB) == 0 && len(toA) == 0 {
			return
		}
		deliver(p.b.Replica, p.ba, toB)
		deliver(p.a.Replica, p.ab, toA)
	}
	p.t.Fatal("links did not settle")
}

func (p *pair) assertConverged() {
	p.t.Helper()
	require.Equal(p.t, p.a.Registry().Len(), p.b.Registry().Len())
	for _, e := range p.a.Registry().All() {
		other, ok := p.b.Registry().Get(e.ID)
		require.True(p.t, ok, "peer-b is missing %s", e.ID)
		assert.True(p.t, e.Equal(other), "%s differs: %v vs %v", e.ID, e.Attrs, other.Attrs)
	}
}

func createCube(t *testing.T, r *Replica) {
	t.Helper()
	require.NoError(t, r.Observe(
		host.Created{ID: "mat-1", Type: scene.TypeMaterial, Attrs: scene.Attributes{"name": scene.String("Steel")}},
		host.Created{ID: "mesh-1", Type: scene.TypeMesh, Attrs: scene.Attributes{
			"name":      scene.String("CubeMesh"),
			"vertices":  scene.Int(8),
			"materials": scene.RefSeq("mat-1"),
		}},
		host.Created{ID: "obj-1", Type: scene.TypeObject, Attrs: scene.Attributes{
			"name":          scene.String("Cube"),
			"data":          scene.Ref("mesh-1"),
			"hide_viewport": scene.Bool(false),
		}},
		host.Created{ID: "coll-1", Type: scene.TypeCollection, Attrs: scene.Attributes{
			"name":    scene.String("Props"),
			"objects": scene.RefSeq("obj-1"),
		}},
	))
	require.NoError(t, r.Commit())
}

func position(ops []scene.Op, id scene.EntityID) int {
	for i, op := range ops {
		if op.Entity == id && op.Kind == scene.OpCreate {
			return i
		}
	}
	return -1
}

func TestNewRequiresPeer(t *testing.T) {
	_, err := New(Config{}, registry.New(nil), nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Peer: "p"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestCommitSendsOneOrderedUpdate(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)

	msgs := p.ab.updates()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, scene.PeerID("peer-a"), msg.Origin)
	assert.Equal(t, uint64(1), msg.Seq)
	require.Len(t, msg.Ops, 4)
	assert.Less(t, position(msg.Ops, "mat-1"), position(msg.Ops, "mesh-1"))
	assert.Less(t, position(msg.Ops, "mesh-1"), position(msg.Ops, "obj-1"))
	assert.Less(t, position(msg.Ops, "obj-1"), position(msg.Ops, "coll-1"))

	// Nothing changed, nothing sent.
	require.NoError(t, p.a.Commit())
	assert.Empty(t, p.ab.take())
	assert.Equal(t, uint64(1), p.a.Sequence())
}

func TestLocalChangesDoNotEchoIntoHost(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)
	assert.Empty(t, p.a.scene.Records())
}

func TestReplicasConverge(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)
	p.pump()
	p.assertConverged()

	obj, ok := p.b.scene.Entity("obj-1")
	require.True(t, ok)
	assert.Equal(t, "Cube", obj.Name())
	assert.Equal(t, scene.EntityID("mesh-1"), obj.Data())

	require.NoError(t, p.b.Observe(
		host.Renamed{ID: "obj-1", OldName: "Cube", Name: "Box"},
		host.Changed{ID: "mesh-1", Path: "vertices", Value: scene.Int(24)},
	))
	require.NoError(t, p.b.Commit())
	p.pump()
	p.assertConverged()
	obj, _ = p.a.scene.Entity("obj-1")
	assert.Equal(t, "Box", obj.Name())

	require.NoError(t, p.a.Observe(host.Removed{ID: "obj-1"}))
	require.NoError(t, p.a.Commit())
	p.pump()
	p.assertConverged()
	assert.False(t, p.b.Registry().Has("obj-1"))
	_, ok = p.b.scene.Entity("obj-1")
	assert.False(t, ok)
	coll, _ := p.b.Registry().Get("coll-1")
	assert.Zero(t, coll.Attrs.Get("objects").Len())
}

func TestReverseOrderDelivery(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	b := newTestPeer(t, "peer-b", nil, log)
	from := &fakeLink{id: "from-x", remote: "peer-x"}
	b.Attach(from)

	m1 := scene.Message{Origin: "peer-x", Seq: 1, Ops: []scene.Op{
		scene.CreateOp("mesh-1", scene.TypeMesh, scene.Attributes{"name": scene.String("M")}),
		scene.CreateOp("obj-1", scene.TypeObject, scene.Attributes{"name": scene.String("O1"), "data": scene.Ref("mesh-1")}),
	}}
	m2 := scene.Message{Origin: "peer-x", Seq: 2, Ops: []scene.Op{
		scene.CreateOp("obj-2", scene.TypeObject, scene.Attributes{"name": scene.String("O2"), "parent": scene.Ref("obj-1")}),
		scene.UpdateOp("obj-1", scene.TypeObject, "location", scene.Null(), scene.Vector(1, 2, 3)),
	}}

	b.receive(from, m2)
	assert.False(t, b.Registry().Has("obj-2"))
	assert.Equal(t, 2, b.Pending())
	assert.Zero(t, b.scene.Len())

	b.receive(from, m1)
	assert.Zero(t, b.Pending())
	o2, ok := b.Registry().Get("obj-2")
	require.True(t, ok)
	assert.Equal(t, scene.EntityID("obj-1"), o2.Attrs.Get("parent").Ref())
	o1, _ := b.Registry().Get("obj-1")
	assert.Equal(t, []float64{1, 2, 3}, o1.Attrs.Get("location").Vector())
	assert.Equal(t, 3, b.scene.Len())
	assert.Equal(t, uint64(2), b.Registry().Watermark("peer-x"))

	// Replays are ignored.
	b.receive(from, m1)
	assert.Equal(t, 3, b.Registry().Len())
}

func TestCyclicReferencesConverge(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.a.Observe(
		host.Created{ID: "obj-1", Type: scene.TypeObject, Attrs: scene.Attributes{"name": scene.String("A"), "parent": scene.Ref("obj-2")}},
		host.Created{ID: "obj-2", Type: scene.TypeObject, Attrs: scene.Attributes{"name": scene.String("B"), "parent": scene.Ref("obj-1")}},
	))
	require.NoError(t, p.a.Commit())
	p.pump()
	p.assertConverged()
	o1, _ := p.b.Registry().Get("obj-1")
	assert.Equal(t, scene.EntityID("obj-2"), o1.Attrs.Get("parent").Ref())
}

func TestDuplicateIDGetsFreshID(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)

	id, err := p.a.OnLocalCreate("obj-1", scene.TypeObject, scene.Attributes{"name": scene.String("Cube.001")})
	require.NoError(t, err)
	assert.NotEqual(t, scene.EntityID("obj-1"), id)
	assert.False(t, id.IsNil())
	require.NoError(t, p.a.Commit())

	orig, _ := p.a.Registry().Get("obj-1")
	assert.Equal(t, "Cube", orig.Name())
	dup, ok := p.a.Registry().Get(id)
	require.True(t, ok)
	assert.Equal(t, "Cube.001", dup.Name())

	_, err = p.a.OnLocalCreate("", scene.EntityType("teapot"), nil)
	assert.Error(t, err)
}

func TestChangeOfUnknownEntity(t *testing.T) {
	p := newPair(t)
	err := p.a.OnLocalChange("ghost", "name", scene.String("x"))
	assert.True(t, errors.IsUnknownEntity(err))
	assert.True(t, errors.IsUnknownEntity(p.a.OnLocalRemove("ghost")))
	assert.Error(t, p.a.Observe(host.Changed{ID: "ghost", Path: "name", Value: scene.String("x")}))
}

func TestConcurrentRenameConflict(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)
	p.pump()

	require.NoError(t, p.a.Observe(host.Renamed{ID: "obj-1", OldName: "Cube", Name: "Box"}))
	require.NoError(t, p.a.Commit())
	require.NoError(t, p.b.Observe(host.Renamed{ID: "obj-1", OldName: "Cube", Name: "Crate"}))
	require.NoError(t, p.b.Commit())
	p.pump()

	want := RenameConflictName("obj-1")
	a, _ := p.a.Registry().Get("obj-1")
	b, _ := p.b.Registry().Get("obj-1")
	assert.Equal(t, want, a.Name())
	assert.Equal(t, want, b.Name())
	hostObj, _ := p.a.scene.Entity("obj-1")
	assert.Equal(t, want, hostObj.Name())
}

func TestModeBufferDefersUntilExit(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)
	p.pump()

	require.NoError(t, p.a.OnModeChange("obj-1", "EDIT"))
	require.NoError(t, p.a.OnLocalChange("mesh-1", "vertices", scene.Int(12)))
	require.NoError(t, p.a.Commit())
	assert.Empty(t, p.ab.updates())
	assert.Equal(t, 1, p.a.Held("obj-1"))

	require.NoError(t, p.b.OnLocalChange("mesh-1", "vertices", scene.Int(20)))
	require.NoError(t, p.b.Commit())
	deliver(p.a.Replica, p.ab, p.ba.take())
	a, _ := p.a.Registry().Get("mesh-1")
	assert.Equal(t, int64(12), a.Attrs.Get("vertices").Int(), "remote edit waits for edit mode to end")

	require.NoError(t, p.a.OnModeChange("obj-1", objectMode))
	msgs := p.ab.updates()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(12), msgs[0].Ops[0].Value.Int())

	// The received value reaches the host first, then the local one wins.
	var vertices []int64
	for _, rec := range p.a.scene.Records() {
		if rec.ID == "mesh-1" && rec.Path == "vertices" {
			vertices = append(vertices, rec.Value.Int())
		}
	}
	assert.Equal(t, []int64{20, 12}, vertices)
	deliver(p.b.Replica, p.ba, []codec.Frame{codec.Update(msgs[0])})
	p.pump()
	p.assertConverged()
	b, _ := p.b.Registry().Get("mesh-1")
	assert.Equal(t, int64(12), b.Attrs.Get("vertices").Int())
	assert.Zero(t, p.a.Held("obj-1"))
}

func TestRapidToggleSendsOneUpdate(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)
	p.ab.take()

	for _, v := range []bool{true, false, true} {
		require.NoError(t, p.a.OnLocalChange("obj-1", "hide_viewport", scene.Bool(v)))
		require.NoError(t, p.a.Commit())
	}
	assert.Empty(t, p.ab.updates())

	assert.Empty(t, p.a.Tick())
	msgs := p.ab.updates()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Ops, 1)
	assert.Equal(t, "hide_viewport", msgs[0].Ops[0].Path)
	assert.True(t, msgs[0].Ops[0].Value.Bool())

	obj, _ := p.a.Registry().Get("obj-1")
	assert.True(t, obj.Attrs.Get("hide_viewport").Bool())

	assert.Empty(t, p.a.Tick())
	assert.Empty(t, p.ab.updates())
}

func TestLocalOnlyAttributesStayLocal(t *testing.T) {
	p := newPair(t)
	require.NoError(t, p.a.Observe(host.Created{ID: "mesh-1", Type: scene.TypeMesh, Attrs: scene.Attributes{
		"vertices": scene.Int(8),
		"users":    scene.Int(2),
	}}))
	require.NoError(t, p.a.Commit())
	p.pump()

	mesh, ok := p.b.Registry().Get("mesh-1")
	require.True(t, ok)
	assert.NotContains(t, mesh.Attrs, "users")
	mesh, _ = p.a.Registry().Get("mesh-1")
	assert.Contains(t, mesh.Attrs, "users")

	require.NoError(t, p.a.Observe(host.Changed{ID: "mesh-1", Path: "users", Value: scene.Int(3)}))
	require.NoError(t, p.a.Commit())
	assert.Empty(t, p.ab.take())

	// A peer running other rules may still send them; they are not applied.
	p.b.receive(p.ba, scene.Message{Origin: "peer-a", Seq: p.a.Sequence() + 1, Ops: []scene.Op{
		scene.UpdateOp("mesh-1", scene.TypeMesh, "users", scene.Int(2), scene.Int(5)),
	}})
	mesh, _ = p.b.Registry().Get("mesh-1")
	assert.NotContains(t, mesh.Attrs, "users")
}

func TestExcludedTypeIsNotSent(t *testing.T) {
	p := newPair(t)
	table, err := policy.NewTable([]policy.RuleEntry{
		{Category: "no_cameras", Types: []scene.EntityType{scene.TypeCamera}, Rule: policy.RuleExclude},
	})
	require.NoError(t, err)
	p.a.SetRules(table)

	require.NoError(t, p.a.Observe(
		host.Created{ID: "cam-1", Type: scene.TypeCamera, Attrs: scene.Attributes{"lens": scene.Int(50)}},
		host.Created{ID: "obj-1", Type: scene.TypeObject, Attrs: scene.Attributes{
			"name": scene.String("Camera"),
			"data": scene.Ref("cam-1"),
		}},
	))
	require.NoError(t, p.a.Commit())
	p.pump()

	assert.False(t, p.b.Registry().Has("cam-1"))
	obj, ok := p.b.Registry().Get("obj-1")
	require.True(t, ok)
	assert.True(t, obj.Data().IsNil())
	assert.Zero(t, p.b.Pending(), "nothing waits for the camera")

	// The other way round the camera is dropped on arrival.
	require.NoError(t, p.b.Observe(host.Created{ID: "cam-2", Type: scene.TypeCamera}))
	require.NoError(t, p.b.Commit())
	p.pump()
	assert.False(t, p.a.Registry().Has("cam-2"))
	assert.True(t, p.b.Registry().Has("cam-2"))
}

func TestJoinAppliesSnapshotAtOnce(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	a := newTestPeer(t, "peer-a", nil, log)
	b := newTestPeer(t, "peer-b", nil, log)
	createCube(t, a.Replica)
	_, err := b.OnLocalCreate("light-1", scene.TypeLight, scene.Attributes{"energy": scene.Float(100)})
	require.NoError(t, err)
	require.NoError(t, b.Commit())

	var batches int
	b.Registry().Subscribe(registry.SubscriberFunc(func([]registry.Change) { batches++ }))

	ab := &fakeLink{id: "a-to-b", remote: "peer-b"}
	ba := &fakeLink{id: "b-to-a", remote: "peer-a"}
	ops, wm := a.provide(ab)
	require.Len(t, ops, 4)
	require.NoError(t, b.accept(ba, scene.Message{Origin: "peer-a", Ops: ops}, wm))

	assert.Equal(t, 1, batches)
	assert.Equal(t, 5, b.Registry().Len())
	assert.Equal(t, 4, b.scene.Len(), "the host only hears about the provider's entities")
	assert.Equal(t, a.Sequence(), b.Registry().Watermark("peer-a"))

	// The joiner's own entities go to the provider.
	deliver(a.Replica, ab, ba.take())
	assert.True(t, a.Registry().Has("light-1"))
	assert.Len(t, a.Links(), 1)
	assert.Len(t, b.Links(), 1)
}

func TestRejoinAfterDeletesConverges(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)
	p.pump()
	require.True(t, p.b.Registry().Has("mat-1"))

	p.a.Detach(p.ab, nil)
	p.b.Detach(p.ba, nil)

	// Both sides delete something while apart.
	require.NoError(t, p.a.OnLocalRemove("mat-1"))
	require.NoError(t, p.a.Commit())
	require.NoError(t, p.b.OnLocalRemove("coll-1"))
	require.NoError(t, p.b.Commit())

	ab := &fakeLink{id: "a-to-b-2", remote: "peer-b"}
	ba := &fakeLink{id: "b-to-a-2", remote: "peer-a"}
	ops, wm := p.a.provide(ab)
	require.Equal(t, scene.OpDelete, ops[len(ops)-1].Kind, "tombstones follow the creates")
	require.NoError(t, p.b.accept(ba, scene.Message{Origin: "peer-a", Ops: ops}, wm))
	deliver(p.a.Replica, ab, ba.take())

	assert.False(t, p.b.Registry().Has("mat-1"))
	assert.True(t, p.b.Registry().IsDeleted("mat-1"))
	_, ok := p.b.scene.Entity("mat-1")
	assert.False(t, ok, "the host drops it too")
	assert.False(t, p.a.Registry().Has("coll-1"), "the joiner's delete reaches the provider")
	p.assertConverged()
}

func TestDeleteOvertakingCreateWins(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	b := newTestPeer(t, "peer-b", nil, log)
	from := &fakeLink{id: "from-x", remote: "peer-x"}
	b.Attach(from)

	b.receive(from, scene.Message{Origin: "peer-c", Seq: 1, Ops: []scene.Op{scene.DeleteOp("mesh-9", scene.TypeMesh)}})
	b.receive(from, scene.Message{Origin: "peer-a", Seq: 1, Ops: []scene.Op{scene.CreateOp("mesh-9", scene.TypeMesh, nil)}})

	assert.False(t, b.Registry().Has("mesh-9"))
	assert.True(t, b.Registry().IsDeleted("mesh-9"))
	assert.Zero(t, b.scene.Len())
	assert.Zero(t, b.Pending())
}

func TestSequenceGapRequestsResync(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	b := newTestPeer(t, "peer-b", nil, log)
	from := &fakeLink{id: "from-x", remote: "peer-x"}
	b.Attach(from)

	b.receive(from, scene.Message{Origin: "peer-x", Seq: 3, Ops: []scene.Op{
		scene.UpdateOp("obj-9", scene.TypeObject, "location", scene.Null(), scene.Vector(0, 0, 1)),
	}})

	var req *codec.Frame
	for _, f := range from.take() {
		if f.Type == codec.FrameResyncRequest {
			f := f
			req = &f
		}
	}
	require.NotNil(t, req)
	assert.Equal(t, []scene.EntityID{"obj-9"}, req.Entities)
	assert.Equal(t, 1, b.Pending())
}

func TestResyncRoundTrip(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)
	require.NoError(t, p.a.Observe(
		host.Created{ID: "cam-1", Type: scene.TypeCamera, Attrs: scene.Attributes{"lens": scene.Float(50)}},
	))
	require.NoError(t, p.a.Commit())
	require.NoError(t, p.a.OnLocalRemove("cam-1"))
	require.NoError(t, p.a.Commit())
	p.ab.take()

	// peer-b missed everything and asks for it.
	p.a.serveResync(p.ab, []scene.EntityID{"obj-1", "mesh-1", "mat-1", "cam-1", "never"})
	frames := p.ab.take()
	require.Len(t, frames, 1)
	require.Equal(t, codec.FrameResync, frames[0].Type)
	ops := frames[0].Message.Ops
	require.Len(t, ops, 4)
	assert.Equal(t, scene.OpDelete, ops[3].Kind)
	assert.Equal(t, scene.EntityID("cam-1"), ops[3].Entity)

	deliver(p.b.Replica, p.ba, frames)
	assert.True(t, p.b.Registry().Has("obj-1"))
	assert.False(t, p.b.Registry().Has("cam-1"))
	assert.Empty(t, p.ba.take(), "a resync is not relayed")
}

func TestTickExpiresPendingOps(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newTestPeer(t, "peer-b", clock, log)
	from := &fakeLink{id: "from-x", remote: "peer-x"}
	b.Attach(from)

	b.receive(from, scene.Message{Origin: "peer-x", Seq: 1, Ops: []scene.Op{
		scene.CreateOp("obj-1", scene.TypeObject, scene.Attributes{"data": scene.Ref("mesh-x")}),
	}})
	from.take()
	require.Equal(t, 1, b.Pending())

	assert.Empty(t, b.Tick())
	clock.Advance(2 * time.Second)
	errs := b.Tick()
	require.Len(t, errs, 1)
	assert.True(t, errors.IsDependencyTimeout(errs[0]))
	assert.Zero(t, b.Pending())

	frames := from.take()
	require.Len(t, frames, 1)
	assert.Equal(t, codec.FrameResyncRequest, frames[0].Type)
	assert.Equal(t, []scene.EntityID{"mesh-x"}, frames[0].Entities)
}

func TestLastDetachDrainsPending(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	b := newTestPeer(t, "peer-b", nil, log)
	l1 := &fakeLink{id: "l1", remote: "peer-x"}
	l2 := &fakeLink{id: "l2", remote: "peer-y"}
	b.Attach(l1)
	b.Attach(l2)

	b.receive(l1, scene.Message{Origin: "peer-x", Seq: 1, Ops: []scene.Op{
		scene.CreateOp("obj-1", scene.TypeObject, scene.Attributes{"data": scene.Ref("mesh-x")}),
	}})
	require.Equal(t, 1, b.Pending())
	assert.Len(t, l2.updates(), 1, "received updates are relayed")

	b.Detach(l1, errors.NewTransportError(nil))
	assert.Equal(t, 1, b.Pending())
	b.Detach(l2, nil)
	assert.Zero(t, b.Pending())
	assert.Empty(t, b.Links())
}

func TestStatus(t *testing.T) {
	p := newPair(t)
	createCube(t, p.a.Replica)

	st := p.a.Status()
	assert.Equal(t, scene.PeerID("peer-a"), st.Peer)
	assert.Equal(t, 4, st.Entities)
	assert.Equal(t, uint64(1), st.Sequence)
	require.Len(t, st.Links, 1)
	assert.Equal(t, scene.PeerID("peer-b"), st.Links[0].Remote)
	assert.Len(t, p.a.SnapshotOps(), 4)
}
