package diff

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

func elems(keys ...string) []scene.Element {
	out := make([]scene.Element, len(keys))
	for i, k := range keys {
		out[i] = scene.Element{Key: k, Value: scene.Ref(scene.EntityID(k))}
	}
	return out
}

func keys(es []scene.Element) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Key
	}
	return out
}

func countKind(edits []scene.SeqEdit, kind scene.SeqEditKind) int {
	n := 0
	for _, e := range edits {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestSeqDiffMinimalMoves(t *testing.T) {
	tests := []struct {
		name      string
		old, cur  []string
		wantMoves int
		wantIns   int
		wantRem   int
	}{
		{"identical", []string{"a", "b", "c"}, []string{"a", "b", "c"}, 0, 0, 0},
		{"move head to tail", []string{"a", "b", "c", "d"}, []string{"b", "c", "d", "a"}, 1, 0, 0},
		{"swap neighbours", []string{"a", "b", "c"}, []string{"b", "a", "c"}, 1, 0, 0},
		{"reverse", []string{"a", "b", "c"}, []string{"c", "b", "a"}, 2, 0, 0},
		{"append", []string{"a"}, []string{"a", "b"}, 0, 1, 0},
		{"drop middle", []string{"a", "b", "c"}, []string{"a", "c"}, 0, 0, 1},
		{"replace all", []string{"a", "b"}, []string{"x", "y"}, 0, 2, 2},
		{"from empty", nil, []string{"a", "b"}, 0, 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edits, err := SeqDiff(elems(tt.old...), elems(tt.cur...))
			require.NoError(t, err)
			assert.Equal(t, tt.wantMoves, countKind(edits, scene.EditMove), "moves")
			assert.Equal(t, tt.wantIns, countKind(edits, scene.EditInsert), "inserts")
			assert.Equal(t, tt.wantRem, countKind(edits, scene.EditRemove), "removes")

			got := ApplySeq(elems(tt.old...), edits)
			if len(tt.cur) == 0 {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.cur, keys(got))
			}
		})
	}
}

func TestSeqDiffKeepsIdentityOnValueChange(t *testing.T) {
	old := []scene.Element{{Key: "p0", Value: scene.Vector(0, 0, 0)}, {Key: "p1", Value: scene.Vector(1, 0, 0)}}
	cur := []scene.Element{{Key: "p1", Value: scene.Vector(1, 1, 0)}, {Key: "p0", Value: scene.Vector(0, 0, 0)}}

	edits, err := SeqDiff(old, cur)
	require.NoError(t, err)
	assert.Zero(t, countKind(edits, scene.EditInsert))
	assert.Zero(t, countKind(edits, scene.EditRemove))
	assert.Equal(t, 1, countKind(edits, scene.EditSet))

	got := ApplySeq(old, edits)
	assert.True(t, scene.Seq(cur...).Equal(scene.Seq(got...)))
}

func TestSeqDiffRejectsDuplicateKeys(t *testing.T) {
	_, err := SeqDiff(elems("a", "a"), elems("a"))
	assert.Error(t, err)
	_, err = SeqDiff(elems("a"), elems("b", "b"))
	assert.Error(t, err)
}

func TestApplySeqReplayIsIdempotent(t *testing.T) {
	old := elems("a", "b", "c", "d")
	cur := elems("d", "a", "x", "c")
	edits, err := SeqDiff(old, cur)
	require.NoError(t, err)

	once := ApplySeq(old, edits)
	twice := ApplySeq(once, edits)
	assert.Equal(t, keys(cur), keys(once))
	assert.Equal(t, keys(once), keys(twice))
}

func TestSeqDiffRandomPermutations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		pool := make([]string, 12)
		for i := range pool {
			pool[i] = fmt.Sprintf("k%d", i)
		}
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		old := append([]string(nil), pool[:rng.Intn(len(pool))]...)
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
		cur := append([]string(nil), pool[:rng.Intn(len(pool))]...)

		edits, err := SeqDiff(elems(old...), elems(cur...))
		require.NoError(t, err)
		got := ApplySeq(elems(old...), edits)
		require.Equal(t, len(cur), len(got), "round %d", round)
		if len(cur) > 0 {
			require.Equal(t, cur, keys(got), "round %d: %v -> %v", round, old, cur)
		}
	}
}

func TestDiffRoundTrip(t *testing.T) {
	prev := scene.NewEntity("coll", scene.TypeCollection, scene.Attributes{
		scene.AttrName: scene.String("Props"),
		"objects":      scene.RefSeq("o1", "o2", "o3"),
		"parent":       scene.Ref("root"),
		"hide_render":  scene.Bool(false),
		"color_tag":    scene.Int(2),
		"offset":       scene.Vector(0, 0, 0),
	})
	cur := scene.NewEntity("coll", scene.TypeCollection, scene.Attributes{
		scene.AttrName: scene.String("Props.001"),
		"objects":      scene.RefSeq("o3", "o1", "o4"),
		"hide_render":  scene.Bool(true),
		"color_tag":    scene.Int(2),
		"offset":       scene.Vector(0, 1, 0),
		"lineart":      scene.Float(0.5),
	})

	ops, err := Diff(prev, cur)
	require.NoError(t, err)

	kinds := map[string]scene.OpKind{}
	for _, op := range ops {
		require.NoError(t, op.Validate())
		path := op.Path
		if op.Kind == scene.OpRename {
			path = scene.AttrName
		}
		kinds[path] = op.Kind
	}
	assert.Equal(t, map[string]scene.OpKind{
		"hide_render":  scene.OpUpdate,
		"lineart":      scene.OpUpdate,
		scene.AttrName: scene.OpRename,
		"objects":      scene.OpReorder,
		"offset":       scene.OpUpdate,
		"parent":       scene.OpRelink,
	}, kinds)

	got, err := Apply(prev, ops)
	require.NoError(t, err)
	assert.True(t, cur.Equal(got), "got %v", got.Attrs)
	assert.Equal(t, "Props", prev.Name(), "prev untouched")
}

func TestDiffCreateAndDelete(t *testing.T) {
	e := scene.NewEntity("m", scene.TypeMesh, scene.Attributes{"vertices": scene.Int(8)})

	ops, err := Diff(nil, e)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, scene.OpCreate, ops[0].Kind)
	got, err := Apply(nil, ops)
	require.NoError(t, err)
	assert.True(t, e.Equal(got))

	ops, err = Diff(e, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, scene.OpDelete, ops[0].Kind)
	got, err = Apply(e, ops)
	require.NoError(t, err)
	assert.Nil(t, got)

	ops, err = Diff(e, e.Clone())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDiffRejectsTypeChange(t *testing.T) {
	_, err := Diff(scene.NewEntity("x", scene.TypeMesh, nil), scene.NewEntity("x", scene.TypeCurve, nil))
	assert.Error(t, err)
}

func TestApplyUnknownEntity(t *testing.T) {
	_, err := Apply(nil, []scene.Op{scene.UpdateOp("ghost", scene.TypeObject, "hide", scene.Null(), scene.Bool(true))})
	require.Error(t, err)
	assert.True(t, errors.IsUnknownEntity(err))
}
