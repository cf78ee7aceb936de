package scene

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefToNilIsNull(t *testing.T) {
	assert.True(t, Ref(NilID).IsNull())
	assert.True(t, Ref(NilID).Equal(Null()))
	assert.Empty(t, Ref(NilID).Refs())
}

func TestValueJSONForm(t *testing.T) {
	data, err := json.Marshal(Ref("mesh-1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"ref","v":"mesh-1"}`, string(data))

	data, err = json.Marshal(Null())
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"null"}`, string(data))

	members := RefSeq("o1", "o2")
	data, err = json.Marshal(members)
	require.NoError(t, err)

	var back Value
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, members.Equal(back), "got %s", back)
	assert.Equal(t, []EntityID{"o1", "o2"}, back.Refs())
}

func TestValueDecodeRejectsBadInput(t *testing.T) {
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"k":"quaternion","v":1}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"k":"int"}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"k":"int","v":"seven"}`), &v))

	dup := `{"k":"seq","v":[{"key":"a","value":{"k":"int","v":1}},{"key":"a","value":{"k":"int","v":2}}]}`
	err := json.Unmarshal([]byte(dup), &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate element key")

	require.NoError(t, json.Unmarshal([]byte(`{"k":"ref","v":""}`), &v))
	assert.True(t, v.IsNull())
}

func TestValueCloneIsDeep(t *testing.T) {
	orig := Seq(Element{Key: "a", Value: Vector(1, 2, 3)})
	c := orig.Clone()
	c.seq[0].Value.vec[0] = 99
	assert.Equal(t, []float64{1, 2, 3}, orig.Seq()[0].Value.Vector())
}

func TestEntityAccessors(t *testing.T) {
	e := NewEntity("obj", TypeObject, Attributes{
		AttrName: String("Cube"),
		AttrData: Ref("mesh"),
		"parent": Ref("empty"),
		"hide":   Bool(false),
	})
	assert.Equal(t, "Cube", e.Name())
	assert.Equal(t, EntityID("mesh"), e.Data())
	assert.Equal(t, []EntityID{"empty", "mesh"}, e.References())
	assert.Equal(t, []string{"data", "hide", "name", "parent"}, e.Attrs.Paths())

	c := e.Clone()
	c.Attrs[AttrName] = String("Other")
	assert.Equal(t, "Cube", e.Name())
	assert.False(t, e.Equal(c))
}

func TestOpValidate(t *testing.T) {
	tests := []struct {
		name    string
		op      Op
		wantErr bool
	}{
		{"create", CreateOp("a", TypeMesh, nil), false},
		{"create with unknown type", CreateOp("a", "teapot", nil), true},
		{"missing id", DeleteOp("", TypeMesh), true},
		{"unknown kind", Op{Kind: "explode", Entity: "a"}, true},
		{"update", UpdateOp("a", TypeObject, "hide", Null(), Bool(true)), false},
		{"update without path", Op{Kind: OpUpdate, Entity: "a", Value: valuePtr(Int(1))}, true},
		{"relink to null", RelinkOp("a", TypeObject, AttrData, NilID), false},
		{"relink to scalar", Op{Kind: OpRelink, Entity: "a", Path: "data", Value: valuePtr(Int(3))}, true},
		{"reorder", ReorderOp("c", TypeCollection, "objects", []SeqEdit{{Kind: EditRemove, Key: "o1"}}), false},
		{"reorder without edits", ReorderOp("c", TypeCollection, "objects", nil), true},
		{"insert without value", ReorderOp("c", TypeCollection, "objects", []SeqEdit{{Kind: EditInsert, Key: "o1"}}), true},
		{"rename", RenameOp("a", TypeObject, "Cube", "Box"), false},
		{"rename to empty", RenameOp("a", TypeObject, "Cube", ""), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpRefs(t *testing.T) {
	create := CreateOp("c", TypeCollection, Attributes{"objects": RefSeq("o2", "o1", "o2x")})
	assert.Equal(t, []EntityID{"o1", "o2", "o2x"}, create.Refs())

	reorder := ReorderOp("c", TypeCollection, "objects", []SeqEdit{
		{Kind: EditRemove, Key: "o9"},
		{Kind: EditInsert, Key: "o3", Value: valuePtr(Ref("o3"))},
	})
	assert.Equal(t, []EntityID{"o3"}, reorder.Refs())
	assert.Empty(t, RenameOp("a", TypeObject, "x", "y").Refs())
}

func TestSplitRefs(t *testing.T) {
	create := CreateOp("c", TypeCollection, Attributes{
		AttrName:  String("Coll"),
		"objects": RefSeq("o1", "o2", "o3"),
		"parent":  Ref("o2"),
	})

	stripped, followups := create.SplitRefs(map[EntityID]bool{"o2": true, "o3": true})

	assert.True(t, stripped.Attrs["parent"].IsNull())
	assert.True(t, stripped.Attrs["objects"].Equal(RefSeq("o1")))
	assert.Equal(t, []EntityID{"o1"}, stripped.Refs(), "o1 is not a target")
	assert.True(t, create.Attrs["objects"].Equal(RefSeq("o1", "o2", "o3")), "original untouched")

	require.Len(t, followups, 2)
	assert.Equal(t, OpReorder, followups[0].Kind)
	assert.Equal(t, "objects", followups[0].Path)
	assert.Equal(t, []SeqEdit{
		{Kind: EditInsert, Key: "o2", After: "o1", Value: valuePtr(Ref("o2"))},
		{Kind: EditInsert, Key: "o3", After: "o2", Value: valuePtr(Ref("o3"))},
	}, followups[0].Edits)
	assert.Equal(t, OpRelink, followups[1].Kind)
	assert.Equal(t, EntityID("o2"), followups[1].Value.Ref())
}

func TestOpWithoutRefs(t *testing.T) {
	op := UpdateOp("obj", TypeObject, AttrData, Null(), Ref("gone"))
	out := op.WithoutRefs(map[EntityID]bool{"gone": true})
	assert.True(t, out.Value.IsNull())
	assert.Equal(t, EntityID("gone"), op.Value.Ref())
}

func TestParseEntityType(t *testing.T) {
	typ, err := ParseEntityType("shape_key")
	require.NoError(t, err)
	assert.Equal(t, TypeShapeKey, typ)
	assert.Greater(t, TypeShapeKey.CreationRank(), TypeObject.CreationRank())
	assert.Less(t, TypeCollection.CreationRank(), TypeScene.CreationRank())
	assert.Less(t, TypeObject.RemovalRank(), TypeMesh.RemovalRank())

	_, err = ParseEntityType("teapot")
	assert.Error(t, err)
}
