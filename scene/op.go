package scene

import (
	"github.com/teranos/scenesync/errors"
)

// OpKind is the structural tag of an operation.
type OpKind string

const (
	// OpCreate introduces an entity with its full attribute state.
	OpCreate OpKind = "create"
	// OpDelete removes an entity. Its id is tombstoned and never reused.
	OpDelete OpKind = "delete"
	// OpUpdate sets one attribute to a new value.
	OpUpdate OpKind = "update"
	// OpReorder edits an ordered collection attribute in place.
	OpReorder OpKind = "reorder"
	// OpRelink points a reference attribute at another entity (or null).
	OpRelink OpKind = "relink"
	// OpRename changes the entity's name.
	OpRename OpKind = "rename"
)

// Valid reports whether k is a known op kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpDelete, OpUpdate, OpReorder, OpRelink, OpRename:
		return true
	}
	return false
}

// SeqEditKind is one step of an ordered-collection edit script.
type SeqEditKind string

const (
	EditInsert SeqEditKind = "insert"
	EditRemove SeqEditKind = "remove"
	EditMove   SeqEditKind = "move"
	EditSet    SeqEditKind = "set"
)

// SeqEdit addresses elements by key, never by index, so an edit stays
// meaningful when replayed against a sequence that already contains it.
// After names the element the key is placed behind; "" is the head.
type SeqEdit struct {
	Kind  SeqEditKind `json:"op"`
	Key   string      `json:"key"`
	After string      `json:"after,omitempty"`
	Value *Value      `json:"value,omitempty"`
}

// Op is a single delta on the wire: an attribute change or a structural
// operation on one entity.
type Op struct {
	Kind    OpKind     `json:"kind"`
	Entity  EntityID   `json:"entity_id"`
	Type    EntityType `json:"type,omitempty"`
	Path    string     `json:"attribute_path,omitempty"`
	Value   *Value     `json:"value,omitempty"`
	Old     *Value     `json:"old,omitempty"`
	Attrs   Attributes `json:"attrs,omitempty"`
	Edits   []SeqEdit  `json:"edits,omitempty"`
	Name    string     `json:"name,omitempty"`
	OldName string     `json:"old_name,omitempty"`
}

// Message is an ordered batch of ops from one origin. Seq increases by one
// per message sent by that origin.
type Message struct {
	Origin PeerID `json:"origin_peer_id"`
	Seq    uint64 `json:"sequence_number"`
	Ops    []Op   `json:"operations"`
}

func valuePtr(v Value) *Value {
	c := v.Clone()
	return &c
}

// CreateOp builds a create carrying the full attribute state.
func CreateOp(id EntityID, typ EntityType, attrs Attributes) Op {
	return Op{Kind: OpCreate, Entity: id, Type: typ, Attrs: attrs.Clone()}
}

// DeleteOp builds a delete.
func DeleteOp(id EntityID, typ EntityType) Op {
	return Op{Kind: OpDelete, Entity: id, Type: typ}
}

// UpdateOp builds an attribute update. old may be Null for a new path.
func UpdateOp(id EntityID, typ EntityType, path string, old, value Value) Op {
	return Op{Kind: OpUpdate, Entity: id, Type: typ, Path: path, Old: valuePtr(old), Value: valuePtr(value)}
}

// RelinkOp points a reference attribute at target.
func RelinkOp(id EntityID, typ EntityType, path string, target EntityID) Op {
	return Op{Kind: OpRelink, Entity: id, Type: typ, Path: path, Value: valuePtr(Ref(target))}
}

// ReorderOp builds an ordered-collection edit.
func ReorderOp(id EntityID, typ EntityType, path string, edits []SeqEdit) Op {
	return Op{Kind: OpReorder, Entity: id, Type: typ, Path: path, Edits: cloneEdits(edits)}
}

// RenameOp builds a rename.
func RenameOp(id EntityID, typ EntityType, oldName, name string) Op {
	return Op{Kind: OpRename, Entity: id, Type: typ, OldName: oldName, Name: name}
}

func cloneEdits(edits []SeqEdit) []SeqEdit {
	if edits == nil {
		return nil
	}
	out := make([]SeqEdit, len(edits))
	for i, e := range edits {
		out[i] = SeqEdit{Kind: e.Kind, Key: e.Key, After: e.After}
		if e.Value != nil {
			out[i].Value = valuePtr(*e.Value)
		}
	}
	return out
}

// Clone returns a deep copy.
func (o Op) Clone() Op {
	out := o
	if o.Value != nil {
		out.Value = valuePtr(*o.Value)
	}
	if o.Old != nil {
		out.Old = valuePtr(*o.Old)
	}
	if o.Attrs != nil {
		out.Attrs = o.Attrs.Clone()
	}
	out.Edits = cloneEdits(o.Edits)
	return out
}

// Refs returns the sorted set of entity ids the op needs to exist before it
// can be applied.
func (o Op) Refs() []EntityID {
	var ids []EntityID
	switch o.Kind {
	case OpCreate:
		return o.Attrs.Refs()
	case OpUpdate, OpRelink:
		if o.Value != nil {
			ids = o.Value.Refs()
		}
	case OpReorder:
		for _, e := range o.Edits {
			if e.Value != nil {
				ids = append(ids, e.Value.Refs()...)
			}
		}
	}
	return SortedIDs(ids)
}

// IsStructural reports whether the op changes which entities exist.
func (o Op) IsStructural() bool {
	return o.Kind == OpCreate || o.Kind == OpDelete
}

// Validate checks the op is well formed for its kind.
func (o Op) Validate() error {
	if !o.Kind.Valid() {
		return errors.Newf("unknown op kind %q", o.Kind)
	}
	if o.Entity.IsNil() {
		return errors.Newf("%s op without entity id", o.Kind)
	}
	switch o.Kind {
	case OpCreate:
		if !o.Type.Valid() {
			return errors.Newf("create %s: unknown entity type %q", o.Entity, o.Type)
		}
	case OpUpdate:
		if o.Path == "" || o.Value == nil {
			return errors.Newf("update %s: path and value are required", o.Entity)
		}
	case OpRelink:
		if o.Path == "" || o.Value == nil {
			return errors.Newf("relink %s: path and value are required", o.Entity)
		}
		if k := o.Value.Kind(); k != KindRef && k != KindNull {
			return errors.Newf("relink %s.%s: value must be a reference, got %s", o.Entity, o.Path, k)
		}
	case OpReorder:
		if o.Path == "" || len(o.Edits) == 0 {
			return errors.Newf("reorder %s: path and edits are required", o.Entity)
		}
		for i, e := range o.Edits {
			if err := e.validate(); err != nil {
				return errors.Wrapf(err, "reorder %s.%s edit %d", o.Entity, o.Path, i)
			}
		}
	case OpRename:
		if o.Name == "" {
			return errors.Newf("rename %s: empty name", o.Entity)
		}
	}
	return nil
}

func (e SeqEdit) validate() error {
	if e.Key == "" {
		return errors.New("empty element key")
	}
	switch e.Kind {
	case EditInsert, EditSet:
		if e.Value == nil {
			return errors.Newf("%s %q without value", e.Kind, e.Key)
		}
	case EditRemove, EditMove:
	default:
		return errors.Newf("unknown edit %q", e.Kind)
	}
	return nil
}

// WithoutRefs returns a copy of the op with every reference to an id in drop
// removed: reference values become Null, sequence elements pointing at a
// dropped id are left out.
func (o Op) WithoutRefs(drop map[EntityID]bool) Op {
	out := o.Clone()
	switch o.Kind {
	case OpCreate:
		for path, v := range out.Attrs {
			out.Attrs[path], _ = v.WithoutRefs(drop)
		}
	case OpUpdate, OpRelink:
		if out.Value != nil {
			v, _ := out.Value.WithoutRefs(drop)
			out.Value = &v
		}
	case OpReorder:
		kept := out.Edits[:0]
		for _, e := range out.Edits {
			if e.Value != nil && refsAny(*e.Value, drop) {
				continue
			}
			kept = append(kept, e)
		}
		out.Edits = kept
	}
	return out
}

// SplitRefs decomposes a create whose attributes reference ids in targets
// into a create with those references nulled, followed by the ops that
// restore them: a relink per reference attribute and a reorder per sequence
// attribute. Applying the create and then the follow-ups yields the original
// attribute state.
func (o Op) SplitRefs(targets map[EntityID]bool) (Op, []Op) {
	if o.Kind != OpCreate {
		return o.Clone(), nil
	}
	create := o.Clone()
	var followups []Op
	for _, path := range o.Attrs.Paths() {
		orig := o.Attrs[path]
		stripped, removed := orig.WithoutRefs(targets)
		if stripped.Equal(orig) {
			continue
		}
		create.Attrs[path] = stripped
		switch orig.Kind() {
		case KindRef:
			followups = append(followups, RelinkOp(o.Entity, o.Type, path, orig.Ref()))
		case KindSeq:
			followups = append(followups, ReorderOp(o.Entity, o.Type, path, reinsertEdits(orig.elements(), removed)))
		}
	}
	return create, followups
}

// reinsertEdits restores removed elements at their original positions. Each
// insert anchors on the element that preceded it in full, which is either
// still present or was re-inserted by an earlier edit.
func reinsertEdits(full, removed []Element) []SeqEdit {
	gone := make(map[string]bool, len(removed))
	for _, e := range removed {
		gone[e.Key] = true
	}
	var edits []SeqEdit
	prev := ""
	for _, e := range full {
		if gone[e.Key] {
			edits = append(edits, SeqEdit{Kind: EditInsert, Key: e.Key, After: prev, Value: valuePtr(e.Value)})
		}
		prev = e.Key
	}
	return edits
}
