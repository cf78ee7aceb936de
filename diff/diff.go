// Package diff computes minimal deltas between two states of an entity and
// applies them back. Diff and Apply are inverses: applying Diff(prev, cur)
// to prev yields cur.
package diff

import (
	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

// Diff returns the ops that turn prev into cur. A nil prev yields a single
// create, a nil cur a single delete. Attribute ops come out in path order.
func Diff(prev, cur *scene.Entity) ([]scene.Op, error) {
	switch {
	case prev == nil && cur == nil:
		return nil, nil
	case prev == nil:
		return []scene.Op{scene.CreateOp(cur.ID, cur.Type, cur.Attrs)}, nil
	case cur == nil:
		return []scene.Op{scene.DeleteOp(prev.ID, prev.Type)}, nil
	}
	if prev.ID != cur.ID {
		return nil, errors.Newf("diff across entities %s and %s", prev.ID, cur.ID)
	}
	if prev.Type != cur.Type {
		return nil, errors.Newf("entity %s changed type from %s to %s", cur.ID, prev.Type, cur.Type)
	}

	var ops []scene.Op
	for _, path := range scene.UnionPaths(prev.Attrs, cur.Attrs) {
		before, after := prev.Attrs.Get(path), cur.Attrs.Get(path)
		if before.Equal(after) {
			continue
		}
		op, err := attributeOp(cur, path, before, after)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func attributeOp(e *scene.Entity, path string, before, after scene.Value) (scene.Op, error) {
	switch {
	case path == scene.AttrName && before.Kind() == scene.KindString && after.Kind() == scene.KindString && after.Str() != "":
		return scene.RenameOp(e.ID, e.Type, before.Str(), after.Str()), nil

	case before.Kind() == scene.KindSeq && after.Kind() == scene.KindSeq:
		edits, err := SeqDiff(before.Seq(), after.Seq())
		if err != nil {
			return scene.Op{}, errors.Wrapf(err, "diff %s.%s", e.ID, path)
		}
		return scene.ReorderOp(e.ID, e.Type, path, edits), nil

	case isLink(before) && isLink(after):
		op := scene.RelinkOp(e.ID, e.Type, path, after.Ref())
		op.Old = ptr(before)
		return op, nil
	}
	return scene.UpdateOp(e.ID, e.Type, path, before, after), nil
}

func isLink(v scene.Value) bool {
	return v.Kind() == scene.KindRef || v.IsNull()
}

// Apply returns the entity that results from applying ops to prev. prev may
// be nil when the ops begin with a create; the result is nil when they end
// with a delete. prev is not modified.
func Apply(prev *scene.Entity, ops []scene.Op) (*scene.Entity, error) {
	cur := prev.Clone()
	for _, op := range ops {
		switch op.Kind {
		case scene.OpCreate:
			cur = &scene.Entity{ID: op.Entity, Type: op.Type, Attrs: scene.Attributes{}}
			for path, v := range op.Attrs {
				cur.Attrs.Set(path, v)
			}
		case scene.OpDelete:
			cur = nil
		default:
			if cur == nil {
				return nil, errors.NewUnknownEntityError(string(op.Entity), string(op.Kind))
			}
			if err := ApplyOp(cur, op); err != nil {
				return nil, err
			}
		}
	}
	return cur, nil
}

// ApplyOp applies one attribute-level op to e in place.
func ApplyOp(e *scene.Entity, op scene.Op) error {
	if e.Attrs == nil {
		e.Attrs = scene.Attributes{}
	}
	switch op.Kind {
	case scene.OpUpdate, scene.OpRelink:
		if op.Value == nil {
			return errors.Newf("%s %s.%s without value", op.Kind, op.Entity, op.Path)
		}
		e.Attrs.Set(op.Path, *op.Value)
	case scene.OpReorder:
		var base []scene.Element
		if v := e.Attrs.Get(op.Path); v.Kind() == scene.KindSeq {
			base = v.Seq()
		}
		e.Attrs.Set(op.Path, scene.Seq(ApplySeq(base, op.Edits)...))
	case scene.OpRename:
		e.Attrs.Set(scene.AttrName, scene.String(op.Name))
	default:
		return errors.Newf("%s is not an attribute op", op.Kind)
	}
	return nil
}
