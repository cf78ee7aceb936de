package scene

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/teranos/scenesync/errors"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindVector
	KindRef
	KindSeq
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindVector: "vector",
	KindRef:    "ref",
	KindSeq:    "seq",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func parseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), true
		}
	}
	return KindNull, false
}

// Element is one member of an ordered collection attribute. Key is the
// element's identity: it survives reorders, so a moved element is a move and
// not a remove plus an insert. For membership lists the key is the member's
// entity id.
type Element struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Value is an attribute value. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string // string payload, or the target id for KindRef
	vec  []float64
	seq  []Element
}

// Null returns the null value, also used as the null reference.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Vector returns a fixed-arity numeric value (location, color, ...).
func Vector(v ...float64) Value {
	return Value{kind: KindVector, vec: append([]float64(nil), v...)}
}

// Ref returns a reference to another entity. Ref(NilID) is Null.
func Ref(id EntityID) Value {
	if id.IsNil() {
		return Null()
	}
	return Value{kind: KindRef, s: string(id)}
}

// Seq returns an ordered collection value.
func Seq(elems ...Element) Value {
	out := make([]Element, len(elems))
	for i, e := range elems {
		out[i] = Element{Key: e.Key, Value: e.Value.Clone()}
	}
	return Value{kind: KindSeq, seq: out}
}

// RefSeq builds a membership list whose element keys are the member ids.
func RefSeq(ids ...EntityID) Value {
	elems := make([]Element, len(ids))
	for i, id := range ids {
		elems[i] = Element{Key: string(id), Value: Ref(id)}
	}
	return Value{kind: KindSeq, seq: elems}
}

func (v Value) Kind() Kind          { return v.kind }
func (v Value) IsNull() bool        { return v.kind == KindNull }
func (v Value) Bool() bool          { return v.b }
func (v Value) Int() int64          { return v.i }
func (v Value) Float() float64      { return v.f }
func (v Value) Str() string         { return v.s }
func (v Value) Vector() []float64   { return append([]float64(nil), v.vec...) }
func (v Value) Ref() EntityID       { return EntityID(v.s) }
func (v Value) Len() int            { return len(v.seq) }
func (v Value) Seq() []Element      { return Seq(v.seq...).seq }
func (v Value) elements() []Element { return v.seq }

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString, KindRef:
		return v.s == o.s
	case KindVector:
		if len(v.vec) != len(o.vec) {
			return false
		}
		for i := range v.vec {
			if v.vec[i] != o.vec[i] {
				return false
			}
		}
		return true
	case KindSeq:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if v.seq[i].Key != o.seq[i].Key || !v.seq[i].Value.Equal(o.seq[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindVector:
		v.vec = append([]float64(nil), v.vec...)
	case KindSeq:
		seq := make([]Element, len(v.seq))
		for i, e := range v.seq {
			seq[i] = Element{Key: e.Key, Value: e.Value.Clone()}
		}
		v.seq = seq
	}
	return v
}

// Refs returns every entity id this value references, in order of
// appearance.
func (v Value) Refs() []EntityID {
	switch v.kind {
	case KindRef:
		return []EntityID{v.Ref()}
	case KindSeq:
		var out []EntityID
		for _, e := range v.seq {
			out = append(out, e.Value.Refs()...)
		}
		return out
	}
	return nil
}

// References reports whether the value references id.
func (v Value) References(id EntityID) bool {
	for _, r := range v.Refs() {
		if r == id {
			return true
		}
	}
	return false
}

// WithoutRefs returns a copy where references to any id in drop are
// nulled. Sequence elements whose value references a dropped id are removed
// entirely; the removed elements are returned in order.
func (v Value) WithoutRefs(drop map[EntityID]bool) (Value, []Element) {
	switch v.kind {
	case KindRef:
		if drop[v.Ref()] {
			return Null(), nil
		}
	case KindSeq:
		var kept, removed []Element
		for _, e := range v.seq {
			if refsAny(e.Value, drop) {
				removed = append(removed, Element{Key: e.Key, Value: e.Value.Clone()})
				continue
			}
			kept = append(kept, Element{Key: e.Key, Value: e.Value.Clone()})
		}
		if len(removed) > 0 {
			return Value{kind: KindSeq, seq: kept}, removed
		}
	}
	return v.Clone(), nil
}

func refsAny(v Value, ids map[EntityID]bool) bool {
	for _, r := range v.Refs() {
		if ids[r] {
			return true
		}
	}
	return false
}

// String renders the value for logs and tables.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindVector:
		parts := make([]string, len(v.vec))
		for i, f := range v.vec {
			parts[i] = fmt.Sprintf("%g", f)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KindRef:
		return "→" + v.s
	case KindSeq:
		parts := make([]string, len(v.seq))
		for i, e := range v.seq {
			parts[i] = e.Key + ":" + e.Value.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	return "?"
}

type wireValue struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the value as {"k": kind, "v": payload}.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.kind {
	case KindNull:
		return []byte(`{"k":"null"}`), nil
	case KindBool:
		payload = v.b
	case KindInt:
		payload = v.i
	case KindFloat:
		payload = v.f
	case KindString, KindRef:
		payload = v.s
	case KindVector:
		payload = v.vec
	case KindSeq:
		seq := v.seq
		if seq == nil {
			seq = []Element{}
		}
		payload = seq
	default:
		return nil, errors.Newf("cannot encode value of %s", v.kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{K: v.kind.String(), V: raw})
}

// UnmarshalJSON decodes the {"k": kind, "v": payload} form.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode value")
	}
	kind, ok := parseKind(w.K)
	if !ok {
		return errors.Newf("unknown value kind %q", w.K)
	}
	if kind != KindNull && len(w.V) == 0 {
		return errors.Newf("missing payload for %s value", kind)
	}

	out := Value{kind: kind}
	var err error
	switch kind {
	case KindBool:
		err = json.Unmarshal(w.V, &out.b)
	case KindInt:
		err = json.Unmarshal(w.V, &out.i)
	case KindFloat:
		err = json.Unmarshal(w.V, &out.f)
	case KindString:
		err = json.Unmarshal(w.V, &out.s)
	case KindRef:
		err = json.Unmarshal(w.V, &out.s)
		if err == nil && out.s == "" {
			out = Null()
		}
	case KindVector:
		err = json.Unmarshal(w.V, &out.vec)
	case KindSeq:
		err = json.Unmarshal(w.V, &out.seq)
		if err == nil {
			err = checkUniqueKeys(out.seq)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "decode %s value", kind)
	}
	*v = out
	return nil
}

func checkUniqueKeys(seq []Element) error {
	seen := make(map[string]bool, len(seq))
	for _, e := range seq {
		if seen[e.Key] {
			return errors.Newf("duplicate element key %q", e.Key)
		}
		seen[e.Key] = true
	}
	return nil
}

// SortedIDs returns ids sorted and de-duplicated.
func SortedIDs(ids []EntityID) []EntityID {
	set := make(map[EntityID]bool, len(ids))
	out := make([]EntityID, 0, len(ids))
	for _, id := range ids {
		if id.IsNil() || set[id] {
			continue
		}
		set[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
