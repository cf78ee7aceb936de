package diff

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

// firstKeyRune is where element keys start in rune space. Keeping clear of
// ASCII and Latin-1 avoids the line-mode heuristics the diff library applies
// to text.
const firstKeyRune = 0x100

// keyAlphabet maps element keys to runes so the sequence LCS can run on the
// text differ.
type keyAlphabet struct {
	runes map[string]rune
	next  rune
}

func newKeyAlphabet() *keyAlphabet {
	return &keyAlphabet{runes: make(map[string]rune), next: firstKeyRune}
}

func (a *keyAlphabet) encode(elems []scene.Element) ([]rune, error) {
	out := make([]rune, len(elems))
	seen := make(map[string]bool, len(elems))
	for i, e := range elems {
		if seen[e.Key] {
			return nil, errors.Newf("duplicate element key %q", e.Key)
		}
		seen[e.Key] = true
		r, ok := a.runes[e.Key]
		if !ok {
			for a.next >= 0xD800 && a.next <= 0xDFFF {
				a.next++
			}
			if a.next > utf8.MaxRune {
				return nil, errors.Newf("sequence too large to diff (%d distinct keys)", len(a.runes))
			}
			r = a.next
			a.next++
			a.runes[e.Key] = r
		}
		out[i] = r
	}
	return out, nil
}

// SeqDiff returns the smallest key-addressed edit script turning old into
// cur. Elements on a longest common subsequence stay put; every other
// surviving element is moved once, new elements are inserted, vanished ones
// removed. Keys must be unique within each side.
func SeqDiff(old, cur []scene.Element) ([]scene.SeqEdit, error) {
	alphabet := newKeyAlphabet()
	a, err := alphabet.encode(old)
	if err != nil {
		return nil, errors.Wrap(err, "old sequence")
	}
	b, err := alphabet.encode(cur)
	if err != nil {
		return nil, errors.Wrap(err, "new sequence")
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	stable := make(map[rune]bool)
	for _, d := range dmp.DiffMainRunes(a, b, false) {
		if d.Type != diffmatchpatch.DiffEqual {
			continue
		}
		for _, r := range []rune(d.Text) {
			stable[r] = true
		}
	}

	oldValues := make(map[string]scene.Value, len(old))
	for _, e := range old {
		oldValues[e.Key] = e.Value
	}
	curKeys := make(map[string]bool, len(cur))
	for _, e := range cur {
		curKeys[e.Key] = true
	}

	var edits []scene.SeqEdit
	for _, e := range old {
		if !curKeys[e.Key] {
			edits = append(edits, scene.SeqEdit{Kind: scene.EditRemove, Key: e.Key})
		}
	}

	prev := ""
	for i, e := range cur {
		before, existed := oldValues[e.Key]
		switch {
		case !existed:
			edits = append(edits, scene.SeqEdit{Kind: scene.EditInsert, Key: e.Key, After: prev, Value: ptr(e.Value)})
		case !stable[b[i]]:
			edits = append(edits, scene.SeqEdit{Kind: scene.EditMove, Key: e.Key, After: prev})
			if !before.Equal(e.Value) {
				edits = append(edits, scene.SeqEdit{Kind: scene.EditSet, Key: e.Key, Value: ptr(e.Value)})
			}
		case !before.Equal(e.Value):
			edits = append(edits, scene.SeqEdit{Kind: scene.EditSet, Key: e.Key, Value: ptr(e.Value)})
		}
		prev = e.Key
	}
	return edits, nil
}

// ApplySeq replays edits against old and returns the result; old is not
// modified. Edits are addressed by key, so replaying a script whose effect is
// already present leaves the sequence unchanged: removing a missing key is a
// no-op and inserting a present key moves it. An anchor that no longer
// exists places the element at the tail.
func ApplySeq(old []scene.Element, edits []scene.SeqEdit) []scene.Element {
	out := make([]scene.Element, len(old))
	for i, e := range old {
		out[i] = scene.Element{Key: e.Key, Value: e.Value.Clone()}
	}

	for _, ed := range edits {
		idx := indexOf(out, ed.Key)
		switch ed.Kind {
		case scene.EditRemove:
			if idx >= 0 {
				out = append(out[:idx], out[idx+1:]...)
			}
		case scene.EditSet:
			if idx >= 0 && ed.Value != nil {
				out[idx].Value = ed.Value.Clone()
			}
		case scene.EditInsert, scene.EditMove:
			var v scene.Value
			switch {
			case ed.Value != nil:
				v = ed.Value.Clone()
			case idx >= 0:
				v = out[idx].Value
			default:
				continue
			}
			if idx >= 0 {
				out = append(out[:idx], out[idx+1:]...)
			}
			pos := 0
			if ed.After != "" {
				pos = len(out)
				if a := indexOf(out, ed.After); a >= 0 {
					pos = a + 1
				}
			}
			out = append(out, scene.Element{})
			copy(out[pos+1:], out[pos:])
			out[pos] = scene.Element{Key: ed.Key, Value: v}
		}
	}
	return out
}

func indexOf(elems []scene.Element, key string) int {
	for i, e := range elems {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func ptr(v scene.Value) *scene.Value {
	c := v.Clone()
	return &c
}
