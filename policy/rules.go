// Package policy decides when a delta is applied, never what it contains.
//
// Every attribute belongs to a category found by looking its entity type and
// path up in a rule table. The category's rule picks the timing:
//
//	immediate    apply or send as soon as it is produced
//	two_toggle   propagate a boolean only after the same value was observed
//	             twice in a row, absorbing UI flicker
//	mode_buffer  hold every delta of an object (and the data block it uses)
//	             while the object is in a non-default editing mode, then
//	             flush them as one batch when it returns to the default
//	exclude      never send or apply it; the attribute stays local. An
//	             exclude entry with types but no paths keeps whole entities
//	             of those types local
package policy

import (
	"path"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

// Rule is a timing rule.
type Rule string

const (
	RuleImmediate  Rule = "immediate"
	RuleTwoToggle  Rule = "two_toggle"
	RuleModeBuffer Rule = "mode_buffer"
	RuleExclude    Rule = "exclude"
)

// Valid reports whether r is a known rule.
func (r Rule) Valid() bool {
	switch r {
	case RuleImmediate, RuleTwoToggle, RuleModeBuffer, RuleExclude:
		return true
	}
	return false
}

// Direction restricts a rule to locally produced deltas, received deltas,
// or both.
type Direction string

const (
	DirectionBoth     Direction = "both"
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

func (d Direction) matches(want Direction) bool {
	return d == "" || d == DirectionBoth || d == want
}

// RuleEntry maps entity types and attribute path globs to a category and
// its rule. Empty Types or Paths match everything.
type RuleEntry struct {
	Category  string
	Types     []scene.EntityType
	Paths     []string
	Rule      Rule
	Direction Direction
}

func (e RuleEntry) matches(typ scene.EntityType, attrPath string, dir Direction) bool {
	if !e.Direction.matches(dir) {
		return false
	}
	if len(e.Types) > 0 {
		found := false
		for _, t := range e.Types {
			if t == typ {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(e.Paths) == 0 {
		return true
	}
	for _, pattern := range e.Paths {
		if ok, _ := path.Match(pattern, attrPath); ok {
			return true
		}
	}
	return false
}

// Category is the result of classifying an attribute.
type Category struct {
	Name string
	Rule Rule
}

// DefaultCategory is what unmatched attributes get.
var DefaultCategory = Category{Name: "default", Rule: RuleImmediate}

// Table is an ordered rule table; the first matching entry wins.
type Table struct {
	entries []RuleEntry
}

// NewTable validates entries and builds a table.
func NewTable(entries []RuleEntry) (*Table, error) {
	out := make([]RuleEntry, len(entries))
	for i, e := range entries {
		if e.Category == "" {
			return nil, errors.NewInvalidRequestError("policy rule %d: category is required", i)
		}
		if !e.Rule.Valid() {
			return nil, errors.NewInvalidRequestError("policy rule %q: unknown rule %q", e.Category, e.Rule)
		}
		switch e.Direction {
		case "", DirectionBoth, DirectionInbound, DirectionOutbound:
		default:
			return nil, errors.NewInvalidRequestError("policy rule %q: unknown direction %q", e.Category, e.Direction)
		}
		if e.Rule == RuleExclude && len(e.Types) == 0 && len(e.Paths) == 0 {
			return nil, errors.WithHint(
				errors.NewInvalidRequestError("policy rule %q: exclude needs types or paths", e.Category),
				"an exclude rule without either would stop all replication",
			)
		}
		for _, t := range e.Types {
			if !t.Valid() {
				return nil, errors.NewInvalidRequestError("policy rule %q: unknown entity type %q", e.Category, t)
			}
		}
		for _, p := range e.Paths {
			if _, err := path.Match(p, ""); err != nil {
				return nil, errors.Wrapf(err, "policy rule %q: bad path pattern %q", e.Category, p)
			}
		}
		out[i] = e
		out[i].Types = append([]scene.EntityType(nil), e.Types...)
		out[i].Paths = append([]string(nil), e.Paths...)
	}
	return &Table{entries: out}, nil
}

// LocalOnlyPaths are attributes that describe one user's session rather
// than the scene: UI state, evaluation flags and usage counters.
var LocalOnlyPaths = []string{
	"active_index",
	"depsgraph",
	"is_editmode",
	"is_embedded_data",
	"is_evaluated",
	"is_library_indirect",
	"library",
	"name_full",
	"original",
	"override_library",
	"preview",
	"rna_type",
	"tag",
	"type_info",
	"users",
	"use_fake_user",
}

// DefaultTable keeps session-only attributes local, debounces visibility
// and selection flags on the producing side and buffers geometry edits made
// in an editing mode.
func DefaultTable() *Table {
	t, err := NewTable([]RuleEntry{
		{
			Category: "local_only",
			Paths:    LocalOnlyPaths,
			Rule:     RuleExclude,
		},
		{
			Category:  "visibility",
			Types:     []scene.EntityType{scene.TypeObject, scene.TypeCollection, scene.TypeLight, scene.TypeCamera},
			Paths:     []string{"hide*", "select*", "visible*"},
			Rule:      RuleTwoToggle,
			Direction: DirectionOutbound,
		},
		{
			Category: "edit_mode",
			Types:    []scene.EntityType{scene.TypeObject, scene.TypeMesh, scene.TypeCurve, scene.TypeShapeKey},
			Rule:     RuleModeBuffer,
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Classify returns the category of an attribute for deltas flowing in dir.
func (t *Table) Classify(typ scene.EntityType, attrPath string, dir Direction) Category {
	if t == nil {
		return DefaultCategory
	}
	for _, e := range t.entries {
		if e.matches(typ, attrPath, dir) {
			return Category{Name: e.Category, Rule: e.Rule}
		}
	}
	return DefaultCategory
}

// ExcludesType reports whether entities of typ never leave, or enter, this
// peer for deltas flowing in dir.
func (t *Table) ExcludesType(typ scene.EntityType, dir Direction) bool {
	if t == nil {
		return false
	}
	for _, e := range t.entries {
		if e.Rule == RuleExclude && len(e.Paths) == 0 && len(e.Types) > 0 && e.matches(typ, "", dir) {
			return true
		}
	}
	return false
}

// Entries returns a copy of the table's entries.
func (t *Table) Entries() []RuleEntry {
	out := make([]RuleEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
