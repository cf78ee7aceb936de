package host

import (
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/teranos/scenesync/errors"
	"github.com/teranos/scenesync/scene"
)

// Fixture is the TOML form of a seed scene:
//
//	[[entity]]
//	id = "mesh-1"
//	type = "mesh"
//	  [entity.attrs]
//	  name = "Cube"
//	  vertices = 8
//
//	[[entity]]
//	id = "obj-1"
//	type = "object"
//	  [entity.attrs]
//	  name = "Cube"
//	  location = [0.0, 0.0, 1.5]
//	  data = { ref = "mesh-1" }
//
//	[[mode]]
//	id = "obj-1"
//	mode = "EDIT"
//
// Attribute values map as: booleans, integers, floats and strings to the
// matching scalar; arrays of numbers to vectors; { ref = id } to a
// reference; { refs = [ids] } to a sequence keyed by the referenced ids.
type Fixture struct {
	Entities []FixtureEntity `toml:"entity"`
	Modes    []FixtureMode   `toml:"mode"`
}

// FixtureEntity is one [[entity]] table.
type FixtureEntity struct {
	ID    string                 `toml:"id"`
	Type  string                 `toml:"type"`
	Attrs map[string]interface{} `toml:"attrs"`
}

// FixtureMode is one [[mode]] table.
type FixtureMode struct {
	ID   string `toml:"id"`
	Mode string `toml:"mode"`
}

// LoadFixture reads a fixture file and returns the events that build it:
// one Created per entity in file order, then the mode changes.
func LoadFixture(path string) ([]Event, error) {
	var fx Fixture
	md, err := toml.DecodeFile(path, &fx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse fixture %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.NewInvalidRequestError("fixture %s: unknown key %s", path, undecoded[0].String())
	}
	return fx.Events()
}

// Events converts the fixture into host events.
func (fx Fixture) Events() ([]Event, error) {
	seen := make(map[scene.EntityID]bool, len(fx.Entities))
	out := make([]Event, 0, len(fx.Entities)+len(fx.Modes))

	for i, fe := range fx.Entities {
		if fe.ID == "" {
			return nil, errors.NewInvalidRequestError("fixture entity %d: id is required", i)
		}
		id := scene.EntityID(fe.ID)
		if seen[id] {
			return nil, errors.NewInvalidRequestError("fixture entity %s: duplicate id", id)
		}
		seen[id] = true

		typ, err := scene.ParseEntityType(fe.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "fixture entity %s", id)
		}
		attrs := make(scene.Attributes, len(fe.Attrs))
		keys := make([]string, 0, len(fe.Attrs))
		for k := range fe.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := fixtureValue(fe.Attrs[k])
			if err != nil {
				return nil, errors.Wrapf(err, "fixture entity %s attribute %s", id, k)
			}
			attrs.Set(k, v)
		}
		out = append(out, Created{ID: id, Type: typ, Attrs: attrs})
	}

	for _, fm := range fx.Modes {
		id := scene.EntityID(fm.ID)
		if !seen[id] {
			return nil, errors.NewInvalidRequestError("fixture mode for unknown entity %q", fm.ID)
		}
		out = append(out, ModeChanged{ID: id, Mode: fm.Mode})
	}
	return out, nil
}

func fixtureValue(raw interface{}) (scene.Value, error) {
	switch v := raw.(type) {
	case bool:
		return scene.Bool(v), nil
	case int64:
		return scene.Int(v), nil
	case float64:
		return scene.Float(v), nil
	case string:
		return scene.String(v), nil
	case []interface{}:
		vec := make([]float64, len(v))
		for i, c := range v {
			switch n := c.(type) {
			case int64:
				vec[i] = float64(n)
			case float64:
				vec[i] = n
			default:
				return scene.Value{}, errors.Newf("vector component %d is %T, want a number", i, c)
			}
		}
		return scene.Vector(vec...), nil
	case map[string]interface{}:
		if id, ok := v["ref"].(string); ok && len(v) == 1 {
			return scene.Ref(scene.EntityID(id)), nil
		}
		if refs, ok := v["refs"].([]interface{}); ok && len(v) == 1 {
			ids := make([]scene.EntityID, 0, len(refs))
			seen := make(map[string]bool, len(refs))
			for _, r := range refs {
				s, ok := r.(string)
				if !ok || s == "" {
					return scene.Value{}, errors.Newf("refs entries must be non-empty ids, got %v", r)
				}
				if seen[s] {
					return scene.Value{}, errors.Newf("refs lists %s twice", s)
				}
				seen[s] = true
				ids = append(ids, scene.EntityID(s))
			}
			return scene.RefSeq(ids...), nil
		}
		return scene.Value{}, errors.New("tables must be { ref = id } or { refs = [ids] }")
	}
	return scene.Value{}, errors.Newf("unsupported value %T", raw)
}
