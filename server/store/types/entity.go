package types

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// IdField is the name of the unique key of every entity.
const IdField = "id"

// DeletedField marks a tombstone: {"id": "...", "deleted": true}.
const DeletedField = "deleted"

// Entity is a record identified by a unique string id. Values are JSON-compatible.
type Entity map[string]any

// Tombstone builds the marker of a deleted entity.
func Tombstone(id string) Entity {
	return Entity{IdField: id, DeletedField: true}
}

// IsTombstone checks if the entity is a deletion marker.
func (e Entity) IsTombstone() bool {
	deleted, _ := e[DeletedField].(bool)
	return deleted
}

// Id returns the entity's id or an empty string.
func (e Entity) Id() string {
	if e == nil {
		return ""
	}
	switch id := e[IdField].(type) {
	case string:
		return id
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

// Clone makes a shallow copy of the entity.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Without returns a shallow copy with the listed fields omitted.
func (e Entity) Without(fields ...string) Entity {
	out := e.Clone()
	for _, f := range fields {
		delete(out, f)
	}
	return out
}

// Select returns a shallow copy with only the listed fields. Empty list selects everything.
func (e Entity) Select(fields []string) Entity {
	if len(fields) == 0 {
		return e.Clone()
	}
	out := make(Entity, len(fields))
	for _, f := range fields {
		if v, ok := e[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Merge returns a shallow copy of e with the top-level keys of patch applied.
func (e Entity) Merge(patch map[string]any) Entity {
	out := e.Clone()
	if out == nil {
		out = make(Entity, len(patch))
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Matches checks that every key in where is present in the entity with an equal value.
func (e Entity) Matches(where map[string]any) bool {
	for k, want := range where {
		have, ok := e[k]
		if !ok || !valuesEqual(have, want) {
			return false
		}
	}
	return true
}

// Numbers decoded from JSON are float64 while Go callers often pass ints.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Order is a single sort key.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query describes a findMany/count request. Where is a conjunction of equality matches.
type Query struct {
	Where   map[string]any `json:"where,omitempty"`
	Select  []string       `json:"select,omitempty"`
	OrderBy []Order        `json:"orderBy,omitempty"`
	Skip    int            `json:"skip,omitempty"`
	Take    int            `json:"take,omitempty"`
}

// Compare orders two values of the same field: numbers numerically, strings lexically,
// anything else by its printed form. Missing values sort first.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// ApplyQuery filters, sorts and pages a slice of entities in memory.
func ApplyQuery(all []Entity, q *Query) []Entity {
	var out []Entity
	for _, e := range all {
		if q == nil || e.Matches(q.Where) {
			out = append(out, e)
		}
	}
	if q == nil {
		return out
	}

	if len(q.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.OrderBy {
				c := Compare(out[i][o.Field], out[j][o.Field])
				if c == 0 {
					continue
				}
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return nil
		}
		out = out[q.Skip:]
	}
	if q.Take > 0 && q.Take < len(out) {
		out = out[:q.Take]
	}

	if len(q.Select) > 0 {
		for i, e := range out {
			out[i] = e.Select(q.Select)
		}
	}
	return out
}
