// Package common contains utility methods used by all adapters.
package common

import (
	"encoding/json"
	"fmt"
	"regexp"

	t "github.com/tinode/livesync/server/store/types"
)

var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,62}$`)

// IsValidName checks if the string can be safely used as a collection or field name
// in a query.
func IsValidName(name string) bool {
	return validName.MatchString(name)
}

// IdFromWhere extracts the id from a filter if the filter has one.
func IdFromWhere(where map[string]any) (string, bool) {
	if where == nil {
		return "", false
	}
	switch id := where[t.IdField].(type) {
	case string:
		return id, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(id), true
	}
}

// CapQuery returns a copy of the query with Take limited to maxResults.
func CapQuery(q *t.Query, maxResults int) *t.Query {
	var out t.Query
	if q != nil {
		out = *q
	}
	if maxResults > 0 && (out.Take <= 0 || out.Take > maxResults) {
		out.Take = maxResults
	}
	return &out
}

// CheckQuery verifies that all field names used in the query are safe.
func CheckQuery(q *t.Query) error {
	if q == nil {
		return nil
	}
	for _, o := range q.OrderBy {
		if !IsValidName(o.Field) {
			return t.ErrMalformed
		}
	}
	for _, f := range q.Select {
		if !IsValidName(f) {
			return t.ErrMalformed
		}
	}
	return CheckWhere(q.Where)
}

// CheckWhere verifies that all field names used in the filter are safe.
func CheckWhere(where map[string]any) error {
	for k := range where {
		if !IsValidName(k) {
			return t.ErrMalformed
		}
	}
	return nil
}

// ToJSON converts a value to JSON before storing to JSON field.
func ToJSON(src any) []byte {
	if src == nil {
		return nil
	}
	jval, _ := json.Marshal(src)
	return jval
}

// FromJSON deserializes a JSON document read from DB.
func FromJSON(src []byte) (t.Entity, error) {
	if len(src) == 0 {
		return nil, t.ErrNotFound
	}
	var doc t.Entity
	if err := json.Unmarshal(src, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Normalize converts driver-specific containers into plain JSON-compatible values
// by round-tripping through JSON. Adapters whose drivers return custom map or
// slice types use it before handing documents to services.
func Normalize(doc map[string]any) (t.Entity, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return FromJSON(raw)
}
