// Package testsuite contains adapter tests shared by all database adapters.
package testsuite

import (
	"context"
	"reflect"
	"testing"

	adapter "github.com/tinode/livesync/server/db"
	"github.com/tinode/livesync/server/store/types"
)

// TestCollection is the name of the collection used by the suite.
const TestCollection = "suite"

// Docs returns the records used by the suite. Numbers are float64 so they
// compare equal after a JSON round trip.
func Docs() []types.Entity {
	return []types.Entity{
		{"id": "d1", "title": "alpha", "rank": float64(3), "kind": "note"},
		{"id": "d2", "title": "beta", "rank": float64(1), "kind": "note"},
		{"id": "d3", "title": "gamma", "rank": float64(2), "kind": "memo",
			"acl": []any{map[string]any{"userId": "u1", "level": "Admin"}}},
	}
}

// Run executes all shared tests in order against an open adapter.
func Run(t *testing.T, adp adapter.Adapter) {
	if err := adp.CreateDb([]string{TestCollection}, true); err != nil {
		t.Fatal(err)
	}
	coll := adp.Collection(TestCollection)

	t.Run("Create", func(t *testing.T) { RunCreate(t, coll) })
	t.Run("FindUnique", func(t *testing.T) { RunFindUnique(t, coll) })
	t.Run("FindMany", func(t *testing.T) { RunFindMany(t, coll) })
	t.Run("Count", func(t *testing.T) { RunCount(t, coll) })
	t.Run("Update", func(t *testing.T) { RunUpdate(t, coll) })
	t.Run("Delete", func(t *testing.T) { RunDelete(t, coll) })
}

// RunCreate runs the shared Create tests used by adapters.
func RunCreate(t *testing.T, coll adapter.Collection) {
	t.Helper()
	ctx := context.Background()

	for _, doc := range Docs() {
		got, err := coll.Create(ctx, doc)
		if err != nil {
			t.Fatal(err)
		}
		if got.Id() != doc.Id() {
			t.Errorf("Id mismatch: got %v want %v", got.Id(), doc.Id())
		}
	}

	if _, err := coll.Create(ctx, Docs()[0]); err != types.ErrDuplicate {
		t.Error("expected ErrDuplicate, got", err)
	}
}

// RunFindUnique runs the shared FindUnique tests used by adapters.
func RunFindUnique(t *testing.T, coll adapter.Collection) {
	t.Helper()
	ctx := context.Background()

	want := Docs()[0]
	got, err := coll.FindUnique(ctx, map[string]any{"id": "d1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Record mismatch: got %+v want %+v", got, want)
	}

	got, err = coll.FindUnique(ctx, map[string]any{"title": "beta"}, []string{"id", "rank"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, types.Entity{"id": "d2", "rank": float64(1)}) {
		t.Errorf("Selected record mismatch: got %+v", got)
	}

	acl, err := coll.FindUnique(ctx, map[string]any{"id": "d3"}, []string{"acl"})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := types.ParseACL(acl["acl"])
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Grants("u1", types.AccessAdmin) {
		t.Errorf("ACL mismatch: got %+v", parsed)
	}

	if _, err = coll.FindUnique(ctx, map[string]any{"id": "missing"}, nil); err != types.ErrNotFound {
		t.Error("expected ErrNotFound, got", err)
	}
}

// RunFindMany runs the shared FindMany tests used by adapters.
func RunFindMany(t *testing.T, coll adapter.Collection) {
	t.Helper()
	ctx := context.Background()

	got, err := coll.FindMany(ctx, &types.Query{
		Where:   map[string]any{"kind": "note"},
		OrderBy: []types.Order{{Field: "rank"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Id() != "d2" || got[1].Id() != "d1" {
		t.Errorf("Result mismatch: got %+v", got)
	}

	got, err = coll.FindMany(ctx, &types.Query{
		OrderBy: []types.Order{{Field: "rank", Desc: true}},
		Skip:    1,
		Take:    1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Id() != "d3" {
		t.Errorf("Paged result mismatch: got %+v", got)
	}

	got, err = coll.FindMany(ctx, &types.Query{Where: map[string]any{"kind": "none"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Error("expected empty result, got", got)
	}
}

// RunCount runs the shared Count tests used by adapters.
func RunCount(t *testing.T, coll adapter.Collection) {
	t.Helper()
	ctx := context.Background()

	if n, err := coll.Count(ctx, nil); err != nil || n != 3 {
		t.Errorf("Count mismatch: got %v, %v want 3", n, err)
	}
	if n, err := coll.Count(ctx, map[string]any{"kind": "memo"}); err != nil || n != 1 {
		t.Errorf("Count mismatch: got %v, %v want 1", n, err)
	}
}

// RunUpdate runs the shared Update tests used by adapters.
func RunUpdate(t *testing.T, coll adapter.Collection) {
	t.Helper()
	ctx := context.Background()

	got, err := coll.Update(ctx, map[string]any{"id": "d1"}, map[string]any{"title": "omega", "extra": true})
	if err != nil {
		t.Fatal(err)
	}
	want := Docs()[0].Merge(map[string]any{"title": "omega", "extra": true})
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Updated record mismatch: got %+v want %+v", got, want)
	}

	stored, err := coll.FindUnique(ctx, map[string]any{"id": "d1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(stored, want) {
		t.Errorf("Stored record mismatch: got %+v want %+v", stored, want)
	}

	if _, err = coll.Update(ctx, map[string]any{"id": "missing"}, map[string]any{"title": "x"}); err != types.ErrNotFound {
		t.Error("expected ErrNotFound, got", err)
	}
}

// RunDelete runs the shared Delete tests used by adapters.
func RunDelete(t *testing.T, coll adapter.Collection) {
	t.Helper()
	ctx := context.Background()

	if err := coll.Delete(ctx, map[string]any{"id": "d2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := coll.FindUnique(ctx, map[string]any{"id": "d2"}, nil); err != types.ErrNotFound {
		t.Error("deleted record still found", err)
	}
	if err := coll.Delete(ctx, map[string]any{"id": "d2"}); err != types.ErrNotFound {
		t.Error("expected ErrNotFound, got", err)
	}
	if n, _ := coll.Count(ctx, nil); n != 2 {
		t.Error("expected 2 records left, got", n)
	}
}
