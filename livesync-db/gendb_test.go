package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/livesync/server/store"
	"github.com/tinode/livesync/server/store/types"
)

const testData = `{
	"docs": [
		{"id": "d1", "title": "Plan", "acl": [{"userId": "@alice", "level": "Admin"}, {"userId": "@bob", "level": "Read"}]}
	],
	"users": [
		{"_ref": "alice", "name": "Alice"},
		{"_ref": "bob", "id": "bob1", "name": "Bob", "manager": "@alice"}
	]
}`

func openStore(t *testing.T) {
	t.Helper()
	if err := store.Store.Open(1, json.RawMessage(`{"use_adapter":"memory","uid_key":"la6YsO+bNX/+XIkOqc5Svw=="}`)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Store.Close() })
}

func TestServiceCollections(t *testing.T) {
	services := map[string]json.RawMessage{
		"users":   json.RawMessage(`{"enabled": true}`),
		"docs":    json.RawMessage(`{"enabled": true, "collection": "documents"}`),
		"archive": json.RawMessage(`{"enabled": false}`),
	}
	got, err := serviceCollections(services)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"documents", "users"}, got); diff != "" {
		t.Error("collections (-want +got):", diff)
	}
}

func TestGenDb(t *testing.T) {
	openStore(t)
	ctx := context.Background()

	var data Data
	if err := json.Unmarshal([]byte(testData), &data); err != nil {
		t.Fatal(err)
	}
	if err := genDb(ctx, &data); err != nil {
		t.Fatal(err)
	}

	users, err := store.Store.Collection("users").FindMany(ctx, &types.Query{})
	if err != nil || len(users) != 2 {
		t.Fatalf("users: %v %v", users, err)
	}
	var aliceId string
	for _, u := range users {
		if _, ok := u[refField]; ok {
			t.Error("reference field stored")
		}
		if u["name"] == "Alice" {
			aliceId = u.Id()
		}
	}
	if aliceId == "" {
		t.Fatal("alice has no id")
	}

	bob, err := store.Store.Collection("users").FindUnique(ctx, map[string]any{"id": "bob1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bob["manager"] != aliceId {
		t.Errorf("manager not resolved: %v", bob["manager"])
	}

	doc, err := store.Store.Collection("docs").FindUnique(ctx, map[string]any{"id": "d1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	acl, err := types.ParseACL(doc["acl"])
	if err != nil {
		t.Fatal(err)
	}
	want := types.ACL{{UserId: aliceId, Level: types.AccessAdmin}, {UserId: "bob1", Level: types.AccessRead}}
	if diff := cmp.Diff(want, acl); diff != "" {
		t.Error("acl (-want +got):", diff)
	}
}

func TestGenDbUnknownRef(t *testing.T) {
	openStore(t)

	data := Data{"docs": {{"id": "d1", "acl": []any{map[string]any{"userId": "@nobody", "level": "Read"}}}}}
	if err := genDb(context.Background(), &data); err == nil {
		t.Error("expected an error for an unknown reference")
	}
}
