package main

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/livesync/server/auth"
	"github.com/tinode/livesync/server/store/types"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestGenerate(t *testing.T) {
	if code := generate(keySize); code != 0 {
		t.Errorf("Expected exit code 0, got %d", code)
	}
}

func TestMintRejects(t *testing.T) {
	uid := types.Uid(0x1234).String()
	cases := []struct {
		name string
		p    mintParams
	}{
		{"bad key", mintParams{scheme: "token", uid: uid, key: "not base64!", lifetime: time.Hour}},
		{"bad uid", mintParams{scheme: "token", uid: "alice", key: testKey, lifetime: time.Hour}},
		{"token with grants", mintParams{scheme: "token", uid: uid, key: testKey, svc: `{"docs":"Admin"}`, lifetime: time.Hour}},
		{"bad grants", mintParams{scheme: "jwt", uid: uid, key: testKey, svc: `{"docs":"Root"}`, lifetime: time.Hour}},
		{"unknown scheme", mintParams{scheme: "basic", uid: uid, key: testKey, lifetime: time.Hour}},
	}
	for _, tc := range cases {
		if _, _, err := mint(&tc.p); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestMintToken(t *testing.T) {
	uid := types.Uid(0x1234).String()
	secret, expires, err := mint(&mintParams{scheme: "token", uid: uid, key: testKey, serial: 1, lifetime: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if expires.Before(time.Now().Add(59 * time.Minute)) {
		t.Error("unexpected expiration", expires)
	}

	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		t.Fatal(err)
	}
	id, err := auth.Get("token").Authenticate(raw)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserId != uid {
		t.Errorf("Expected user '%s', got '%s'", uid, id.UserId)
	}
}

func TestMintJwt(t *testing.T) {
	secret, _, err := mint(&mintParams{scheme: "jwt", uid: "alice", key: testKey,
		svc: `{"docs":"Admin","users":"Read"}`, issuer: "livesync", lifetime: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	id, err := auth.Get("jwt").Authenticate([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	want := &auth.Identity{
		UserId:        "alice",
		ServiceAccess: types.ServiceAccess{"docs": types.AccessAdmin, "users": types.AccessRead},
	}
	if diff := cmp.Diff(want, id, cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Expires"
	}, cmp.Ignore())); diff != "" {
		t.Error("identity mismatch (-want +got):", diff)
	}
}
