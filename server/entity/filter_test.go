package entity

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/livesync/server/store/types"
)

func TestComputeProjections(t *testing.T) {
	src := types.Entity{"id": "u1", "name": "Ann", "email": "ann@example.com"}
	p := ComputeProjections(src, []string{"email", "missing"})

	if diff := cmp.Diff(src, p.Full); diff != "" {
		t.Error("full view mismatch (-want +got):", diff)
	}
	if diff := cmp.Diff(types.Entity{"id": "u1", "name": "Ann"}, p.Redacted); diff != "" {
		t.Error("redacted view mismatch (-want +got):", diff)
	}
	if _, ok := src["email"]; !ok {
		t.Error("source entity was modified")
	}

	if p.Assign(true)["email"] == nil {
		t.Error("elevated peer must receive the full view")
	}
	if p.Assign(false)["email"] != nil {
		t.Error("regular peer must receive the redacted view")
	}
}

func TestComputeProjectionsNoProtected(t *testing.T) {
	src := types.Entity{"id": "d1", "title": "x"}
	p := ComputeProjections(src, nil)
	if diff := cmp.Diff(p.Full, p.Redacted); diff != "" {
		t.Error("views differ without protected fields:", diff)
	}
	if p := ComputeProjections(nil, []string{"a"}); p.Full != nil || p.Redacted != nil {
		t.Error("nil entity must produce empty views")
	}
}
