package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/tinode/livesync/server/store/mock_store"
	"github.com/tinode/livesync/server/store/types"
)

// Users service: protected email, self-access through the custom grant.
func newUsersService(t *testing.T, groups Groups, obs Observer, protectedCalls *int) *Service {
	t.Helper()
	ctx := context.Background()
	coll := newMemCollection(t, "users")
	coll.Create(ctx, types.Entity{"id": "u1", "name": "Ann", "email": "ann@example.com"})
	coll.Create(ctx, types.Entity{"id": "u2", "name": "Bob", "email": "bob@example.com"})

	return mustService(t, Config{
		Name:     "users",
		Store:    coll,
		Groups:   groups,
		Observer: obs,
		Hooks: Hooks{
			CheckAccess: func(ctx context.Context, peer Peer, entryId string, required types.AccessLevel) bool {
				return peer.UserId() == entryId
			},
			ProtectedFields: func() []string {
				if protectedCalls != nil {
					*protectedCalls++
				}
				return []string{"email"}
			},
		},
	})
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	groups := &testGroups{}
	obs := newObserver()
	svc := newUsersService(t, groups, obs, nil)

	if svc.Subscribe(ctx, "u1", nil, types.AccessRead) != nil {
		t.Error("nil peer subscribed")
	}
	if svc.Subscribe(ctx, "u1", newPeer("", types.ServiceAccess{"users": types.AccessAdmin}), types.AccessRead) != nil {
		t.Error("anonymous peer subscribed")
	}
	if svc.Subscribe(ctx, "u1", newPeer("u2", nil), types.AccessRead) != nil {
		t.Error("peer without access subscribed")
	}
	if svc.Subscribe(ctx, "u9", newPeer("u9", nil), types.AccessRead) != nil {
		t.Error("subscribed to a missing entity")
	}

	self := newPeer("u1", nil)
	got := svc.Subscribe(ctx, "u1", self, types.AccessRead)
	if diff := cmp.Diff(types.Entity{"id": "u1", "name": "Ann", "email": "ann@example.com"}, got); diff != "" {
		t.Error("self must see protected fields (-want +got):", diff)
	}

	reader := newPeer("u3", types.ServiceAccess{"users": types.AccessRead})
	got = svc.Subscribe(ctx, "u1", reader, types.AccessRead)
	if diff := cmp.Diff(types.Entity{"id": "u1", "name": "Ann"}, got); diff != "" {
		t.Error("reader must not see protected fields (-want +got):", diff)
	}

	// Repeated subscription is not double counted.
	svc.Subscribe(ctx, "u1", reader, types.AccessRead)
	if n := len(svc.Subscribers("u1")); n != 2 {
		t.Errorf("Subscribers = %d, want 2", n)
	}
	if obs.subs["users"] != 2 {
		t.Errorf("observer counted %d subscriptions, want 2", obs.subs["users"])
	}
	if len(groups.calls) != 2 || groups.calls[0].op != "join" || groups.calls[0].group != "users:u1" {
		t.Errorf("unexpected group calls %+v", groups.calls)
	}
}

func TestBroadcastFiltering(t *testing.T) {
	ctx := context.Background()
	var protectedCalls int
	svc := newUsersService(t, nil, nil, &protectedCalls)

	self := newPeer("u1", nil)
	admin := newPeer("root", types.ServiceAccess{"users": types.AccessAdmin})
	reader := newPeer("u3", types.ServiceAccess{"users": types.AccessRead})
	for _, p := range []*testPeer{self, admin, reader} {
		if svc.Subscribe(ctx, "u1", p, types.AccessRead) == nil {
			t.Fatal("subscription failed for", p.uid)
		}
	}

	protectedCalls = 0
	updated := svc.Update(ctx, "u1", map[string]any{"name": "Anna"})
	if updated == nil || updated["name"] != "Anna" {
		t.Fatal("update failed:", updated)
	}
	if protectedCalls != 1 {
		t.Errorf("projections computed %d times, want once per broadcast", protectedCalls)
	}

	full := types.Entity{"id": "u1", "name": "Anna", "email": "ann@example.com"}
	redacted := types.Entity{"id": "u1", "name": "Anna"}
	for _, tc := range []struct {
		peer *testPeer
		want types.Entity
	}{{self, full}, {admin, full}, {reader, redacted}} {
		msg := tc.peer.last(t)
		if msg.event != "users:update:u1" {
			t.Errorf("%s: event %q", tc.peer.uid, msg.event)
		}
		if diff := cmp.Diff(tc.want, msg.data); diff != "" {
			t.Errorf("%s: payload mismatch (-want +got): %s", tc.peer.uid, diff)
		}
	}

	// Not subscribed to u2: nothing received.
	before := len(reader.received())
	svc.Update(ctx, "u2", map[string]any{"name": "Rob"})
	if len(reader.received()) != before {
		t.Error("received an update for an entry not subscribed to")
	}
}

func TestUpdateKeepsId(t *testing.T) {
	ctx := context.Background()
	svc := newUsersService(t, nil, nil, nil)
	updated := svc.Update(ctx, "u1", map[string]any{"id": "zzz", "name": "X"})
	if updated.Id() != "u1" {
		t.Error("id was changed by update:", updated)
	}
}

func TestDeleteTombstone(t *testing.T) {
	ctx := context.Background()
	obs := newObserver()
	svc := newUsersService(t, nil, obs, nil)
	p := newPeer("u1", nil)
	svc.Subscribe(ctx, "u1", p, types.AccessRead)

	if !svc.Delete(ctx, "u1") {
		t.Fatal("delete failed")
	}
	msg := p.last(t)
	if diff := cmp.Diff(types.Tombstone("u1"), msg.data); diff != "" {
		t.Error("tombstone mismatch (-want +got):", diff)
	}
	if !svc.IsSubscribed("u1", p) {
		t.Error("subscription must survive deletion")
	}
	if obs.pushes["users"] != 1 {
		t.Error("tombstone push not observed")
	}

	if svc.Delete(ctx, "u1") {
		t.Error("second delete must fail")
	}
	if svc.Update(ctx, "u1", map[string]any{"name": "ghost"}) != nil {
		t.Error("update of deleted entity must fail")
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	groups := &testGroups{}
	obs := newObserver()
	svc := newUsersService(t, groups, obs, nil)
	p := newPeer("root", types.ServiceAccess{"users": types.AccessRead})
	svc.Subscribe(ctx, "u1", p, types.AccessRead)
	svc.Subscribe(ctx, "u2", p, types.AccessRead)

	svc.Unsubscribe("u1", p)
	svc.Unsubscribe("u1", p)
	if svc.IsSubscribed("u1", p) || !svc.IsSubscribed("u2", p) {
		t.Error("wrong subscription state after Unsubscribe")
	}

	svc.UnsubscribeAll(p)
	if svc.IsSubscribed("u2", p) {
		t.Error("UnsubscribeAll left a subscription")
	}
	if obs.subs["users"] != 0 {
		t.Error("observer subscription count is", obs.subs["users"])
	}

	var leaves int
	for _, c := range groups.calls {
		if c.op == "leave" {
			leaves++
		}
	}
	if leaves != 2 {
		t.Errorf("left %d groups, want 2", leaves)
	}

	before := len(p.received())
	svc.Update(ctx, "u2", map[string]any{"name": "Rob"})
	if len(p.received()) != before {
		t.Error("unsubscribed peer received an update")
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	svc := newUsersService(t, nil, nil, nil)

	created, err := svc.Create(ctx, types.Entity{"name": "Cid"})
	if err != nil {
		t.Fatal(err)
	}
	if created.Id() != "gen1" {
		t.Error("id was not generated:", created)
	}

	if _, err := svc.Create(ctx, types.Entity{"id": "u1"}); !errors.Is(err, types.ErrDuplicate) {
		t.Error("expected ErrDuplicate, got", err)
	}

	svc.newId = func() string { return "" }
	if _, err := svc.Create(ctx, types.Entity{}); !errors.Is(err, types.ErrNotOpen) {
		t.Error("expected ErrNotOpen without an id generator, got", err)
	}
}

func TestForceUnsubscribe(t *testing.T) {
	ctx := context.Background()
	svc := newUsersService(t, nil, nil, nil)
	a1 := newPeer("root", types.ServiceAccess{"users": types.AccessAdmin})
	a2 := newPeer("root", types.ServiceAccess{"users": types.AccessAdmin})
	r := newPeer("u3", types.ServiceAccess{"users": types.AccessRead})
	for _, p := range []*testPeer{a1, a2, r} {
		svc.Subscribe(ctx, "u1", p, types.AccessRead)
	}

	if n := svc.ForceUnsubscribe("u1", "u3", "bye"); n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	msg := r.last(t)
	if msg.event != "users:unsubscribed:u1" {
		t.Error("unexpected event", msg.event)
	}
	if diff := cmp.Diff(map[string]any{"reason": "bye"}, msg.data); diff != "" {
		t.Error(diff)
	}

	if n := svc.ForceUnsubscribe("u1", "", "all"); n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if len(svc.Subscribers("u1")) != 0 {
		t.Error("subscribers left")
	}
}

func TestReemit(t *testing.T) {
	ctx := context.Background()
	svc := newUsersService(t, nil, nil, nil)
	p := newPeer("u1", nil)
	svc.Subscribe(ctx, "u1", p, types.AccessRead)

	if !svc.Reemit(ctx, "u1") {
		t.Fatal("reemit failed")
	}
	if p.last(t).data.(types.Entity)["email"] != "ann@example.com" {
		t.Error("reemitted state is wrong")
	}
	if svc.Reemit(ctx, "missing") {
		t.Error("reemit of a missing entity succeeded")
	}
}

func TestNotify(t *testing.T) {
	groups := &testGroups{}
	svc := newUsersService(t, groups, nil, nil)
	svc.Notify(context.Background(), "docs", "d1", "docs:ping", map[string]any{"x": 1})
	if len(groups.calls) != 1 || groups.calls[0].group != "docs:d1" || groups.calls[0].op != "publish:docs:ping" {
		t.Errorf("unexpected group calls %+v", groups.calls)
	}
}

func TestStoreFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	db := mock_store.NewMockCollection(ctrl)
	svc := mustService(t, Config{Name: "docs", Store: db, HasEntryACL: true})
	peer := newPeer("u1", nil)

	// ACL lookup fails: no access, entity is never fetched in full.
	db.EXPECT().FindUnique(gomock.Any(), map[string]any{"id": "d1"}, []string{"id", "acl"}).
		Return(nil, types.ErrInternal)
	if svc.Subscribe(ctx, "d1", peer, types.AccessRead) != nil {
		t.Error("subscribed despite ACL lookup failure")
	}

	// ACL grants but the entity read fails.
	db.EXPECT().FindUnique(gomock.Any(), map[string]any{"id": "d1"}, []string{"id", "acl"}).
		Return(types.Entity{"id": "d1", "acl": types.ACL{{UserId: "u1", Level: types.AccessRead}}}, nil)
	db.EXPECT().FindUnique(gomock.Any(), map[string]any{"id": "d1"}, nil).Return(nil, types.ErrInternal)
	if svc.Subscribe(ctx, "d1", peer, types.AccessRead) != nil {
		t.Error("subscribed despite a read failure")
	}

	db.EXPECT().Update(gomock.Any(), map[string]any{"id": "d1"}, map[string]any{"title": "x"}).
		Return(nil, types.ErrInternal)
	if svc.Update(ctx, "d1", map[string]any{"title": "x"}) != nil {
		t.Error("update must return nil on failure")
	}

	db.EXPECT().Delete(gomock.Any(), map[string]any{"id": "d1"}).Return(types.ErrInternal)
	if svc.Delete(ctx, "d1") {
		t.Error("delete must return false on failure")
	}

	db.EXPECT().Create(gomock.Any(), types.Entity{"id": "d2"}).Return(nil, types.ErrInternal)
	if _, err := svc.Create(ctx, types.Entity{"id": "d2"}); err != types.ErrInternal {
		t.Error("expected ErrInternal, got", err)
	}
}

func TestNewServiceErrors(t *testing.T) {
	if _, err := NewService(Config{Name: "bad:name", Store: newMemCollection(t, "x")}); err == nil {
		t.Error("accepted a name with a colon")
	}
	if _, err := NewService(Config{Name: "docs"}); err == nil {
		t.Error("accepted a service without a store")
	}
}
