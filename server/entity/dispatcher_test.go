package entity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/livesync/server/store/types"
)

func newTestDispatcher(t *testing.T, setup func(svc *Service)) (*Dispatcher, *Service) {
	t.Helper()
	ctx := context.Background()
	coll := newMemCollection(t, "notes")
	coll.Create(ctx, types.Entity{"id": "n1", "text": "hello"})

	svc := mustService(t, Config{Name: "notes", Store: coll})
	if setup != nil {
		setup(svc)
	}
	d := NewDispatcher()
	if err := d.Register(svc); err != nil {
		t.Fatal(err)
	}
	return d, svc
}

func echo(ctx context.Context, call *Call) (any, error) {
	var v any
	if err := call.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func TestDispatchMethod(t *testing.T) {
	d, _ := newTestDispatcher(t, func(svc *Service) {
		svc.DefineMethod("ping", types.AccessPublic, func(ctx context.Context, call *Call) (any, error) {
			return "pong", nil
		}, nil)
		svc.DefineMethod("echo", types.AccessRead, echo, &MethodOpts{
			Schema: `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`,
		})
		svc.DefineMethod("fail", types.AccessRead, func(ctx context.Context, call *Call) (any, error) {
			return nil, errors.New("database exploded")
		}, nil)
		svc.DefineMethod("reject", types.AccessRead, func(ctx context.Context, call *Call) (any, error) {
			return nil, &ValidationError{Details: []string{"bad text"}}
		}, nil)
		svc.DefineMethod("boom", types.AccessRead, func(ctx context.Context, call *Call) (any, error) {
			panic("boom")
		}, nil)
		svc.DefineMethod("purge", types.AccessAdmin, echo, nil)
	})

	ctx := context.Background()
	reader := newPeer("u1", types.ServiceAccess{"notes": types.AccessRead})
	anon := newPeer("", nil)

	cases := []struct {
		name    string
		peer    Peer
		event   string
		payload string
		want    *Response
	}{
		{"public to anonymous", anon, "notes:ping", ``, NoErr("pong")},
		{"unknown event", reader, "notes:nope", `{}`, ErrUnknownMethodResp()},
		{"unknown service", reader, "other:ping", `{}`, ErrUnknownMethodResp()},
		{"auth required", anon, "notes:echo", `{"text":"a"}`, ErrAuthRequiredResp()},
		{"success", reader, "notes:echo", `{"text":"a"}`, NoErr(map[string]any{"text": "a"})},
		{"insufficient level", reader, "notes:purge", `{}`, ErrPermissionDeniedResp()},
		{"handler error", reader, "notes:fail", `{}`, ErrUnknownResp()},
		{"handler validation error", reader, "notes:reject", `{}`, ErrValidationResp([]string{"bad text"})},
		{"handler panic", reader, "notes:boom", `{}`, ErrUnknownResp()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Dispatch(ctx, tc.peer, tc.event, json.RawMessage(tc.payload))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Error("response mismatch (-want +got):", diff)
			}
		})
	}

	resp := d.Dispatch(ctx, reader, "notes:echo", json.RawMessage(`{"text":5}`))
	if resp.Success || resp.Code != http.StatusBadRequest || len(resp.Details) == 0 {
		t.Errorf("expected validation failure with details, got %+v", resp)
	}
	resp = d.Dispatch(ctx, reader, "notes:echo", nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("empty payload must fail validation, got %+v", resp)
	}
}

func TestDispatchEntryScoped(t *testing.T) {
	var seen string
	d, _ := newTestDispatcher(t, func(svc *Service) {
		svc.DefineMethod("touch", types.AccessModerate, func(ctx context.Context, call *Call) (any, error) {
			seen = call.EntryId
			return nil, nil
		}, &MethodOpts{
			ResolveEntryId: PayloadEntryId,
		})
		svc.eval.Custom = func(ctx context.Context, peer Peer, entryId string, required types.AccessLevel) bool {
			return peer.UserId() == "owner" && entryId == "n1"
		}
	})

	ctx := context.Background()
	owner := newPeer("owner", nil)
	if resp := d.Dispatch(ctx, owner, "notes:touch", json.RawMessage(`{"entryId":"n1"}`)); !resp.Success {
		t.Fatalf("entry-scoped call failed: %+v", resp)
	}
	if seen != "n1" {
		t.Errorf("handler saw entry %q", seen)
	}
	if resp := d.Dispatch(ctx, owner, "notes:touch", json.RawMessage(`{"entryId":"n2"}`)); resp.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another entry, got %+v", resp)
	}
}

func TestDispatchSubscribe(t *testing.T) {
	d, svc := newTestDispatcher(t, nil)
	ctx := context.Background()
	reader := newPeer("u1", types.ServiceAccess{"notes": types.AccessRead})

	if resp := d.Dispatch(ctx, newPeer("", nil), "notes:subscribe", json.RawMessage(`{"entryId":"n1"}`)); resp.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
	if resp := d.Dispatch(ctx, reader, "notes:subscribe", json.RawMessage(`{"id":"n1"}`)); resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %+v", resp)
	}
	if resp := d.Dispatch(ctx, reader, "notes:subscribe", json.RawMessage(`{"entryId":"n9"}`)); resp.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a missing entity, got %+v", resp)
	}
	if resp := d.Dispatch(ctx, reader, "notes:subscribe", json.RawMessage(`{"entryId":"n1","requiredLevel":"Moderate"}`)); resp.Code != http.StatusForbidden {
		t.Errorf("expected 403 for an insufficient level, got %+v", resp)
	}

	resp := d.Dispatch(ctx, reader, "notes:subscribe", json.RawMessage(`{"entryId":"n1"}`))
	if diff := cmp.Diff(NoErr(types.Entity{"id": "n1", "text": "hello"}), resp); diff != "" {
		t.Error("subscribe response mismatch (-want +got):", diff)
	}
	if !svc.IsSubscribed("n1", reader) {
		t.Error("peer not subscribed")
	}

	for _, payload := range []string{`{"entryId":"n1"}`, `{"entryId":"n1"}`, `garbage`, ``} {
		if resp := d.Dispatch(ctx, reader, "notes:unsubscribe", json.RawMessage(payload)); !resp.Success {
			t.Errorf("unsubscribe with %q failed: %+v", payload, resp)
		}
	}
	if svc.IsSubscribed("n1", reader) {
		t.Error("peer still subscribed")
	}
}

func TestRegisterFinalizes(t *testing.T) {
	d, svc := newTestDispatcher(t, func(svc *Service) {
		if err := svc.DefineMethod("a", types.AccessRead, echo, nil); err != nil {
			t.Fatal(err)
		}
		if err := svc.DefineMethod("a", types.AccessRead, echo, nil); !errors.Is(err, ErrDuplicateMethod) {
			t.Error("expected ErrDuplicateMethod, got", err)
		}
		for _, name := range []string{"subscribe", "unsubscribe", "", "x:y"} {
			if err := svc.DefineMethod(name, types.AccessRead, echo, nil); !errors.Is(err, ErrInvalidName) {
				t.Errorf("name %q: expected ErrInvalidName, got %v", name, err)
			}
		}
		if err := svc.DefineMethod("b", types.AccessRead, echo, &MethodOpts{Schema: `{"type": 12}`}); err == nil {
			t.Error("accepted an invalid schema")
		}
	})

	if err := svc.DefineMethod("late", types.AccessRead, echo, nil); !errors.Is(err, ErrFinalized) {
		t.Error("expected ErrFinalized, got", err)
	}
	if err := d.Register(svc); err == nil {
		t.Error("registered the same service twice")
	}

	want := []string{"notes:a", "notes:subscribe", "notes:unsubscribe"}
	if diff := cmp.Diff(want, d.Events()); diff != "" {
		t.Error("events mismatch (-want +got):", diff)
	}
	if d.Service("notes") != svc || d.Service("other") != nil {
		t.Error("Service lookup is wrong")
	}
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher()
	var services []*Service
	for _, name := range []string{"a", "b"} {
		coll := newMemCollection(t, name)
		coll.Create(ctx, types.Entity{"id": "x"})
		svc := mustService(t, Config{Name: name, Store: coll})
		d.Register(svc)
		services = append(services, svc)
	}

	p := newPeer("u1", types.ServiceAccess{"a": types.AccessRead, "b": types.AccessRead})
	for _, svc := range services {
		if svc.Subscribe(ctx, "x", p, types.AccessRead) == nil {
			t.Fatal("subscribe failed")
		}
	}

	d.Disconnect(p)
	for _, svc := range services {
		if svc.IsSubscribed("x", p) {
			t.Error("subscription survived disconnect in", svc.Name())
		}
	}
}

func TestErrorResponse(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{ErrAuthRequired, http.StatusUnauthorized},
		{ErrValidation, http.StatusBadRequest},
		{ErrMalformed, http.StatusBadRequest},
		{types.ErrMalformed, http.StatusBadRequest},
		{ErrPermissionDenied, http.StatusForbidden},
		{ErrNotFound, http.StatusNotFound},
		{types.ErrNotFound, http.StatusNotFound},
		{ErrUnknownMethod, http.StatusNotFound},
		{types.ErrDuplicate, http.StatusConflict},
		{errors.New("secret detail"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		resp := ErrorResponse(tc.err)
		if resp.Success || resp.Code != tc.code {
			t.Errorf("%v: got %+v, want code %d", tc.err, resp, tc.code)
		}
	}
	if resp := ErrorResponse(errors.New("secret detail")); resp.Error == "secret detail" {
		t.Error("internal error details leaked")
	}
}
