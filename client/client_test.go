package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/tinode/livesync/server/store/types"
)

type wireReq struct {
	Id    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// fakeServer speaks the wire protocol: it greets every connection with auth:info and answers
// requests with canned acknowledgements.
type fakeServer struct {
	*httptest.Server
	reqs chan wireReq

	lock     sync.Mutex
	ws       *websocket.Conn
	replies  map[string]any
	authInfo AuthInfo
}

var upgrader = websocket.Upgrader{}

func newFakeServer(t *testing.T, authInfo AuthInfo) *fakeServer {
	fs := &fakeServer{
		reqs:     make(chan wireReq, 64),
		replies:  make(map[string]any),
		authInfo: authInfo,
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) reply(event string, ack any) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.replies[event] = ack
}

func (fs *fakeServer) serve(wrt http.ResponseWriter, req *http.Request) {
	if req.Header.Get("X-LiveSync-Auth") == "forged" {
		wrt.WriteHeader(http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(wrt, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	fs.lock.Lock()
	fs.ws = ws
	info := fs.authInfo
	fs.lock.Unlock()
	fs.write(map[string]any{"event": eventAuthInfo, "data": info})

	for {
		var r wireReq
		if err := ws.ReadJSON(&r); err != nil {
			return
		}
		fs.reqs <- r

		fs.lock.Lock()
		ack, ok := fs.replies[r.Event]
		fs.lock.Unlock()
		if r.Id != "" && ok {
			fs.write(map[string]any{"id": r.Id, "ack": ack})
		}
	}
}

func (fs *fakeServer) write(msg any) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.ws.WriteJSON(msg)
}

func (fs *fakeServer) push(event string, data any) {
	fs.write(map[string]any{"event": event, "data": data})
}

func (fs *fakeServer) expect(t *testing.T, event string) wireReq {
	t.Helper()
	select {
	case r := <-fs.reqs:
		if r.Event != event {
			t.Fatalf("expected '%s', got '%s'", event, r.Event)
		}
		return r
	case <-time.After(time.Second):
		t.Fatalf("'%s' was not received", event)
	}
	return wireReq{}
}

func (fs *fakeServer) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case r := <-fs.reqs:
		t.Fatalf("unexpected request '%s'", r.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func dial(t *testing.T, fs *fakeServer, opts *Options) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, fs.url(), opts)
	if err != nil {
		t.Fatal("dial:", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, ch <-chan types.Entity) types.Entity {
	t.Helper()
	select {
	case ent := <-ch:
		return ent
	case <-time.After(time.Second):
		t.Fatal("observer was not called")
	}
	return nil
}

func TestRegistryRefCount(t *testing.T) {
	r := NewRegistry()
	cleanups := 0

	const n = 3
	for i := 0; i < n; i++ {
		isNew := r.Acquire("docs:d1")
		if isNew != (i == 0) {
			t.Fatalf("acquire #%d: isNew=%v", i, isNew)
		}
		if isNew {
			r.SetCleanup("docs:d1", func() { cleanups++ })
		}
	}
	for i := 0; i < n-1; i++ {
		if r.Release("docs:d1") {
			t.Fatalf("release #%d released fully", i)
		}
	}
	if cleanups != 0 || r.Count("docs:d1") != 1 {
		t.Fatalf("subscription torn down early: cleanups=%d count=%d", cleanups, r.Count("docs:d1"))
	}
	if !r.Release("docs:d1") {
		t.Error("last release must release fully")
	}
	if cleanups != 1 {
		t.Errorf("cleanup called %d times", cleanups)
	}
	if r.Release("docs:d1") || r.Len() != 0 {
		t.Error("released key still tracked")
	}
	if r.SetCleanup("docs:d1", func() {}) {
		t.Error("cleanup attached to a released key")
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	var cleaned []string
	for _, key := range []string{"docs:d1", "users:u1"} {
		r.Acquire(key)
		r.Acquire(key)
		key := key
		r.SetCleanup(key, func() { cleaned = append(cleaned, key) })
	}
	r.Clear()
	if len(cleaned) != 2 || r.Len() != 0 {
		t.Errorf("clear: cleaned=%v len=%d", cleaned, r.Len())
	}
	// Old entries are gone: a new acquire starts over.
	if !r.Acquire("docs:d1") {
		t.Error("entry survived clear")
	}
}

func TestCacheMergeAndTombstone(t *testing.T) {
	c := NewCache()
	var seen []types.Entity
	unwatch := c.Watch("docs", "d1", func(ent types.Entity) { seen = append(seen, ent) })

	c.Seed("docs", "d1", types.Entity{"id": "d1", "title": "a", "body": "b"})
	c.Apply("docs", "d1", types.Entity{"id": "d1", "title": "x"})
	c.Apply("docs", "d1", types.Tombstone("d1"))
	if _, ok := c.Get("docs", "d1"); ok {
		t.Error("tombstone did not evict")
	}
	c.Apply("docs", "d1", types.Entity{"id": "d1", "title": "y"})

	want := []types.Entity{
		{"id": "d1", "title": "a", "body": "b"},
		{"id": "d1", "title": "x", "body": "b"},
		nil,
		// Fields from before the deletion must not come back.
		{"id": "d1", "title": "y"},
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Error("observed states (-want +got):", diff)
	}

	unwatch()
	c.Apply("docs", "d1", types.Entity{"title": "z"})
	if len(seen) != len(want) {
		t.Error("watcher called after unwatch")
	}
}

func TestCacheSeedAfterPush(t *testing.T) {
	c := NewCache()
	c.Apply("docs", "d1", types.Entity{"id": "d1", "title": "new"})
	c.Seed("docs", "d1", types.Entity{"id": "d1", "title": "old", "body": "b"})

	got, _ := c.Get("docs", "d1")
	if diff := cmp.Diff(types.Entity{"id": "d1", "title": "new", "body": "b"}, got); diff != "" {
		t.Error("seed overwrote a newer push (-want +got):", diff)
	}
}

func TestDial(t *testing.T) {
	fs := newFakeServer(t, AuthInfo{UserId: "u1", ServiceAccess: types.ServiceAccess{"docs": types.AccessAdmin}})

	c := dial(t, fs, &Options{Token: "good"})
	want := AuthInfo{UserId: "u1", ServiceAccess: types.ServiceAccess{"docs": types.AccessAdmin}}
	if diff := cmp.Diff(want, c.AuthInfo()); diff != "" {
		t.Error("auth info (-want +got):", diff)
	}

	_, err := Dial(context.Background(), fs.url(), &Options{Token: "forged"})
	var serr *Error
	if !errors.As(err, &serr) || serr.Code != http.StatusUnauthorized {
		t.Errorf("forged token: %v", err)
	}
}

func TestCall(t *testing.T) {
	fs := newFakeServer(t, AuthInfo{UserId: "u1"})
	fs.reply("users:whoami", map[string]any{"success": true, "data": map[string]any{"id": "u1", "name": "Alice"}})
	fs.reply("docs:remove", map[string]any{"success": false, "error": "permission denied", "code": 403})
	c := dial(t, fs, &Options{Timeout: 100 * time.Millisecond})
	ctx := context.Background()

	var me types.Entity
	if err := c.Call(ctx, "users:whoami", nil, &me); err != nil {
		t.Fatal(err)
	}
	if me.Id() != "u1" || me["name"] != "Alice" {
		t.Errorf("whoami: %v", me)
	}
	fs.expect(t, "users:whoami")

	err := c.Call(ctx, "docs:remove", map[string]any{"id": "d1"}, nil)
	var serr *Error
	if !errors.As(err, &serr) || serr.Code != http.StatusForbidden {
		t.Errorf("remove: %v", err)
	}
	fs.expect(t, "docs:remove")

	// No acknowledgement.
	if err := c.Call(ctx, "docs:slow", nil, nil); !errors.Is(err, ErrTimeout) {
		t.Errorf("slow: %v", err)
	}
}

func TestOn(t *testing.T) {
	fs := newFakeServer(t, AuthInfo{UserId: "u1"})
	c := dial(t, fs, nil)

	got := make(chan string, 4)
	off := c.On("users:activity:u1", func(data json.RawMessage) { got <- string(data) })
	fs.push("users:activity:u1", map[string]any{"action": "update"})

	select {
	case data := <-got:
		if data != `{"action":"update"}` {
			t.Errorf("push data: %s", data)
		}
	case <-time.After(time.Second):
		t.Fatal("push not delivered")
	}

	off()
	fs.push("users:activity:u1", map[string]any{"action": "remove"})
	// Pushes are delivered in order, so a push after this one proves the previous was dropped.
	marker := make(chan struct{})
	defer c.On("marker", func(json.RawMessage) { close(marker) })()
	fs.push("marker", nil)
	<-marker
	if len(got) != 0 {
		t.Error("handler called after off")
	}
}

func TestObserveSharesSubscription(t *testing.T) {
	fs := newFakeServer(t, AuthInfo{UserId: "u2"})
	fs.reply("docs:subscribe", map[string]any{"success": true, "data": map[string]any{"id": "d1", "title": "a"}})
	c := dial(t, fs, nil)
	ctx := context.Background()

	first := make(chan types.Entity, 8)
	release1, err := c.Observe(ctx, "docs", "d1", func(ent types.Entity) { first <- ent })
	if err != nil {
		t.Fatal(err)
	}
	req := fs.expect(t, "docs:subscribe")
	if string(req.Data) != `{"entryId":"d1"}` {
		t.Errorf("subscribe payload: %s", req.Data)
	}
	if ent := receive(t, first); ent["title"] != "a" {
		t.Errorf("first snapshot: %v", ent)
	}

	second := make(chan types.Entity, 8)
	release2, err := c.Observe(ctx, "docs", "d1", func(ent types.Entity) { second <- ent })
	if err != nil {
		t.Fatal(err)
	}
	if ent := receive(t, second); ent["title"] != "a" {
		t.Errorf("second snapshot: %v", ent)
	}
	fs.expectNothing(t)

	fs.push("docs:update:d1", map[string]any{"id": "d1", "title": "x"})
	want := types.Entity{"id": "d1", "title": "x"}
	for _, ch := range []chan types.Entity{first, second} {
		if diff := cmp.Diff(want, receive(t, ch)); diff != "" {
			t.Error("update (-want +got):", diff)
		}
	}

	release1()
	release1()
	fs.expectNothing(t)
	if c.Registry().Count("docs:d1") != 1 {
		t.Errorf("count after first release: %d", c.Registry().Count("docs:d1"))
	}

	release2()
	req = fs.expect(t, "docs:unsubscribe")
	if req.Id != "" {
		t.Error("unsubscribe must not ask for acknowledgement")
	}
	if _, ok := c.Cache().Get("docs", "d1"); ok {
		t.Error("released entity still cached")
	}
}

func TestObserveDenied(t *testing.T) {
	fs := newFakeServer(t, AuthInfo{UserId: "u2"})
	fs.reply("docs:subscribe", map[string]any{"success": false, "error": "subscription denied", "code": 403})
	c := dial(t, fs, nil)

	release, err := c.Observe(context.Background(), "docs", "d1", func(types.Entity) {})
	var serr *Error
	if !errors.As(err, &serr) || serr.Code != http.StatusForbidden || release != nil {
		t.Fatalf("denied observe: %v", err)
	}
	if c.Registry().Len() != 0 {
		t.Error("denied subscription left in the registry")
	}
}

func TestCloseClearsRegistry(t *testing.T) {
	fs := newFakeServer(t, AuthInfo{UserId: "u1"})
	fs.reply("docs:subscribe", map[string]any{"success": true, "data": map[string]any{"id": "d1"}})
	c := dial(t, fs, nil)

	if _, err := c.Observe(context.Background(), "docs", "d1", func(types.Entity) {}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Error("connection not done after close")
	}
	if c.Registry().Len() != 0 {
		t.Error("registry not cleared on close")
	}
	if err := c.Call(context.Background(), "users:whoami", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("call on closed connection: %v", err)
	}
}
