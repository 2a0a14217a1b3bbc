package bus

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/tinode/livesync/server/store/types"
)

type testPeer struct {
	id string

	lock   sync.Mutex
	events []string
	data   []any
	got    chan struct{}
}

func newPeer(id string) *testPeer {
	return &testPeer{id: id, got: make(chan struct{}, 16)}
}

func (p *testPeer) SessionId() string                  { return p.id }
func (p *testPeer) UserId() string                     { return p.id }
func (p *testPeer) ServiceAccess() types.ServiceAccess { return nil }

func (p *testPeer) Push(event string, data any) bool {
	p.lock.Lock()
	p.events = append(p.events, event)
	p.data = append(p.data, data)
	p.lock.Unlock()
	p.got <- struct{}{}
	return true
}

func (p *testPeer) count() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.events)
}

func (p *testPeer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a message to", p.id)
	}
}

func TestLocalGroups(t *testing.T) {
	g := NewGroups(nil, "n1")
	a, b := newPeer("a"), newPeer("b")
	g.Join("docs:1", a)
	g.Join("docs:1", b)
	g.Join("docs:2", a)

	g.Publish(context.Background(), "docs:1", "docs:ping", "x")
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("delivered %d/%d, want 1/1", a.count(), b.count())
	}

	g.Leave("docs:1", b)
	g.Publish(context.Background(), "docs:1", "docs:ping", "y")
	if b.count() != 1 {
		t.Error("message delivered after Leave")
	}

	left := g.LeaveAll(a)
	sort.Strings(left)
	if diff := cmp.Diff([]string{"docs:1", "docs:2"}, left); diff != "" {
		t.Error("LeaveAll mismatch (-want +got):", diff)
	}
	if g.Len() != 0 {
		t.Error("empty groups were not pruned")
	}
	if len(g.Members("docs:1")) != 0 {
		t.Error("members left")
	}
	// Publishing to an empty group is fine.
	g.Publish(context.Background(), "docs:9", "docs:ping", nil)
}

// chanBackend is an in-process backend shared by several Groups.
type chanBackend struct {
	lock sync.Mutex
	subs []chan *Message
}

func (b *chanBackend) Publish(ctx context.Context, msg *Message) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, ch := range b.subs {
		ch <- msg
	}
	return nil
}

func (b *chanBackend) Subscribe(ctx context.Context, deliver func(msg *Message)) error {
	ch := make(chan *Message, 16)
	b.lock.Lock()
	b.subs = append(b.subs, ch)
	b.lock.Unlock()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			deliver(msg)
		}
	}
}

func (b *chanBackend) Close() error { return nil }

func (b *chanBackend) subscribers() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subs)
}

func TestBackendFanout(t *testing.T) {
	backend := &chanBackend{}
	g1 := NewGroups(backend, "n1")
	g2 := NewGroups(backend, "n2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g1.Run(ctx)
	go g2.Run(ctx)
	for backend.subscribers() < 2 {
		time.Sleep(time.Millisecond)
	}

	local, remote := newPeer("local"), newPeer("remote")
	g1.Join("users:u1", local)
	g2.Join("users:u1", remote)

	g1.Publish(ctx, "users:u1", "users:note", map[string]any{"n": 1})

	local.wait(t)
	remote.wait(t)

	// Give a possible echo time to arrive.
	time.Sleep(20 * time.Millisecond)
	if local.count() != 1 {
		t.Errorf("local member got %d messages, want exactly 1", local.count())
	}

	remote.lock.Lock()
	defer remote.lock.Unlock()
	if remote.events[0] != "users:note" {
		t.Error("unexpected event", remote.events[0])
	}
	if diff := cmp.Diff(json.RawMessage(`{"n":1}`), remote.data[0]); diff != "" {
		t.Error("remote payload mismatch (-want +got):", diff)
	}
}

func TestNewFromConfig(t *testing.T) {
	if g, err := New(nil, "n"); err != nil || g.backend != nil {
		t.Error("empty config must produce local groups:", err)
	}
	if _, err := New(json.RawMessage(`{"use_backend":"carrier-pigeon"}`), "n"); err == nil {
		t.Error("accepted an unknown backend")
	}
	if _, err := New(json.RawMessage(`{"use_backend":"redis"}`), "n"); err == nil {
		t.Error("accepted redis without config")
	}
	if _, err := New(json.RawMessage(`{"use_backend":"redis","redis":{"url":"not a url"}}`), "n"); err == nil {
		t.Error("accepted an invalid redis url")
	}
	g, err := New(json.RawMessage(`{"use_backend":"redis","redis":{"addr":"localhost:1"}}`), "n")
	if err != nil {
		t.Fatal(err)
	}
	rb := g.backend.(*redisBackend)
	if rb.channel != defaultRedisChannel {
		t.Error("default channel not set:", rb.channel)
	}
	g.Close()
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("LIVESYNC_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVESYNC_REDIS_ADDR not set")
	}
	conf := json.RawMessage(`{"addr":"` + addr + `","channel":"livesync:test"}`)

	b1, err := NewRedisBackend(conf)
	if err != nil {
		t.Fatal(err)
	}
	b2, _ := NewRedisBackend(conf)
	g1, g2 := NewGroups(b1, "n1"), NewGroups(b2, "n2")
	defer g1.Close()
	defer g2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g2.Run(ctx)
	// Redis drops messages published before the subscription is active.
	time.Sleep(200 * time.Millisecond)

	remote := newPeer("remote")
	g2.Join("docs:1", remote)
	g1.Publish(ctx, "docs:1", "docs:note", "hi")
	remote.wait(t)
}
