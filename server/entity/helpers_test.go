package entity

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/tinode/livesync/server/db/memory"
	"github.com/tinode/livesync/server/store"
	"github.com/tinode/livesync/server/store/types"
)

type pushed struct {
	event string
	data  any
}

type testPeer struct {
	sid    string
	uid    string
	access types.ServiceAccess

	lock   sync.Mutex
	pushes []pushed
}

func newPeer(uid string, access types.ServiceAccess) *testPeer {
	peerSeq++
	return &testPeer{sid: "s" + strconv.Itoa(peerSeq), uid: uid, access: access}
}

var peerSeq int

func (p *testPeer) SessionId() string                  { return p.sid }
func (p *testPeer) UserId() string                     { return p.uid }
func (p *testPeer) ServiceAccess() types.ServiceAccess { return p.access }

func (p *testPeer) Push(event string, data any) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.pushes = append(p.pushes, pushed{event: event, data: data})
	return true
}

func (p *testPeer) received() []pushed {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]pushed(nil), p.pushes...)
}

func (p *testPeer) last(t *testing.T) pushed {
	t.Helper()
	all := p.received()
	if len(all) == 0 {
		t.Fatal("peer", p.uid, "received nothing")
	}
	return all[len(all)-1]
}

type groupCall struct {
	op    string
	group string
	peer  Peer
}

type testGroups struct {
	lock  sync.Mutex
	calls []groupCall
}

func (g *testGroups) Join(group string, p Peer) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.calls = append(g.calls, groupCall{"join", group, p})
}

func (g *testGroups) Leave(group string, p Peer) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.calls = append(g.calls, groupCall{"leave", group, p})
}

func (g *testGroups) Publish(ctx context.Context, group, event string, data any) {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.calls = append(g.calls, groupCall{"publish:" + event, group, nil})
}

type testObserver struct {
	lock   sync.Mutex
	subs   map[string]int
	pushes map[string]int
}

func newObserver() *testObserver {
	return &testObserver{subs: map[string]int{}, pushes: map[string]int{}}
}

func (o *testObserver) SubscriptionsChanged(service string, delta int) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.subs[service] += delta
}

func (o *testObserver) Pushed(service string, count int) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.pushes[service] += count
}

// newMemCollection returns an empty in-memory collection.
func newMemCollection(t *testing.T, name string) store.Collection {
	t.Helper()
	adp := memory.New()
	if err := adp.Open(nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { adp.Close() })
	return adp.Collection(name)
}

func seqIds() func() string {
	var lock sync.Mutex
	n := 0
	return func() string {
		lock.Lock()
		defer lock.Unlock()
		n++
		return "gen" + strconv.Itoa(n)
	}
}

func mustService(t *testing.T, conf Config) *Service {
	t.Helper()
	if conf.NewId == nil {
		conf.NewId = seqIds()
	}
	svc, err := NewService(conf)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}
