// Package bus implements named broadcast groups of peers. Messages published to a group are
// delivered to local members and, if a backend is configured, to members on other nodes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/tinode/livesync/server/entity"
	"github.com/tinode/livesync/server/logs"
)

// Message is a group message as sent between nodes.
type Message struct {
	// Node which published the message.
	Node  string          `json:"node"`
	Group string          `json:"group"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Backend carries group messages between nodes.
type Backend interface {
	// Publish sends the message to all nodes including the sender.
	Publish(ctx context.Context, msg *Message) error
	// Subscribe calls deliver for every message received until the context is cancelled.
	Subscribe(ctx context.Context, deliver func(msg *Message)) error
	// Close releases backend resources.
	Close() error
}

// Groups is a set of broadcast groups. Safe for concurrent use.
type Groups struct {
	lock    sync.RWMutex
	groups  map[string]map[entity.Peer]struct{}
	backend Backend
	node    string
}

// NewGroups creates groups. The backend is optional; node identifies this process among the
// nodes sharing the backend.
func NewGroups(backend Backend, node string) *Groups {
	return &Groups{
		groups:  make(map[string]map[entity.Peer]struct{}),
		backend: backend,
		node:    node,
	}
}

type configType struct {
	// Name of the backend to use: "" or "redis".
	UseBackend string          `json:"use_backend"`
	Redis      json.RawMessage `json:"redis"`
}

// New creates groups from the JSON config.
func New(jsonconf json.RawMessage, node string) (*Groups, error) {
	var config configType
	if len(jsonconf) > 0 {
		if err := json.Unmarshal(jsonconf, &config); err != nil {
			return nil, errors.New("bus: failed to parse config: " + err.Error())
		}
	}

	var backend Backend
	switch config.UseBackend {
	case "", "none":
	case "redis":
		var err error
		if backend, err = NewRedisBackend(config.Redis); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("bus: unknown backend '" + config.UseBackend + "'")
	}
	return NewGroups(backend, node), nil
}

// Join adds the peer to the group.
func (g *Groups) Join(group string, p entity.Peer) {
	g.lock.Lock()
	defer g.lock.Unlock()

	members, ok := g.groups[group]
	if !ok {
		members = make(map[entity.Peer]struct{})
		g.groups[group] = members
	}
	members[p] = struct{}{}
}

// Leave removes the peer from the group.
func (g *Groups) Leave(group string, p entity.Peer) {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.leaveLocked(group, p)
}

func (g *Groups) leaveLocked(group string, p entity.Peer) bool {
	members, ok := g.groups[group]
	if !ok {
		return false
	}
	if _, ok := members[p]; !ok {
		return false
	}
	delete(members, p)
	if len(members) == 0 {
		delete(g.groups, group)
	}
	return true
}

// LeaveAll removes the peer from every group and returns the names of the groups it left.
func (g *Groups) LeaveAll(p entity.Peer) []string {
	g.lock.Lock()
	defer g.lock.Unlock()

	var left []string
	for group := range g.groups {
		if g.leaveLocked(group, p) {
			left = append(left, group)
		}
	}
	return left
}

// Members returns a snapshot of local members of the group.
func (g *Groups) Members(group string) []entity.Peer {
	g.lock.RLock()
	defer g.lock.RUnlock()

	members := g.groups[group]
	out := make([]entity.Peer, 0, len(members))
	for p := range members {
		out = append(out, p)
	}
	return out
}

// Len returns the number of non-empty local groups.
func (g *Groups) Len() int {
	g.lock.RLock()
	defer g.lock.RUnlock()

	return len(g.groups)
}

// Publish delivers the event to local members of the group and forwards it to other nodes.
func (g *Groups) Publish(ctx context.Context, group, event string, data any) {
	g.deliver(group, event, data)

	if g.backend == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		logs.Warn.Println("bus: failed to serialize", event, err)
		return
	}
	if err := g.backend.Publish(ctx, &Message{Node: g.node, Group: group, Event: event, Data: raw}); err != nil {
		logs.Warn.Println("bus: publish failed", group, event, err)
	}
}

func (g *Groups) deliver(group, event string, data any) int {
	members := g.Members(group)
	for _, p := range members {
		p.Push(event, data)
	}
	return len(members)
}

// Run receives messages published by other nodes and delivers them locally. Blocks until the
// context is cancelled. Returns immediately if there is no backend.
func (g *Groups) Run(ctx context.Context) error {
	if g.backend == nil {
		return nil
	}
	return g.backend.Subscribe(ctx, func(msg *Message) {
		if msg.Node == g.node {
			// Already delivered locally.
			return
		}
		g.deliver(msg.Group, msg.Event, msg.Data)
	})
}

// Close shuts down the backend.
func (g *Groups) Close() error {
	if g.backend == nil {
		return nil
	}
	return g.backend.Close()
}
