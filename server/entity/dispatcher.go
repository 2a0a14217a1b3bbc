package entity

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store/types"
)

type routeKind int

const (
	routeMethod routeKind = iota
	routeSubscribe
	routeUnsubscribe
)

type route struct {
	kind   routeKind
	svc    *Service
	method *Method
}

// Dispatcher routes "service:method" events to services.
type Dispatcher struct {
	lock     sync.RWMutex
	routes   map[string]route
	services map[string]*Service
	// Registration order.
	names []string
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		routes:   make(map[string]route),
		services: make(map[string]*Service),
	}
}

// Register binds the service's methods and the generic subscribe/unsubscribe events.
// The method set of the service is finalized.
func (d *Dispatcher) Register(svc *Service) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if _, ok := d.services[svc.name]; ok {
		return errors.New("entity: service '" + svc.name + "' is already registered")
	}

	methods := svc.Finalize()
	d.services[svc.name] = svc
	d.names = append(d.names, svc.name)
	for _, m := range methods {
		d.routes[svc.name+":"+m.Name] = route{kind: routeMethod, svc: svc, method: m}
	}
	d.routes[svc.name+":subscribe"] = route{kind: routeSubscribe, svc: svc}
	d.routes[svc.name+":unsubscribe"] = route{kind: routeUnsubscribe, svc: svc}

	logs.Info.Printf("entity: registered service '%s' with %d methods", svc.name, len(methods))
	return nil
}

// Service returns the registered service by name or nil.
func (d *Dispatcher) Service(name string) *Service {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.services[name]
}

// Services returns registered services in registration order.
func (d *Dispatcher) Services() []*Service {
	d.lock.RLock()
	defer d.lock.RUnlock()

	out := make([]*Service, 0, len(d.names))
	for _, name := range d.names {
		out = append(out, d.services[name])
	}
	return out
}

// Events lists all routable event names, sorted.
func (d *Dispatcher) Events() []string {
	d.lock.RLock()
	defer d.lock.RUnlock()

	out := make([]string, 0, len(d.routes))
	for ev := range d.routes {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}

// Disconnect drops all subscriptions of the peer in all services.
func (d *Dispatcher) Disconnect(peer Peer) {
	for _, svc := range d.Services() {
		svc.UnsubscribeAll(peer)
	}
}

// Dispatch handles one request from the peer. The result is always a response, never a panic.
func (d *Dispatcher) Dispatch(ctx context.Context, peer Peer, event string, payload json.RawMessage) *Response {
	d.lock.RLock()
	r, ok := d.routes[event]
	d.lock.RUnlock()

	if !ok {
		return ErrUnknownMethodResp()
	}

	switch r.kind {
	case routeSubscribe:
		return d.subscribe(ctx, r.svc, peer, payload)
	case routeUnsubscribe:
		return d.unsubscribe(r.svc, peer, payload)
	}
	return d.invoke(ctx, r.svc, r.method, peer, payload)
}

func (d *Dispatcher) invoke(ctx context.Context, svc *Service, m *Method, peer Peer, payload json.RawMessage) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			logs.Err.Printf("entity: panic in %s:%s: %v\n%s", svc.name, m.Name, r, debug.Stack())
			resp = ErrUnknownResp()
		}
	}()

	if m.Required != types.AccessPublic && (peer == nil || peer.UserId() == "") {
		return ErrAuthRequiredResp()
	}

	if err := m.Validate(payload); err != nil {
		return ErrorResponse(err)
	}

	entryId := m.EntryId(payload)
	if err := svc.EnsureAccessForMethod(ctx, m.Required, peer, entryId); err != nil {
		return ErrorResponse(err)
	}

	result, err := m.Handler(ctx, &Call{Service: svc, Peer: peer, EntryId: entryId, Payload: payload})
	if err != nil {
		resp = ErrorResponse(err)
		if resp.Code >= 500 {
			logs.Warn.Printf("entity: %s:%s failed: %v", svc.name, m.Name, err)
		}
		return resp
	}
	return NoErr(result)
}

// SubscribeRequest is the payload of the "service:subscribe" event.
type SubscribeRequest struct {
	EntryId       string             `json:"entryId"`
	RequiredLevel *types.AccessLevel `json:"requiredLevel,omitempty"`
}

// UnsubscribeRequest is the payload of the "service:unsubscribe" event.
type UnsubscribeRequest struct {
	EntryId string `json:"entryId"`
}

func (d *Dispatcher) subscribe(ctx context.Context, svc *Service, peer Peer, payload json.RawMessage) *Response {
	if peer == nil || peer.UserId() == "" {
		return ErrAuthRequiredResp()
	}

	var req SubscribeRequest
	if len(payload) == 0 || json.Unmarshal(payload, &req) != nil || req.EntryId == "" {
		return ErrMalformedResp()
	}
	required := types.AccessRead
	if req.RequiredLevel != nil {
		required = *req.RequiredLevel
	}

	ent := svc.Subscribe(ctx, req.EntryId, peer, required)
	if ent == nil {
		return ErrSubscriptionDeniedResp()
	}
	return NoErr(ent)
}

func (d *Dispatcher) unsubscribe(svc *Service, peer Peer, payload json.RawMessage) *Response {
	var req UnsubscribeRequest
	if peer != nil && len(payload) > 0 && json.Unmarshal(payload, &req) == nil && req.EntryId != "" {
		svc.Unsubscribe(req.EntryId, peer)
	}
	return NoErr(nil)
}
