/******************************************************************************
 *
 *  Description :
 *
 *    Main hub: routes client requests to services, keeps broadcast groups,
 *    tears down subscriptions of gone sessions.
 *
 *****************************************************************************/

package main

import (
	"context"
	"errors"
	"time"

	"github.com/tinode/livesync/server/bus"
	"github.com/tinode/livesync/server/entity"
	"github.com/tinode/livesync/server/logs"
)

// Hub is the core structure which holds services.
type Hub struct {
	dispatcher *entity.Dispatcher

	// Broadcast groups "service:entryId", local and remote.
	groups *bus.Groups

	// Stops receiving from the bus backend.
	cancel context.CancelFunc
	// Closed when the bus receiver exits.
	done chan struct{}
}

func newHub(groups *bus.Groups) *Hub {
	if groups == nil {
		groups = bus.NewGroups(nil, "")
	}
	return &Hub{
		dispatcher: entity.NewDispatcher(),
		groups:     groups,
	}
}

// register makes the service routable. The service must not be modified afterwards.
func (h *Hub) register(svc *entity.Service) error {
	return h.dispatcher.Register(svc)
}

// service returns a registered service or nil.
func (h *Hub) service(name string) *entity.Service {
	return h.dispatcher.Service(name)
}

// dispatch handles one client request. Requests are processed to completion: there is no
// cancellation even if the client gives up waiting.
func (h *Hub) dispatch(sess *Session, msg *ClientComMessage) *entity.Response {
	start := time.Now()
	resp := h.dispatcher.Dispatch(context.Background(), sess, msg.Event, msg.Data)
	statsRequest(msg.Event, resp, time.Since(start))
	if !resp.Success && resp.Code != 404 {
		logs.Warn.Println("hub: request failed", msg.Event, resp.Code, resp.Error, sess.sid)
	}
	return resp
}

// sessionGone drops all subscriptions and group memberships of the session.
func (h *Hub) sessionGone(sess *Session) {
	h.dispatcher.Disconnect(sess)
	if left := h.groups.LeaveAll(sess); len(left) > 0 {
		logs.Info.Println("hub: session left groups", sess.sid, len(left))
	}
}

// run starts receiving group messages from other nodes.
func (h *Hub) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		if err := h.groups.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logs.Err.Println("hub: bus receiver stopped", err)
		}
	}()
}

// shutdown stops the bus receiver and closes the bus.
func (h *Hub) shutdown() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	if err := h.groups.Close(); err != nil {
		logs.Warn.Println("hub: failed to close bus", err)
	}
	logs.Info.Println("Hub shutdown completed")
}
