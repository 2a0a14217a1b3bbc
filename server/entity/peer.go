// Package entity implements services which expose entities to remote peers: access checks,
// subscriptions, per-subscriber filtering of pushed state and named operations.
package entity

import (
	"context"

	"github.com/tinode/livesync/server/store/types"
)

// Peer is a remote connection. Implementations must be comparable (usually a pointer)
// because peers are used as keys in subscriber sets.
type Peer interface {
	// SessionId is a unique id of the connection.
	SessionId() string
	// UserId is the authenticated identity of the peer or an empty string.
	UserId() string
	// ServiceAccess is the per-service grant attached to the connection at connect time.
	ServiceAccess() types.ServiceAccess
	// Push sends an unacknowledged message to the peer. Returns false if the message was dropped.
	Push(event string, data any) bool
}

// Groups is a room-style broadcast facility. Group names have the form "service:entryId".
type Groups interface {
	Join(group string, p Peer)
	Leave(group string, p Peer)
	Publish(ctx context.Context, group, event string, data any)
}

// Observer receives notifications about subscription changes and pushes. Used for metrics.
type Observer interface {
	SubscriptionsChanged(service string, delta int)
	Pushed(service string, count int)
}

// GroupName returns the name of the broadcast group for the entry.
func GroupName(service, entryId string) string {
	return service + ":" + entryId
}

// UpdateEvent returns the name of the push carrying entry updates.
func UpdateEvent(service, entryId string) string {
	return service + ":update:" + entryId
}

// UnsubscribedEvent returns the name of the push notifying about forced unsubscription.
func UnsubscribedEvent(service, entryId string) string {
	return service + ":unsubscribed:" + entryId
}

type nopGroups struct{}

func (nopGroups) Join(string, Peer)                            {}
func (nopGroups) Leave(string, Peer)                           {}
func (nopGroups) Publish(context.Context, string, string, any) {}

type nopObserver struct{}

func (nopObserver) SubscriptionsChanged(string, int) {}
func (nopObserver) Pushed(string, int)               {}
