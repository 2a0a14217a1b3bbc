package main

/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol structures
 *
 *****************************************************************************/

import (
	"encoding/json"
	"time"

	"github.com/tinode/livesync/server/entity"
	"github.com/tinode/livesync/server/store/types"
)

// ClientComMessage is a request from the client: {"id":"123","event":"docs:update","data":{...}}.
// Requests without an id are not acknowledged.
type ClientComMessage struct {
	// Message ID for matching the acknowledgement.
	Id string `json:"id,omitempty"`
	// Name of the event, "service:method".
	Event string `json:"event"`
	// Event payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Internal fields.

	// Timestamp when the message was received by the server.
	timestamp time.Time
}

// ServerComMessage is either an acknowledgement of a client request or an unsolicited push.
type ServerComMessage struct {
	// ID of the acknowledged request.
	Id string `json:"id,omitempty"`
	// Response envelope. Set only for acknowledgements.
	Ack *entity.Response `json:"ack,omitempty"`
	// Name of the pushed event.
	Event string `json:"event,omitempty"`
	// Pushed payload.
	Data any `json:"data,omitempty"`
}

// MsgAuthInfo is the payload of the auth:info push sent to every new session.
type MsgAuthInfo struct {
	UserId        string              `json:"userId,omitempty"`
	ServiceAccess types.ServiceAccess `json:"serviceAccess,omitempty"`
}

// MsgServerShutdown is the payload of the server:shutdown push.
type MsgServerShutdown struct {
	Reason string `json:"reason"`
}

// Names of server pushes which don't belong to any service.
const (
	eventAuthInfo       = "auth:info"
	eventServerShutdown = "server:shutdown"
)

// Ack wraps the response to the request with the given id.
func Ack(id string, resp *entity.Response) *ServerComMessage {
	return &ServerComMessage{Id: id, Ack: resp}
}

// Push creates an unsolicited message.
func Push(event string, data any) *ServerComMessage {
	return &ServerComMessage{Event: event, Data: data}
}

// ErrMalformed reports a request which cannot be parsed.
func ErrMalformed(id string) *ServerComMessage {
	return Ack(id, entity.ErrMalformedResp())
}

// NoErrShutdown tells the client that the server is going away.
func NoErrShutdown() *ServerComMessage {
	return Push(eventServerShutdown, &MsgServerShutdown{Reason: "server shutdown"})
}
