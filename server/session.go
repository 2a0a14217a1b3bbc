/******************************************************************************
 *
 *  Description :
 *
 *  Handling of client sessions/connections. One user may have multiple sessions.
 *  Each session may be subscribed to multiple entries of multiple services.
 *
 *****************************************************************************/

package main

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store/types"
)

// Session represents a single websocket connection. A user may have multiple sessions.
// *Session implements entity.Peer.
type Session struct {
	// Websocket.
	ws *websocket.Conn

	// IP address of the client.
	remoteAddr string

	// ID of the authenticated user or an empty string.
	uid string

	// Per-service grants established at connect time. Never changed afterwards.
	access types.ServiceAccess

	// Time when the session received any packet from the client.
	lastAction time.Time

	// Outbound messages, buffered. The content is serialized.
	send chan any

	// Channel for shutting down the session, buffer 1.
	// Content in the same format as for 'send'
	stop chan any

	// Session ID
	sid string

	cleanupOnce sync.Once
}

// SessionId returns the unique id of the session.
func (s *Session) SessionId() string {
	return s.sid
}

// UserId returns the id of the authenticated user or an empty string.
func (s *Session) UserId() string {
	return s.uid
}

// ServiceAccess returns the per-service grants of the session.
func (s *Session) ServiceAccess() types.ServiceAccess {
	return s.access
}

// Push sends an unsolicited message to the client.
func (s *Session) Push(event string, data any) bool {
	return s.queueOut(Push(event, data))
}

// queueOut attempts to send a ServerComMessage to a session; if the send buffer is full, timeout is 50 usec
func (s *Session) queueOut(msg *ServerComMessage) bool {
	if s == nil {
		return true
	}

	data := s.serialize(msg)
	if data == nil {
		return false
	}

	select {
	case s.send <- data:
	case <-time.After(time.Microsecond * 50):
		logs.Warn.Println("s.queueOut: timeout", s.sid)
		return false
	}
	return true
}

// cleanUp detaches the session from everything it's attached to. Safe to call more than once.
func (s *Session) cleanUp() {
	s.cleanupOnce.Do(func() {
		count := globals.sessionStore.Delete(s)
		globals.hub.sessionGone(s)
		logs.Info.Println("s.cleanUp: session gone", s.sid, s.uid, count)
	})
}

// Message received, convert bytes to ClientComMessage and dispatch
func (s *Session) dispatchRaw(raw []byte) {
	var msg ClientComMessage

	toLog := raw
	truncated := ""
	if len(raw) > 512 {
		toLog = raw[:512]
		truncated = "<...>"
	}
	logs.Info.Printf("in: '%s%s' sid='%s' uid='%s'", toLog, truncated, s.sid, s.uid)

	if err := json.Unmarshal(raw, &msg); err != nil {
		// Malformed message
		logs.Warn.Println("s.dispatch", err, s.sid)
		s.queueOut(ErrMalformed(""))
		return
	}

	s.dispatch(&msg)
}

func (s *Session) dispatch(msg *ClientComMessage) {
	s.lastAction = time.Now().UTC().Round(time.Millisecond)
	msg.timestamp = s.lastAction

	if msg.Event == "" {
		s.queueOut(ErrMalformed(msg.Id))
		logs.Warn.Println("s.dispatch: missing event", s.sid)
		return
	}

	resp := globals.hub.dispatch(s, msg)
	if msg.Id != "" {
		s.queueOut(Ack(msg.Id, resp))
	}
}

func (s *Session) serialize(msg *ServerComMessage) []byte {
	out, err := json.Marshal(msg)
	if err != nil {
		logs.Err.Println("s.serialize: failed to serialize", msg.Event, err, s.sid)
		return nil
	}
	statsObserveOutgoing(len(out))
	return out
}
