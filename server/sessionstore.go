/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live sessions
 *
 *****************************************************************************/

package main

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tinode/livesync/server/auth"
	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store"
)

// Size of the outbound queue of a session.
const sendQueueSize = 256

// SessionStore holds live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	// All sessions indexed by session ID
	sessCache map[string]*Session
}

// NewSession creates a new session for the authenticated identity and saves it to the store.
func (ss *SessionStore) NewSession(conn *websocket.Conn, ident *auth.Identity) (*Session, int) {
	s := &Session{
		ws:   conn,
		send: make(chan any, sendQueueSize), // buffered
		stop: make(chan any, 1),             // Buffered by 1 just to make it non-blocking
		sid:  store.Store.GetUidString(),
	}
	if ident != nil {
		s.uid = ident.UserId
		s.access = ident.ServiceAccess
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsSessionsLive(count)

	return s, count
}

// Get fetches a session from store by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes session from store.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	delete(ss.sessCache, s.sid)
	count := len(ss.sessCache)
	ss.lock.Unlock()

	statsSessionsLive(count)
	return count
}

// Len returns the number of live sessions.
func (ss *SessionStore) Len() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return len(ss.sessCache)
}

// Shutdown terminates all sessions. No need to clean up.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	for _, s := range ss.sessCache {
		select {
		case s.stop <- s.serialize(NoErrShutdown()):
		default:
		}
	}

	logs.Info.Printf("SessionStore shut down, sessions terminated: %d", len(ss.sessCache))
}

// NewSessionStore initializes a session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessCache: make(map[string]*Session),
	}
}
