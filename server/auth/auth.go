// Package auth defines the interface of connection authenticators and keeps a registry of them.
package auth

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tinode/livesync/server/store/types"
)

// AuthErr is a structure for reporting an error condition.
type AuthErr string

func (e AuthErr) Error() string {
	return string(e)
}

const (
	// ErrInternal means DB or other internal failure
	ErrInternal = AuthErr("internal")
	// ErrMalformed means the secret cannot be parsed or otherwise wrong
	ErrMalformed = AuthErr("malformed")
	// ErrFailed means authentication failed (wrong signature, revoked key, etc)
	ErrFailed = AuthErr("failed")
	// ErrUnsupported means an operation is not supported
	ErrUnsupported = AuthErr("unsupported")
	// ErrExpired means the secret has expired
	ErrExpired = AuthErr("expired")
)

// Identity is the result of a successful authentication.
type Identity struct {
	UserId string
	// ServiceAccess carried by the secret itself. Nil if the secret carries none and the
	// grants must be looked up elsewhere.
	ServiceAccess types.ServiceAccess
	// Expires is the time when the secret expires, zero if never.
	Expires time.Time
}

// Authenticator is the interface which auth providers must implement.
type Authenticator interface {
	// Init initializes the handler.
	Init(jsonconf json.RawMessage, name string) error

	// Authenticate checks the user-provided secret and returns the identity behind it.
	Authenticate(secret []byte) (*Identity, error)

	// GenSecret issues a new secret for the identity. Zero lifetime means the default.
	GenSecret(id *Identity, lifetime time.Duration) ([]byte, time.Time, error)
}

var (
	lock     sync.RWMutex
	registry = make(map[string]Authenticator)
)

// Register makes an authenticator available by name. Panics if the name is taken or the
// authenticator is nil.
func Register(name string, a Authenticator) {
	lock.Lock()
	defer lock.Unlock()

	if a == nil {
		panic("auth: Register authenticator is nil")
	}
	if _, dup := registry[name]; dup {
		panic("auth: Register called twice for authenticator " + name)
	}
	registry[name] = a
}

// Get returns the named authenticator or nil.
func Get(name string) Authenticator {
	lock.RLock()
	defer lock.RUnlock()

	return registry[name]
}

// Names returns names of registered authenticators, sorted.
func Names() []string {
	lock.RLock()
	defer lock.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
