package client

import "sync"

type regEntry struct {
	count   int
	cleanup func()
}

// Registry counts observers of subscriptions so that many observers of the same entry share
// one subscription. A registry belongs to a single connection.
type Registry struct {
	lock    sync.Mutex
	entries map[string]*regEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*regEntry)}
}

// Acquire adds an observer of the key. Returns true if the key was not observed before: the
// caller must then subscribe and attach the cleanup with SetCleanup.
func (r *Registry) Acquire(key string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if e, ok := r.entries[key]; ok {
		e.count++
		return false
	}
	r.entries[key] = &regEntry{count: 1}
	return true
}

// Release removes an observer of the key. When the last one is gone, the cleanup is called
// and true is returned.
func (r *Registry) Release(key string) bool {
	r.lock.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.lock.Unlock()
		return false
	}
	e.count--
	if e.count > 0 {
		r.lock.Unlock()
		return false
	}
	delete(r.entries, key)
	r.lock.Unlock()

	if e.cleanup != nil {
		e.cleanup()
	}
	return true
}

// SetCleanup attaches the function which tears the subscription down. Returns false if the
// key is not observed.
func (r *Registry) SetCleanup(key string, fn func()) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.cleanup = fn
	return true
}

// Count returns the number of observers of the key.
func (r *Registry) Count(key string) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	if e, ok := r.entries[key]; ok {
		return e.count
	}
	return 0
}

// Len returns the number of observed keys.
func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.entries)
}

// Clear drops every entry calling its cleanup.
func (r *Registry) Clear() {
	r.lock.Lock()
	entries := r.entries
	r.entries = make(map[string]*regEntry)
	r.lock.Unlock()

	for _, e := range entries {
		if e.cleanup != nil {
			e.cleanup()
		}
	}
}
