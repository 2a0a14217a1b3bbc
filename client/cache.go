package client

import (
	"sync"

	"github.com/tinode/livesync/server/store/types"
)

type cacheKey struct {
	service string
	id      string
}

// Cache keeps the last known state of observed entities and notifies watchers of changes.
type Cache struct {
	lock     sync.Mutex
	values   map[cacheKey]types.Entity
	watchers map[cacheKey]map[int64]func(types.Entity)
	seq      int64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		values:   make(map[cacheKey]types.Entity),
		watchers: make(map[cacheKey]map[int64]func(types.Entity)),
	}
}

// Get returns a copy of the cached entity.
func (c *Cache) Get(service, id string) (types.Entity, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	ent, ok := c.values[cacheKey{service, id}]
	return ent.Clone(), ok
}

// Seed stores the snapshot received on subscription. Fields of pushes which arrived before
// the snapshot take precedence.
func (c *Cache) Seed(service, id string, snapshot types.Entity) {
	key := cacheKey{service, id}

	c.lock.Lock()
	ent := snapshot.Merge(c.values[key])
	c.values[key] = ent
	fns := c.watchersLocked(key)
	c.lock.Unlock()

	notify(fns, ent)
}

// Apply merges the pushed update into the cached entity. A tombstone evicts the entity and
// watchers receive nil.
func (c *Cache) Apply(service, id string, update types.Entity) types.Entity {
	key := cacheKey{service, id}

	c.lock.Lock()
	var ent types.Entity
	if update.IsTombstone() {
		delete(c.values, key)
	} else {
		ent = c.values[key].Merge(update)
		c.values[key] = ent
	}
	fns := c.watchersLocked(key)
	c.lock.Unlock()

	notify(fns, ent)
	return ent.Clone()
}

// Forget drops the cached entity without notifying watchers.
func (c *Cache) Forget(service, id string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.values, cacheKey{service, id})
}

// Watch calls fn on every change of the entity until unwatch is called.
func (c *Cache) Watch(service, id string, fn func(types.Entity)) (unwatch func()) {
	key := cacheKey{service, id}

	c.lock.Lock()
	c.seq++
	seq := c.seq
	ws := c.watchers[key]
	if ws == nil {
		ws = make(map[int64]func(types.Entity))
		c.watchers[key] = ws
	}
	ws[seq] = fn
	c.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.lock.Lock()
			defer c.lock.Unlock()
			if ws := c.watchers[key]; ws != nil {
				delete(ws, seq)
				if len(ws) == 0 {
					delete(c.watchers, key)
				}
			}
		})
	}
}

func (c *Cache) watchersLocked(key cacheKey) []func(types.Entity) {
	fns := make([]func(types.Entity), 0, len(c.watchers[key]))
	for _, fn := range c.watchers[key] {
		fns = append(fns, fn)
	}
	return fns
}

// Every watcher gets its own copy.
func notify(fns []func(types.Entity), ent types.Entity) {
	for _, fn := range fns {
		fn(ent.Clone())
	}
}
