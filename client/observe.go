package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tinode/livesync/server/store/types"
)

type subscribeRequest struct {
	EntryId       string             `json:"entryId"`
	RequiredLevel *types.AccessLevel `json:"requiredLevel,omitempty"`
}

func updateEvent(service, id string) string {
	return service + ":update:" + id
}

func subscriptionKey(service, id string) string {
	return service + ":" + id
}

// Subscribe asks the server for updates of the entry and returns its current state. Most
// callers want Observe instead.
func (c *Conn) Subscribe(ctx context.Context, service, id string, level *types.AccessLevel) (types.Entity, error) {
	var ent types.Entity
	err := c.Call(ctx, service+":subscribe", &subscribeRequest{EntryId: id, RequiredLevel: level}, &ent)
	return ent, err
}

// Unsubscribe stops updates of the entry. The server always accepts it, so no
// acknowledgement is requested.
func (c *Conn) Unsubscribe(service, id string) error {
	return c.Send(service+":unsubscribe", &subscribeRequest{EntryId: id})
}

// Observe calls fn with the state of the entity now and after every change until release is
// called. Observers of the same entity share one subscription. fn receives nil when the
// entity is deleted.
func (c *Conn) Observe(ctx context.Context, service, id string, fn func(types.Entity)) (release func(), err error) {
	key := subscriptionKey(service, id)
	unwatch := c.cache.Watch(service, id, fn)

	if c.registry.Acquire(key) {
		off := c.On(updateEvent(service, id), func(data json.RawMessage) {
			var update types.Entity
			if json.Unmarshal(data, &update) == nil {
				c.cache.Apply(service, id, update)
			}
		})

		snapshot, err := c.Subscribe(ctx, service, id, nil)
		if err != nil {
			off()
			c.registry.Release(key)
			unwatch()
			return nil, err
		}
		c.registry.SetCleanup(key, func() {
			off()
			c.cache.Forget(service, id)
			c.Unsubscribe(service, id)
		})
		c.cache.Seed(service, id, snapshot)
	} else if ent, ok := c.cache.Get(service, id); ok {
		fn(ent)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unwatch()
			c.registry.Release(key)
		})
	}, nil
}
