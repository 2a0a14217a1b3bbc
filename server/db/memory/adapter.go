// Package memory is an in-process database adapter. Data is lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	adapter "github.com/tinode/livesync/server/db"
	"github.com/tinode/livesync/server/db/common"
	"github.com/tinode/livesync/server/store"
	t "github.com/tinode/livesync/server/store/types"
)

const (
	adapterName = "memory"

	defaultMaxResults = 1024
)

type configType struct {
	// Collections to create at open time.
	Collections []string `json:"collections,omitempty"`
}

// adapter holds all collections in memory.
type memAdapter struct {
	lock sync.RWMutex
	open bool
	// Maximum number of records to return
	maxResults int
	colls      map[string]*collection
}

type collection struct {
	adp  *memAdapter
	name string
	// Insertion order is kept for stable results without OrderBy.
	order []string
	docs  map[string]t.Entity
}

// Open initializes the adapter. Config is optional.
func (a *memAdapter) Open(jsonconfig json.RawMessage) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.open {
		return errors.New("memory adapter is already open")
	}

	var config configType
	if len(jsonconfig) > 1 {
		if err := json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("memory adapter failed to parse config: " + err.Error())
		}
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}
	a.colls = make(map[string]*collection)
	for _, name := range config.Collections {
		a.colls[name] = a.newCollection(name)
	}
	a.open = true
	return nil
}

// Close drops all data.
func (a *memAdapter) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.open = false
	a.colls = nil
	return nil
}

// IsOpen returns true if the adapter has been opened.
func (a *memAdapter) IsOpen() bool {
	a.lock.RLock()
	defer a.lock.RUnlock()

	return a.open
}

// GetName returns string that adapter uses to register itself with store.
func (a *memAdapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *memAdapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// CreateDb creates the named collections, optionally dropping all data first.
func (a *memAdapter) CreateDb(collections []string, reset bool) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if !a.open {
		return t.ErrNotOpen
	}
	if reset {
		a.colls = make(map[string]*collection)
	}
	for _, name := range collections {
		if _, ok := a.colls[name]; !ok {
			a.colls[name] = a.newCollection(name)
		}
	}
	return nil
}

// Stats returns the number of records per collection.
func (a *memAdapter) Stats() any {
	a.lock.RLock()
	defer a.lock.RUnlock()

	stats := make(map[string]int, len(a.colls))
	for name, c := range a.colls {
		stats[name] = len(c.docs)
	}
	return stats
}

// Collection returns a delegate for the named collection. Collections are created on first use.
func (a *memAdapter) Collection(name string) adapter.Collection {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.colls == nil {
		a.colls = make(map[string]*collection)
	}
	c, ok := a.colls[name]
	if !ok {
		c = a.newCollection(name)
		a.colls[name] = c
	}
	return c
}

func (a *memAdapter) newCollection(name string) *collection {
	return &collection{adp: a, name: name, docs: make(map[string]t.Entity)}
}

// Finds the only record matching the filter. Must be called under lock.
func (c *collection) findOne(where map[string]any) (t.Entity, error) {
	if id, ok := common.IdFromWhere(where); ok {
		if doc, ok := c.docs[id]; ok && doc.Matches(where) {
			return doc, nil
		}
		return nil, t.ErrNotFound
	}
	for _, id := range c.order {
		if doc := c.docs[id]; doc.Matches(where) {
			return doc, nil
		}
	}
	return nil, t.ErrNotFound
}

func (c *collection) all() []t.Entity {
	out := make([]t.Entity, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.docs[id])
	}
	return out
}

// FindUnique returns a copy of the first record matching the filter.
func (c *collection) FindUnique(ctx context.Context, where map[string]any, sel []string) (t.Entity, error) {
	c.adp.lock.RLock()
	defer c.adp.lock.RUnlock()

	doc, err := c.findOne(where)
	if err != nil {
		return nil, err
	}
	return doc.Select(sel), nil
}

// FindMany returns copies of records matching the query.
func (c *collection) FindMany(ctx context.Context, query *t.Query) ([]t.Entity, error) {
	c.adp.lock.RLock()
	defer c.adp.lock.RUnlock()

	q := common.CapQuery(query, c.adp.maxResults)
	found := t.ApplyQuery(c.all(), q)
	out := make([]t.Entity, len(found))
	for i, doc := range found {
		out[i] = doc.Clone()
	}
	return out, nil
}

// Create inserts a copy of the record.
func (c *collection) Create(ctx context.Context, data t.Entity) (t.Entity, error) {
	id := data.Id()
	if id == "" {
		return nil, t.ErrMalformed
	}

	c.adp.lock.Lock()
	defer c.adp.lock.Unlock()

	if _, ok := c.docs[id]; ok {
		return nil, t.ErrDuplicate
	}
	doc := data.Clone()
	c.docs[id] = doc
	c.order = append(c.order, id)
	return doc.Clone(), nil
}

// Update shallow-merges the patch into the matching record. The id cannot be changed.
func (c *collection) Update(ctx context.Context, where map[string]any, data map[string]any) (t.Entity, error) {
	c.adp.lock.Lock()
	defer c.adp.lock.Unlock()

	doc, err := c.findOne(where)
	if err != nil {
		return nil, err
	}
	id := doc.Id()
	updated := doc.Merge(data)
	updated[t.IdField] = id
	c.docs[id] = updated
	return updated.Clone(), nil
}

// Delete removes the matching record.
func (c *collection) Delete(ctx context.Context, where map[string]any) error {
	c.adp.lock.Lock()
	defer c.adp.lock.Unlock()

	doc, err := c.findOne(where)
	if err != nil {
		return err
	}
	id := doc.Id()
	delete(c.docs, id)
	for i, x := range c.order {
		if x == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Count returns the number of matching records.
func (c *collection) Count(ctx context.Context, where map[string]any) (int, error) {
	c.adp.lock.RLock()
	defer c.adp.lock.RUnlock()

	count := 0
	for _, doc := range c.docs {
		if doc.Matches(where) {
			count++
		}
	}
	return count, nil
}

// New returns an unregistered adapter instance. Useful for tests.
func New() adapter.Adapter {
	return &memAdapter{}
}

func init() {
	store.RegisterAdapter(&memAdapter{})
}
