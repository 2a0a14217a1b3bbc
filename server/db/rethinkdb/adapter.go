//go:build rethinkdb
// +build rethinkdb

// Package rethinkdb is a database adapter for RethinkDB. Each collection of entities is a table
// with "id" as the primary key.
package rethinkdb

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	adapter "github.com/tinode/livesync/server/db"
	"github.com/tinode/livesync/server/db/common"
	"github.com/tinode/livesync/server/store"
	t "github.com/tinode/livesync/server/store/types"
	rdb "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

// adapter holds RethinkDb connection data.
type rethinkAdapter struct {
	conn       *rdb.Session
	dbName     string
	maxResults int
}

type collection struct {
	adp  *rethinkAdapter
	name string
}

const (
	defaultHost     = "localhost:28015"
	defaultDatabase = "livesync"

	adapterName = "rethinkdb"

	defaultMaxResults = 1024
)

// See https://godoc.org/github.com/rethinkdb/rethinkdb-go#ConnectOpts for explanations.
type configType struct {
	Database          string `json:"database,omitempty"`
	Addresses         any    `json:"addresses,omitempty"`
	Username          string `json:"username,omitempty"`
	Password          string `json:"password,omitempty"`
	AuthKey           string `json:"authkey,omitempty"`
	Timeout           int    `json:"timeout,omitempty"`
	WriteTimeout      int    `json:"write_timeout,omitempty"`
	ReadTimeout       int    `json:"read_timeout,omitempty"`
	KeepAlivePeriod   int    `json:"keep_alive_timeout,omitempty"`
	UseJSONNumbers    bool   `json:"use_json_numbers,omitempty"`
	NumRetries        int    `json:"num_retries,omitempty"`
	InitialCap        int    `json:"initial_cap,omitempty"`
	MaxOpen           int    `json:"max_open,omitempty"`
	DiscoverHosts     bool   `json:"discover_hosts,omitempty"`
	HostDecayDuration int    `json:"host_decay_duration,omitempty"`
}

// Open initializes rethinkdb session
func (a *rethinkAdapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter rethinkdb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 1 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter rethinkdb failed to parse config: " + err.Error())
		}
	}

	var opts rdb.ConnectOpts

	if config.Addresses == nil {
		opts.Address = defaultHost
	} else if host, ok := config.Addresses.(string); ok {
		opts.Address = host
	} else if ihosts, ok := config.Addresses.([]any); ok && len(ihosts) > 0 {
		hosts := make([]string, len(ihosts))
		for i, ih := range ihosts {
			h, ok := ih.(string)
			if !ok || h == "" {
				return errors.New("adapter rethinkdb invalid config.Addresses value")
			}
			hosts[i] = h
		}
		opts.Addresses = hosts
	} else {
		return errors.New("adapter rethinkdb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}

	opts.Database = a.dbName
	opts.Username = config.Username
	opts.Password = config.Password
	opts.AuthKey = config.AuthKey
	opts.Timeout = time.Duration(config.Timeout) * time.Second
	opts.WriteTimeout = time.Duration(config.WriteTimeout) * time.Second
	opts.ReadTimeout = time.Duration(config.ReadTimeout) * time.Second
	opts.KeepAlivePeriod = time.Duration(config.KeepAlivePeriod) * time.Second
	opts.UseJSONNumber = config.UseJSONNumbers
	opts.NumRetries = config.NumRetries
	opts.InitialCap = config.InitialCap
	opts.MaxOpen = config.MaxOpen
	opts.DiscoverHosts = config.DiscoverHosts
	opts.HostDecayDuration = time.Duration(config.HostDecayDuration) * time.Second

	a.conn, err = rdb.Connect(opts)
	if err != nil {
		a.conn = nil
		return err
	}

	rdb.SetTags("json")
	return nil
}

// Close closes the underlying database connection
func (a *rethinkAdapter) Close() error {
	var err error
	if a.conn != nil {
		// Close will wait for all outstanding requests to finish
		err = a.conn.Close()
		a.conn = nil
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *rethinkAdapter) IsOpen() bool {
	return a.conn != nil
}

// GetName returns string that adapter uses to register itself with store.
func (a *rethinkAdapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *rethinkAdapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// Stats returns DB connection stats object.
func (a *rethinkAdapter) Stats() any {
	if a.conn == nil {
		return nil
	}

	cursor, err := rdb.DB("rethinkdb").Table("stats").Get([]string{"cluster"}).Field("query_engine").Run(a.conn)
	if err != nil {
		return nil
	}
	defer cursor.Close()

	var stats []any
	if err = cursor.All(&stats); err != nil || len(stats) < 1 {
		return nil
	}
	return stats[0]
}

// CreateDb creates the database and tables optionally dropping an existing database first.
func (a *rethinkAdapter) CreateDb(collections []string, reset bool) error {
	// Drop database if exists, ignore error if it does not.
	if reset {
		rdb.DBDrop(a.dbName).RunWrite(a.conn)
	}

	if _, err := rdb.DBCreate(a.dbName).RunWrite(a.conn); err != nil && !isExists(err) {
		return err
	}

	for _, name := range collections {
		if !common.IsValidName(name) {
			return errors.New("adapter rethinkdb: invalid collection name '" + name + "'")
		}
		if _, err := rdb.DB(a.dbName).TableCreate(name, rdb.TableCreateOpts{PrimaryKey: t.IdField}).RunWrite(a.conn); err != nil && !isExists(err) {
			return err
		}
	}
	return nil
}

// Collection returns a delegate for the named collection.
func (a *rethinkAdapter) Collection(name string) adapter.Collection {
	return &collection{adp: a, name: name}
}

func (c *collection) table() rdb.Term {
	return rdb.DB(c.adp.dbName).Table(c.name)
}

// Selects documents matching the filter using the primary key when possible.
func (c *collection) filter(where map[string]any) rdb.Term {
	if id, ok := common.IdFromWhere(where); ok {
		rest := t.Entity(where).Without(t.IdField)
		q := c.table().GetAll(id)
		if len(rest) > 0 {
			q = q.Filter(map[string]any(rest))
		}
		return q
	}
	if len(where) == 0 {
		return c.table()
	}
	return c.table().Filter(where)
}

func runOpts(ctx context.Context) rdb.RunOpts {
	return rdb.RunOpts{Context: ctx}
}

// FindUnique returns the first record matching the filter.
func (c *collection) FindUnique(ctx context.Context, where map[string]any, sel []string) (t.Entity, error) {
	if err := common.CheckWhere(where); err != nil {
		return nil, err
	}
	q := c.filter(where).Limit(1)
	if len(sel) > 0 {
		q = q.Pluck(toAny(sel)...)
	}
	cursor, err := q.Run(c.adp.conn, runOpts(ctx))
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return nil, t.ErrNotFound
	}
	var doc map[string]any
	if err = cursor.One(&doc); err != nil {
		if err == rdb.ErrEmptyResult {
			return nil, t.ErrNotFound
		}
		return nil, err
	}
	return common.Normalize(doc)
}

// FindMany returns records matching the query.
func (c *collection) FindMany(ctx context.Context, query *t.Query) ([]t.Entity, error) {
	if err := common.CheckQuery(query); err != nil {
		return nil, err
	}
	qu := common.CapQuery(query, c.adp.maxResults)

	q := c.filter(qu.Where)
	if len(qu.OrderBy) > 0 {
		var order []any
		for _, o := range qu.OrderBy {
			if o.Desc {
				order = append(order, rdb.Desc(o.Field))
			} else {
				order = append(order, rdb.Asc(o.Field))
			}
		}
		q = q.OrderBy(order...)
	}
	if qu.Skip > 0 {
		q = q.Skip(qu.Skip)
	}
	q = q.Limit(qu.Take)
	if len(qu.Select) > 0 {
		q = q.Pluck(toAny(qu.Select)...)
	}

	cursor, err := q.Run(c.adp.conn, runOpts(ctx))
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var docs []map[string]any
	if err = cursor.All(&docs); err != nil {
		return nil, err
	}
	out := make([]t.Entity, 0, len(docs))
	for _, doc := range docs {
		ent, err := common.Normalize(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, nil
}

// Create inserts a new record.
func (c *collection) Create(ctx context.Context, data t.Entity) (t.Entity, error) {
	if data.Id() == "" {
		return nil, t.ErrMalformed
	}
	_, err := c.table().Insert(map[string]any(data)).RunWrite(c.adp.conn, runOpts(ctx))
	if err != nil {
		if isDupe(err) {
			return nil, t.ErrDuplicate
		}
		return nil, err
	}
	return data.Clone(), nil
}

// Update shallow-merges the patch into the first matching record.
func (c *collection) Update(ctx context.Context, where map[string]any, data map[string]any) (t.Entity, error) {
	if err := common.CheckWhere(where); err != nil {
		return nil, err
	}
	found, err := c.FindUnique(ctx, where, []string{t.IdField})
	if err != nil {
		return nil, err
	}

	patch := t.Entity(data).Without(t.IdField)
	resp, err := c.table().Get(found.Id()).
		Update(map[string]any(patch), rdb.UpdateOpts{ReturnChanges: true}).
		RunWrite(c.adp.conn, runOpts(ctx))
	if err != nil {
		return nil, err
	}
	if resp.Skipped > 0 {
		return nil, t.ErrNotFound
	}
	if len(resp.Changes) == 0 {
		// Nothing changed: patch equals the stored values.
		return c.FindUnique(ctx, map[string]any{t.IdField: found.Id()}, nil)
	}
	newVal, ok := resp.Changes[0].NewValue.(map[string]any)
	if !ok {
		return nil, t.ErrInternal
	}
	return common.Normalize(newVal)
}

// Delete removes the first matching record.
func (c *collection) Delete(ctx context.Context, where map[string]any) error {
	if err := common.CheckWhere(where); err != nil {
		return err
	}
	resp, err := c.filter(where).Limit(1).Delete().RunWrite(c.adp.conn, runOpts(ctx))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Count returns the number of matching records.
func (c *collection) Count(ctx context.Context, where map[string]any) (int, error) {
	if err := common.CheckWhere(where); err != nil {
		return 0, err
	}
	cursor, err := c.filter(where).Count().Run(c.adp.conn, runOpts(ctx))
	if err != nil {
		return 0, err
	}
	defer cursor.Close()

	var count int
	if err = cursor.One(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func toAny(fields []string) []any {
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out
}

func isDupe(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Duplicate primary key")
}

func isExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

func init() {
	store.RegisterAdapter(&rethinkAdapter{})
}
