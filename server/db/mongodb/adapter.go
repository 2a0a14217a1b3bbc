//go:build mongodb
// +build mongodb

// Package mongodb is a database adapter for MongoDB. Each collection of entities is a
// MongoDB collection keyed by _id.
package mongodb

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	adapter "github.com/tinode/livesync/server/db"
	"github.com/tinode/livesync/server/db/common"
	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store"
	t "github.com/tinode/livesync/server/store/types"
	b "go.mongodb.org/mongo-driver/bson"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

// adapter holds MongoDB connection data.
type mongoAdapter struct {
	conn       *mdb.Client
	db         *mdb.Database
	dbName     string
	maxResults int
	// Single query timeout.
	timeout time.Duration
}

type collection struct {
	adp  *mongoAdapter
	coll *mdb.Collection
}

const (
	defaultHost     = "localhost:27017"
	defaultDatabase = "livesync"

	adapterName = "mongodb"

	defaultMaxResults = 1024
)

type configType struct {
	// Connection string URI https://www.mongodb.com/docs/manual/reference/connection-string/
	Uri string `json:"uri,omitempty"`
	// Host or list of hosts.
	Addresses  any    `json:"addresses,omitempty"`
	ReplicaSet string `json:"replica_set,omitempty"`
	Database   string `json:"database,omitempty"`

	AuthSource string `json:"auth_source,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`

	// Request timeout in seconds.
	Timeout int `json:"timeout,omitempty"`
}

func (a *mongoAdapter) getContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return ctx, func() {}
}

// Open initializes mongodb session
func (a *mongoAdapter) Open(jsonconfig json.RawMessage) error {
	if a.conn != nil {
		return errors.New("adapter mongodb is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 1 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("adapter mongodb failed to parse config: " + err.Error())
		}
	}

	opts := mdbopts.Client()
	if config.Uri != "" {
		opts.ApplyURI(config.Uri)
	} else if config.Addresses == nil {
		opts.SetHosts([]string{defaultHost})
	} else if host, ok := config.Addresses.(string); ok {
		opts.SetHosts([]string{host})
	} else if hosts, ok := config.Addresses.([]any); ok {
		var list []string
		for _, h := range hosts {
			if s, ok := h.(string); ok {
				list = append(list, s)
			}
		}
		opts.SetHosts(list)
	} else {
		return errors.New("adapter mongodb failed to parse config.Addresses")
	}

	if config.Database == "" {
		a.dbName = defaultDatabase
	} else {
		a.dbName = config.Database
	}

	if config.ReplicaSet != "" {
		opts.SetReplicaSet(config.ReplicaSet)
	}

	if config.Username != "" {
		if config.AuthSource == "" {
			config.AuthSource = "admin"
		}
		opts.SetAuth(
			mdbopts.Credential{
				AuthMechanism: "SCRAM-SHA-256",
				AuthSource:    config.AuthSource,
				Username:      config.Username,
				Password:      config.Password,
				PasswordSet:   config.Password != "",
			})
	}

	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}
	if config.Timeout > 0 {
		a.timeout = time.Duration(config.Timeout) * time.Second
	}

	ctx, cancel := a.getContext(context.Background())
	defer cancel()

	if a.conn, err = mdb.Connect(ctx, opts); err != nil {
		a.conn = nil
		return err
	}
	if err = a.conn.Ping(ctx, nil); err != nil {
		a.conn.Disconnect(ctx)
		a.conn = nil
		return err
	}
	a.db = a.conn.Database(a.dbName)
	return nil
}

// Close the adapter
func (a *mongoAdapter) Close() error {
	var err error
	if a.conn != nil {
		err = a.conn.Disconnect(context.Background())
		a.conn = nil
		a.db = nil
	}
	return err
}

// IsOpen checks if the adapter is ready for use
func (a *mongoAdapter) IsOpen() bool {
	return a.conn != nil
}

// GetName returns the name of the adapter
func (a *mongoAdapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *mongoAdapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// Stats returns the names of existing collections.
func (a *mongoAdapter) Stats() any {
	if a.db == nil {
		return nil
	}
	names, err := a.db.ListCollectionNames(context.Background(), b.D{})
	if err != nil {
		return nil
	}
	return map[string]any{"collections": names}
}

// CreateDb creates the database and the collections optionally dropping an existing database first.
func (a *mongoAdapter) CreateDb(collections []string, reset bool) error {
	ctx, cancel := a.getContext(context.Background())
	defer cancel()

	if reset {
		logs.Info.Print("Dropping database...")
		if err := a.db.Drop(ctx); err != nil {
			return err
		}
	}

	existing, err := a.db.ListCollectionNames(ctx, b.D{})
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	for _, name := range collections {
		if !common.IsValidName(name) {
			return errors.New("adapter mongodb: invalid collection name '" + name + "'")
		}
		if have[name] {
			continue
		}
		if err := a.db.CreateCollection(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Collection returns a delegate for the named collection.
func (a *mongoAdapter) Collection(name string) adapter.Collection {
	return &collection{adp: a, coll: a.db.Collection(name)}
}

// Converts entity filter to a mongo filter: "id" becomes "_id".
func toFilter(where map[string]any) b.M {
	filter := b.M{}
	for k, v := range where {
		if k == t.IdField {
			k = "_id"
		}
		filter[k] = v
	}
	return filter
}

func toProjection(sel []string) b.M {
	if len(sel) == 0 {
		return nil
	}
	proj := b.M{}
	for _, f := range sel {
		if f == t.IdField {
			f = "_id"
		}
		proj[f] = 1
	}
	if _, ok := proj["_id"]; !ok {
		proj["_id"] = 0
	}
	return proj
}

// Converts stored document to entity: "_id" becomes "id", bson containers become plain values.
func toEntity(doc b.M) (t.Entity, error) {
	if id, ok := doc["_id"]; ok {
		doc[t.IdField] = id
		delete(doc, "_id")
	}
	return common.Normalize(doc)
}

func toDoc(data map[string]any) b.M {
	doc := b.M{}
	for k, v := range data {
		if k == t.IdField {
			k = "_id"
		}
		doc[k] = v
	}
	return doc
}

// FindUnique returns the first record matching the filter.
func (c *collection) FindUnique(ctx context.Context, where map[string]any, sel []string) (t.Entity, error) {
	if err := common.CheckWhere(where); err != nil {
		return nil, err
	}
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	opts := mdbopts.FindOne()
	if proj := toProjection(sel); proj != nil {
		opts.SetProjection(proj)
	}
	var doc b.M
	if err := c.coll.FindOne(ctx, toFilter(where), opts).Decode(&doc); err != nil {
		if err == mdb.ErrNoDocuments {
			return nil, t.ErrNotFound
		}
		return nil, err
	}
	return toEntity(doc)
}

// FindMany returns records matching the query.
func (c *collection) FindMany(ctx context.Context, query *t.Query) ([]t.Entity, error) {
	if err := common.CheckQuery(query); err != nil {
		return nil, err
	}
	q := common.CapQuery(query, c.adp.maxResults)

	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	opts := mdbopts.Find().SetLimit(int64(q.Take)).SetSkip(int64(q.Skip))
	if len(q.OrderBy) > 0 {
		sort := b.D{}
		for _, o := range q.OrderBy {
			field, dir := o.Field, 1
			if field == t.IdField {
				field = "_id"
			}
			if o.Desc {
				dir = -1
			}
			sort = append(sort, b.E{Key: field, Value: dir})
		}
		opts.SetSort(sort)
	}
	if proj := toProjection(q.Select); proj != nil {
		opts.SetProjection(proj)
	}

	cur, err := c.coll.Find(ctx, toFilter(q.Where), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []t.Entity
	for cur.Next(ctx) {
		var doc b.M
		if err = cur.Decode(&doc); err != nil {
			return nil, err
		}
		ent, err := toEntity(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, cur.Err()
}

// Create inserts a new record.
func (c *collection) Create(ctx context.Context, data t.Entity) (t.Entity, error) {
	if data.Id() == "" {
		return nil, t.ErrMalformed
	}
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	if _, err := c.coll.InsertOne(ctx, toDoc(data)); err != nil {
		if mdb.IsDuplicateKeyError(err) {
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
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	set := toDoc(t.Entity(data).Without(t.IdField))
	opts := mdbopts.FindOneAndUpdate().SetReturnDocument(mdbopts.After)
	var doc b.M
	if err := c.coll.FindOneAndUpdate(ctx, toFilter(where), b.M{"$set": set}, opts).Decode(&doc); err != nil {
		if err == mdb.ErrNoDocuments {
			return nil, t.ErrNotFound
		}
		return nil, err
	}
	return toEntity(doc)
}

// Delete removes the first matching record.
func (c *collection) Delete(ctx context.Context, where map[string]any) error {
	if err := common.CheckWhere(where); err != nil {
		return err
	}
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	res, err := c.coll.DeleteOne(ctx, toFilter(where))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return t.ErrNotFound
	}
	return nil
}

// Count returns the number of matching records.
func (c *collection) Count(ctx context.Context, where map[string]any) (int, error) {
	if err := common.CheckWhere(where); err != nil {
		return 0, err
	}
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	n, err := c.coll.CountDocuments(ctx, toFilter(where))
	return int(n), err
}

func init() {
	store.RegisterAdapter(&mongoAdapter{})
}
