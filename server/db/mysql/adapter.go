//go:build mysql
// +build mysql

// Package mysql is a database adapter for MySQL. Entities are stored as JSON documents.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	ms "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	adapter "github.com/tinode/livesync/server/db"
	"github.com/tinode/livesync/server/db/common"
	"github.com/tinode/livesync/server/store"
	t "github.com/tinode/livesync/server/store/types"
)

// adapter holds MySQL connection data.
type myAdapter struct {
	db     *sqlx.DB
	dsn    string
	dbName string
	// Maximum number of records to return
	maxResults int
	// Single query timeout.
	sqlTimeout time.Duration
}

type collection struct {
	adp  *myAdapter
	name string
}

const (
	defaultDSN      = "root:@tcp(localhost:3306)/livesync?parseTime=true"
	defaultDatabase = "livesync"

	adpVersion  = 100
	adapterName = "mysql"

	defaultMaxResults = 1024
)

type configType struct {
	DSN    string `json:"dsn,omitempty"`
	DBName string `json:"database,omitempty"`

	// Maximum number of open connections to the database.
	MaxOpenConns int `json:"max_open_conns,omitempty"`
	// Maximum number of connections in the idle connection pool.
	MaxIdleConns int `json:"max_idle_conns,omitempty"`
	// Maximum amount of time a connection may be reused (in seconds).
	ConnMaxLifetime int `json:"conn_max_lifetime,omitempty"`
	// DB request timeout (in seconds).
	SqlTimeout int `json:"sql_timeout,omitempty"`
}

func (a *myAdapter) getContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.sqlTimeout > 0 {
		return context.WithTimeout(ctx, a.sqlTimeout)
	}
	return ctx, func() {}
}

// Open initializes the connection pool.
func (a *myAdapter) Open(jsonconfig json.RawMessage) error {
	if a.db != nil {
		return errors.New("mysql adapter is already connected")
	}

	var err error
	var config configType
	if len(jsonconfig) > 1 {
		if err = json.Unmarshal(jsonconfig, &config); err != nil {
			return errors.New("mysql adapter failed to parse config: " + err.Error())
		}
	}

	a.dsn = config.DSN
	if a.dsn == "" {
		a.dsn = defaultDSN
	}

	a.dbName = config.DBName
	if a.dbName == "" {
		if parsed, err := ms.ParseDSN(a.dsn); err == nil && parsed.DBName != "" {
			a.dbName = parsed.DBName
		} else {
			a.dbName = defaultDatabase
		}
	}
	if a.maxResults <= 0 {
		a.maxResults = defaultMaxResults
	}
	if config.SqlTimeout > 0 {
		a.sqlTimeout = time.Duration(config.SqlTimeout) * time.Second
	}

	a.db, err = sqlx.Open("mysql", a.dsn)
	if err != nil {
		return err
	}

	// sql.Open does not open the network connection.
	// Force network connection here.
	err = a.db.Ping()
	if isMissingDb(err) {
		// Missing DB is OK if we are initializing the database.
		err = nil
	}
	if err != nil {
		a.db.Close()
		a.db = nil
		return err
	}

	if config.MaxOpenConns > 0 {
		a.db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		a.db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		a.db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}
	return nil
}

// Close closes the underlying database connection
func (a *myAdapter) Close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
		a.db = nil
	}
	return err
}

// IsOpen returns true if connection to database has been established. It does not check if
// connection is actually live.
func (a *myAdapter) IsOpen() bool {
	return a.db != nil
}

// Stats returns DB connection stats object.
func (a *myAdapter) Stats() any {
	if a.db == nil {
		return nil
	}
	return a.db.Stats()
}

// GetName returns string that adapter uses to register itself with store.
func (a *myAdapter) GetName() string {
	return adapterName
}

// SetMaxResults configures how many results can be returned in a single DB call.
func (a *myAdapter) SetMaxResults(val int) error {
	if val <= 0 {
		a.maxResults = defaultMaxResults
	} else {
		a.maxResults = val
	}
	return nil
}

// CreateDb initializes the storage. All collections share the documents table.
func (a *myAdapter) CreateDb(collections []string, reset bool) error {
	for _, name := range collections {
		if !common.IsValidName(name) {
			return errors.New("mysql adapter: invalid collection name '" + name + "'")
		}
	}
	if !common.IsValidName(a.dbName) {
		return errors.New("mysql adapter: invalid database name '" + a.dbName + "'")
	}

	ctx, cancel := a.getContext(context.Background())
	defer cancel()

	var err error
	if reset {
		if _, err = a.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+a.dbName); err != nil {
			return err
		}
	}
	if _, err = a.db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+a.dbName+" CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"); err != nil {
		return err
	}

	// Pin a single connection so USE applies to the following statements.
	conn, err := a.db.Connx(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err = conn.ExecContext(ctx, "USE "+a.dbName); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS kvmeta("+
			"`key`   VARCHAR(64) NOT NULL,"+
			"`value` TEXT,"+
			"PRIMARY KEY(`key`))"); err != nil {
		return err
	}
	if _, err = conn.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS documents("+
			"coll      VARCHAR(64) NOT NULL,"+
			"id        VARCHAR(128) NOT NULL,"+
			"createdat DATETIME(3) NOT NULL,"+
			"updatedat DATETIME(3) NOT NULL,"+
			"doc       JSON NOT NULL,"+
			"PRIMARY KEY(coll, id))"); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx,
		"INSERT INTO kvmeta(`key`, `value`) VALUES('version', ?), ('collections', ?) "+
			"ON DUPLICATE KEY UPDATE `value`=VALUES(`value`)",
		strconv.Itoa(adpVersion), strings.Join(collections, ","))
	return err
}

// Collection returns a delegate for the named collection.
func (a *myAdapter) Collection(name string) adapter.Collection {
	return &collection{adp: a, name: name}
}

// Builds "WHERE ..." for the filter.
func whereClause(coll string, where map[string]any) (string, []any) {
	query := "WHERE coll=? AND JSON_CONTAINS(doc, ?)"
	rest := t.Entity(where).Without(t.IdField)
	if rest == nil {
		rest = t.Entity{}
	}
	args := []any{coll, string(common.ToJSON(rest))}
	if id, ok := common.IdFromWhere(where); ok {
		query += " AND id=?"
		args = append(args, id)
	}
	return query, args
}

// FindUnique returns the first record matching the filter.
func (c *collection) FindUnique(ctx context.Context, where map[string]any, sel []string) (t.Entity, error) {
	if err := common.CheckWhere(where); err != nil {
		return nil, err
	}
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	clause, args := whereClause(c.name, where)
	var raw []byte
	if err := c.adp.db.GetContext(ctx, &raw, "SELECT doc FROM documents "+clause+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, t.ErrNotFound
		}
		return nil, err
	}
	doc, err := common.FromJSON(raw)
	if err != nil {
		return nil, err
	}
	return doc.Select(sel), nil
}

// FindMany returns records matching the query.
func (c *collection) FindMany(ctx context.Context, query *t.Query) ([]t.Entity, error) {
	if err := common.CheckQuery(query); err != nil {
		return nil, err
	}
	q := common.CapQuery(query, c.adp.maxResults)

	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	clause, args := whereClause(c.name, q.Where)
	stmt := "SELECT doc FROM documents " + clause
	if len(q.OrderBy) > 0 {
		var order []string
		for _, o := range q.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			// Field names are validated by CheckQuery.
			order = append(order, "JSON_EXTRACT(doc, '$."+o.Field+"') "+dir)
		}
		stmt += " ORDER BY " + strings.Join(order, ",")
	} else {
		stmt += " ORDER BY createdat"
	}
	stmt += " LIMIT ? OFFSET ?"
	args = append(args, q.Take, q.Skip)

	var raws [][]byte
	if err := c.adp.db.SelectContext(ctx, &raws, stmt, args...); err != nil {
		return nil, err
	}
	out := make([]t.Entity, 0, len(raws))
	for _, raw := range raws {
		doc, err := common.FromJSON(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc.Select(q.Select))
	}
	return out, nil
}

// Create inserts a new record.
func (c *collection) Create(ctx context.Context, data t.Entity) (t.Entity, error) {
	id := data.Id()
	if id == "" {
		return nil, t.ErrMalformed
	}
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	now := time.Now().UTC().Round(time.Millisecond)
	_, err := c.adp.db.ExecContext(ctx,
		"INSERT INTO documents(coll, id, createdat, updatedat, doc) VALUES(?, ?, ?, ?, ?)",
		c.name, id, now, now, common.ToJSON(data))
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
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	tx, err := c.adp.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	clause, args := whereClause(c.name, where)
	var row struct {
		Id  string `db:"id"`
		Doc []byte `db:"doc"`
	}
	if err = tx.GetContext(ctx, &row, "SELECT id, doc FROM documents "+clause+" LIMIT 1 FOR UPDATE", args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, t.ErrNotFound
		}
		return nil, err
	}

	var doc t.Entity
	if doc, err = common.FromJSON(row.Doc); err != nil {
		return nil, err
	}
	doc = doc.Merge(data)
	doc[t.IdField] = row.Id

	if _, err = tx.ExecContext(ctx, "UPDATE documents SET doc=?, updatedat=? WHERE coll=? AND id=?",
		common.ToJSON(doc), time.Now().UTC().Round(time.Millisecond), c.name, row.Id); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Delete removes the first matching record.
func (c *collection) Delete(ctx context.Context, where map[string]any) error {
	if err := common.CheckWhere(where); err != nil {
		return err
	}
	ctx, cancel := c.adp.getContext(ctx)
	defer cancel()

	clause, args := whereClause(c.name, where)
	res, err := c.adp.db.ExecContext(ctx, "DELETE FROM documents "+clause+" LIMIT 1", args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

	clause, args := whereClause(c.name, where)
	var count int
	err := c.adp.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM documents "+clause, args...)
	return count, err
}

func isDupe(err error) bool {
	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1062
}

func isMissingDb(err error) bool {
	myerr, ok := err.(*ms.MySQLError)
	return ok && myerr.Number == 1049
}

func init() {
	store.RegisterAdapter(&myAdapter{})
}
