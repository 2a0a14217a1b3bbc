//go:build rethinkdb
// +build rethinkdb

package main

// Compiled in with -tags rethinkdb.
import _ "github.com/tinode/livesync/server/db/rethinkdb"
