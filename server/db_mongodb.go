//go:build mongodb
// +build mongodb

package main

// Compiled in with -tags mongodb.
import _ "github.com/tinode/livesync/server/db/mongodb"
