//go:build mysql
// +build mysql

package main

// Compiled in with -tags mysql.
import _ "github.com/tinode/livesync/server/db/mysql"
