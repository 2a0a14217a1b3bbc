//go:build postgres
// +build postgres

package main

// Compiled in with -tags postgres.
import _ "github.com/tinode/livesync/server/db/postgres"
