//go:build rethinkdb
// +build rethinkdb

package rethinkdb

import (
	"errors"
	"os"
	"testing"

	"github.com/tinode/livesync/server/db/common/testsuite"
)

// Set LIVESYNC_RETHINKDB_ADDR to run, e.g. localhost:28015
func TestSuite(t *testing.T) {
	addr := os.Getenv("LIVESYNC_RETHINKDB_ADDR")
	if addr == "" {
		t.Skip("LIVESYNC_RETHINKDB_ADDR is not set")
	}

	adp := &rethinkAdapter{}
	if err := adp.Open([]byte(`{"addresses":"` + addr + `","database":"livesync_test"}`)); err != nil {
		t.Fatal(err)
	}
	defer adp.Close()

	testsuite.Run(t, adp)
}

func TestErrorClassifiers(t *testing.T) {
	if !isDupe(errors.New("gorethink: Duplicate primary key `id`: ...")) {
		t.Error("expected duplicate")
	}
	if isDupe(nil) || isExists(nil) {
		t.Error("nil is not an error")
	}
	if !isExists(errors.New("Database `livesync` already exists.")) {
		t.Error("expected exists")
	}
}
