package main

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"

	"github.com/tinode/livesync/server/store"
	"github.com/tinode/livesync/server/store/types"
)

// Field of a sample record which names the record for references from other records. It is
// not stored.
const refField = "_ref"

/*
Data is the content of the sample data file: records grouped by collection.

	{
	  "users": [
	    {"_ref": "alice", "name": "Alice Johnson", "email": "alice@example.com",
	     "serviceAccess": {"docs": "Admin"}}
	  ],
	  "docs": [
	    {"title": "Plan", "body": "...", "acl": [{"userId": "@alice", "level": "Admin"}]}
	  ]
	}

Records without an "id" get a generated one. A string "@name" is replaced with the id of the
record with "_ref": "name", either as a top-level value or as "userId" of a list item.
*/
type Data map[string][]types.Entity

func genDb(ctx context.Context, data *Data) error {
	if len(*data) == 0 {
		log.Println("No data provided, stopping")
		return nil
	}

	names := make([]string, 0, len(*data))
	for name := range *data {
		names = append(names, name)
	}
	// Users first so that documents can refer to them.
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == "users") != (names[j] == "users") {
			return names[i] == "users"
		}
		return names[i] < names[j]
	})

	// Assign ids before anything is stored: records may refer to later records.
	refs := make(map[string]string)
	for _, name := range names {
		for _, rec := range (*data)[name] {
			if rec.Id() == "" {
				rec[types.IdField] = store.Store.GetUidString()
			}
			if ref, ok := rec[refField].(string); ok && ref != "" {
				if _, dup := refs[ref]; dup {
					return errors.New("duplicate reference '" + ref + "'")
				}
				refs[ref] = rec.Id()
			}
		}
	}

	for _, name := range names {
		coll := store.Store.Collection(name)
		if coll == nil {
			return errors.New("store is not open")
		}
		log.Printf("Generating %s...", name)
		for _, rec := range (*data)[name] {
			rec, err := resolveRefs(rec.Without(refField), refs)
			if err != nil {
				return err
			}
			if _, err := coll.Create(ctx, rec); err != nil {
				return errors.New(name + " '" + rec.Id() + "': " + err.Error())
			}
		}
		log.Printf("%d %s created", len((*data)[name]), name)
	}
	return nil
}

func resolveRefs(rec types.Entity, refs map[string]string) (types.Entity, error) {
	resolve := func(val string) (string, error) {
		if !strings.HasPrefix(val, "@") {
			return val, nil
		}
		id, ok := refs[val[1:]]
		if !ok {
			return "", errors.New("unknown reference '" + val + "'")
		}
		return id, nil
	}

	for key, val := range rec {
		switch v := val.(type) {
		case string:
			id, err := resolve(v)
			if err != nil {
				return nil, err
			}
			rec[key] = id
		case []any:
			for _, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if uid, ok := m["userId"].(string); ok {
					id, err := resolve(uid)
					if err != nil {
						return nil, err
					}
					m["userId"] = id
				}
			}
		}
	}
	return rec, nil
}
