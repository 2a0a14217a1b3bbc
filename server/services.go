/******************************************************************************
 *
 *  Description :
 *
 *    Services exposed by the server: user records and shared documents.
 *
 *****************************************************************************/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/tinode/livesync/server/entity"
	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store"
	"github.com/tinode/livesync/server/store/types"
)

const (
	usersServiceName = "users"
	docsServiceName  = "docs"
)

type serviceConfig struct {
	// Service is created only when enabled.
	Enabled bool `json:"enabled"`
	// Name of the DB collection. Default: the name of the service.
	Collection string `json:"collection"`
	// Install the administrative methods.
	Admin bool `json:"admin"`
	// Keep ACLs in entries. Docs only.
	EntryACL bool `json:"entry_acl"`
}

var usersSchema = &entity.Schema{Fields: []entity.Field{
	{Name: types.IdField, Type: entity.FieldString, Label: "ID", Sortable: true, InTable: true},
	{Name: "name", Type: entity.FieldString, Label: "Name", Editable: true, Required: true, Sortable: true, InTable: true},
	{Name: "email", Type: entity.FieldString, Label: "Email", Editable: true, InTable: true},
	{Name: serviceAccessField, Type: entity.FieldObject, Label: "Service access", Editable: true},
}}

var docsSchema = &entity.Schema{Fields: []entity.Field{
	{Name: types.IdField, Type: entity.FieldString, Label: "ID", Sortable: true, InTable: true},
	{Name: "title", Type: entity.FieldString, Label: "Title", Editable: true, Required: true, Sortable: true, InTable: true},
	{Name: "body", Type: entity.FieldString, Label: "Body", Editable: true},
	{Name: entity.DefaultACLField, Type: entity.FieldACL, Label: "Access"},
}}

// Builders of known services.
var serviceBuilders = map[string]func(hub *Hub, conf *serviceConfig, db store.Collection) (*entity.Service, error){
	usersServiceName: newUsersService,
	docsServiceName:  newDocsService,
}

// initServices creates configured services and registers them with the hub.
func initServices(hub *Hub, configs map[string]json.RawMessage) error {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		build, ok := serviceBuilders[name]
		if !ok {
			return errors.New("services: unknown service '" + name + "'")
		}
		var conf serviceConfig
		if err := json.Unmarshal(configs[name], &conf); err != nil {
			return errors.New("services: failed to parse config of '" + name + "': " + err.Error())
		}
		if !conf.Enabled {
			continue
		}
		if conf.Collection == "" {
			conf.Collection = name
		}
		db := store.Store.Collection(conf.Collection)
		if db == nil {
			return errors.New("services: store is not open")
		}

		svc, err := build(hub, &conf, db)
		if err != nil {
			return err
		}
		if err := hub.register(svc); err != nil {
			return err
		}
	}
	return nil
}

func serviceOptions(hub *Hub, name string, db store.Collection) entity.Config {
	return entity.Config{
		Name:     name,
		Store:    db,
		Groups:   hub.groups,
		Observer: statsObserver{},
	}
}

type profileUpdate struct {
	Id   string       `json:"id"`
	Data types.Entity `json:"data"`
}

// newUsersService exposes user records. Users may read and edit their own record; email and
// grants are visible only to the user and to service admins.
func newUsersService(hub *Hub, conf *serviceConfig, db store.Collection) (*entity.Service, error) {
	protected := []string{"email", serviceAccessField}

	opts := serviceOptions(hub, usersServiceName, db)
	opts.Hooks = entity.Hooks{
		CheckAccess: func(ctx context.Context, peer entity.Peer, entryId string, required types.AccessLevel) bool {
			// Own record, anything short of Admin.
			return entryId != "" && peer.UserId() == entryId && required < types.AccessAdmin
		},
		ProtectedFields: func() []string { return protected },
	}
	svc, err := entity.NewService(opts)
	if err != nil {
		return nil, err
	}

	err = svc.DefineMethod("whoami", types.AccessPublic, func(ctx context.Context, call *entity.Call) (any, error) {
		uid := call.Peer.UserId()
		if uid == "" {
			return nil, entity.ErrAuthRequired
		}
		rec, err := call.Service.Store().FindUnique(ctx, map[string]any{types.IdField: uid}, nil)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}, &entity.MethodOpts{ResolveEntryId: func(json.RawMessage) string { return "" }})
	if err != nil {
		return nil, err
	}

	err = svc.DefineMethod("updateProfile", types.AccessModerate, func(ctx context.Context, call *entity.Call) (any, error) {
		var req profileUpdate
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		// Grants are managed by admins only.
		patch := req.Data.Without(types.IdField, serviceAccessField)
		if len(patch) == 0 {
			return nil, &entity.ValidationError{Details: []string{"nothing to update"}}
		}
		if ent := call.Service.Update(ctx, call.EntryId, patch); ent != nil {
			return ent.Without(serviceAccessField), nil
		}
		return nil, entity.ErrNotFound
	}, &entity.MethodOpts{Schema: map[string]any{
		"type":     "object",
		"required": []string{"id", "data"},
		"properties": map[string]any{
			"id":   map[string]any{"type": "string"},
			"data": usersSchema.DataSchema(false),
		},
	}})
	if err != nil {
		return nil, err
	}

	if conf.Admin {
		if err := svc.InstallAdminMethods(usersSchema); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

type docPatch struct {
	Id    string  `json:"id"`
	Title *string `json:"title,omitempty"`
	Body  *string `json:"body,omitempty"`
}

// newDocsService exposes shared documents. With entry ACLs the creator of a document becomes
// its admin and may grant access to others.
func newDocsService(hub *Hub, conf *serviceConfig, db store.Collection) (*entity.Service, error) {
	opts := serviceOptions(hub, docsServiceName, db)
	opts.HasEntryACL = conf.EntryACL
	svc, err := entity.NewService(opts)
	if err != nil {
		return nil, err
	}

	err = svc.DefineMethod("create", types.AccessRead, func(ctx context.Context, call *entity.Call) (any, error) {
		var data types.Entity
		if err := call.Decode(&data); err != nil {
			return nil, err
		}
		data = data.Without(types.IdField, entity.DefaultACLField)
		if call.Service.HasEntryACL() {
			data[entity.DefaultACLField] = types.ACL{{UserId: call.Peer.UserId(), Level: types.AccessAdmin}}
		}
		return call.Service.Create(ctx, data)
	}, &entity.MethodOpts{
		Schema: docsSchema.DataSchema(true),
		// The document does not exist yet.
		ResolveEntryId: func(json.RawMessage) string { return "" },
	})
	if err != nil {
		return nil, err
	}

	err = svc.DefineMethod("update", types.AccessModerate, func(ctx context.Context, call *entity.Call) (any, error) {
		var req docPatch
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
		patch := map[string]any{}
		if req.Title != nil {
			patch["title"] = *req.Title
		}
		if req.Body != nil {
			patch["body"] = *req.Body
		}
		ent := call.Service.Update(ctx, call.EntryId, patch)
		if ent == nil {
			return nil, entity.ErrNotFound
		}

		// Tell the editor's other sessions watching their own user record.
		call.Service.Notify(ctx, usersServiceName, call.Peer.UserId(),
			usersServiceName+":activity:"+call.Peer.UserId(),
			map[string]any{"service": docsServiceName, "entryId": call.EntryId, "action": "update"})
		return ent, nil
	}, &entity.MethodOpts{Schema: map[string]any{
		"type":     "object",
		"required": []string{"id"},
		"properties": map[string]any{
			"id":    map[string]any{"type": "string"},
			"title": map[string]any{"type": "string"},
			"body":  map[string]any{"type": "string"},
		},
	}})
	if err != nil {
		return nil, err
	}

	err = svc.DefineMethod("remove", types.AccessAdmin, func(ctx context.Context, call *entity.Call) (any, error) {
		if !call.Service.Delete(ctx, call.EntryId) {
			return nil, entity.ErrNotFound
		}
		return true, nil
	}, &entity.MethodOpts{Schema: map[string]any{
		"type":       "object",
		"required":   []string{"id"},
		"properties": map[string]any{"id": map[string]any{"type": "string"}},
	}})
	if err != nil {
		return nil, err
	}

	if conf.Admin {
		if err := svc.InstallAdminMethods(docsSchema); err != nil {
			return nil, err
		}
	}
	logs.Info.Println("services: docs entry ACL", conf.EntryACL)
	return svc, nil
}
