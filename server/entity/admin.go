package entity

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/tinode/livesync/server/store/types"
)

// Field describes one entity field for administrative tooling.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Label    string `json:"label,omitempty"`
	Editable bool   `json:"editable"`
	Required bool   `json:"required"`
	Sortable bool   `json:"sortable"`
	InTable  bool   `json:"inTable"`
}

// Field types.
const (
	FieldString  = "string"
	FieldNumber  = "number"
	FieldBoolean = "boolean"
	FieldObject  = "object"
	FieldArray   = "array"
	FieldDate    = "date"
	FieldACL     = "acl"
)

// Schema is a declarative description of the service's entities.
type Schema struct {
	Fields []Field `json:"fields"`
}

func (sc *Schema) field(name string) (Field, bool) {
	if sc == nil {
		return Field{}, false
	}
	for _, f := range sc.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func fieldJSONSchema(f Field) map[string]any {
	switch f.Type {
	case FieldString, FieldNumber, FieldBoolean, FieldObject, FieldArray:
		return map[string]any{"type": f.Type}
	case FieldDate:
		return map[string]any{"type": "string", "format": "date-time"}
	case FieldACL:
		return map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"userId", "level"},
				"properties": map[string]any{
					"userId": map[string]any{"type": "string"},
				},
			},
		}
	}
	// Unknown type: anything goes.
	return map[string]any{}
}

// DataSchema is the JSON schema of entity data. With create=true required fields must be present.
func (sc *Schema) DataSchema(create bool) map[string]any {
	out := map[string]any{"type": "object"}
	if sc == nil || len(sc.Fields) == 0 {
		return out
	}

	props := make(map[string]any, len(sc.Fields))
	var required []string
	for _, f := range sc.Fields {
		props[f.Name] = fieldJSONSchema(f)
		if create && f.Required && f.Name != types.IdField {
			required = append(required, f.Name)
		}
	}
	out["properties"] = props
	if len(required) > 0 {
		sort.Strings(required)
		out["required"] = required
	}
	return out
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": props,
	}
}

var (
	idSchema      = objectSchema([]string{"id"}, map[string]any{"id": map[string]any{"type": "string"}})
	entryIdSchema = objectSchema([]string{"entryId"}, map[string]any{"entryId": map[string]any{"type": "string"}})
)

type adminListResponse struct {
	Items []types.Entity `json:"items"`
	Total int            `json:"total"`
}

type adminDataRequest struct {
	Id   string       `json:"id"`
	Data types.Entity `json:"data"`
}

type adminACLRequest struct {
	EntryId string    `json:"entryId"`
	ACL     types.ACL `json:"acl"`
}

type adminUnsubRequest struct {
	EntryId string `json:"entryId"`
	UserId  string `json:"userId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// InstallAdminMethods defines the administrative operations of the service. All of them require Admin.
// Operations on a single entry may also be invoked by holders of Admin in the entry's ACL.
// The schema may be nil.
func (s *Service) InstallAdminMethods(schema *Schema) error {
	entryScoped := &MethodOpts{ResolveEntryId: PayloadEntryId}
	withSchema := func(sch any) *MethodOpts {
		return &MethodOpts{Schema: sch, ResolveEntryId: PayloadEntryId}
	}

	defs := []struct {
		name    string
		handler Handler
		opts    *MethodOpts
	}{
		{"adminFields", s.adminFields(schema), nil},
		{"adminList", s.adminList, nil},
		{"adminGet", s.adminGet, withSchema(idSchema)},
		{"adminCreate", s.adminCreate, &MethodOpts{
			Schema: objectSchema([]string{"data"}, map[string]any{"data": schema.DataSchema(true)}),
			// Not entry-scoped: the entity does not exist yet.
			ResolveEntryId: func(json.RawMessage) string { return "" },
		}},
		{"adminUpdate", s.adminUpdate(schema), withSchema(objectSchema([]string{"id", "data"},
			map[string]any{"id": map[string]any{"type": "string"}, "data": schema.DataSchema(false)}))},
		{"adminDelete", s.adminDelete, withSchema(idSchema)},
		{"adminGetSubscribers", s.adminGetSubscribers, withSchema(entryIdSchema)},
		{"adminReemit", s.adminReemit, withSchema(entryIdSchema)},
		{"adminForceUnsubscribe", s.adminForceUnsubscribe, withSchema(entryIdSchema)},
	}
	if s.hasEntryACL {
		defs = append(defs, struct {
			name    string
			handler Handler
			opts    *MethodOpts
		}{"adminSetEntryACL", s.adminSetEntryACL, entryScoped})
	}

	for _, def := range defs {
		if err := s.DefineMethod(def.name, types.AccessAdmin, def.handler, def.opts); err != nil {
			return errors.New("entity: " + s.name + ":" + def.name + ": " + err.Error())
		}
	}
	return nil
}

func (s *Service) adminFields(schema *Schema) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		if schema == nil {
			return []Field{}, nil
		}
		return schema.Fields, nil
	}
}

func (s *Service) adminList(ctx context.Context, call *Call) (any, error) {
	var req types.Query
	if len(call.Payload) > 0 {
		if err := call.Decode(&req); err != nil {
			return nil, err
		}
	}

	total, err := s.db.Count(ctx, req.Where)
	if err != nil {
		return nil, err
	}
	items, err := s.db.FindMany(ctx, &req)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []types.Entity{}
	}
	return &adminListResponse{Items: items, Total: total}, nil
}

func (s *Service) adminGet(ctx context.Context, call *Call) (any, error) {
	return s.db.FindUnique(ctx, map[string]any{types.IdField: call.EntryId}, nil)
}

func (s *Service) adminCreate(ctx context.Context, call *Call) (any, error) {
	var req adminDataRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	return s.Create(ctx, req.Data)
}

func (s *Service) adminUpdate(schema *Schema) Handler {
	return func(ctx context.Context, call *Call) (any, error) {
		var req adminDataRequest
		if err := call.Decode(&req); err != nil {
			return nil, err
		}

		if schema != nil {
			var details []string
			for name := range req.Data {
				if name == types.IdField {
					continue
				}
				if f, ok := schema.field(name); !ok || !f.Editable {
					details = append(details, "field '"+name+"' is not editable")
				}
			}
			if len(details) > 0 {
				sort.Strings(details)
				return nil, &ValidationError{Details: details}
			}
		}

		updated := s.Update(ctx, req.Id, req.Data)
		if updated == nil {
			return nil, ErrNotFound
		}
		return updated, nil
	}
}

func (s *Service) adminDelete(ctx context.Context, call *Call) (any, error) {
	if !s.Delete(ctx, call.EntryId) {
		return nil, ErrNotFound
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Service) adminSetEntryACL(ctx context.Context, call *Call) (any, error) {
	var req adminACLRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	if req.EntryId == "" {
		return nil, &ValidationError{Details: []string{"entryId is required"}}
	}
	for _, e := range req.ACL {
		if e.UserId == "" {
			return nil, &ValidationError{Details: []string{"acl entry without userId"}}
		}
	}
	if req.ACL == nil {
		req.ACL = types.ACL{}
	}

	updated := s.Update(ctx, req.EntryId, map[string]any{s.aclField: req.ACL})
	if updated == nil {
		return nil, ErrNotFound
	}
	return updated, nil
}

func (s *Service) adminGetSubscribers(ctx context.Context, call *Call) (any, error) {
	return s.Subscribers(call.EntryId), nil
}

func (s *Service) adminReemit(ctx context.Context, call *Call) (any, error) {
	if !s.Reemit(ctx, call.EntryId) {
		return nil, ErrNotFound
	}
	return map[string]any{"reemitted": true}, nil
}

func (s *Service) adminForceUnsubscribe(ctx context.Context, call *Call) (any, error) {
	var req adminUnsubRequest
	if err := call.Decode(&req); err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = "removed by administrator"
	}
	return map[string]any{"removed": s.ForceUnsubscribe(req.EntryId, req.UserId, reason)}, nil
}
