package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sort"

	"github.com/tinode/livesync/server/store/types"
	"github.com/xeipuuv/gojsonschema"
)

// Handler executes a method. The returned value is sent to the caller as response data.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call is a single invocation of a method.
type Call struct {
	Service *Service
	Peer    Peer
	// EntryId is the entry the call is scoped to or an empty string.
	EntryId string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v. A payload which does not fit v is a validation error.
func (c *Call) Decode(v any) error {
	payload := c.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &ValidationError{Details: []string{err.Error()}}
	}
	return nil
}

// MethodOpts are optional parameters of a method.
type MethodOpts struct {
	// Schema is a JSON schema of the payload: a Go value (map, struct) or a JSON string.
	Schema any
	// ResolveEntryId extracts the entry id from the payload. Default: the "id" field of the payload.
	ResolveEntryId func(payload json.RawMessage) string
}

// Method is a named operation of a service.
type Method struct {
	Name     string
	Required types.AccessLevel
	Handler  Handler

	schema         *gojsonschema.Schema
	resolveEntryId func(payload json.RawMessage) string
}

// Validate checks the payload against the schema of the method, if any.
func (m *Method) Validate(payload json.RawMessage) error {
	if m.schema == nil {
		return nil
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	res, err := m.schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return &ValidationError{Details: []string{err.Error()}}
	}
	if !res.Valid() {
		details := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			details = append(details, e.String())
		}
		return &ValidationError{Details: details}
	}
	return nil
}

// EntryId returns the entry the payload is scoped to.
func (m *Method) EntryId(payload json.RawMessage) string {
	if m.resolveEntryId != nil {
		return m.resolveEntryId(payload)
	}
	return PayloadId(payload)
}

// PayloadId returns the string "id" field of a JSON object or an empty string.
func PayloadId(payload json.RawMessage) string {
	return payloadString(payload, types.IdField)
}

// PayloadEntryId returns the "entryId" field falling back to "id".
func PayloadEntryId(payload json.RawMessage) string {
	if id := payloadString(payload, "entryId"); id != "" {
		return id
	}
	return PayloadId(payload)
}

func payloadString(payload json.RawMessage, field string) string {
	var obj map[string]json.RawMessage
	if len(payload) == 0 || json.Unmarshal(payload, &obj) != nil {
		return ""
	}
	var str string
	if json.Unmarshal(obj[field], &str) != nil {
		return ""
	}
	return str
}

var methodNameExp = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]{0,63}$`)

func isValidName(name string) bool {
	return methodNameExp.MatchString(name)
}

// DefineMethod adds a named operation to the service. Must be called before the service
// is registered with a dispatcher.
func (s *Service) DefineMethod(name string, required types.AccessLevel, handler Handler, opts *MethodOpts) error {
	if !isValidName(name) || name == "subscribe" || name == "unsubscribe" {
		return ErrInvalidName
	}
	if handler == nil || !required.IsValid() {
		return errors.New("entity: method '" + name + "' is misconfigured")
	}

	m := &Method{Name: name, Required: required, Handler: handler}
	if opts != nil {
		if opts.Schema != nil {
			var loader gojsonschema.JSONLoader
			if str, ok := opts.Schema.(string); ok {
				loader = gojsonschema.NewStringLoader(str)
			} else {
				loader = gojsonschema.NewGoLoader(opts.Schema)
			}
			schema, err := gojsonschema.NewSchema(loader)
			if err != nil {
				return err
			}
			m.schema = schema
		}
		m.resolveEntryId = opts.ResolveEntryId
	}

	s.methodsLock.Lock()
	defer s.methodsLock.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	if _, ok := s.methods[name]; ok {
		return ErrDuplicateMethod
	}
	s.methods[name] = m
	return nil
}

// Finalize freezes the method set and returns the methods sorted by name.
func (s *Service) Finalize() []*Method {
	s.methodsLock.Lock()
	defer s.methodsLock.Unlock()

	s.finalized = true
	out := make([]*Method, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
