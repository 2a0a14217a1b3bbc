package types

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// AccessLevel is a totally ordered access grant: Public < Read < Moderate < Admin.
type AccessLevel int

// Access levels.
const (
	AccessPublic AccessLevel = iota
	AccessRead
	AccessModerate
	AccessAdmin

	// AccessInvalid indicates an error.
	AccessInvalid AccessLevel = -1
)

var accessNames = [...]string{"Public", "Read", "Moderate", "Admin"}

// BetterEqual checks if the grant level is at least as high as the wanted level.
func (grant AccessLevel) BetterEqual(want AccessLevel) bool {
	return grant >= want
}

// IsValid checks if the level is one of the known levels.
func (a AccessLevel) IsValid() bool {
	return a >= AccessPublic && a <= AccessAdmin
}

// String returns the name of the level.
func (a AccessLevel) String() string {
	if !a.IsValid() {
		return ""
	}
	return accessNames[a]
}

// ParseAccessLevel parses level name, case-insensitive. Numeric strings "0".."3" are accepted too.
func ParseAccessLevel(s string) AccessLevel {
	for i, name := range accessNames {
		if strings.EqualFold(name, s) {
			return AccessLevel(i)
		}
	}
	if n, err := strconv.Atoi(s); err == nil && AccessLevel(n).IsValid() {
		return AccessLevel(n)
	}
	return AccessInvalid
}

// MarshalText converts level to its name.
func (a AccessLevel) MarshalText() ([]byte, error) {
	if !a.IsValid() {
		return nil, errors.New("AccessLevel invalid")
	}
	return []byte(accessNames[a]), nil
}

// UnmarshalText parses level name.
func (a *AccessLevel) UnmarshalText(b []byte) error {
	lvl := ParseAccessLevel(string(b))
	if lvl == AccessInvalid {
		return errors.New("AccessLevel: invalid value '" + string(b) + "'")
	}
	*a = lvl
	return nil
}

// MarshalJSON converts level to a quoted name.
func (a AccessLevel) MarshalJSON() ([]byte, error) {
	res, err := a.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(res))
}

// UnmarshalJSON accepts either a quoted name or a number.
func (a *AccessLevel) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return errors.New("AccessLevel: empty input")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return a.UnmarshalText([]byte(s))
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if !AccessLevel(n).IsValid() {
		return errors.New("AccessLevel: out of range")
	}
	*a = AccessLevel(n)
	return nil
}

// ServiceAccess maps service name to the level granted for the whole service.
type ServiceAccess map[string]AccessLevel

// Get returns the level granted for the service; missing services are Public.
func (sa ServiceAccess) Get(service string) AccessLevel {
	if lvl, ok := sa[service]; ok {
		return lvl
	}
	return AccessPublic
}

// ACLEntry is an entry-level grant embedded into an entity.
type ACLEntry struct {
	UserId string      `json:"userId"`
	Level  AccessLevel `json:"level"`
}

// ACL is an unordered set of entry-level grants.
type ACL []ACLEntry

// Grants checks if any entry matches the user with a sufficient level.
func (acl ACL) Grants(userId string, want AccessLevel) bool {
	if userId == "" {
		return false
	}
	for _, e := range acl {
		if e.UserId == userId && e.Level.BetterEqual(want) {
			return true
		}
	}
	return false
}

// Set adds or replaces the entry for the user.
func (acl ACL) Set(userId string, level AccessLevel) ACL {
	for i := range acl {
		if acl[i].UserId == userId {
			acl[i].Level = level
			return acl
		}
	}
	return append(acl, ACLEntry{UserId: userId, Level: level})
}

// ParseACL converts a value decoded from JSON or stored by an adapter into ACL.
// Nil produces an empty ACL.
func ParseACL(v any) (ACL, error) {
	switch acl := v.(type) {
	case nil:
		return nil, nil
	case ACL:
		return acl, nil
	case []ACLEntry:
		return ACL(acl), nil
	}

	// Generic path: []any of map[string]any, bson.A, etc. Round-trip through JSON.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var acl ACL
	if err := json.Unmarshal(raw, &acl); err != nil {
		return nil, err
	}
	return acl, nil
}

// ParseServiceAccess converts a value decoded from JSON or stored by an adapter into ServiceAccess.
// Nil produces nil.
func ParseServiceAccess(v any) (ServiceAccess, error) {
	switch sa := v.(type) {
	case nil:
		return nil, nil
	case ServiceAccess:
		return sa, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var sa ServiceAccess
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, err
	}
	return sa, nil
}
