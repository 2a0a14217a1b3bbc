// Package token implements authentication by HMAC-signed security token.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/tinode/livesync/server/auth"
	"github.com/tinode/livesync/server/store/types"
)

// authenticator is a singleton instance of the authenticator.
type authenticator struct {
	name         string
	hmacSalt     []byte
	lifetime     time.Duration
	serialNumber int
}

// tokenLayout defines positioning of various bytes in token.
// [8:UID][4:expires][2:serial-number][32:signature] = 46 bytes
type tokenLayout struct {
	// User ID.
	Uid uint64
	// Token expiration time.
	Expires uint32
	// Serial number - to invalidate all tokens if needed.
	SerialNumber uint16
}

// Init initializes the authenticator: parses the config and sets salt, serial number and lifetime.
func (ta *authenticator) Init(jsonconf json.RawMessage, name string) error {
	if ta.name != "" {
		return errors.New("auth_token: already initialized as " + ta.name + "; " + name)
	}

	type configType struct {
		// Key for signing tokens
		Key []byte `json:"key"`
		// Datatabase or other serial number, to invalidate all issued tokens at once.
		SerialNum int `json:"serial_num"`
		// Token expiration time
		ExpireIn int `json:"expire_in"`
	}
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth_token: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if len(config.Key) < sha256.Size {
		return errors.New("auth_token: the key is missing or too short")
	}
	if config.ExpireIn <= 0 {
		return errors.New("auth_token: invalid expiration value")
	}

	ta.name = name
	ta.hmacSalt = config.Key
	ta.lifetime = time.Duration(config.ExpireIn) * time.Second
	ta.serialNumber = config.SerialNum

	return nil
}

// Authenticate checks validity of provided token. The token carries no service grants.
func (ta *authenticator) Authenticate(token []byte) (*auth.Identity, error) {
	var tl tokenLayout
	dataSize := binary.Size(&tl)
	if len(token) < dataSize+sha256.Size {
		// Token is too short
		return nil, auth.ErrMalformed
	}

	buf := bytes.NewBuffer(token)
	err := binary.Read(buf, binary.LittleEndian, &tl)
	if err != nil {
		return nil, auth.ErrMalformed
	}

	hbuf := new(bytes.Buffer)
	binary.Write(hbuf, binary.LittleEndian, &tl)

	// Check signature.
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(hbuf.Bytes())
	if !hmac.Equal(token[dataSize:dataSize+sha256.Size], hasher.Sum(nil)) {
		return nil, auth.ErrFailed
	}

	// Check serial number.
	if int(tl.SerialNumber) != ta.serialNumber {
		return nil, auth.ErrFailed
	}

	uid := types.Uid(tl.Uid)
	if uid.IsZero() {
		return nil, auth.ErrMalformed
	}

	// Check token expiration time.
	expires := time.Unix(int64(tl.Expires), 0).UTC()
	if expires.Before(time.Now().Add(1 * time.Second)) {
		return nil, auth.ErrExpired
	}

	return &auth.Identity{UserId: uid.String(), Expires: expires}, nil
}

// GenSecret generates a new token. The user id must be a valid Uid string.
func (ta *authenticator) GenSecret(id *auth.Identity, lifetime time.Duration) ([]byte, time.Time, error) {
	uid := types.ParseUid(id.UserId)
	if uid.IsZero() {
		return nil, time.Time{}, auth.ErrMalformed
	}

	if lifetime == 0 {
		lifetime = ta.lifetime
	} else if lifetime < 0 {
		return nil, time.Time{}, auth.ErrExpired
	}
	expires := time.Now().Add(lifetime).UTC().Round(time.Millisecond)

	tl := tokenLayout{
		Uid:          uint64(uid),
		Expires:      uint32(expires.Unix()),
		SerialNumber: uint16(ta.serialNumber),
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &tl)
	hasher := hmac.New(sha256.New, ta.hmacSalt)
	hasher.Write(buf.Bytes())
	binary.Write(buf, binary.LittleEndian, hasher.Sum(nil))

	return buf.Bytes(), expires, nil
}

func init() {
	auth.Register("token", &authenticator{})
}
