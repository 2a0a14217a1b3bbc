// Package jwt implements authentication by HS256-signed JSON web tokens. The token subject
// is the user id; the optional "svc" claim carries per-service access levels.
package jwt

import (
	"encoding/json"
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/tinode/livesync/server/auth"
	"github.com/tinode/livesync/server/store/types"
)

const minKeyLength = 32

type claims struct {
	Svc types.ServiceAccess `json:"svc,omitempty"`
	gojwt.RegisteredClaims
}

type authenticator struct {
	name     string
	key      []byte
	issuer   string
	audience string
	lifetime time.Duration
	leeway   time.Duration
}

// Init parses the config.
func (ja *authenticator) Init(jsonconf json.RawMessage, name string) error {
	if ja.name != "" {
		return errors.New("auth_jwt: already initialized as " + ja.name + "; " + name)
	}

	type configType struct {
		// HMAC key.
		Key []byte `json:"key"`
		// Expected "iss" claim, optional.
		Issuer string `json:"issuer"`
		// Expected "aud" claim, optional.
		Audience string `json:"audience"`
		// Lifetime of issued tokens, seconds.
		ExpireIn int `json:"expire_in"`
		// Allowed clock skew, seconds.
		Leeway int `json:"leeway"`
	}
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth_jwt: failed to parse config: " + err.Error())
	}
	if len(config.Key) < minKeyLength {
		return errors.New("auth_jwt: the key is missing or too short")
	}
	if config.ExpireIn <= 0 {
		return errors.New("auth_jwt: invalid expiration value")
	}

	ja.name = name
	ja.key = config.Key
	ja.issuer = config.Issuer
	ja.audience = config.Audience
	ja.lifetime = time.Duration(config.ExpireIn) * time.Second
	ja.leeway = time.Duration(config.Leeway) * time.Second
	return nil
}

func (ja *authenticator) parser() *gojwt.Parser {
	opts := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithExpirationRequired(),
		gojwt.WithLeeway(ja.leeway),
	}
	if ja.issuer != "" {
		opts = append(opts, gojwt.WithIssuer(ja.issuer))
	}
	if ja.audience != "" {
		opts = append(opts, gojwt.WithAudience(ja.audience))
	}
	return gojwt.NewParser(opts...)
}

// Authenticate verifies the token and extracts the identity.
func (ja *authenticator) Authenticate(secret []byte) (*auth.Identity, error) {
	var cl claims
	_, err := ja.parser().ParseWithClaims(string(secret), &cl, func(*gojwt.Token) (any, error) {
		return ja.key, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, gojwt.ErrTokenExpired):
		return nil, auth.ErrExpired
	case errors.Is(err, gojwt.ErrTokenMalformed):
		return nil, auth.ErrMalformed
	default:
		return nil, auth.ErrFailed
	}

	if cl.Subject == "" {
		return nil, auth.ErrMalformed
	}
	for svc, lvl := range cl.Svc {
		if !lvl.IsValid() {
			return nil, errors.New("auth_jwt: invalid access level for " + svc)
		}
	}

	id := &auth.Identity{UserId: cl.Subject, ServiceAccess: cl.Svc}
	if cl.ExpiresAt != nil {
		id.Expires = cl.ExpiresAt.Time
	}
	return id, nil
}

// GenSecret issues a signed token for the identity.
func (ja *authenticator) GenSecret(id *auth.Identity, lifetime time.Duration) ([]byte, time.Time, error) {
	if id.UserId == "" {
		return nil, time.Time{}, auth.ErrMalformed
	}
	if lifetime == 0 {
		lifetime = ja.lifetime
	} else if lifetime < 0 {
		return nil, time.Time{}, auth.ErrExpired
	}

	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(lifetime)
	cl := claims{
		Svc: id.ServiceAccess,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   id.UserId,
			Issuer:    ja.issuer,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(expires),
		},
	}
	if ja.audience != "" {
		cl.Audience = gojwt.ClaimStrings{ja.audience}
	}

	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, cl).SignedString(ja.key)
	if err != nil {
		return nil, time.Time{}, err
	}
	return []byte(signed), expires, nil
}

func init() {
	auth.Register("jwt", &authenticator{})
}
