/******************************************************************************
 *
 *  Description :
 *
 *  Authentication of incoming connections.
 *
 *****************************************************************************/

package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tinode/livesync/server/auth"
	"github.com/tinode/livesync/server/entity"
	"github.com/tinode/livesync/server/logs"
	"github.com/tinode/livesync/server/store/types"
)

// Name of the field of user records which holds per-service grants.
const serviceAccessField = "serviceAccess"

// How long to wait for the user record when loading grants.
const grantsLoadTimeout = 5 * time.Second

// getAuthSecret extracts the secret from the query string or the request headers.
func getAuthSecret(req *http.Request) []byte {
	secret := req.URL.Query().Get("token")
	if secret == "" {
		secret = req.Header.Get("X-LiveSync-Auth")
	}
	if secret == "" {
		if hdr := req.Header.Get("Authorization"); len(hdr) > 7 && strings.EqualFold(hdr[:7], "bearer ") {
			secret = strings.TrimSpace(hdr[7:])
		}
	}
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

// authenticate establishes the identity of the connection. A request without a secret is
// anonymous: the returned identity has an empty user id.
func authenticate(req *http.Request) (*auth.Identity, error) {
	secret := getAuthSecret(req)
	if secret == nil {
		return &auth.Identity{}, nil
	}
	if globals.authenticator == nil {
		return nil, auth.ErrUnsupported
	}

	ident, err := globals.authenticator.Authenticate(decodeSecret(secret))
	if err != nil {
		return nil, err
	}

	// Secrets which carry no grants get them from the user record.
	if ident.ServiceAccess == nil {
		ctx, cancel := context.WithTimeout(req.Context(), grantsLoadTimeout)
		defer cancel()
		if ident.ServiceAccess, err = loadServiceAccess(ctx, ident.UserId); err != nil {
			return nil, err
		}
	}
	return ident, nil
}

// Token secrets are binary and travel base64-encoded; JWTs are sent as is.
func decodeSecret(secret []byte) []byte {
	if globals.authScheme != "token" {
		return secret
	}
	decoded, err := decodeBase64(string(secret))
	if err != nil {
		return secret
	}
	return decoded
}

// loadServiceAccess reads grants of the user from the users service.
// A missing user or a missing users service means no grants.
func loadServiceAccess(ctx context.Context, uid string) (types.ServiceAccess, error) {
	svc := globals.hub.service(usersServiceName)
	if svc == nil {
		return types.ServiceAccess{}, nil
	}

	rec, err := svc.Store().FindUnique(ctx, map[string]any{types.IdField: uid},
		[]string{types.IdField, serviceAccessField})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.ServiceAccess{}, nil
		}
		logs.Err.Println("auth: failed to load grants", uid, err)
		return nil, auth.ErrInternal
	}

	sa, err := types.ParseServiceAccess(rec[serviceAccessField])
	if err != nil {
		logs.Warn.Println("auth: invalid grants in user record", uid, err)
		return types.ServiceAccess{}, nil
	}
	if sa == nil {
		sa = types.ServiceAccess{}
	}
	return sa, nil
}

// decodeAuthError converts an authentication error into a response envelope.
func decodeAuthError(err error) *entity.Response {
	var resp *entity.Response
	switch err {
	case auth.ErrMalformed:
		resp = entity.ErrMalformedResp()
	case auth.ErrFailed, auth.ErrExpired:
		resp = &entity.Response{Error: "authentication failed", Code: http.StatusUnauthorized}
	case auth.ErrUnsupported:
		resp = &entity.Response{Error: "not implemented", Code: http.StatusNotImplemented}
	default:
		resp = entity.ErrUnknownResp()
	}
	return resp
}
