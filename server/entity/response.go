package entity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/tinode/livesync/server/store/types"
)

// Errors returned by services and the dispatcher.
var (
	ErrAuthRequired     = errors.New("authentication required")
	ErrPermissionDenied = errors.New("permission denied")
	ErrValidation       = errors.New("validation failed")
	ErrMalformed        = errors.New("malformed request")
	ErrNotFound         = errors.New("not found")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrFinalized        = errors.New("service methods are finalized")
	ErrDuplicateMethod  = errors.New("duplicate method name")
	ErrInvalidName      = errors.New("invalid method name")
)

// ValidationError carries per-field failures of a payload check.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return ErrValidation.Error()
	}
	return ErrValidation.Error() + ": " + strings.Join(e.Details, "; ")
}

// Is makes errors.Is(err, ErrValidation) work.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Response is the acknowledgement of a request.
type Response struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    int      `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NoErr builds a success response.
func NoErr(data any) *Response {
	return &Response{Success: true, Data: data}
}

// ErrAuthRequiredResp is sent when the operation requires an authenticated peer.
func ErrAuthRequiredResp() *Response {
	return &Response{Error: ErrAuthRequired.Error(), Code: http.StatusUnauthorized}
}

// ErrPermissionDeniedResp is sent when the peer lacks access.
func ErrPermissionDeniedResp() *Response {
	return &Response{Error: ErrPermissionDenied.Error(), Code: http.StatusForbidden}
}

// ErrSubscriptionDeniedResp is sent when subscription is refused because of no access or a missing entity.
// The two cases are deliberately indistinguishable.
func ErrSubscriptionDeniedResp() *Response {
	return &Response{Error: "subscription denied", Code: http.StatusForbidden}
}

// ErrMalformedResp is sent when the payload cannot be parsed.
func ErrMalformedResp() *Response {
	return &Response{Error: ErrMalformed.Error(), Code: http.StatusBadRequest}
}

// ErrValidationResp is sent when the payload fails the method's schema.
func ErrValidationResp(details []string) *Response {
	return &Response{Error: ErrValidation.Error(), Code: http.StatusBadRequest, Details: details}
}

// ErrUnknownMethodResp is sent for an event with no handler.
func ErrUnknownMethodResp() *Response {
	return &Response{Error: ErrUnknownMethod.Error(), Code: http.StatusNotFound}
}

// ErrNotFoundResp is sent when the entity does not exist.
func ErrNotFoundResp() *Response {
	return &Response{Error: ErrNotFound.Error(), Code: http.StatusNotFound}
}

// ErrUnknownResp is a generic failure. The actual cause is logged, not sent.
func ErrUnknownResp() *Response {
	return &Response{Error: "internal error", Code: http.StatusInternalServerError}
}

// ErrorResponse converts an error returned by a handler to a response.
func ErrorResponse(err error) *Response {
	var verr *ValidationError
	switch {
	case err == nil:
		return NoErr(nil)
	case errors.As(err, &verr):
		return ErrValidationResp(verr.Details)
	case errors.Is(err, ErrValidation):
		return ErrValidationResp(nil)
	case errors.Is(err, ErrAuthRequired):
		return ErrAuthRequiredResp()
	case errors.Is(err, ErrPermissionDenied):
		return ErrPermissionDeniedResp()
	case errors.Is(err, ErrMalformed), errors.Is(err, types.ErrMalformed):
		return ErrMalformedResp()
	case errors.Is(err, ErrNotFound), errors.Is(err, types.ErrNotFound):
		return ErrNotFoundResp()
	case errors.Is(err, ErrUnknownMethod):
		return ErrUnknownMethodResp()
	case errors.Is(err, types.ErrDuplicate):
		return &Response{Error: "duplicate", Code: http.StatusConflict}
	default:
		return ErrUnknownResp()
	}
}
