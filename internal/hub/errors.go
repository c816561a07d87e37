// ABOUTME: Error taxonomy for chat operations and its mapping to wire codes
// ABOUTME: Callers match with errors.Is; transports translate with Code and HTTPStatus

package hub

import (
	"errors"
	"net/http"

	"github.com/2389/coven-chat/internal/completion"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotAMember       = errors.New("not a member of conversation")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUpstreamFailure marks a completion source failure. Agent replies
	// degrade into their message text instead, so senders never see it.
	ErrUpstreamFailure = completion.ErrUpstream
)

// Wire error codes.
const (
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeForbidden        = "FORBIDDEN"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
)

// Code maps err to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthenticated
	case errors.Is(err, ErrNotAMember):
		return CodeForbidden
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidArgument
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrUpstreamFailure):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodePermissionDenied:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text safe to show a client. Internal errors are not described.
func PublicMessage(err error) string {
	if Code(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
