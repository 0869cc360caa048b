package chat

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrGroupUnavailable = errors.New("group unavailable")
	ErrPersistence      = errors.New("persistence error")
	ErrDelivery         = errors.New("delivery failure")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrShuttingDown     = errors.New("server shutting down")
)

var publicErrors = []error{
	ErrUnauthenticated,
	ErrUnauthorized,
	ErrForbidden,
	ErrNotFound,
	ErrGroupUnavailable,
	ErrPersistence,
	ErrInvalidFrame,
	ErrInvalidArgument,
	ErrShuttingDown,
}

// PublicMessage is the text a client may see for err: the message of the
// sentinel it wraps, never the wrapped detail.
func PublicMessage(err error) string {
	for _, sentinel := range publicErrors {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}

// ErrorCode maps an error to the code sent in outbound error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrGroupUnavailable):
		return "group_unavailable"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	case errors.Is(err, ErrInvalidFrame):
		return "invalid_frame"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error to the status used by the REST handlers.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGroupUnavailable):
		return http.StatusGone
	case errors.Is(err, ErrInvalidFrame), errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
