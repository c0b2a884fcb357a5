// Package apperr carries the error kinds surfaced to API callers.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	Unauthenticated     Kind = "UNAUTHENTICATED"
	PermissionDenied    Kind = "PERMISSION_DENIED"
	RoomClosed          Kind = "ROOM_CLOSED"
	RoomIsNotQueued     Kind = "ROOM_IS_NOT_QUEUED"
	ConflictActiveRoom  Kind = "CONFLICT_ACTIVE_ROOM"
	OutsideWorkingHours Kind = "OUTSIDE_WORKING_HOURS"
	NoOnlineAgents      Kind = "NO_ONLINE_AGENTS"
	TagsRequired        Kind = "TAGS_REQUIRED"
	EmptyMessage        Kind = "EMPTY_MESSAGE"
	RateLimited         Kind = "RATE_LIMITED"
	MaxPinLimit         Kind = "MAX_PIN_LIMIT"
	InvalidObjectKey    Kind = "INVALID_OBJECT_KEY"
	NotFound            Kind = "NOT_FOUND"
	InvalidInput        Kind = "INVALID_INPUT"
	Internal            Kind = "INTERNAL"
)

// Error is a tagged failure. Detail is safe to show to callers, Err is not.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.New(apperr.RoomClosed, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf reports the kind carried by err, or Internal for untagged errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailOf returns the caller-safe detail of err.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ConflictActiveRoom:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case RoomClosed, RoomIsNotQueued, OutsideWorkingHours, NoOnlineAgents,
		TagsRequired, EmptyMessage, MaxPinLimit, InvalidObjectKey, InvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
