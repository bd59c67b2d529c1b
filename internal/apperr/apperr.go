// Package apperr defines the error kinds shared by the ingestion pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindAuthentication
	KindExternalService
	KindRateLimit
	KindNotFound
	KindValidation
	KindSyncState
	KindCorruptState
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthentication:
		return "authentication"
	case KindExternalService:
		return "external_service"
	case KindRateLimit:
		return "rate_limit"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindSyncState:
		return "sync_state"
	case KindCorruptState:
		return "corrupt_state"
	default:
		return "unknown"
	}
}

// parent returns the broader kind a kind specializes, or KindUnknown
func (k Kind) parent() Kind {
	switch k {
	case KindRateLimit:
		return KindExternalService
	case KindCorruptState:
		return KindSyncState
	default:
		return KindUnknown
	}
}

// Error is a classified error
type Error struct {
	Kind    Kind
	Op      string
	Service string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Service != "" {
		msg = e.Service + ": " + msg
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors of the same kind or of the kind this one specializes,
// so a rate-limit error is also an external-service error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return e.Kind == t.Kind || (e.Kind.parent() != KindUnknown && e.Kind.parent() == t.Kind)
}

// Sentinels for errors.Is
var (
	ErrConfiguration   = &Error{Kind: KindConfiguration}
	ErrAuthentication  = &Error{Kind: KindAuthentication}
	ErrExternalService = &Error{Kind: KindExternalService}
	ErrRateLimit       = &Error{Kind: KindRateLimit}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrSyncState       = &Error{Kind: KindSyncState}
	ErrCorruptState    = &Error{Kind: KindCorruptState}
)

// New builds a classified error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// External builds an external-service error attributed to service
func External(service, op string, err error) *Error {
	return &Error{Kind: KindExternalService, Op: op, Service: service, Err: err}
}

// RateLimited builds a rate-limit error attributed to service
func RateLimited(service, op string, err error) *Error {
	return &Error{Kind: KindRateLimit, Op: op, Service: service, Err: err}
}

// Configf builds a configuration error from a format string
func Configf(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the most specific kind found in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
