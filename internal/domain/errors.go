package domain

import (
	"errors"
	"fmt"
)

// ErrorKind identifica la categoria de un fallo tal como cruza la superficie del protocolo.
type ErrorKind string

const (
	KindAuthentication         ErrorKind = "AuthenticationError"
	KindAuthenticationRequired ErrorKind = "AuthenticationRequired"
	KindSessionNotFound        ErrorKind = "SessionNotFound"
	KindSessionExpired         ErrorKind = "SessionExpired"
	KindRateLimited            ErrorKind = "RateLimited"
	KindTimeout                ErrorKind = "Timeout"
	KindUnreachable            ErrorKind = "Unreachable"
	KindUpstreamRejected       ErrorKind = "UpstreamRejected"
	KindValidation             ErrorKind = "ValidationError"
	KindInternal               ErrorKind = "InternalError"
)

// Sentinels para errors.Is; comparan solo por Kind.
var (
	ErrAuthentication         = &Error{Kind: KindAuthentication}
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired}
	ErrSessionNotFound        = &Error{Kind: KindSessionNotFound}
	ErrSessionExpired         = &Error{Kind: KindSessionExpired}
	ErrRateLimited            = &Error{Kind: KindRateLimited}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrUnreachable            = &Error{Kind: KindUnreachable}
	ErrUpstreamRejected       = &Error{Kind: KindUpstreamRejected}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrInternal               = &Error{Kind: KindInternal}
)

// Error es el error tipado del bridge.
type Error struct {
	Kind    ErrorKind
	Message string
	// Status y Body solo se completan para respuestas HTTP del upstream.
	Status int
	Body   string
	// Conflict marca un rechazo por version desactualizada (optimistic concurrency).
	Conflict bool
	// Final marca fallos que no se reintentan aunque su Kind sea transitorio.
	Final bool
	Err   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is permite errors.Is(err, domain.ErrSessionExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Transient indica si el fallo justifica reintentar contra el upstream.
func (e *Error) Transient() bool {
	if e.Final {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindUnreachable:
		return true
	case KindRateLimited:
		// 429 del upstream se reintenta; el limitador local falla rapido.
		return e.Status != 0
	}
	return false
}

// NewError construye un *Error con mensaje formateado.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError envuelve err bajo kind.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf devuelve la categoria de err; InternalError si no es un *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient informa si err es un *Error reintentable.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient()
	}
	return false
}

// IsConflict informa si err es un rechazo por version.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUpstreamRejected && e.Conflict
}
