// Package apperr defines the error taxonomy shared by the booking core and
// its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindOrderNotFound     Kind = "order_not_found"
	KindUnauthenticated   Kind = "unauthenticated"
	KindUnauthorized      Kind = "unauthorized"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindGateway           Kind = "gateway"
	KindInvalidTransition Kind = "invalid_transition"
	KindEncoding          Kind = "encoding"
	KindInternal          Kind = "internal"
)

// Sentinels for errors.Is checks. An *Error matches the sentinel of its Kind.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrGateway           = errors.New("gateway error")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrEncoding          = errors.New("encoding error")
	ErrInternal          = errors.New("internal error")
)

var sentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindNotFound:          ErrNotFound,
	KindOrderNotFound:     ErrOrderNotFound,
	KindUnauthenticated:   ErrUnauthenticated,
	KindUnauthorized:      ErrUnauthorized,
	KindSignatureMismatch: ErrSignatureMismatch,
	KindGateway:           ErrGateway,
	KindInvalidTransition: ErrInvalidTransition,
	KindEncoding:          ErrEncoding,
	KindInternal:          ErrInternal,
}

// Error carries a public message that is safe to return to clients and an
// internal cause that is only logged.
type Error struct {
	Kind    Kind
	Public  string
	Fields  map[string]string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Public, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Public)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	// an order that is missing is also a missing resource
	return e.Kind == KindOrderNotFound && target == ErrNotFound
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Public: fmt.Sprintf(format, args...), Wrapped: cause}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// ValidationFields reports per-field problems, as produced by the request validator.
func ValidationFields(fields map[string]string) *Error {
	e := newError(KindValidation, nil, "request validation failed")
	e.Fields = fields
	return e
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

func OrderNotFound(orderID string, cause error) *Error {
	return newError(KindOrderNotFound, cause, "order %s not found", orderID)
}

func Unauthenticated() *Error {
	return newError(KindUnauthenticated, nil, "authentication required")
}

func Unauthorized(format string, args ...any) *Error {
	return newError(KindUnauthorized, nil, format, args...)
}

// SignatureMismatch keeps the reason internal; clients only see "verification failed".
func SignatureMismatch(cause error) *Error {
	return newError(KindSignatureMismatch, cause, "payment verification failed")
}

func Gateway(gateway string, cause error) *Error {
	return newError(KindGateway, cause, "payment gateway %s unavailable, please retry", gateway)
}

func InvalidTransition(format string, args ...any) *Error {
	return newError(KindInvalidTransition, nil, format, args...)
}

func Encoding(cause error) *Error {
	return newError(KindEncoding, cause, "voucher could not be generated")
}

func Internal(cause error) *Error {
	return newError(KindInternal, cause, "the server encountered a problem and could not process your request")
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindOrderNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindSignatureMismatch:
		return http.StatusPaymentRequired
	case KindGateway:
		return http.StatusBadGateway
	case KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage never leaks wrapped causes.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Public
	}
	return "the server encountered a problem and could not process your request"
}

func FieldErrors(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}
