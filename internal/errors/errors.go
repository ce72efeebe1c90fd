// Package errors defines the failure taxonomy shared by the HTTP gateway and
// the realtime channel layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindValidation
	KindNotFound
	KindServerError
	KindNetwork
	KindRateLimited
	KindConnectionFatal
	KindConnectionTransient
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindServerError:
		return "server_error"
	case KindNetwork:
		return "network"
	case KindRateLimited:
		return "rate_limited"
	case KindConnectionFatal:
		return "connection_fatal"
	case KindConnectionTransient:
		return "connection_transient"
	default:
		return "internal"
	}
}

// Fine-grained codes. The first four arrive from the server in the error-code
// response header; the rest are produced locally.
const (
	CodeAccessTokenExpired   = "ACCESS_TOKEN_EXPIRED"
	CodeAccessTokenNotValid  = "ACCESS_TOKEN_NOT_VALID"
	CodeRefreshTokenExpired  = "REFRESH_TOKEN_EXPIRED"
	CodeRefreshTokenNotValid = "REFRESH_TOKEN_NOT_VALID"

	CodeLoginFailed        = "LOGIN_FAILED"
	CodeNoSession          = "NO_SESSION"
	CodeRefreshFailed      = "REFRESH_FAILED"
	CodeRefreshQueueFull   = "REFRESH_QUEUE_FULL"
	CodeRefreshWaitTimeout = "REFRESH_WAIT_TIMEOUT"
	CodeRetryRejected      = "RETRY_REJECTED"
	CodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	CodeHandshakeRejected  = "HANDSHAKE_REJECTED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNoResponse         = "NO_RESPONSE"
)

// ServiceError is the typed failure surfaced to callers.
type ServiceError struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ServiceError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another *ServiceError by kind and, when the target sets one, code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// As extracts a *ServiceError from err.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is not a ServiceError.
func KindOf(err error) Kind {
	if se, ok := As(err); ok {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	se, ok := As(err)
	return ok && se.Kind == kind
}

// CodeOf returns the fine-grained code of err, or "".
func CodeOf(err error) string {
	if se, ok := As(err); ok {
		return se.Code
	}
	return ""
}

// Authentication builds a session-level failure.
func Authentication(code, message string) *ServiceError {
	return &ServiceError{
		Kind:       KindAuthentication,
		Code:       code,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Network builds a failure for a call that received no response.
func Network(err error) *ServiceError {
	return &ServiceError{
		Kind:    KindNetwork,
		Code:    CodeNoResponse,
		Message: "no response received",
		Err:     err,
	}
}

// RateLimitExceeded builds a failure for a locally throttled call.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return &ServiceError{
		Kind:       KindRateLimited,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limit of %d per %s exceeded", limit, window),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// FromStatus classifies a non-401 HTTP failure.
func FromStatus(status int, code, message string) *ServiceError {
	kind := KindInternal
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		kind = KindValidation
	case status == http.StatusUnauthorized:
		kind = KindAuthentication
	case status == http.StatusForbidden:
		kind = KindAuthorization
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindServerError
	case status >= 400:
		kind = KindValidation
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &ServiceError{
		Kind:       kind,
		Code:       code,
		Message:    message,
		HTTPStatus: status,
	}
}

// ConnectionFatal builds a handshake failure that must not be retried.
func ConnectionFatal(reason string, err error) *ServiceError {
	return &ServiceError{
		Kind:    KindConnectionFatal,
		Code:    CodeHandshakeRejected,
		Message: reason,
		Err:     err,
	}
}

// ConnectionTransient builds a connection failure eligible for backoff.
func ConnectionTransient(reason string, err error) *ServiceError {
	return &ServiceError{
		Kind:    KindConnectionTransient,
		Message: reason,
		Err:     err,
	}
}
