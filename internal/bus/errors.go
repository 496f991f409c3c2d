package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures across the runners. Every error that crosses a
// component boundary carries one, so callers branch on taxonomy instead of
// string matching.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuth          Kind = "auth"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not-found"
	KindTransport     Kind = "transport"
	KindTimeout       Kind = "timeout"
	KindExecutorFault Kind = "executor-fault"
	KindLLMTimeout    Kind = "llm-timeout"
	KindLLMParse      Kind = "llm-parse"
	KindConfigMissing Kind = "config-missing"
	KindFatal         Kind = "fatal"
)

// Error is a classified failure. Status carries the HTTP code when the
// store answered; zero otherwise.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from anywhere in the chain. Context
// errors classify as timeout; everything unclassified is transport, the
// retryable default.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransport
}

// IsKind reports whether the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsConflict reports an optimistic-concurrency or idempotency collision.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsNotFound reports a missing breadcrumb or secret.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsAuth reports a rejected or expired token.
func IsAuth(err error) bool { return IsKind(err, KindAuth) }

// Retryable reports whether a retry could plausibly succeed. Validation,
// auth, conflict, and not-found answers are authoritative; transport and
// timeout failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	}
	return false
}

// kindFromStatus maps store HTTP answers onto the taxonomy.
func kindFromStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return KindConflict
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	}
	return KindTransport
}

// statusError builds the Error for a non-2xx store answer. The store
// replies with plain text or {"error": "..."}; both end up in Message.
func statusError(status int, body string) *Error {
	if len(body) > 256 {
		body = body[:256]
	}
	return &Error{
		Kind:    kindFromStatus(status),
		Message: fmt.Sprintf("store answered %d: %s", status, body),
		Status:  status,
	}
}
