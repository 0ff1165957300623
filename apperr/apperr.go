package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so the chat layer can pick the right reply.
type Kind string

const (
	KindAuthenticationRequired Kind = "AUTHENTICATION_REQUIRED"
	KindExternalWrite          Kind = "EXTERNAL_WRITE"
	KindAggregation            Kind = "AGGREGATION"
	KindNotFound               Kind = "NOT_FOUND"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired, Message: "authentication required"}
	ErrExternalWrite          = &Error{Kind: KindExternalWrite, Message: "external write failed"}
	ErrAggregation            = &Error{Kind: KindAggregation, Message: "unable to assemble thread"}
	ErrNotFound               = &Error{Kind: KindNotFound, Message: "not found"}
)

// Error is the typed error returned by the core packages.
type Error struct {
	Kind        Kind
	Message     string
	RecoveryURL string
	Details     map[string]any
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// AuthenticationRequired carries a recovery URL the user must visit.
func AuthenticationRequired(recoveryURL, message string) error {
	return &Error{
		Kind:        KindAuthenticationRequired,
		Message:     message,
		RecoveryURL: recoveryURL,
	}
}

// ExternalWrite wraps a rejected create/update. op names the operation.
func ExternalWrite(op string, err error) error {
	return &Error{
		Kind:    KindExternalWrite,
		Message: op + " failed",
		Details: map[string]any{"op": op},
		Err:     err,
	}
}

// Aggregation wraps any failure while assembling a thread.
func Aggregation(err error) error {
	return &Error{
		Kind:    KindAggregation,
		Message: "unable to assemble thread",
		Err:     err,
	}
}

// NotFound reports that a lookup returned zero records.
func NotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: details,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RecoveryURL returns the recovery URL carried by an authentication error.
func RecoveryURL(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.RecoveryURL
	}
	return ""
}
