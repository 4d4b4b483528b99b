package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can tell policy rejections,
// caller mistakes and processor failures apart.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderPermanent ErrorKind = "provider_permanent"
	KindFraudRejected     ErrorKind = "fraud_rejected"
	KindEncryption        ErrorKind = "encryption_failure"
	KindDecryption        ErrorKind = "decryption_failure"
	KindSignatureInvalid  ErrorKind = "signature_invalid"
	KindDuplicateEvent    ErrorKind = "duplicate_event"
	KindConflict          ErrorKind = "conflict"
	KindNotFound          ErrorKind = "not_found"
	KindForbidden         ErrorKind = "forbidden"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindInternal          ErrorKind = "internal"
)

// Repository sentinels. Stores return these (possibly wrapped).
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrStaleVersion = errors.New("stale version")
)

// Error carries a kind and a message safe to show to a caller.
// Err holds the underlying cause and is never rendered to API clients.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind and message to a cause.
func WrapError(kind ErrorKind, err error, message string) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first typed error in the chain.
// Untyped not-found errors map to KindNotFound; anything else is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-safe message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if errors.Is(err, ErrNotFound) {
		return "not found"
	}
	return "internal error"
}
