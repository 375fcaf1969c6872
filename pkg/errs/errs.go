/*
Package errs defines the error taxonomy shared by every layer of the database
core: storage, MVCC, catalog, Raft, the driver, and the server event loop.

Each error carries a Kind so callers can branch with errors.Is against the
package-level sentinels instead of matching on message text.
*/
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of client-response mapping and
// driver fault handling.
type Kind int

const (
	// KindAbort marks an in-flight operation cancelled by a role change.
	KindAbort Kind = iota
	// KindReadOnly marks a write attempted on a non-mutable transaction.
	KindReadOnly
	// KindSerialization marks a write-write conflict; clients retry.
	KindSerialization
	// KindValue marks a user-level validation failure (schema, datatype,
	// referential integrity, uniqueness).
	KindValue
	// KindParse marks malformed input from a higher layer. Not produced by
	// this module, but reserved so callers can distinguish it from KindValue.
	KindParse
	// KindConfig marks invalid configuration at startup.
	KindConfig
	// KindInternal marks an invariant violation: log gap, missing entry,
	// poisoned lock. Fatal to the driver loop that observes it.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindAbort:
		return "Abort"
	case KindReadOnly:
		return "ReadOnly"
	case KindSerialization:
		return "Serialization"
	case KindValue:
		return "Value"
	case KindParse:
		return "Parse"
	case KindConfig:
		return "Config"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type produced by this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, errs.ErrSerialization) works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels usable with errors.Is; their Message/Cause fields are ignored by
// Is, only Kind is compared.
var (
	ErrAbort         = &Error{Kind: KindAbort, Message: "aborted"}
	ErrReadOnly      = &Error{Kind: KindReadOnly, Message: "transaction is read-only"}
	ErrSerialization = &Error{Kind: KindSerialization, Message: "serialization failure"}
)

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that chains an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Abortf, ReadOnlyf, Serializationf, Valuef, Parsef, Configf, Internalf are
// convenience constructors for the corresponding Kind.
func Abortf(format string, args ...interface{}) *Error {
	return New(KindAbort, format, args...)
}
func ReadOnlyf(format string, args ...interface{}) *Error {
	return New(KindReadOnly, format, args...)
}
func Serializationf(format string, args ...interface{}) *Error {
	return New(KindSerialization, format, args...)
}
func Valuef(format string, args ...interface{}) *Error {
	return New(KindValue, format, args...)
}
func Parsef(format string, args ...interface{}) *Error {
	return New(KindParse, format, args...)
}
func Configf(format string, args ...interface{}) *Error {
	return New(KindConfig, format, args...)
}
func Internalf(format string, args ...interface{}) *Error {
	return New(KindInternal, format, args...)
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate in this package (an invariant this module should
// never actually rely on, but which keeps client-response mapping total).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
