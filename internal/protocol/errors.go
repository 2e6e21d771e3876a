package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies protocol errors.
type ErrorKind string

const (
	// KindStaleCookie means the server no longer recognizes the client's
	// cookie. The client must drop its snapshot and pull from no cookie.
	KindStaleCookie ErrorKind = "StaleCookie"

	// KindMutationRejected means a mutator raised an application error.
	// The mutation is consumed and will not be retried.
	KindMutationRejected ErrorKind = "MutationRejected"

	// KindInvalidMessage means a message failed decoding or validation.
	KindInvalidMessage ErrorKind = "InvalidMessage"

	// KindUnauthorized means the connection's credentials were refused.
	KindUnauthorized ErrorKind = "Unauthorized"

	// KindInternal is an unexpected server failure.
	KindInternal ErrorKind = "Internal"
)

var validKinds = map[ErrorKind]bool{
	KindStaleCookie:      true,
	KindMutationRejected: true,
	KindInvalidMessage:   true,
	KindUnauthorized:     true,
	KindInternal:         true,
}

// Error is both a Go error and the "error" message sent to a peer.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Terminal reports whether the error ends the connection. StaleCookie and
// MutationRejected only degrade it.
func (e *Error) Terminal() bool {
	switch e.Kind {
	case KindStaleCookie, KindMutationRejected:
		return false
	}
	return true
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsStaleCookie returns true if err is or wraps a StaleCookie error.
func IsStaleCookie(err error) bool {
	return KindOf(err) == KindStaleCookie
}

// IsUnauthorized returns true if err is or wraps an Unauthorized error.
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}

// AsError converts any error into an *Error for sending to a peer.
// Errors that are not protocol errors become Internal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: err.Error()}
}
