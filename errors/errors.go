// Package errors provides error handling for scenesync.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details that survive wrapping
//
// On top of that it defines the synchronization error taxonomy. Every
// taxonomy error wraps one sentinel, so callers classify with errors.Is or
// the IsXxx predicates regardless of how much context was added on the way up:
//
//	if errors.IsUnknownEntity(err) {
//	    // request a resync of that entity
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"strings"
	"time"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
	CombineErrors    = crdb.CombineErrors
)

// Generic sentinels.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// Synchronization taxonomy.
var (
	// ErrUnknownEntity: an operation references an entity never created locally.
	ErrUnknownEntity = New("unknown entity")

	// ErrDependencyTimeout: a parked operation's dependency never resolved
	// within the pending-queue lifetime.
	ErrDependencyTimeout = New("dependency timeout")

	// ErrMalformedMessage: a frame could not be decoded or failed validation.
	ErrMalformedMessage = New("malformed message")

	// ErrTransport: the connection failed. The session is over.
	ErrTransport = New("transport failure")

	// ErrStructuralInconsistency: references were still unresolved when the
	// link was lost.
	ErrStructuralInconsistency = New("structural inconsistency")

	// ErrSessionClosed is returned by operations on a Disconnected session.
	ErrSessionClosed = New("session closed")

	// ErrInvalidTransition is returned for a state change the session
	// state machine does not allow.
	ErrInvalidTransition = New("invalid session state transition")

	// ErrProtocolVersion: the remote peer speaks an incompatible protocol.
	ErrProtocolVersion = New("incompatible protocol version")
)

// NewUnknownEntityError reports an operation against an entity id that was
// never created in the local registry.
func NewUnknownEntityError(id string, op string) error {
	err := Wrapf(ErrUnknownEntity, "%s %s", op, id)
	return WithHint(err, "request a resync of the entity, or rejoin the session")
}

// NewDependencyTimeoutError reports an operation that waited too long for
// the entity it references.
func NewDependencyTimeoutError(entity, missing string, age time.Duration) error {
	err := Wrapf(ErrDependencyTimeout, "operation on %s waited %s for %s", entity, age.Round(time.Millisecond), missing)
	return WithHint(err, "the scene may be out of sync with the session; rejoin to resynchronize")
}

// NewMalformedMessageError wraps a decode or validation failure.
func NewMalformedMessageError(cause error) error {
	if cause == nil {
		return ErrMalformedMessage
	}
	return Wrap(WithSecondaryError(ErrMalformedMessage, cause), cause.Error())
}

// NewTransportError wraps a connection failure.
func NewTransportError(cause error) error {
	if cause == nil {
		return ErrTransport
	}
	return Wrap(WithSecondaryError(ErrTransport, cause), cause.Error())
}

// NewStructuralInconsistencyError lists the entity ids that were still
// referenced but never received when the link went down.
func NewStructuralInconsistencyError(missing []string) error {
	err := Wrapf(ErrStructuralInconsistency, "%d unresolved reference(s): %s", len(missing), strings.Join(missing, ", "))
	return WithHint(err, "rejoin the session to receive the missing entities")
}

// IsUnknownEntity checks if an error is or wraps ErrUnknownEntity
func IsUnknownEntity(err error) bool {
	return err != nil && Is(err, ErrUnknownEntity)
}

// IsDependencyTimeout checks if an error is or wraps ErrDependencyTimeout
func IsDependencyTimeout(err error) bool {
	return err != nil && Is(err, ErrDependencyTimeout)
}

// IsMalformedMessage checks if an error is or wraps ErrMalformedMessage
func IsMalformedMessage(err error) bool {
	return err != nil && Is(err, ErrMalformedMessage)
}

// IsTransport checks if an error is or wraps ErrTransport
func IsTransport(err error) bool {
	return err != nil && Is(err, ErrTransport)
}

// IsStructuralInconsistency checks if an error is or wraps ErrStructuralInconsistency
func IsStructuralInconsistency(err error) bool {
	return err != nil && Is(err, ErrStructuralInconsistency)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
