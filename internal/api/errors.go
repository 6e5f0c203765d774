package api

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorKind is the stable error classification returned to callers.
// Every failure in the system is categorized exactly once.
type ErrorKind string

const (
	// KindIdentitySpoofing means the verified identity does not match
	// the claimed identity. Fatal to the request, logged as a security
	// event.
	KindIdentitySpoofing ErrorKind = "IdentitySpoofingError"

	// KindPermissionDenied means the caller's authority is insufficient
	// for the operation.
	KindPermissionDenied ErrorKind = "PermissionDenied"

	// KindNotFound means a referenced entity does not exist.
	KindNotFound ErrorKind = "NotFound"

	// KindInvalidArgument means a malformed request, unknown enum value
	// or missing field.
	KindInvalidArgument ErrorKind = "InvalidArgument"

	// KindInvalidTransition means a state-machine transition was
	// rejected.
	KindInvalidTransition ErrorKind = "InvalidTransitionError"

	// KindConflict means a unique-key violation or an idempotency-key
	// collision with a different payload.
	KindConflict ErrorKind = "Conflict"

	// KindDeadlineExceeded means the per-request deadline elapsed
	// before commit.
	KindDeadlineExceeded ErrorKind = "DeadlineExceeded"

	// KindOverloaded means a reducer or subscriber queue is full.
	// Retryable.
	KindOverloaded ErrorKind = "Overloaded"

	// KindIDGeneration means the entropy source was unavailable.
	// Retryable.
	KindIDGeneration ErrorKind = "IdGenerationError"

	// KindCursorExpired means a subscriber cursor predates the
	// retention horizon; the subscriber must resynchronize.
	KindCursorExpired ErrorKind = "CursorExpired"

	// KindHalted means an emergency halt is in force and only user
	// operations are accepted.
	KindHalted ErrorKind = "Halted"

	// KindInternal is any unclassified failure. Carries a correlation
	// identifier locating the corresponding audit entries.
	KindInternal ErrorKind = "Internal"
)

// Error is the structured error carried across component boundaries.
// The Kind is stable and machine-readable; the Message is for humans.
type Error struct {
	Kind          ErrorKind
	Message       string
	CorrelationID string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation %s)", e.Kind, e.Message, e.CorrelationID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Convenience constructors for the common kinds.

func NewIdentitySpoofingError(format string, args ...interface{}) *Error {
	return NewError(KindIdentitySpoofing, format, args...)
}

func NewPermissionDeniedError(format string, args ...interface{}) *Error {
	return NewError(KindPermissionDenied, format, args...)
}

func NewNotFoundError(entity, id string) *Error {
	return NewError(KindNotFound, "%s %s not found", entity, id)
}

func NewInvalidArgumentError(format string, args ...interface{}) *Error {
	return NewError(KindInvalidArgument, format, args...)
}

func NewInvalidTransitionError(format string, args ...interface{}) *Error {
	return NewError(KindInvalidTransition, format, args...)
}

func NewConflictError(format string, args ...interface{}) *Error {
	return NewError(KindConflict, format, args...)
}

func NewOverloadedError(format string, args ...interface{}) *Error {
	return NewError(KindOverloaded, format, args...)
}

func NewHaltedError() *Error {
	return NewError(KindHalted, "emergency halt is in force; only user operations are accepted")
}

func NewCursorExpiredError(cursor uint64) *Error {
	return NewError(KindCursorExpired, "cursor %d predates the retention horizon, resynchronize", cursor)
}

// NewInternalError wraps an unclassified failure with a fresh
// correlation identifier. The underlying detail is logged by the
// caller and never leaked to clients.
func NewInternalError(err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "internal error",
		CorrelationID: uuid.NewString(),
	}
}

// KindOf extracts the ErrorKind from an error chain. Unclassified
// errors report KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the client library may retry the failed
// operation with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindOverloaded, KindIDGeneration:
		return true
	}
	return false
}

// Handler-not-registered errors for the service locator.
var (
	ErrStoreNotRegistered       = errors.New("store handler not registered")
	ErrAuthorityNotRegistered   = errors.New("authority handler not registered")
	ErrFabricNotRegistered      = errors.New("fabric handler not registered")
	ErrCoordinatorNotRegistered = errors.New("coordinator handler not registered")
	ErrAuditNotRegistered       = errors.New("audit handler not registered")
	ErrIdentityNotRegistered    = errors.New("identity handler not registered")
)

// HandleError converts an error into a CallToolResult in the standard
// shape used by every tool handler.
func HandleError(err error) *CallToolResult {
	return &CallToolResult{
		Content: []interface{}{err.Error()},
		IsError: true,
	}
}
