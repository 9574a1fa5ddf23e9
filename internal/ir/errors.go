package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes datastore errors.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates an invalid schema, config or database.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"

	// ErrCodeInvalidCondition indicates a conditional write whose condition
	// did not hold against the stored record.
	ErrCodeInvalidCondition ErrorCode = "INVALID_CONDITION"

	// ErrCodeTooManyPredicates indicates a query exceeding the storage
	// adapter's leaf predicate limit.
	ErrCodeTooManyPredicates ErrorCode = "TOO_MANY_PREDICATES"

	// ErrCodeStorageIO indicates a storage failure. See Error.Ignorable.
	ErrCodeStorageIO ErrorCode = "STORAGE_IO"

	// ErrCodeNetwork indicates a transport failure or timeout.
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeConflict indicates the remote rejected a mutation as conflicting.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeAuthExpired indicates credentials must be refreshed.
	ErrCodeAuthExpired ErrorCode = "AUTH_EXPIRED"

	// ErrCodeMutationAlreadyExists indicates a create for a record that
	// already has a pending mutation.
	ErrCodeMutationAlreadyExists ErrorCode = "MUTATION_ALREADY_EXISTS"

	// ErrCodePendingDelete indicates an update for a record pending deletion.
	ErrCodePendingDelete ErrorCode = "PENDING_DELETE"

	// ErrCodeInvalidOperation indicates a malformed request.
	ErrCodeInvalidOperation ErrorCode = "INVALID_OPERATION"

	// ErrCodeNotFound indicates a missing model or record.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Error is the error type returned across package boundaries.
type Error struct {
	Code    ErrorCode
	Message string

	// Model and ID identify the affected record, when there is one.
	Model string
	ID    string

	// Ignorable marks storage errors (constraint violations) that a
	// background pipeline may skip without stopping.
	Ignorable bool

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Model != "" && e.ID != "" {
		msg = fmt.Sprintf("%s (%s/%s)", msg, e.Model, e.ID)
	} else if e.Model != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Model)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithRecord returns a copy of e annotated with the affected record.
func (e *Error) WithRecord(model, id string) *Error {
	cp := *e
	cp.Model = model
	cp.ID = id
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err wraps an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsIgnorable reports whether err is an ignorable storage error.
func IsIgnorable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == ErrCodeStorageIO && e.Ignorable
	}
	return false
}

// IsRetryable reports whether err is a transient delivery failure.
func IsRetryable(err error) bool {
	return IsCode(err, ErrCodeNetwork)
}

func NewConfigurationError(msg string, err error) *Error {
	return &Error{Code: ErrCodeConfiguration, Message: msg, Err: err}
}

func NewInvalidConditionError(model, id string) *Error {
	return &Error{Code: ErrCodeInvalidCondition, Message: "condition did not match the stored record", Model: model, ID: id}
}

func NewTooManyPredicatesError(count, limit int) *Error {
	return &Error{
		Code:    ErrCodeTooManyPredicates,
		Message: fmt.Sprintf("query has %d predicates, limit is %d", count, limit),
	}
}

func NewStorageError(msg string, ignorable bool, err error) *Error {
	return &Error{Code: ErrCodeStorageIO, Message: msg, Ignorable: ignorable, Err: err}
}

func NewNetworkError(msg string, err error) *Error {
	return &Error{Code: ErrCodeNetwork, Message: msg, Err: err}
}

func NewConflictError(model, id string, err error) *Error {
	return &Error{Code: ErrCodeConflict, Message: "remote rejected mutation as conflicting", Model: model, ID: id, Err: err}
}

func NewAuthExpiredError(err error) *Error {
	return &Error{Code: ErrCodeAuthExpired, Message: "credentials expired", Err: err}
}

func NewMutationAlreadyExistsError(model, id string) *Error {
	return &Error{Code: ErrCodeMutationAlreadyExists, Message: "a pending mutation already exists for this record", Model: model, ID: id}
}

func NewPendingDeleteError(model, id string) *Error {
	return &Error{Code: ErrCodePendingDelete, Message: "record has a pending delete", Model: model, ID: id}
}

func NewInvalidOperationError(msg string) *Error {
	return &Error{Code: ErrCodeInvalidOperation, Message: msg}
}

func NewNotFoundError(msg string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: msg}
}
