package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/roach88/tether/internal/ir"
)

// ErrorKind classifies a failed remote call.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindAuth       ErrorKind = "auth"
	KindConflict   ErrorKind = "conflict"
	KindValidation ErrorKind = "validation"
)

// Error is returned by Channel implementations.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote %s error: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("remote %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf returns the kind of a remote failure. Deadline errors are
// timeouts; net errors and anything unrecognised count as network failures.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// Classify maps a remote failure on a record to the engine's error codes.
// Network failures and timeouts are retryable NETWORK errors.
func Classify(err error, model, id string) *ir.Error {
	switch KindOf(err) {
	case KindAuth:
		return ir.NewAuthExpiredError(err).WithRecord(model, id)
	case KindConflict:
		return ir.NewConflictError(model, id, err)
	case KindValidation:
		e := ir.NewInvalidOperationError("remote rejected mutation")
		e.Err = err
		return e.WithRecord(model, id)
	case KindTimeout:
		return ir.NewNetworkError("remote call timed out", err).WithRecord(model, id)
	default:
		return ir.NewNetworkError("remote call failed", err).WithRecord(model, id)
	}
}
