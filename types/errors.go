package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("error: not found")
	ErrConflict        = errors.New("error: task state conflict")
	ErrNoTaskAvailable = errors.New("error: no task available")
	ErrInvalidParams   = errors.New("error: invalid params")
	ErrNotPermitted    = errors.New("error: not permitted from a worker")
	ErrStorage         = errors.New("error: storage failure")
)

// ErrorCode is the JSON-RPC error code a failure is reported with.
type ErrorCode int

const (
	CodeNotFound        ErrorCode = 1
	CodeConflict        ErrorCode = 2
	CodeNoTaskAvailable ErrorCode = 3
	CodeNotPermitted    ErrorCode = 4

	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternal       ErrorCode = -32603
)

// Retryable reports whether retrying the same call may succeed. Only
// internal (storage/transport) failures are.
func (c ErrorCode) Retryable() bool {
	return c == CodeInternal
}

// CodeOf maps an error to the code it travels with.
func CodeOf(err error) ErrorCode {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNoTaskAvailable):
		return CodeNoTaskAvailable
	case errors.Is(err, ErrNotPermitted):
		return CodeNotPermitted
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	default:
		return CodeInternal
	}
}

// Error is a failure received from (or sent to) the other side of an RPC
// call. It matches the sentinel error of its code with errors.Is so callers
// handle remote and local failures the same way.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError ...
func NewError(err error) *Error {
	return &Error{Code: CodeOf(err), Message: err.Error()}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ErrNotFound
	case CodeConflict:
		return ErrConflict
	case CodeNoTaskAvailable:
		return ErrNoTaskAvailable
	case CodeNotPermitted:
		return ErrNotPermitted
	case CodeParseError, CodeInvalidRequest, CodeMethodNotFound, CodeInvalidParams:
		return ErrInvalidParams
	default:
		return ErrStorage
	}
}

type storageError struct {
	err error
}

// StorageError wraps a backend failure so it matches ErrStorage while keeping
// the underlying error in the chain.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	return &storageError{err: err}
}

func (e *storageError) Error() string        { return fmt.Sprintf("%s: %s", ErrStorage, e.err) }
func (e *storageError) Unwrap() error        { return e.err }
func (e *storageError) Is(target error) bool { return target == ErrStorage }
