package store

import (
	"errors"
	"strings"
)

type ErrorCode string

const (
	ErrorCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrorCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrorCodeEnqueueFailed      ErrorCode = "ENQUEUE_FAILED"
	ErrorCodeContentionExceeded ErrorCode = "CONTENTION_EXCEEDED"
)

type StoreError struct {
	Code ErrorCode
	Msg  string
}

func (e *StoreError) Error() string {
	return e.Msg
}

func NewInvalidRequestError(msg string) error {
	return &StoreError{Code: ErrorCodeInvalidRequest, Msg: msg}
}

func NewNotFoundError(msg string) error {
	return &StoreError{Code: ErrorCodeNotFound, Msg: msg}
}

func NewEnqueueFailedError(msg string) error {
	return &StoreError{Code: ErrorCodeEnqueueFailed, Msg: msg}
}

func NewContentionExceededError(msg string) error {
	return &StoreError{Code: ErrorCodeContentionExceeded, Msg: msg}
}

func codeOf(err error) (ErrorCode, bool) {
	var se *StoreError
	if !errors.As(err, &se) {
		return "", false
	}
	return se.Code, true
}

func IsInvalidRequest(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeInvalidRequest
}

func IsNotFound(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeNotFound
}

func IsEnqueueFailed(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeEnqueueFailed
}

func IsContentionExceeded(err error) bool {
	c, ok := codeOf(err)
	return ok && c == ErrorCodeContentionExceeded
}

// IsBusy reports whether err looks like SQLite lock contention. The write
// connection carries a busy_timeout, so this only fires once that budget is
// exhausted.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
