package itemsync

import (
	"errors"
	"fmt"
	"strings"
)

// NetworkError means the backend could not be reached. It is recoverable:
// reads fall back to the cache and writes are queued.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is any non-2xx response that has no more specific type.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// NotFoundError means the identified item no longer exists server-side.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return "item not found: " + e.ID
}

// ValidationError is an input error. It is never retried or queued.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Message, strings.Join(e.Fields, ", "))
}

// UnauthorizedError is returned by Login on bad credentials.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Message
}

var (
	// ErrNoMorePages is returned by NextPage/PrevPage at either end of the list.
	ErrNoMorePages = errors.New("no more pages")
	// ErrClosed is returned by operations on a torn-down component.
	ErrClosed = errors.New("itemsync: closed")
	// ErrNotInterested marks a result discarded because its caller went away.
	ErrNotInterested = errors.New("itemsync: result discarded after teardown")
)

func IsNetwork(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

func IsServer(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsRetryable reports whether a write that failed with err belongs in the outbox.
func IsRetryable(err error) bool {
	return IsNetwork(err) || IsServer(err)
}
