// Package errs classifies pipeline failures so callers can tell a dropped
// message from a broken connection without matching on strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the failure class of a pipeline error.
type Kind int

const (
	// Transport covers broker connect, subscribe and publish failures.
	Transport Kind = iota + 1
	// Decode covers malformed or incomplete inbound payloads.
	Decode
	// Persistence covers storage failures for a batch or a single row.
	Persistence
	// Capacity covers a bounded queue refusing an item.
	Capacity
	// Shutdown covers workers or loops that did not stop in time.
	Shutdown
	// Config covers failures no retry can fix, such as rejected credentials
	// or a malformed subject.
	Config
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Decode:
		return "decode"
	case Persistence:
		return "persistence"
	case Capacity:
		return "capacity"
	case Shutdown:
		return "shutdown"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

var (
	ErrQueueFull      = errors.New("queue full")
	ErrQueueClosed    = errors.New("queue closed")
	ErrNotConnected   = errors.New("broker not connected")
	ErrStartupTimeout = errors.New("broker did not connect before startup timeout")
)

// Error wraps an underlying error with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies a freshly formatted error.
func Wrapf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in the chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrQueueClosed):
		return Capacity
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrStartupTimeout):
		return Transport
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the failure may succeed on a later attempt.
// Decode and config failures never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transport, Capacity, Persistence:
		return true
	default:
		return false
	}
}
