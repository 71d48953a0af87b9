package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that apply their own policy
// (retry, drop, escalate).
type Kind int

const (
	KindUnknown  Kind = iota
	KindInit          // double init, allocation failure
	KindConfig        // invalid configuration
	KindIO            // open/write/flush/rotate failures
	KindCapacity      // event too large, queue full, size cap reached
	KindState         // operation on an uninitialized or torn-down component
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindCapacity:
		return "capacity"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrNotInitialized     = errors.New("not initialized")
	ErrAlreadyActive      = errors.New("already active")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrBufferFull         = errors.New("staging buffer full")
	ErrEventTooLarge      = errors.New("event exceeds maximum size")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrSizeCap            = errors.New("log file size cap reached")
	ErrFlushFailed        = errors.New("flush failed")
	ErrWriterLocked       = errors.New("log file is owned by another writer")
)

// Error is the error type returned across component boundaries.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
