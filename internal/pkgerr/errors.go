// Package pkgerr implements the hot-reload runtime's semantic error
// taxonomy as a small sum type, so callers branch with errors.Is /
// errors.As instead of string matching.
package pkgerr

import (
	"errors"
	"fmt"
)

// Kind is one of the runtime's semantic error categories.
type Kind int

const (
	// InvalidArgument means the caller violated a precondition.
	InvalidArgument Kind = iota
	// NotFound means a named module/contract/watch is absent.
	NotFound
	// AlreadyExists means a duplicate registration or build start.
	AlreadyExists
	// OutOfMemory means a bounded table (modules, cache, batches) is full.
	OutOfMemory
	// IoError means a file is missing, unreadable, or unwritable.
	IoError
	// CompilationFailed means the external toolchain exited non-zero.
	CompilationFailed
	// BudgetExceeded means the per-frame dispatcher budget was hit.
	BudgetExceeded
	// Timeout means a build exceeded its per-job deadline.
	Timeout
	// SLABreach means a threshold was violated at breach severity.
	SLABreach
	// SystemError means an OS/clock primitive failed.
	SystemError
	// HashCollision means two distinct sources were registered against
	// the same cache output path, which would otherwise serve one
	// file's artifact for another's.
	HashCollision
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case OutOfMemory:
		return "OutOfMemory"
	case IoError:
		return "IoError"
	case CompilationFailed:
		return "CompilationFailed"
	case BudgetExceeded:
		return "BudgetExceeded"
	case Timeout:
		return "Timeout"
	case SLABreach:
		return "SLABreach"
	case SystemError:
		return "SystemError"
	case HashCollision:
		return "HashCollision"
	default:
		return "Unknown"
	}
}

// Error pairs a Kind with a message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, pkgerr.New(NotFound, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Is reports whether err is a *Error of the given kind, anywhere in
// its wrap chain. A thin convenience over errors.Is(err, New(kind, ""))
// so callers don't need to construct a throwaway sentinel inline.
func Is(err error, kind Kind) bool {
	return errors.Is(err, &Error{Kind: kind})
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// sentinels usable with errors.Is(err, pkgerr.ErrNotFound) for callers
// that don't need the message.
var (
	ErrNotFound          = New(NotFound, "")
	ErrAlreadyExists     = New(AlreadyExists, "")
	ErrInvalidArgument   = New(InvalidArgument, "")
	ErrOutOfMemory       = New(OutOfMemory, "")
	ErrBudgetExceeded    = New(BudgetExceeded, "")
	ErrTimeout           = New(Timeout, "")
	ErrCompilationFailed = New(CompilationFailed, "")
	ErrSLABreach         = New(SLABreach, "")
	ErrSystemError       = New(SystemError, "")
	ErrHashCollision     = New(HashCollision, "")
)
