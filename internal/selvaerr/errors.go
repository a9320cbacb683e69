// Package selvaerr defines the error kinds returned by core operations
// (spec.md §7) and the mapping to selva_proto error values.
package selvaerr

import "fmt"

// Kind is one of the core error kinds. Mutating commands propagate the
// first Kind surfaced from a core call and abort; they never retry or
// roll back partial mutations.
type Kind int

const (
	General Kind = iota
	InvalidArgument
	WrongType
	NotFound
	AlreadyExists
	OutOfMemory
	OutOfBuffer
	NameTooLong
	NotSupported
	Range
	RPNCompile
	RPNRuntime
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid-argument"
	case WrongType:
		return "wrong-type"
	case NotFound:
		return "not-found"
	case AlreadyExists:
		return "already-exists"
	case OutOfMemory:
		return "out-of-memory"
	case OutOfBuffer:
		return "out-of-buffer"
	case NameTooLong:
		return "name-too-long"
	case NotSupported:
		return "not-supported"
	case Range:
		return "range"
	case RPNCompile:
		return "rpn-compile"
	case RPNRuntime:
		return "rpn-runtime"
	default:
		return "general"
	}
}

// Code is the selva_proto wire code for this kind (§6.A/§7).
func (k Kind) Code() int32 {
	return int32(k)
}

// Error is a core error: a Kind plus an optional human-readable message.
// It supports errors.Is by Kind via Unwrap-free comparison (Is).
type Error struct {
	Kind Kind
	Msg  string
}

func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

func Newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind.String(), e.Msg)
}

// Is makes two *Error values compare by Kind, so errors.Is(err,
// selvaerr.ErrNotFound) matches any NotFound error.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf unwraps err to its Kind, defaulting to General for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return General
	}
	if se, ok := err.(*Error); ok {
		return se.Kind
	}
	return General
}

// Sentinel constructors, one per kind, used as errors.Is comparison targets.
var (
	ErrInvalidArgument = &Error{Kind: InvalidArgument}
	ErrWrongType       = &Error{Kind: WrongType}
	ErrNotFound        = &Error{Kind: NotFound}
	ErrAlreadyExists   = &Error{Kind: AlreadyExists}
	ErrOutOfMemory     = &Error{Kind: OutOfMemory}
	ErrOutOfBuffer     = &Error{Kind: OutOfBuffer}
	ErrNameTooLong     = &Error{Kind: NameTooLong}
	ErrNotSupported    = &Error{Kind: NotSupported}
	ErrRange           = &Error{Kind: Range}
	ErrRPNCompile      = &Error{Kind: RPNCompile}
	ErrRPNRuntime      = &Error{Kind: RPNRuntime}
)
