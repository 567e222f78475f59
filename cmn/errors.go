package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrKind is the closed set of error kinds surfaced at the core's boundary
// (spec §7).
type ErrKind int

const (
	KindOK ErrKind = iota
	KindOutOfMemory
	KindObjectStoreFull
	KindKeyError
	KindTypeError
	KindInvalid
	KindIOError
	KindObjectExists
	KindGCSError
	KindTimedOut
	KindInterrupted
	KindIntentionalSystemExit
	KindUnexpectedSystemExit
	KindNotImplemented
	KindAborted
)

func (k ErrKind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindObjectStoreFull:
		return "ObjectStoreFull"
	case KindKeyError:
		return "KeyError"
	case KindTypeError:
		return "TypeError"
	case KindInvalid:
		return "Invalid"
	case KindIOError:
		return "IOError"
	case KindObjectExists:
		return "ObjectExists"
	case KindGCSError:
		return "GCSError"
	case KindTimedOut:
		return "TimedOut"
	case KindInterrupted:
		return "Interrupted"
	case KindIntentionalSystemExit:
		return "IntentionalSystemExit"
	case KindUnexpectedSystemExit:
		return "UnexpectedSystemExit"
	case KindNotImplemented:
		return "NotImplemented"
	case KindAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Status is a typed error carrying one of the §7 kinds plus a wrapped
// cause; components compare on Kind, never on string content.
type Status struct {
	Kind ErrKind
	msg  string
	Wrapped error
}

func (s *Status) Error() string {
	if s.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", s.Kind, s.msg, s.Wrapped)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.msg)
}

func (s *Status) Unwrap() error { return s.Wrapped }

func NewErr(kind ErrKind, msg string) *Status {
	return &Status{Kind: kind, msg: msg}
}

func NewErrWrap(kind ErrKind, msg string, cause error) *Status {
	return &Status{Kind: kind, msg: msg, Wrapped: errors.WithStack(cause)}
}

func NewErrAborted(name, where string, cause error) *Status {
	if cause != nil {
		return NewErrWrap(KindAborted, fmt.Sprintf("%s: %s", name, where), cause)
	}
	return NewErr(KindAborted, fmt.Sprintf("%s: %s", name, where))
}

func NewErrXactUsePrev(name string) *Status {
	return NewErr(KindInvalid, fmt.Sprintf("%s: use previous xaction", name))
}

// IsErrKind reports whether err (or something it wraps) is a *Status of
// the given kind.
func IsErrKind(err error, kind ErrKind) bool {
	var s *Status
	if errors.As(err, &s) {
		return s.Kind == kind
	}
	return false
}

func IsErrOutOfMemory(err error) bool { return IsErrKind(err, KindOutOfMemory) }
func IsErrTimedOut(err error) bool    { return IsErrKind(err, KindTimedOut) }
