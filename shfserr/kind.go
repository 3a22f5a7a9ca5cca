// Package shfserr annotates errors with the failure taxonomy an SHFS
// administration run needs to tell apart: a bad mount aborts before any
// action runs, a bad device during an action fails just that action, a
// bad argument fails just that action too, and a cancellation unwinds the
// whole run.
package shfserr

import (
	"fmt"

	"github.com/ansel1/merry"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// KindNone marks a nil error.
	KindNone Kind = iota
	// KindMountFatal aborts mount entirely; nothing is persisted.
	KindMountFatal
	// KindIOFatal is a read/write failure against a mounted device during
	// action execution. The action fails but the run continues.
	KindIOFatal
	// KindUserError covers bad arguments and precondition failures: no
	// such hash, duplicate hash, bucket full, no space, bad hex, non
	// regular file.
	KindUserError
	// KindCancelled means a signal handler requested an early stop.
	KindCancelled
	// KindOutOfMemory is fatal and aborts immediately without unmount.
	KindOutOfMemory
)

func (k Kind) String() string {
	switch k {
	case KindMountFatal:
		return "mount-fatal"
	case KindIOFatal:
		return "io-fatal"
	case KindUserError:
		return "user-error"
	case KindCancelled:
		return "cancelled"
	case KindOutOfMemory:
		return "out-of-memory"
	default:
		return "none"
	}
}

const kindValueKey = "shfserr.kind"

// New creates a fresh error of the given kind with a stack trace attached.
func New(kind Kind, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue(kindValueKey, kind)
}

// Wrap annotates an existing error with kind, preserving its message.
// If err already carries a kind, the old value is replaced and a warning
// is logged, mirroring blunder.AddError's behavior on double-tagging.
func Wrap(err error, kind Kind) error {
	if err == nil {
		return merry.New("unknown error").WithValue(kindValueKey, kind)
	}

	if prev := merry.Value(err, kindValueKey); prev != nil {
		Warnf("replacing error kind %v with %v for error: %v", prev, kind, err)
	}

	return merry.WrapSkipping(err, 1).WithValue(kindValueKey, kind)
}

// KindOf extracts the Kind previously attached via New or Wrap. Errors
// that were never tagged report KindIOFatal, since an untagged failure
// deep in the I/O path is the overwhelmingly common case.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if v := merry.Value(err, kindValueKey); v != nil {
		if k, ok := v.(Kind); ok {
			return k
		}
	}
	return KindIOFatal
}

// Is reports whether err was tagged with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Details returns the error message plus stacktrace, when present.
func Details(err error) string {
	if err == nil {
		return ""
	}
	return merry.Details(err)
}
